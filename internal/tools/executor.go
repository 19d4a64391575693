package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

type ErrorType string

const (
	ErrorTypeNone          ErrorType = ""
	ErrorTypeNotFound      ErrorType = "tool_not_found"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeExecution     ErrorType = "execution_error"
	ErrorTypeInvalidOutput ErrorType = "invalid_output"
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolTimeout       = errors.New("tool timed out")
	ErrToolExecution     = errors.New("tool execution failed")
	ErrToolOutputInvalid = errors.New("tool output is not a JSON object")
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 500
	// stdout beyond this is discarded before parsing.
	maxStdoutBytes = 4 << 20
)

// Result is the outcome of one tool run. Failures are reported here rather
// than as Go errors; Err maps them back to sentinels.
type Result struct {
	Success              bool           `json:"success"`
	Result               map[string]any `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
	ErrorType            ErrorType      `json:"error_type,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
}

// Err returns the sentinel matching ErrorType, or nil on success.
func (r Result) Err() error {
	var base error
	switch r.ErrorType {
	case ErrorTypeNone:
		if r.Success {
			return nil
		}
		base = ErrToolExecution
	case ErrorTypeNotFound:
		base = ErrToolNotFound
	case ErrorTypeTimeout:
		base = ErrToolTimeout
	case ErrorTypeInvalidOutput:
		base = ErrToolOutputInvalid
	default:
		base = ErrToolExecution
	}
	if r.Error == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Error)
}

// Executor runs registered tools as subprocesses:
//
//	<command> --project-dir <dir> --args <json>
//
// A tool must print exactly one JSON object on stdout.
type Executor struct {
	registry       *Registry
	projectDir     string
	defaultTimeout time.Duration
	maxOutput      int
	logger         *zap.SugaredLogger
}

func NewExecutor(registry *Registry, projectDir string, cfg model.ToolsConfig, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Executor{
		registry:       registry,
		projectDir:     projectDir,
		defaultTimeout: cfg.DefaultTimeout(),
		maxOutput:      cfg.MaxOutputBytes,
		logger:         logger.Named("executor"),
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = defaultTimeout
	}
	if e.maxOutput <= 0 {
		e.maxOutput = defaultMaxOutput
	}
	return e
}

// Execute runs the named tool. A zero timeout uses the descriptor's
// timeout_sec, then the configured default.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()
	res := e.run(ctx, name, args, timeout)
	res.ExecutionTimeSeconds = time.Since(start).Seconds()
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["tool"] = name

	if res.Success {
		e.logger.Infof("tool_executed tool=%s duration=%.3fs", name, res.ExecutionTimeSeconds)
	} else {
		e.logger.Warnf("tool_failed tool=%s error_type=%s error=%s", name, res.ErrorType, res.Error)
	}
	return res
}

func (e *Executor) run(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	desc, ok := e.registry.Get(name)
	if !ok {
		return Result{ErrorType: ErrorTypeNotFound, Error: fmt.Sprintf("tool %q is not registered", name)}
	}
	command, err := e.resolveCommand(desc)
	if err != nil {
		return Result{ErrorType: ErrorTypeNotFound, Error: err.Error()}
	}

	if timeout <= 0 && desc.TimeoutSec > 0 {
		timeout = time.Duration(desc.TimeoutSec) * time.Second
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Result{ErrorType: ErrorTypeExecution, Error: "encode args: " + err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, "--project-dir", e.projectDir, "--args", string(argsJSON))
	cmd.Dir = e.projectDir
	// children that inherit the pipes must not keep Wait blocked past the kill
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: maxStdoutBytes}
	stderr := &cappedBuffer{limit: e.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	meta := map[string]any{"command": command}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{
			ErrorType: ErrorTypeTimeout,
			Error:     fmt.Sprintf("tool %s timed out after %s", name, timeout),
			Metadata:  meta,
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			meta["exit_code"] = exitErr.ExitCode()
		}
		msg := e.truncate(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return Result{ErrorType: ErrorTypeExecution, Error: msg, Metadata: meta}
	}

	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil || out == nil {
		return Result{
			ErrorType: ErrorTypeInvalidOutput,
			Error:     "invalid JSON output: " + e.truncate(stdout.String()),
			Metadata:  meta,
		}
	}
	meta["exit_code"] = 0
	if s := stderr.String(); s != "" {
		meta["stderr"] = e.truncate(s)
	}
	return Result{Success: true, Result: out, Metadata: meta}
}

// resolveCommand picks the executable: the descriptor command, else a file
// named after the tool in the tools directory. Relative commands resolve
// against the project directory.
func (e *Executor) resolveCommand(d Descriptor) (string, error) {
	command := d.Command
	if command == "" {
		command = filepath.Join(e.registry.Dir(), d.Name)
	} else if !filepath.IsAbs(command) && filepath.Base(command) != command {
		command = filepath.Join(e.projectDir, command)
	}
	if filepath.Base(command) == command {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("tool %s: command %q not found on PATH", d.Name, command)
		}
		return path, nil
	}
	info, err := os.Stat(command)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", d.Name, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return "", fmt.Errorf("tool %s: %s is not executable", d.Name, command)
	}
	return command, nil
}

func (e *Executor) truncate(s string) string {
	if len(s) <= e.maxOutput {
		return s
	}
	return s[:e.maxOutput]
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so a
// chatty tool cannot exhaust memory or block on a full pipe.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte  { return c.buf.Bytes() }
func (c *cappedBuffer) String() string { return c.buf.String() }
