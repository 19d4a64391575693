package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/loopguard"
	"github.com/msageha/conductor/internal/model"
)

const commandStderrTail = 500

// CommandAdapter runs a phase as an external process. The process reads one
// JSON request on stdin and prints one JSON result object on stdout:
//
//	{"success": true, "message": "...", "files_created": ["a.py"],
//	 "files_modified": [], "errors": [], "data": {}, "next_phase_hint": "",
//	 "new_tasks": [...], "new_issues": [...], "actions": [...]}
//
// A non-zero exit is a retryable error. Output that is not a JSON object is
// an ErrValidation.
type CommandAdapter struct {
	name       string
	projectDir string
	stateFile  string
	cfg        model.PhaseCommandConfig
	logger     *zap.SugaredLogger
}

func NewCommandAdapter(name, projectDir, stateFile string, cfg model.PhaseCommandConfig, logger *zap.SugaredLogger) *CommandAdapter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandAdapter{
		name:       name,
		projectDir: projectDir,
		stateFile:  stateFile,
		cfg:        cfg,
		logger:     logger.Named("phase"),
	}
}

// CommandAdapters builds one adapter per configured phase, sorted by name.
func CommandAdapters(projectDir, stateFile string, phases map[string]model.PhaseCommandConfig, logger *zap.SugaredLogger) []Adapter {
	names := make([]string, 0, len(phases))
	for name := range phases {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, NewCommandAdapter(name, projectDir, stateFile, phases[name], logger))
	}
	return out
}

func (a *CommandAdapter) Name() string { return a.name }

type commandTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	TargetFile   string   `json:"target_file,omitempty"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	Attempts     int      `json:"attempts"`
	Dependencies []string `json:"dependencies,omitempty"`
	ObjectiveID  string   `json:"objective_id,omitempty"`
	IssueID      string   `json:"issue_id,omitempty"`
}

type commandRequest struct {
	Phase          string         `json:"phase"`
	ProjectDir     string         `json:"project_dir"`
	StateFile      string         `json:"state_file"`
	RunID          string         `json:"run_id,omitempty"`
	Iteration      int            `json:"iteration"`
	Reason         string         `json:"reason,omitempty"`
	Task           *commandTask   `json:"task,omitempty"`
	Guidance       string         `json:"guidance,omitempty"`
	SuggestedTools []string       `json:"suggested_tools,omitempty"`
	BlockedTools   []string       `json:"blocked_tools,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

type commandAction struct {
	Agent   string         `json:"agent"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
	File    string         `json:"file"`
	Success bool           `json:"success"`
}

type commandResponse struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	FilesCreated  []string        `json:"files_created"`
	FilesModified []string        `json:"files_modified"`
	Errors        []string        `json:"errors"`
	Data          map[string]any  `json:"data"`
	NextPhaseHint string          `json:"next_phase_hint"`
	NewTasks      json.RawMessage `json:"new_tasks"`
	NewIssues     json.RawMessage `json:"new_issues"`
	Actions       []commandAction `json:"actions"`
}

func (a *CommandAdapter) Execute(ctx context.Context, st *model.PipelineState, tc TaskContext) (Result, error) {
	command, err := a.resolve()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	req := commandRequest{
		Phase:          a.name,
		ProjectDir:     a.projectDir,
		StateFile:      a.stateFile,
		Reason:         tc.Reason,
		Guidance:       tc.Guidance,
		SuggestedTools: tc.SuggestedTools,
		BlockedTools:   tc.BlockedTools,
		Data:           tc.Data,
	}
	if st != nil {
		req.RunID = st.RunID
		req.Iteration = st.Continuous.CurrentIteration
	}
	if t := tc.Task; t != nil {
		req.Task = &commandTask{
			ID:           t.ID,
			Description:  t.Description,
			TargetFile:   t.TargetFile,
			Status:       string(t.Status),
			Priority:     t.Priority,
			Attempts:     t.Attempts,
			Dependencies: t.Dependencies,
			ObjectiveID:  t.ObjectiveID,
			IssueID:      t.IssueID,
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrValidation, err)
	}

	runCtx := ctx
	if a.cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command, a.cfg.Args...)
	cmd.Dir = a.projectDir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_PHASE="+a.name,
		"CONDUCTOR_PROJECT_DIR="+a.projectDir,
		"CONDUCTOR_STATE_FILE="+a.stateFile,
	)
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("phase %s timed out after %ds", a.name, a.cfg.TimeoutSec)
	}
	if runErr != nil {
		return Result{}, fmt.Errorf("phase %s: %w: %s", a.name, runErr, tail(stderr.String(), commandStderrTail))
	}

	res, err := decodeResponse(stdout.Bytes(), a.name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: phase %s: %v", ErrValidation, a.name, err)
	}
	a.logger.Debugf("phase_process_done phase=%s success=%t duration=%s", a.name, res.Success, elapsed)
	return res, nil
}

func (a *CommandAdapter) resolve() (string, error) {
	command := a.cfg.Command
	if command == "" {
		return "", fmt.Errorf("phase %s: no command configured", a.name)
	}
	if !filepath.IsAbs(command) && filepath.Base(command) != command {
		command = filepath.Join(a.projectDir, command)
	}
	if filepath.Base(command) == command {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("phase %s: command %q not found on PATH", a.name, command)
		}
		return path, nil
	}
	info, err := os.Stat(command)
	if err != nil {
		return "", fmt.Errorf("phase %s: %w", a.name, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return "", fmt.Errorf("phase %s: %s is not executable", a.name, command)
	}
	return command, nil
}

func decodeResponse(out []byte, phaseName string) (Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '{' {
		return Result{}, fmt.Errorf("output is not a JSON object: %q", tail(string(out), commandStderrTail))
	}
	var resp commandResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Result{}, fmt.Errorf("decode output: %w", err)
	}

	res := Result{
		Success:       resp.Success,
		Message:       resp.Message,
		FilesCreated:  resp.FilesCreated,
		FilesModified: resp.FilesModified,
		Errors:        resp.Errors,
		Data:          resp.Data,
		NextPhaseHint: resp.NextPhaseHint,
	}
	if err := decodeModels(resp.NewTasks, &res.NewTasks); err != nil {
		return Result{}, fmt.Errorf("decode new_tasks: %w", err)
	}
	if err := decodeModels(resp.NewIssues, &res.NewIssues); err != nil {
		return Result{}, fmt.Errorf("decode new_issues: %w", err)
	}
	now := time.Now().UTC()
	for _, act := range resp.Actions {
		res.Actions = append(res.Actions, loopguard.Action{
			Phase:     phaseName,
			Agent:     act.Agent,
			Tool:      act.Tool,
			Args:      act.Args,
			File:      act.File,
			Success:   act.Success,
			Timestamp: now,
		})
	}
	return res, nil
}

// decodeModels maps JSON objects onto model types through their yaml tags,
// so processes use the same snake_case keys as the state file.
func decodeModels(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	data, err := yamlv3.Marshal(generic)
	if err != nil {
		return err
	}
	return yamlv3.Unmarshal(data, out)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
