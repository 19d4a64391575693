package loopguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "github.com/msageha/conductor/internal/yaml"
)

// Rung is a step of the escalation ladder.
type Rung int

const (
	RungLog Rung = iota + 1
	RungFreshPerspective
	RungAlternativeApproach
	RungRootCause
	RungAdjudication
)

func (r Rung) String() string {
	switch r {
	case RungLog:
		return "log"
	case RungFreshPerspective:
		return "fresh_perspective"
	case RungAlternativeApproach:
		return "alternative_approach"
	case RungRootCause:
		return "root_cause"
	case RungAdjudication:
		return "adjudication"
	default:
		return fmt.Sprintf("rung(%d)", int(r))
	}
}

// Consultation is what a specialist or adjudicator is asked about.
type Consultation struct {
	ProblemKey string
	Rung       Rung
	Phase      string
	TaskID     string
	Detection  Detection
	Recent     []Action
}

// Specialist produces guidance for one of the middle rungs.
type Specialist interface {
	Consult(ctx context.Context, c Consultation) (string, error)
}

type VerdictAction string

const (
	VerdictSkip     VerdictAction = "skip"
	VerdictContinue VerdictAction = "continue"
)

type Verdict struct {
	Action   VerdictAction `yaml:"verdict"`
	Guidance string        `yaml:"guidance,omitempty"`
}

// Adjudicator decides at the top rung whether to abandon the current task.
type Adjudicator interface {
	Adjudicate(ctx context.Context, c Consultation) (Verdict, error)
}

// GuidanceSpecialist returns fixed guidance per rung and detection kind.
type GuidanceSpecialist struct{}

func (GuidanceSpecialist) Consult(_ context.Context, c Consultation) (string, error) {
	var b strings.Builder
	switch c.Rung {
	case RungFreshPerspective:
		b.WriteString("Step back and re-read the current state of the files before acting again.")
	case RungAlternativeApproach:
		b.WriteString("The current approach has failed repeatedly. Use a different tool or rewrite the whole file instead of patching it.")
	case RungRootCause:
		b.WriteString("Find the root cause first: list what was tried, why each attempt failed, and what assumption they share.")
	default:
		b.WriteString("Repeated pattern detected.")
	}
	switch c.Detection.Kind {
	case KindActionRepeat:
		fmt.Fprintf(&b, " Do not call %s with the same arguments again.", c.Detection.Tool)
	case KindAlternating:
		b.WriteString(" You are alternating between the same actions; neither converges.")
	case KindNoProgress:
		fmt.Fprintf(&b, " Phase %s is reading without changing anything; make a concrete change or report that none is needed.", c.Detection.Phase)
	}
	return b.String(), nil
}

// SkipAdjudicator abandons the task without asking anyone.
type SkipAdjudicator struct{}

func (SkipAdjudicator) Adjudicate(context.Context, Consultation) (Verdict, error) {
	return Verdict{Action: VerdictSkip, Guidance: "no adjudicator configured; skipping task"}, nil
}

// FileAdjudicator asks an operator for a verdict through files. It writes
// <Dir>/<problem-key>.request.yaml describing the loop, then waits up to
// Timeout for <Dir>/<problem-key>.yaml and skips the task when none arrives.
// The iteration blocks for that long.
type FileAdjudicator struct {
	Dir          string
	Timeout      time.Duration
	PollInterval time.Duration
	// OnRequest, if set, is called once the request file is written.
	OnRequest func(c Consultation, requestPath string)
}

// AdjudicationRequest is the body of a request file.
type AdjudicationRequest struct {
	ProblemKey  string    `yaml:"problem_key"`
	Rung        string    `yaml:"rung"`
	Phase       string    `yaml:"phase"`
	TaskID      string    `yaml:"task_id,omitempty"`
	Kind        Kind      `yaml:"kind"`
	Severity    Severity  `yaml:"severity"`
	Count       int       `yaml:"count"`
	File        string    `yaml:"file,omitempty"`
	Tool        string    `yaml:"tool,omitempty"`
	Evidence    []string  `yaml:"evidence,omitempty"`
	Recent      []string  `yaml:"recent_signatures,omitempty"`
	VerdictPath string    `yaml:"verdict_path"`
	Deadline    time.Time `yaml:"deadline"`
	// Answer is a reminder of the verdict file format.
	Answer string `yaml:"answer"`
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (a *FileAdjudicator) stem(problemKey string) string {
	return filepath.Join(a.Dir, unsafeKeyChars.ReplaceAllString(problemKey, "_"))
}

// VerdictPath returns the file an operator writes to answer c.
func (a *FileAdjudicator) VerdictPath(problemKey string) string {
	return a.stem(problemKey) + ".yaml"
}

// RequestPath returns the file describing the question for problemKey.
func (a *FileAdjudicator) RequestPath(problemKey string) string {
	return a.stem(problemKey) + ".request.yaml"
}

func (a *FileAdjudicator) writeRequest(c Consultation) (string, error) {
	req := AdjudicationRequest{
		ProblemKey:  c.ProblemKey,
		Rung:        c.Rung.String(),
		Phase:       c.Phase,
		TaskID:      c.TaskID,
		Kind:        c.Detection.Kind,
		Severity:    c.Detection.Severity,
		Count:       c.Detection.Count,
		File:        c.Detection.File,
		Tool:        c.Detection.Tool,
		Evidence:    c.Detection.Evidence,
		VerdictPath: a.VerdictPath(c.ProblemKey),
		Deadline:    time.Now().UTC().Add(a.Timeout),
		Answer:      "verdict: skip|continue\nguidance: <optional text>",
	}
	for _, act := range c.Recent {
		req.Recent = append(req.Recent, act.Signature())
	}
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return "", fmt.Errorf("create adjudication dir: %w", err)
	}
	path := a.RequestPath(c.ProblemKey)
	if err := yamlutil.AtomicWrite(path, req); err != nil {
		return "", fmt.Errorf("write adjudication request: %w", err)
	}
	return path, nil
}

func (a *FileAdjudicator) Adjudicate(ctx context.Context, c Consultation) (Verdict, error) {
	reqPath, err := a.writeRequest(c)
	if err != nil {
		return Verdict{}, err
	}
	defer func() {
		_ = os.Remove(reqPath)
		_ = os.Remove(reqPath + ".bak")
	}()
	if a.OnRequest != nil {
		a.OnRequest(c, reqPath)
	}

	path := a.VerdictPath(c.ProblemKey)
	poll := a.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.NewTimer(a.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if v, ok, err := readVerdict(path); err != nil {
			return Verdict{}, err
		} else if ok {
			_ = os.Remove(path)
			return v, nil
		}

		select {
		case <-ctx.Done():
			return Verdict{Action: VerdictSkip, Guidance: "adjudication interrupted"}, nil
		case <-deadline.C:
			return Verdict{Action: VerdictSkip, Guidance: fmt.Sprintf("no verdict within %s; skipping task", a.Timeout)}, nil
		case <-ticker.C:
		}
	}
}

func readVerdict(path string) (Verdict, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Verdict{}, false, nil
		}
		return Verdict{}, false, fmt.Errorf("read verdict: %w", err)
	}
	var v Verdict
	if err := yamlv3.Unmarshal(data, &v); err != nil {
		return Verdict{}, false, fmt.Errorf("parse verdict %s: %w", path, err)
	}
	if v.Action != VerdictContinue {
		v.Action = VerdictSkip
	}
	return v, true, nil
}
