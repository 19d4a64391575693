// Package phase defines the contract between the scheduler and the phase
// implementations it drives.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/conductor/internal/loopguard"
	"github.com/msageha/conductor/internal/model"
)

// Phase names.
const (
	Planning          = "planning"
	Coding            = "coding"
	QA                = "qa"
	Debugging         = "debugging"
	Documentation     = "documentation"
	ProjectPlanning   = "project_planning"
	ToolDesign        = "tool_design"
	ToolEvaluation    = "tool_evaluation"
	PromptImprovement = "prompt_improvement"
	RoleImprovement   = "role_improvement"
)

var (
	// ErrValidation marks a failure that retrying cannot fix.
	ErrValidation = errors.New("validation error")
	// ErrCircuitOpen is returned without calling the adapter while its
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
)

// UnknownToolsError reports that a phase needed tools nobody has built.
type UnknownToolsError struct {
	Tools []string
}

func (e *UnknownToolsError) Error() string {
	return "unknown tools: " + strings.Join(e.Tools, ", ")
}

// TaskContext is the work item handed to an adapter.
type TaskContext struct {
	Task   *model.Task
	Reason string
	// Guidance, SuggestedTools and BlockedTools carry loop guard advice from
	// the previous iteration.
	Guidance       string
	SuggestedTools []string
	BlockedTools   []string
	Data           map[string]any
}

// Result is what an adapter reports back. The scheduler reconciles it into
// state.
type Result struct {
	Success       bool
	Message       string
	FilesCreated  []string
	FilesModified []string
	Errors        []string
	Data          map[string]any
	NextPhaseHint string
	NewTasks      []*model.Task
	NewIssues     []*model.Issue
	Actions       []loopguard.Action
}

// FilesTouched reports whether the run created or modified any file.
func (r Result) FilesTouched() bool {
	return len(r.FilesCreated) > 0 || len(r.FilesModified) > 0
}

// UnknownTools returns the tools the phase asked to be developed, if any.
func (r Result) UnknownTools() []string {
	if required, _ := r.Data["requires_tool_development"].(bool); !required {
		return nil
	}
	switch v := r.Data["unknown_tools"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// Adapter runs one phase. Implementations live outside this module.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, st *model.PipelineState, tc TaskContext) (Result, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc struct {
	PhaseName string
	Fn        func(ctx context.Context, st *model.PipelineState, tc TaskContext) (Result, error)
}

func (f AdapterFunc) Name() string { return f.PhaseName }

func (f AdapterFunc) Execute(ctx context.Context, st *model.PipelineState, tc TaskContext) (Result, error) {
	return f.Fn(ctx, st, tc)
}

// Registry maps phase names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Wrap replaces every adapter with wrap(adapter).
func (r *Registry) Wrap(wrap func(Adapter) Adapter) {
	for name, a := range r.adapters {
		r.adapters[name] = wrap(a)
	}
}

func (r *Registry) String() string {
	return fmt.Sprintf("phase.Registry%v", r.Names())
}
