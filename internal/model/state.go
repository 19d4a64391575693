package model

import "sort"

const (
	StateSchemaVersion = 1
	StateFileType      = "pipeline_state"

	// DefaultPhaseHistorySize bounds PipelineState.PhaseHistory.
	DefaultPhaseHistorySize = 100
)

// PipelineState is the aggregate root persisted as one document.
type PipelineState struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	RunID         string       `yaml:"run_id"`
	UpdatedAt     string       `yaml:"updated_at"`
	Mode          PipelineMode `yaml:"mode"`

	Tasks      map[string]*Task       `yaml:"tasks"`
	Files      map[string]*FileState  `yaml:"files"`
	Phases     map[string]*PhaseState `yaml:"phases"`
	Issues     map[string]*Issue      `yaml:"issues"`
	Objectives map[string]*Objective  `yaml:"objectives"`

	ExpansionCount     int            `yaml:"expansion_count"`
	LastDocUpdateCount int            `yaml:"last_doc_update_count"`
	NoUpdateCounts     map[string]int `yaml:"no_update_counts"`
	PhaseHistory       []string       `yaml:"phase_history,omitempty"`
	NextPhaseHint      string         `yaml:"next_phase_hint,omitempty"`

	Continuous Continuous `yaml:"continuous"`
}

// NewPipelineState returns an empty state ready for the first iteration.
func NewPipelineState(runID string) *PipelineState {
	s := &PipelineState{
		SchemaVersion: StateSchemaVersion,
		FileType:      StateFileType,
		RunID:         runID,
		UpdatedAt:     Now(),
		Mode:          ModeNormal,
	}
	s.EnsureMaps()
	return s
}

// EnsureMaps replaces nil collections with empty ones so callers never have
// to nil-check after a load.
func (s *PipelineState) EnsureMaps() {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.Files == nil {
		s.Files = make(map[string]*FileState)
	}
	if s.Phases == nil {
		s.Phases = make(map[string]*PhaseState)
	}
	if s.Issues == nil {
		s.Issues = make(map[string]*Issue)
	}
	if s.Objectives == nil {
		s.Objectives = make(map[string]*Objective)
	}
	if s.NoUpdateCounts == nil {
		s.NoUpdateCounts = make(map[string]int)
	}
	if s.Mode == "" {
		s.Mode = ModeNormal
	}
}

// Phase returns the state for name, creating it on first use.
func (s *PipelineState) Phase(name string) *PhaseState {
	if s.Phases == nil {
		s.Phases = make(map[string]*PhaseState)
	}
	p, ok := s.Phases[name]
	if !ok {
		p = &PhaseState{Name: name}
		s.Phases[name] = p
	}
	return p
}

// PhaseRunCount returns how often name has run, without creating an entry.
func (s *PipelineState) PhaseRunCount(name string) int {
	if p, ok := s.Phases[name]; ok {
		return p.RunCount
	}
	return 0
}

// AddTask inserts t, keyed by its id.
func (s *PipelineState) AddTask(t *Task) {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	s.Tasks[t.ID] = t
	if t.ObjectiveID != "" {
		if obj, ok := s.Objectives[t.ObjectiveID]; ok {
			obj.AddTask(t.ID)
		}
	}
}

// SortedTasks returns all tasks ordered by id.
func (s *PipelineState) SortedTasks() []*Task {
	out := make([]*Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TasksWithStatus returns tasks in any of the given statuses, ordered by id.
func (s *PipelineState) TasksWithStatus(statuses ...TaskStatus) []*Task {
	want := make(map[TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Task
	for _, t := range s.SortedTasks() {
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return out
}

func (s *PipelineState) CountByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}

func (s *PipelineState) CompletedCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == TaskStatusCompleted {
			n++
		}
	}
	return n
}

// AllTasksTerminal is false for an empty task set.
func (s *PipelineState) AllTasksTerminal() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// NeedsDocumentationUpdate reports whether tasks completed since the last
// documentation run.
func (s *PipelineState) NeedsDocumentationUpdate() bool {
	return s.CompletedCount() > s.LastDocUpdateCount
}

// TaskForFile returns the newest task targeting path, if any.
func (s *PipelineState) TaskForFile(path string) *Task {
	path = NormalizePath(path)
	var found *Task
	for _, t := range s.SortedTasks() {
		if t.TargetFile == path {
			found = t
		}
	}
	return found
}

// AppendPhaseHistory records that phase ran, keeping at most limit entries.
func (s *PipelineState) AppendPhaseHistory(phase string, limit int) {
	if limit <= 0 {
		limit = DefaultPhaseHistorySize
	}
	s.PhaseHistory = append(s.PhaseHistory, phase)
	if over := len(s.PhaseHistory) - limit; over > 0 {
		trimmed := make([]string, limit)
		copy(trimmed, s.PhaseHistory[over:])
		s.PhaseHistory = trimmed
	}
}

// LastPhase returns the most recent entry of the phase history.
func (s *PipelineState) LastPhase() string {
	if len(s.PhaseHistory) == 0 {
		return ""
	}
	return s.PhaseHistory[len(s.PhaseHistory)-1]
}

// TrailingPhaseRun returns the phase at the end of the history and how many
// times in a row it appears there.
func (s *PipelineState) TrailingPhaseRun() (string, int) {
	last := s.LastPhase()
	if last == "" {
		return "", 0
	}
	n := 0
	for i := len(s.PhaseHistory) - 1; i >= 0 && s.PhaseHistory[i] == last; i-- {
		n++
	}
	return last, n
}
