package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/phase"
)

// Maintenance is the pseudo-phase recorded for maintenance ticks. No adapter
// runs for it.
const Maintenance = "maintenance"

// Fallback order when the algorithm would pick an excluded phase.
var fallbackPhases = []string{phase.ProjectPlanning, phase.Planning, phase.Documentation}

// Improvement phases run in this order once every task is terminal.
var improvementPhases = []string{phase.ToolEvaluation, phase.PromptImprovement, phase.RoleImprovement}

const (
	healthTaskWindow   = 20
	healthMinTasks     = 10
	healthMaxSkipRatio = 0.5
)

// Decision is the outcome of DecideNextAction.
type Decision struct {
	Phase  string
	TaskID string
	Reason string
	// Forced is set when a phase was excluded; Excluded names it.
	Forced   bool
	Excluded []string
	// Maintenance is set when the tick is a maintenance no-op.
	Maintenance bool
}

func (d Decision) String() string {
	if d.TaskID == "" {
		return d.Phase
	}
	return d.Phase + "(" + d.TaskID + ")"
}

// DecideNextAction picks the phase for the next iteration. It is
// deterministic for a given state and filesystem. It mutates st: exhausted or
// target-less tasks become SKIPPED, a consumed hint is cleared, and the
// no-update counter of a phase forced away for no progress is reset.
func (s *Scheduler) DecideNextAction(st *model.PipelineState) Decision {
	st.EnsureMaps()

	if d, ok := s.maintenanceDecision(st); ok {
		return d
	}

	excluded, why := s.forcedExclusions(st)
	if len(excluded) > 0 {
		d := s.decide(st, excluded)
		if excluded[d.Phase] {
			d = s.fallback(st, excluded)
		}
		d.Forced = true
		d.Excluded = sortedSet(excluded)
		d.Reason = fmt.Sprintf("forced away from %s (%s); %s", strings.Join(d.Excluded, ","), why, d.Reason)
		for p := range excluded {
			s.store.ResetNoUpdateCount(st, p)
		}
		return d
	}

	if hint := st.NextPhaseHint; hint != "" {
		st.NextPhaseHint = ""
		if d, ok := s.hintDecision(st, hint); ok {
			return d
		}
		s.logger.Infof("next_phase_hint_ignored hint=%s", hint)
	}

	return s.decide(st, nil)
}

// forcedExclusions returns the phases that must not run next. The no-update
// rule applies to every phase unconditionally. Stall rules apply to the last
// phase; an improving trend exempts it from the failure and oscillation
// rules but not from the same-phase run limit.
func (s *Scheduler) forcedExclusions(st *model.PipelineState) (map[string]bool, string) {
	cfg := s.cfg.Scheduler
	excluded := make(map[string]bool)
	var reasons []string

	for _, name := range sortedKeys(st.NoUpdateCounts) {
		if st.NoUpdateCounts[name] < cfg.NoUpdateThreshold {
			continue
		}
		excluded[name] = true
		reasons = append(reasons, fmt.Sprintf("%s no_update=%d", name, st.NoUpdateCounts[name]))
	}

	last := st.LastPhase()
	ps, ok := st.Phases[last]
	if last == "" || last == Maintenance || !ok {
		return excluded, strings.Join(reasons, ",")
	}
	if rec, ok := ps.LastRecord(); ok && rec.Success && rec.FilesTouched() {
		return excluded, strings.Join(reasons, ",")
	}

	if _, n := st.TrailingPhaseRun(); n >= cfg.SamePhaseRunLimit {
		excluded[last] = true
		reasons = append(reasons, fmt.Sprintf("%s same_phase_run=%d", last, n))
	}
	if ps.IsImproving(cfg.TrendWindow) {
		return excluded, strings.Join(reasons, ",")
	}
	if n := ps.ConsecutiveFailures(); n >= cfg.MaxConsecutiveFailures {
		excluded[last] = true
		reasons = append(reasons, fmt.Sprintf("%s consecutive_failures=%d", last, n))
	}
	if ps.IsOscillating(cfg.OscillationThreshold) {
		excluded[last] = true
		reasons = append(reasons, last+" oscillating")
	}
	return excluded, strings.Join(reasons, ",")
}

func (s *Scheduler) fallback(st *model.PipelineState, excluded map[string]bool) Decision {
	for _, p := range fallbackPhases {
		if !excluded[p] {
			return Decision{Phase: p, Reason: "fallback"}
		}
	}
	// every fallback is excluded; expansion is the phase that can add work
	return Decision{Phase: phase.ProjectPlanning, Reason: "fallback exhausted"}
}

// hintDecision honors an adapter's next_phase_hint when a matching adapter
// and, for task phases, a matching task exist.
func (s *Scheduler) hintDecision(st *model.PipelineState, hint string) (Decision, bool) {
	if s.adapters == nil || !s.adapters.Has(hint) {
		return Decision{}, false
	}
	d := Decision{Phase: hint, Reason: "next_phase_hint"}
	switch hint {
	case phase.QA:
		t := oldestTask(st.TasksWithStatus(model.TaskStatusQAPending))
		if t == nil {
			return Decision{}, false
		}
		d.TaskID = t.ID
	case phase.Debugging:
		t := s.nextDebugTask(st)
		if t == nil {
			return Decision{}, false
		}
		d.TaskID = t.ID
	case phase.Coding:
		t := s.nextPendingTask(st, func(t *model.Task) bool { return !t.IsDocumentation() })
		if t == nil {
			return Decision{}, false
		}
		d.TaskID = t.ID
	}
	return d, true
}

// decide runs the priority algorithm. Phases in excluded are passed over.
func (s *Scheduler) decide(st *model.PipelineState, excluded map[string]bool) Decision {
	allowed := func(p string) bool { return !excluded[p] }

	if len(st.Tasks) == 0 && allowed(phase.Planning) {
		return Decision{Phase: phase.Planning, Reason: "no tasks exist"}
	}

	if allowed(phase.QA) {
		if t := oldestTask(st.TasksWithStatus(model.TaskStatusQAPending)); t != nil {
			return Decision{Phase: phase.QA, TaskID: t.ID, Reason: "task awaiting review"}
		}
	}

	if t := s.nextDebugTask(st); t != nil && allowed(phase.Debugging) {
		return Decision{Phase: phase.Debugging, TaskID: t.ID, Reason: fmt.Sprintf("task needs fixes (attempt %d/%d)", t.Attempts+1, s.cfg.Retry.MaxRetries)}
	}

	if t := s.nextPendingTask(st, func(t *model.Task) bool {
		if t.IsDocumentation() {
			return allowed(phase.Documentation)
		}
		return allowed(phase.Coding)
	}); t != nil {
		if t.IsDocumentation() {
			return Decision{Phase: phase.Documentation, TaskID: t.ID, Reason: "documentation task ready"}
		}
		return Decision{Phase: phase.Coding, TaskID: t.ID, Reason: fmt.Sprintf("task ready (priority %d)", t.Priority)}
	}

	if st.NeedsDocumentationUpdate() && allowed(phase.Documentation) {
		return Decision{Phase: phase.Documentation, Reason: fmt.Sprintf("completed tasks %d > last doc sync %d", st.CompletedCount(), st.LastDocUpdateCount)}
	}

	if st.AllTasksTerminal() {
		for _, p := range improvementPhases {
			if !allowed(p) || s.adapters == nil || !s.adapters.Has(p) || st.PhaseRunCount(p) > 0 {
				continue
			}
			if s.hasArtifacts(p) {
				return Decision{Phase: p, Reason: "unevaluated improvement artifacts"}
			}
		}
	}

	if allowed(phase.ProjectPlanning) {
		if ok, why := s.expansionHealthy(st); !ok {
			return Decision{Phase: Maintenance, Maintenance: true, Reason: why}
		}
		return Decision{Phase: phase.ProjectPlanning, Reason: "no ready work; expanding"}
	}
	return s.fallback(st, excluded)
}

// nextDebugTask returns the first NEEDS_FIXES task with attempts left. Tasks
// that ran out of attempts are skipped on the way.
func (s *Scheduler) nextDebugTask(st *model.PipelineState) *model.Task {
	for _, t := range st.TasksWithStatus(model.TaskStatusNeedsFixes) {
		if t.Attempts >= s.cfg.Retry.MaxRetries {
			s.transition(st, t, model.TaskStatusSkipped, "retries exhausted")
			continue
		}
		return t
	}
	return nil
}

// nextPendingTask returns the most urgent NEW or IN_PROGRESS task whose
// dependencies are met and which accept allows. NEW tasks without a target
// and tasks out of attempts become SKIPPED.
func (s *Scheduler) nextPendingTask(st *model.PipelineState, accept func(*model.Task) bool) *model.Task {
	var candidates []*model.Task
	for _, t := range st.TasksWithStatus(model.TaskStatusNew, model.TaskStatusInProgress) {
		switch {
		case t.Status == model.TaskStatusNew && t.TargetFile == "":
			s.transition(st, t, model.TaskStatusSkipped, "no target file")
		case t.Attempts >= s.cfg.Retry.MaxRetries:
			s.transition(st, t, model.TaskStatusSkipped, "retries exhausted")
		default:
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, t := range candidates {
		if !s.dependenciesMet(st, t) {
			continue
		}
		if accept == nil || accept(t) {
			return t
		}
	}
	return nil
}

// dependenciesMet reports whether every dependency was produced by a
// COMPLETED task or already exists on disk.
func (s *Scheduler) dependenciesMet(st *model.PipelineState, t *model.Task) bool {
	for _, dep := range t.Dependencies {
		dep = model.NormalizePath(dep)
		if dep == "" {
			continue
		}
		if completedTarget(st, dep) {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.projectDir, filepath.FromSlash(dep))); err == nil {
			continue
		}
		return false
	}
	return true
}

func completedTarget(st *model.PipelineState, path string) bool {
	for _, t := range st.Tasks {
		if t.Status == model.TaskStatusCompleted && t.TargetFile == path {
			return true
		}
	}
	return false
}

func (s *Scheduler) hasArtifacts(p string) bool {
	dirs := s.cfg.Scheduler.ImprovementDirs
	var dir string
	switch p {
	case phase.ToolEvaluation:
		dir = dirs.Tools
	case phase.PromptImprovement:
		dir = dirs.Prompts
	case phase.RoleImprovement:
		dir = dirs.Roles
	default:
		return false
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.projectDir, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			return true
		}
	}
	return false
}

// expansionHealthy fails when the expansion cap is reached or when most of
// the recent tasks were skipped.
func (s *Scheduler) expansionHealthy(st *model.PipelineState) (bool, string) {
	if max := s.cfg.Scheduler.MaxExpansionCycles; max > 0 && st.ExpansionCount >= max {
		return false, fmt.Sprintf("expansion cycles %d reached cap %d", st.ExpansionCount, max)
	}
	recent := recentTasks(st, healthTaskWindow)
	if len(recent) < healthMinTasks {
		return true, ""
	}
	skipped := 0
	for _, t := range recent {
		if t.Status == model.TaskStatusSkipped {
			skipped++
		}
	}
	if ratio := float64(skipped) / float64(len(recent)); ratio > healthMaxSkipRatio {
		return false, fmt.Sprintf("%d of last %d tasks skipped", skipped, len(recent))
	}
	return true, ""
}

// maintenanceDecision keeps a maintenance tick going while the pipeline is
// idle and expansion is still unhealthy. Otherwise it leaves maintenance.
func (s *Scheduler) maintenanceDecision(st *model.PipelineState) (Decision, bool) {
	if st.Mode != model.ModeMaintenance {
		return Decision{}, false
	}
	if len(st.Tasks) > 0 && !st.AllTasksTerminal() {
		s.leaveMaintenance(st, "non-terminal task present")
		return Decision{}, false
	}
	ok, why := s.expansionHealthy(st)
	if ok {
		s.leaveMaintenance(st, "expansion healthy")
		return Decision{}, false
	}
	return Decision{Phase: Maintenance, Maintenance: true, Reason: why}, true
}

func (s *Scheduler) leaveMaintenance(st *model.PipelineState, why string) {
	st.Mode = model.ModeNormal
	s.logger.Infof("maintenance_exited reason=%q", why)
}

func oldestTask(tasks []*model.Task) *model.Task {
	var oldest *model.Task
	for _, t := range tasks {
		if oldest == nil || t.CreatedAt < oldest.CreatedAt || (t.CreatedAt == oldest.CreatedAt && t.ID < oldest.ID) {
			oldest = t
		}
	}
	return oldest
}

// recentTasks returns the n most recently created tasks.
func recentTasks(st *model.PipelineState, n int) []*model.Task {
	tasks := st.SortedTasks()
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt < tasks[j].CreatedAt })
	if len(tasks) > n {
		tasks = tasks[len(tasks)-n:]
	}
	return tasks
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
