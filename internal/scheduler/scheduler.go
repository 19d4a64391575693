// Package scheduler runs the perpetual build loop: load state, pick the next
// phase, run its adapter, reconcile the result and save.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/issues"
	"github.com/msageha/conductor/internal/loopguard"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/phase"
	"github.com/msageha/conductor/internal/state"
	"github.com/msageha/conductor/internal/tools"
)

const defaultMaintenanceIdle = 30 * time.Second

// StateObserver receives the state after every saved iteration.
type StateObserver interface {
	Observe(st *model.PipelineState) error
}

// Scheduler is the single coordinator. It is not safe for concurrent use;
// one goroutine drives Run.
type Scheduler struct {
	projectDir string
	cfg        model.Config
	store      *state.Store
	adapters   *phase.Registry
	tracker    *issues.Tracker
	guard      *loopguard.Guard
	tools      *tools.Registry
	bus        *events.Bus
	observer   StateObserver
	logger     *zap.SugaredLogger

	// advice from the loop guard, attached to the next TaskContext
	advice *loopguard.Intervention

	maintenanceIdle time.Duration
}

// New creates a scheduler. Optional collaborators are attached with the Set
// methods.
func New(projectDir string, cfg model.Config, store *state.Store, adapters *phase.Registry, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if adapters == nil {
		adapters = phase.NewRegistry()
	}
	return &Scheduler{
		projectDir:      projectDir,
		cfg:             cfg,
		store:           store,
		adapters:        adapters,
		tracker:         issues.NewTracker(logger),
		logger:          logger.Named("scheduler"),
		maintenanceIdle: defaultMaintenanceIdle,
	}
}

func (s *Scheduler) SetIssueTracker(t *issues.Tracker) { s.tracker = t }

func (s *Scheduler) SetLoopGuard(g *loopguard.Guard) { s.guard = g }

func (s *Scheduler) SetToolRegistry(r *tools.Registry) { s.tools = r }

func (s *Scheduler) SetEventBus(b *events.Bus) { s.bus = b }

func (s *Scheduler) SetStateObserver(o StateObserver) { s.observer = o }

// Run loops until ctx is cancelled, the iteration budget is spent, or a save
// fails. Only the last case returns an error.
func (s *Scheduler) Run(ctx context.Context) error {
	maxIter := s.cfg.Scheduler.MaxIterations

	var limiter *rate.Limiter
	if interval := s.cfg.Scheduler.MinIterationInterval(); interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	s.logger.Infof("scheduler_started max_iterations=%d", maxIter)
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			s.stop("interrupted")
			return nil
		}
		if maxIter > 0 && i >= maxIter {
			s.stop("max_iterations_reached")
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.stop("interrupted")
				return nil
			}
		}

		d, err := s.RunIteration(ctx)
		if err != nil {
			s.logger.Errorf("scheduler_fatal iteration=%d error=%v", i+1, err)
			return err
		}

		lastIteration := maxIter > 0 && i+1 >= maxIter
		if d.Maintenance && s.maintenanceIdle > 0 && !lastIteration {
			select {
			case <-ctx.Done():
			case <-time.After(s.maintenanceIdle):
			}
		}
	}
}

// stop records why the loop ended. It is best-effort.
func (s *Scheduler) stop(reason string) {
	st := s.store.Load()
	st.Continuous.Status = model.ContinuousStatusStopped
	st.Continuous.StoppedReason = reason
	if err := s.store.Save(st); err != nil {
		s.logger.Warnf("scheduler_stop_save_failed error=%v", err)
	}
	s.logger.Infof("scheduler_stopped reason=%s iteration=%d", reason, st.Continuous.CurrentIteration)
}

// RunIteration performs one tick. The returned error is always a persistence
// failure; phase failures are recorded in state instead.
func (s *Scheduler) RunIteration(ctx context.Context) (Decision, error) {
	start := time.Now()
	st := s.store.Load()
	st.Continuous.CurrentIteration++
	st.Continuous.Status = model.ContinuousStatusRunning
	st.Continuous.StoppedReason = ""

	d := s.DecideNextAction(st)
	s.logger.Infof("phase_selected iteration=%d phase=%s task=%s reason=%q forced=%t",
		st.Continuous.CurrentIteration, d.Phase, d.TaskID, d.Reason, d.Forced)
	if d.Forced {
		s.publish(events.EventForcedTransition, map[string]interface{}{
			"phase":    d.Phase,
			"excluded": d.Excluded,
			"reason":   d.Reason,
		})
	}

	var outcome string
	if d.Maintenance {
		outcome = s.maintenanceTick(st, d)
	} else {
		outcome = s.execute(ctx, st, d)
	}

	st.Continuous.LastPhase = d.Phase
	st.Continuous.LastReason = d.Reason
	st.Continuous.LastOutcome = outcome

	if err := s.store.Save(st); err != nil {
		return d, fmt.Errorf("iteration %d: %w", st.Continuous.CurrentIteration, err)
	}
	s.store.WritePhaseStatus(st, d.Phase)

	s.logger.Infof("iteration_completed iteration=%d phase=%s outcome=%s duration=%s",
		st.Continuous.CurrentIteration, d.Phase, outcome, time.Since(start).Round(time.Millisecond))

	if s.observer != nil {
		if err := s.observer.Observe(st); err != nil {
			s.logger.Warnf("state_observer_failed error=%v", err)
		}
	}
	return d, nil
}

func (s *Scheduler) maintenanceTick(st *model.PipelineState, d Decision) string {
	if st.Mode != model.ModeMaintenance {
		st.Mode = model.ModeMaintenance
		s.logger.Warnf("maintenance_entered reason=%q", d.Reason)
		s.publish(events.EventMaintenanceEntered, map[string]interface{}{"reason": d.Reason})
	}
	s.store.RecordRun(st, Maintenance, true, "", nil, nil)
	return "maintenance"
}

// execute runs the chosen adapter and reconciles its result. Every failure
// mode ends up as a failed run in state.
func (s *Scheduler) execute(ctx context.Context, st *model.PipelineState, d Decision) string {
	task := st.Tasks[d.TaskID]
	if task != nil && task.Status == model.TaskStatusNew {
		s.transition(st, task, model.TaskStatusInProgress, "picked for "+d.Phase)
	}

	tc := phase.TaskContext{Task: task, Reason: d.Reason}
	if s.advice != nil {
		tc.Guidance = s.advice.Guidance
		tc.SuggestedTools = s.advice.SuggestedTools
		tc.BlockedTools = s.advice.BlockedTools
		s.advice = nil
	}

	s.publish(events.EventPhaseStarted, map[string]interface{}{"phase": d.Phase, "task_id": d.TaskID})

	res, err := s.runPhase(ctx, st, d.Phase, tc)
	if unknown := unknownTools(res, err); len(unknown) > 0 {
		s.logger.Warnf("unknown_tools phase=%s tools=%v", d.Phase, unknown)
		if s.synthesizeTools(ctx, st, unknown) {
			res, err = s.runPhase(ctx, st, d.Phase, tc)
		}
	}
	if err != nil {
		s.logger.Errorf("phase_failed phase=%s task=%s error=%v", d.Phase, d.TaskID, err)
		res = phase.Result{Success: false, Message: err.Error(), Errors: append(res.Errors, err.Error())}
	}

	s.reconcile(st, d, task, res)
	s.store.RecordRun(st, d.Phase, res.Success, d.TaskID, res.FilesCreated, res.FilesModified)
	noUpdate := s.accountProgress(st, d.Phase, res)
	s.checkLoops(ctx, st, d, task, res)

	outcome := "failure"
	switch {
	case res.Success && noUpdate:
		outcome = "no_update"
	case res.Success:
		outcome = "success"
	}
	s.publish(events.EventPhaseCompleted, map[string]interface{}{
		"phase":     d.Phase,
		"task_id":   d.TaskID,
		"success":   res.Success,
		"no_update": noUpdate,
		"outcome":   outcome,
	})
	return outcome
}

// runPhase calls the adapter for name. A panic is contained here.
func (s *Scheduler) runPhase(ctx context.Context, st *model.PipelineState, name string, tc phase.TaskContext) (res phase.Result, err error) {
	adapter, ok := s.adapters.Get(name)
	if !ok {
		return phase.Result{}, fmt.Errorf("no adapter registered for phase %s", name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("phase %s panicked: %v", name, p)
		}
	}()
	return adapter.Execute(ctx, st, tc)
}

func unknownTools(res phase.Result, err error) []string {
	var unknown *phase.UnknownToolsError
	if errors.As(err, &unknown) {
		return unknown.Tools
	}
	if err != nil {
		return nil
	}
	return res.UnknownTools()
}

// synthesizeTools runs tool design then tool evaluation for each missing
// tool and refreshes the registry. It reports whether every tool got through.
func (s *Scheduler) synthesizeTools(ctx context.Context, st *model.PipelineState, names []string) bool {
	for _, name := range names {
		for _, p := range []string{phase.ToolDesign, phase.ToolEvaluation} {
			res, err := s.runPhase(ctx, st, p, phase.TaskContext{
				Reason: "synthesize tool " + name,
				Data:   map[string]any{"tool_name": name},
			})
			ok := err == nil && res.Success
			s.store.RecordRun(st, p, ok, "", res.FilesCreated, res.FilesModified)
			s.mergeResult(st, res)
			if !ok {
				s.logger.Warnf("tool_synthesis_failed tool=%s phase=%s error=%v", name, p, err)
				return false
			}
		}
		s.logger.Infof("tool_synthesized tool=%s", name)
	}
	if s.tools != nil {
		if _, err := s.tools.Rescan(); err != nil {
			s.logger.Warnf("tools_rescan_failed error=%v", err)
		}
	}
	return true
}

// accountProgress updates the no-update counter and reports whether the run
// was a successful no-op.
func (s *Scheduler) accountProgress(st *model.PipelineState, name string, res phase.Result) bool {
	if res.FilesTouched() {
		s.store.ResetNoUpdateCount(st, name)
		return false
	}
	if !res.Success || len(res.NewTasks) > 0 || len(res.NewIssues) > 0 {
		return false
	}
	s.store.IncrementNoUpdateCount(st, name)
	return true
}

// checkLoops feeds the run's actions to the guard and applies its verdict.
func (s *Scheduler) checkLoops(ctx context.Context, st *model.PipelineState, d Decision, task *model.Task, res phase.Result) {
	if s.guard == nil {
		return
	}
	for i := range res.Actions {
		if res.Actions[i].Phase == "" {
			res.Actions[i].Phase = d.Phase
		}
	}
	s.guard.Record(res.Actions...)

	iv, err := s.guard.Check(ctx, d.Phase, d.TaskID)
	if err != nil {
		s.logger.Warnf("loop_check_failed phase=%s error=%v", d.Phase, err)
		return
	}
	if iv == nil {
		if res.Success && res.FilesTouched() {
			s.guard.Reset(d.Phase)
		}
		return
	}

	s.publish(events.EventLoopDetected, map[string]interface{}{
		"phase":       d.Phase,
		"task_id":     d.TaskID,
		"problem_key": iv.ProblemKey,
		"kind":        string(iv.Kind),
		"severity":    string(iv.Severity),
		"rung":        iv.Rung.String(),
		"skip":        iv.Skip,
	})

	if iv.Skip && task != nil && !task.IsTerminal() {
		s.transition(st, task, model.TaskStatusSkipped, "loop adjudication")
		return
	}
	s.advice = iv
}

func (s *Scheduler) transition(st *model.PipelineState, t *model.Task, to model.TaskStatus, why string) bool {
	from := t.Status
	if from == to {
		return true
	}
	if err := t.Transition(to, model.Now()); err != nil {
		s.logger.Warnf("task_transition_rejected task=%s from=%s to=%s error=%v", t.ID, from, to, err)
		return false
	}
	s.logger.Infof("task_transition task=%s from=%s to=%s reason=%q", t.ID, from, to, why)
	s.publish(events.EventTaskTransition, map[string]interface{}{
		"task_id": t.ID,
		"from":    string(from),
		"to":      string(to),
		"reason":  why,
	})
	return true
}

func (s *Scheduler) publish(t events.EventType, data map[string]interface{}) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}
