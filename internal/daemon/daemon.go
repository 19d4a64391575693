// Package daemon wires the scheduler and its services into one long-running
// process.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/issues"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/loopguard"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/notify"
	"github.com/msageha/conductor/internal/phase"
	"github.com/msageha/conductor/internal/scheduler"
	"github.com/msageha/conductor/internal/state"
	"github.com/msageha/conductor/internal/tools"
	"github.com/msageha/conductor/internal/uds"
)

// StateDirName is the directory under the project root that holds every
// conductor file.
const StateDirName = ".conductor"

// Options override config values for one invocation.
type Options struct {
	// Console also logs to stderr.
	Console bool
	// MaxIterations replaces scheduler.max_iterations when positive.
	MaxIterations int
	// MetricsAddr replaces metrics.addr when set.
	MetricsAddr string
	// Logger replaces the file logger built from config.
	Logger *zap.Logger
}

// Summary is the daemon's view of the last saved iteration, served over
// the control socket.
type Summary struct {
	PID        int            `json:"pid"`
	StartedAt  string         `json:"started_at"`
	RunID      string         `json:"run_id"`
	Iteration  int            `json:"iteration"`
	Mode       string         `json:"mode"`
	LastPhase  string         `json:"last_phase,omitempty"`
	LastReason string         `json:"last_reason,omitempty"`
	Outcome    string         `json:"last_outcome,omitempty"`
	Tasks      map[string]int `json:"tasks"`
	Phases     []string       `json:"phases"`
}

// Pong answers the ping command.
type Pong struct {
	PID     int    `json:"pid"`
	Project string `json:"project"`
}

// Daemon owns the process-wide services. Each is built once in New and
// handed to the scheduler by reference.
type Daemon struct {
	projectDir string
	baseDir    string
	config     model.Config
	opts       Options

	logger    *zap.SugaredLogger
	logCloser io.Closer

	fileLock  *lock.FileLock
	bus       *events.Bus
	eventLog  *events.AuditLogger
	actionLog *events.AuditLogger
	store     *state.Store
	tracker   *issues.Tracker
	guard     *loopguard.Guard
	tools     *tools.Registry
	executor  *tools.Executor
	metrics   *metrics.Collector
	notifier  *notify.Notifier
	adapters  *phase.Registry
	scheduler *scheduler.Scheduler
	control   *uds.Server

	mu        sync.Mutex
	cancel    context.CancelFunc
	summary   Summary
	startedAt time.Time

	shutdown sync.Once
}

// New builds every service for projectDir. Nothing is started and no lock
// is taken until Run.
func New(projectDir string, cfg model.Config, opts Options) (*Daemon, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	baseDir := filepath.Join(absDir, StateDirName)
	for _, d := range []string{"state", "status", "locks", "logs", "adjudication"} {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", d, err)
		}
	}

	if opts.MaxIterations > 0 {
		cfg.Scheduler.MaxIterations = opts.MaxIterations
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}

	d := &Daemon{
		projectDir: absDir,
		baseDir:    baseDir,
		config:     cfg,
		opts:       opts,
		fileLock:   lock.NewFileLock(filepath.Join(baseDir, "locks", "conductor.lock")),
	}

	zl := opts.Logger
	if zl == nil {
		zl, d.logCloser, err = logging.New(cfg.Logging, filepath.Join(baseDir, "logs", "conductor.log"), opts.Console)
		if err != nil {
			return nil, err
		}
	}
	d.logger = zl.Sugar()

	if err := d.build(); err != nil {
		d.closeResources()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	var err error
	d.eventLog, err = events.NewAuditLogger(filepath.Join(d.baseDir, "logs", "events.jsonl"), events.WithChecksums())
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	d.actionLog, err = events.NewAuditLogger(d.actionLogPath(), events.WithChecksums())
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}

	d.bus = events.NewBus(256)
	d.store = state.NewStore(d.baseDir, d.config.Scheduler, lock.NewKeyed(), d.logger)
	d.tracker = issues.NewTracker(d.logger)

	d.guard = loopguard.NewGuard(d.config.LoopGuard, d.actionLog, d.logger)
	d.guard.SetAdjudicator(&loopguard.FileAdjudicator{
		Dir:     filepath.Join(d.baseDir, "adjudication"),
		Timeout: time.Duration(d.config.LoopGuard.AdjudicationSec) * time.Second,
		OnRequest: func(c loopguard.Consultation, requestPath string) {
			d.logger.Warnf("adjudication_requested key=%s request=%s timeout=%ds", c.ProblemKey, requestPath, d.config.LoopGuard.AdjudicationSec)
			d.bus.Publish(events.EventAdjudicationRequested, map[string]interface{}{
				"problem_key": c.ProblemKey,
				"phase":       c.Phase,
				"task_id":     c.TaskID,
				"request":     requestPath,
			})
		},
	})

	d.tools = tools.NewRegistry(d.projectDir, d.config.Tools, d.bus, d.logger)
	d.executor = tools.NewExecutor(d.tools, d.projectDir, d.config.Tools, d.logger)
	d.metrics = metrics.NewCollector(d.baseDir, d.logger)
	if d.config.Daemon.Notify {
		d.notifier = notify.NewNotifier(d.config.Project.Name, d.logger)
	}

	d.adapters = phase.NewRegistry(phase.CommandAdapters(d.projectDir, d.store.Path(), d.config.Phases, d.logger)...)

	d.scheduler = scheduler.New(d.projectDir, d.config, d.store, d.adapters, d.logger)
	d.scheduler.SetIssueTracker(d.tracker)
	d.scheduler.SetLoopGuard(d.guard)
	d.scheduler.SetToolRegistry(d.tools)
	d.scheduler.SetEventBus(d.bus)
	d.scheduler.SetStateObserver(d)

	d.control = uds.NewServer(filepath.Join(d.baseDir, uds.DefaultSocketName), d.logger)
	d.registerHandlers()
	return nil
}

func (d *Daemon) actionLogPath() string {
	return filepath.Join(d.baseDir, "logs", "actions.jsonl")
}

// RegisterAdapter adds or replaces a phase adapter. Must be called before
// Run; Run wraps every adapter with retry and a circuit breaker.
func (d *Daemon) RegisterAdapter(a phase.Adapter) {
	d.adapters.Register(a)
}

// Tools exposes the executor so in-process adapters can run tools.
func (d *Daemon) Tools() *tools.Executor { return d.executor }

// Bus exposes the event bus for additional subscribers.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Run takes the single-writer lock and drives the scheduler until ctx is
// cancelled, a signal arrives, the iteration budget is spent, or a save
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		d.closeResources()
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	st := d.store.Load()
	if _, err := os.Stat(d.store.Path()); os.IsNotExist(err) {
		// pin the fresh run id so logs and state agree from the first entry
		if err := d.store.Save(st); err != nil {
			return fmt.Errorf("initial state: %w", err)
		}
	}
	runID := st.RunID
	d.eventLog.SetRunID(runID)
	d.actionLog.SetRunID(runID)
	d.logger.Infof("daemon starting pid=%d project=%s run_id=%s", os.Getpid(), d.projectDir, runID)

	if err := d.guard.LoadHistory(d.actionLogPath()); err != nil {
		d.logger.Warnf("action history unavailable: %v", err)
	}
	if n, err := d.tools.Rescan(); err != nil {
		d.logger.Warnf("tool scan failed: %v", err)
	} else {
		d.logger.Infof("tools loaded count=%d", n)
	}

	d.adapters.Wrap(func(a phase.Adapter) phase.Adapter {
		return phase.NewResilient(a, d.config, d.logger)
	})

	unsubscribe := d.subscribe()
	defer unsubscribe()

	stopSignals := d.watchSignals()
	defer stopSignals()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.control.Serve(gctx); err != nil {
			d.logger.Warnf("control socket disabled: %v", err)
		}
		return nil
	})
	if d.config.Tools.Watch {
		g.Go(func() error { return d.tools.Watch(gctx) })
	}
	if addr := d.config.Metrics.Addr; addr != "" {
		g.Go(func() error { return d.metrics.Serve(gctx, addr) })
	}
	g.Go(func() error {
		// the other goroutines stop once the loop ends
		defer cancel()
		return d.scheduler.Run(gctx)
	})

	d.logger.Infof("daemon ready phases=%v", d.adapters.Names())
	return d.wait(ctx, g)
}

// wait returns the group's error, or gives up shutdown_timeout_sec after
// cancellation if a phase call is still running.
func (d *Daemon) wait(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-done:
		d.logger.Info("all goroutines drained")
		return err
	case <-time.After(timeout):
		d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		return nil
	}
}

func (d *Daemon) subscribe() func() {
	offs := []func(){
		d.eventLog.Subscribe(d.bus),
		d.metrics.Subscribe(d.bus),
	}
	if d.notifier != nil {
		offs = append(offs, d.notifier.Subscribe(d.bus))
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// watchSignals shuts down on the first SIGINT/SIGTERM and exits on the
// second.
func (d *Daemon) watchSignals() func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	stop := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Infof("received signal=%s, finishing current iteration", sig)
		case <-stop:
			return
		}
		d.Shutdown()
		select {
		case <-sigCh:
			d.logger.Warn("received second signal, forcing exit")
			os.Exit(1)
		case <-stop:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(stop)
	}
}

// Shutdown asks Run to stop after the current iteration. Safe to call more
// than once and from any goroutine.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")
		cancel()
	})
}

// Observe implements scheduler.StateObserver: it refreshes the metrics
// files and the summary served over the control socket.
func (d *Daemon) Observe(st *model.PipelineState) error {
	tasks := make(map[string]int)
	for s, n := range st.CountByStatus() {
		tasks[string(s)] = n
	}
	d.mu.Lock()
	d.summary = Summary{
		PID:        os.Getpid(),
		StartedAt:  d.startedAt.Format(time.RFC3339),
		RunID:      st.RunID,
		Iteration:  st.Continuous.CurrentIteration,
		Mode:       string(st.Mode),
		LastPhase:  st.Continuous.LastPhase,
		LastReason: st.Continuous.LastReason,
		Outcome:    st.Continuous.LastOutcome,
		Tasks:      tasks,
		Phases:     d.adapters.Names(),
	}
	d.mu.Unlock()
	return d.metrics.Observe(st)
}

// Summary returns the last observed iteration.
func (d *Daemon) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary
}

func (d *Daemon) registerHandlers() {
	d.control.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		return Pong{PID: os.Getpid(), Project: d.config.Project.Name}, nil
	})
	d.control.Handle("status", func(context.Context, json.RawMessage) (any, error) {
		return d.Summary(), nil
	})
	d.control.Handle("stop", func(context.Context, json.RawMessage) (any, error) {
		d.logger.Info("shutdown requested via control socket")
		go d.Shutdown()
		return map[string]string{"status": "stopping"}, nil
	})
}

// cleanup releases resources after Run.
func (d *Daemon) cleanup() {
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warnf("release lock: %v", err)
	}
	if n := d.bus.Dropped(); n > 0 {
		d.logger.Warnf("event bus dropped %d deliveries", n)
	}
	d.logger.Info("daemon stopped")
	d.closeResources()
}

// closeResources is best-effort; the logger may already be unusable.
func (d *Daemon) closeResources() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.eventLog != nil {
		_ = d.eventLog.Close()
	}
	if d.actionLog != nil {
		_ = d.actionLog.Close()
	}
	_ = d.logger.Sync()
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}
