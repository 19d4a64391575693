package loopguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/model"
)

// ActionEventType is the audit log event type for recorded actions.
const ActionEventType = "action"

// maxHistory bounds the in-memory action history. Detection only looks at the
// trailing window.
const maxHistory = 200

// Intervention is what the guard asks the scheduler to do about a loop.
type Intervention struct {
	ProblemKey     string
	Rung           Rung
	Kind           Kind
	Severity       Severity
	Phase          string
	File           string
	Guidance       string
	SuggestedTools []string
	BlockedTools   []string
	// Skip is set when adjudication decided to abandon the current task.
	Skip       bool
	Detections []Detection
}

// Guard is the loop/pattern guard. One instance is shared by the scheduler
// for the process lifetime.
type Guard struct {
	mu          sync.Mutex
	cfg         model.LoopGuardConfig
	history     []Action
	pending     bool
	// interventions per problem key; rungFor maps a count to a rung
	ladder      map[string]int
	audit       *events.AuditLogger
	specialist  Specialist
	adjudicator Adjudicator
	logger      *zap.SugaredLogger
}

// NewGuard creates a guard. audit may be nil, in which case actions are kept
// in memory only.
func NewGuard(cfg model.LoopGuardConfig, audit *events.AuditLogger, logger *zap.SugaredLogger) *Guard {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{
		cfg:         cfg,
		ladder:      make(map[string]int),
		audit:       audit,
		specialist:  GuidanceSpecialist{},
		adjudicator: SkipAdjudicator{},
		logger:      logger.Named("loopguard"),
	}
}

func (g *Guard) SetSpecialist(s Specialist) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specialist = s
}

func (g *Guard) SetAdjudicator(a Adjudicator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adjudicator = a
}

// LoadHistory restores the trailing window from an action log written by a
// previous process.
func (g *Guard) LoadHistory(logPath string) error {
	entries, err := events.ReadEntries(logPath, ActionEventType, g.window())
	if err != nil {
		return fmt.Errorf("load action history: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entries {
		var a Action
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			continue
		}
		g.history = append(g.history, a)
	}
	g.trim()
	return nil
}

func (g *Guard) window() int {
	if g.cfg.Window > 0 {
		return g.cfg.Window
	}
	return 10
}

// Record appends actions to the history and the action log.
func (g *Guard) Record(actions ...Action) {
	if len(actions) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range actions {
		if a.Tool == "" {
			continue
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now().UTC()
		}
		a.File = model.NormalizePath(a.file())
		g.history = append(g.history, a)
		g.pending = true
		if g.audit != nil {
			if err := g.audit.LogPayload(ActionEventType, a.Phase, a); err != nil {
				g.logger.Warnf("action_log_failed tool=%s error=%v", a.Tool, err)
			}
		}
	}
	g.trim()
}

func (g *Guard) trim() {
	if over := len(g.history) - maxHistory; over > 0 {
		g.history = append([]Action(nil), g.history[over:]...)
	}
}

// Recent returns up to n of the newest actions.
func (g *Guard) Recent(n int) []Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recent(n)
}

func (g *Guard) recent(n int) []Action {
	if n <= 0 || n > len(g.history) {
		n = len(g.history)
	}
	return append([]Action(nil), g.history[len(g.history)-n:]...)
}

// Reset clears the escalation state of every problem in phase. Call it when
// the phase makes real progress.
func (g *Guard) Reset(phase string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := "|" + phase + "|"
	for key := range g.ladder {
		if strings.Contains(key, prefix) {
			delete(g.ladder, key)
		}
	}
}

// Rung returns the current escalation step for a problem key.
func (g *Guard) Rung(problemKey string) Rung {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rungFor(g.ladder[problemKey])
}

// rungFor maps the n-th intervention on a problem to a ladder step. The
// adjudicate_after-th one adjudicates; until then the guidance rungs are
// climbed one at a time and root cause repeats once reached.
func (g *Guard) rungFor(n int) Rung {
	after := g.cfg.AdjudicateAfter
	if after <= 0 {
		after = int(RungAdjudication)
	}
	switch {
	case n <= 0:
		return 0
	case n >= after:
		return RungAdjudication
	case Rung(n) > RungRootCause:
		return RungRootCause
	}
	return Rung(n)
}

// Check inspects actions recorded since the last call and returns an
// intervention, or nil when nothing warrants one.
func (g *Guard) Check(ctx context.Context, phase, taskID string) (*Intervention, error) {
	g.mu.Lock()
	if !g.pending {
		g.mu.Unlock()
		return nil, nil
	}
	g.pending = false
	window := g.recent(g.window())
	specialist, adjudicator := g.specialist, g.adjudicator
	g.mu.Unlock()

	if exemptCodingWork(phase, window) {
		return nil, nil
	}

	dets := Detect(window, DetectorConfig{
		RepeatThreshold: g.cfg.RepeatThreshold,
		MinCycles:       g.cfg.MinCycles,
	})
	if len(dets) == 0 {
		return nil, nil
	}
	for _, d := range dets {
		g.logger.Infof("loop_detected kind=%s severity=%s count=%d phase=%s file=%s", d.Kind, d.Severity, d.Count, d.Phase, d.File)
	}
	if !ShouldIntervene(dets) {
		return nil, nil
	}

	primary := dets[0]
	key := ProblemKey(primary)

	g.mu.Lock()
	g.ladder[key]++
	rung := g.rungFor(g.ladder[key])
	g.mu.Unlock()

	iv := &Intervention{
		ProblemKey: key,
		Rung:       rung,
		Kind:       primary.Kind,
		Severity:   primary.Severity,
		Phase:      primary.Phase,
		File:       primary.File,
		Detections: dets,
	}
	iv.SuggestedTools, iv.BlockedTools = toolAdvice(primary)

	consult := Consultation{ProblemKey: key, Rung: rung, Phase: phase, TaskID: taskID, Detection: primary, Recent: window}
	switch {
	case rung == RungLog:
		iv.Guidance = fmt.Sprintf("%s detected (%s, %d occurrences)", primary.Kind, primary.Severity, primary.Count)
	case rung < RungAdjudication:
		guidance, err := specialist.Consult(ctx, consult)
		if err != nil {
			g.logger.Warnf("specialist_failed rung=%s error=%v", rung, err)
			guidance, _ = GuidanceSpecialist{}.Consult(ctx, consult)
		}
		iv.Guidance = guidance
	default:
		verdict, err := adjudicator.Adjudicate(ctx, consult)
		if err != nil {
			g.logger.Warnf("adjudication_failed key=%s error=%v action=skip", key, err)
			verdict = Verdict{Action: VerdictSkip, Guidance: "adjudication failed; skipping task"}
		}
		iv.Skip = verdict.Action == VerdictSkip
		iv.Guidance = verdict.Guidance
	}

	g.logger.Warnf("loop_intervention key=%s rung=%s skip=%t", key, rung, iv.Skip)
	return iv, nil
}

// ProblemKey identifies a problem instance: kind, phase and primary file.
func ProblemKey(d Detection) string {
	return string(d.Kind) + "|" + d.Phase + "|" + d.File
}

// exemptCodingWork treats coding spread over several files, or fewer than
// five actions on one file, as ordinary progress.
func exemptCodingWork(phase string, window []Action) bool {
	if phase != "coding" {
		return false
	}
	files := make(map[string]int)
	for _, a := range window {
		if a.Phase == "coding" && a.File != "" {
			files[a.File]++
		}
	}
	if len(files) > 1 {
		return true
	}
	for _, n := range files {
		return n < 5
	}
	return false
}

func toolAdvice(d Detection) (suggested, blocked []string) {
	switch d.Kind {
	case KindActionRepeat:
		if d.Tool != "" {
			blocked = []string{d.Tool}
		}
		suggested = []string{"read_file", "full_file_rewrite"}
	case KindAlternating:
		suggested = []string{"read_file", "search_code"}
	case KindNoProgress:
		suggested = []string{"str_replace", "full_file_rewrite", "create_file"}
	}
	return suggested, blocked
}
