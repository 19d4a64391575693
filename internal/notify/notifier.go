package notify

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/events"
)

// Notifier turns the bus events that need an operator into desktop
// notifications: a pending adjudication and the pipeline entering
// maintenance.
type Notifier struct {
	project string
	send    func(title, message string) error
	logger  *zap.SugaredLogger
}

func NewNotifier(project string, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{project: project, send: Desktop, logger: logger.Named("notify")}
}

// Subscribe attaches the notifier to bus. Returns the unsubscribe func.
func (n *Notifier) Subscribe(bus *events.Bus) func() {
	offLoop := bus.Subscribe(events.EventAdjudicationRequested, n.Handle)
	offMaint := bus.Subscribe(events.EventMaintenanceEntered, n.Handle)
	return func() {
		offLoop()
		offMaint()
	}
}

func (n *Notifier) Handle(e events.Event) {
	title, message, ok := n.render(e)
	if !ok {
		return
	}
	if err := n.send(title, message); err != nil {
		if errors.Is(err, ErrUnsupported) {
			n.logger.Debugf("notify_skipped reason=%v", err)
			return
		}
		n.logger.Warnf("notify_failed error=%v", err)
	}
}

func (n *Notifier) render(e events.Event) (title, message string, ok bool) {
	str := func(key string) string {
		v, _ := e.Data[key].(string)
		return v
	}
	title = "conductor"
	if n.project != "" {
		title = "conductor: " + n.project
	}

	switch e.Type {
	case events.EventAdjudicationRequested:
		msg := fmt.Sprintf("Loop in %s needs a verdict (%s)", str("phase"), str("problem_key"))
		if task := str("task_id"); task != "" {
			msg += " task " + task
		}
		if req := str("request"); req != "" {
			msg += "; see " + req
		}
		return title, msg, true
	case events.EventMaintenanceEntered:
		return title, "Entered maintenance mode: " + str("reason"), true
	}
	return "", "", false
}
