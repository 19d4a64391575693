// Package status builds the operator-facing summary printed by
// `conductor status`.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/state"
	"github.com/msageha/conductor/internal/uds"
)

type Report struct {
	Daemon     DaemonStatus     `json:"daemon"`
	RunID      string           `json:"run_id"`
	Mode       string           `json:"mode"`
	Continuous model.Continuous `json:"continuous"`
	Expansions int              `json:"expansion_count"`
	Tasks      map[string]int   `json:"tasks"`
	OpenIssues int              `json:"open_issues"`
	Phases     []PhaseStatus    `json:"phases,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type PhaseStatus struct {
	Name                string  `json:"name"`
	Runs                int     `json:"runs"`
	SuccessRate         float64 `json:"success_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	NoUpdateCount       int     `json:"no_update_count"`
	Trend               string  `json:"trend"`
	LastRun             string  `json:"last_run,omitempty"`
}

// Collect reads the saved snapshot and pings the daemon.
func Collect(baseDir string, cfg model.SchedulerConfig) Report {
	st := state.NewStore(baseDir, cfg, nil, nil).Load()

	r := Report{
		Daemon:     checkDaemon(baseDir),
		RunID:      st.RunID,
		Mode:       string(st.Mode),
		Continuous: st.Continuous,
		Expansions: st.ExpansionCount,
		Tasks:      make(map[string]int),
	}
	for s, n := range st.CountByStatus() {
		r.Tasks[string(s)] = n
	}
	for _, iss := range st.Issues {
		if iss.IsActive() {
			r.OpenIssues++
		}
	}

	names := make([]string, 0, len(st.Phases))
	for name := range st.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := st.Phases[name]
		r.Phases = append(r.Phases, PhaseStatus{
			Name:                name,
			Runs:                p.RunCount,
			SuccessRate:         p.RecentSuccessRate(0),
			ConsecutiveFailures: p.ConsecutiveFailures(),
			NoUpdateCount:       st.NoUpdateCounts[name],
			Trend:               trend(p, cfg),
			LastRun:             p.LastRun,
		})
	}
	return r
}

func trend(p *model.PhaseState, cfg model.SchedulerConfig) string {
	switch {
	case p.IsOscillating(cfg.OscillationThreshold):
		return "oscillating"
	case p.IsImproving(cfg.TrendWindow):
		return "improving"
	case p.IsDegrading(cfg.TrendWindow):
		return "degrading"
	default:
		return "steady"
	}
}

func checkDaemon(baseDir string) DaemonStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var pong struct {
		PID int `json:"pid"`
	}
	if err := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName)).Call(ctx, "ping", nil, &pong); err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, PID: pong.PID}
}

// Write renders r as text or indented JSON.
func Write(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	var sb strings.Builder
	if r.Daemon.Running {
		fmt.Fprintf(&sb, "Daemon: running (pid %d)\n", r.Daemon.PID)
	} else {
		sb.WriteString("Daemon: stopped\n")
	}
	fmt.Fprintf(&sb, "Run: %s  mode=%s  iteration=%d  expansions=%d\n",
		r.RunID, r.Mode, r.Continuous.CurrentIteration, r.Expansions)
	if r.Continuous.LastPhase != "" {
		fmt.Fprintf(&sb, "Last: phase=%s outcome=%s reason=%q\n",
			r.Continuous.LastPhase, r.Continuous.LastOutcome, r.Continuous.LastReason)
	}
	if r.Continuous.StoppedReason != "" {
		fmt.Fprintf(&sb, "Stopped: %s\n", r.Continuous.StoppedReason)
	}

	statuses := make([]string, 0, len(r.Tasks))
	for s := range r.Tasks {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	sb.WriteString("\nTasks:")
	if len(statuses) == 0 {
		sb.WriteString(" none")
	}
	sb.WriteString("\n")
	for _, s := range statuses {
		fmt.Fprintf(&sb, "  %-14s %d\n", s, r.Tasks[s])
	}
	fmt.Fprintf(&sb, "Open issues: %d\n", r.OpenIssues)

	if len(r.Phases) > 0 {
		sb.WriteString("\nPhases:\n")
		fmt.Fprintf(&sb, "  %-20s %5s %8s %8s %9s  %s\n", "NAME", "RUNS", "SUCCESS", "FAILING", "NO_UPDATE", "TREND")
		for _, p := range r.Phases {
			fmt.Fprintf(&sb, "  %-20s %5d %7.0f%% %8d %9d  %s\n",
				p.Name, p.Runs, p.SuccessRate*100, p.ConsecutiveFailures, p.NoUpdateCount, p.Trend)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
