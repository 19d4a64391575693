package model

// DefaultRunHistorySize bounds PhaseState.RunHistory.
const DefaultRunHistorySize = 20

// RunRecord is one execution of a phase.
type RunRecord struct {
	Timestamp     string   `yaml:"timestamp"`
	Success       bool     `yaml:"success"`
	TaskID        string   `yaml:"task_id,omitempty"`
	FilesCreated  []string `yaml:"files_created,omitempty"`
	FilesModified []string `yaml:"files_modified,omitempty"`
}

// FilesTouched reports whether the run created or modified anything.
func (r RunRecord) FilesTouched() bool {
	return len(r.FilesCreated) > 0 || len(r.FilesModified) > 0
}

// PhaseState holds cumulative counters and a bounded window of recent runs
// for one phase.
type PhaseState struct {
	Name         string      `yaml:"name"`
	LastRun      string      `yaml:"last_run,omitempty"`
	RunCount     int         `yaml:"run_count"`
	SuccessCount int         `yaml:"success_count"`
	FailureCount int         `yaml:"failure_count"`
	RunHistory   []RunRecord `yaml:"run_history,omitempty"`
}

// RecordRun appends rec, dropping the oldest entries beyond limit.
func (p *PhaseState) RecordRun(rec RunRecord, limit int) {
	if limit <= 0 {
		limit = DefaultRunHistorySize
	}
	p.RunCount++
	if rec.Success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastRun = rec.Timestamp
	p.RunHistory = append(p.RunHistory, rec)
	if over := len(p.RunHistory) - limit; over > 0 {
		trimmed := make([]RunRecord, limit)
		copy(trimmed, p.RunHistory[over:])
		p.RunHistory = trimmed
	}
}

// LastRecord returns the most recent run, if any.
func (p *PhaseState) LastRecord() (RunRecord, bool) {
	if len(p.RunHistory) == 0 {
		return RunRecord{}, false
	}
	return p.RunHistory[len(p.RunHistory)-1], true
}

func (p *PhaseState) ConsecutiveFailures() int {
	count := 0
	for i := len(p.RunHistory) - 1; i >= 0; i-- {
		if p.RunHistory[i].Success {
			break
		}
		count++
	}
	return count
}

func (p *PhaseState) ConsecutiveSuccesses() int {
	count := 0
	for i := len(p.RunHistory) - 1; i >= 0; i-- {
		if !p.RunHistory[i].Success {
			break
		}
		count++
	}
	return count
}

// RecentSuccessRate is the success ratio over the last n runs, or over the
// whole window if it holds fewer than n.
func (p *PhaseState) RecentSuccessRate(n int) float64 {
	recent := p.RunHistory
	if n > 0 && len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	return successRate(recent)
}

// IsImproving compares the newest window runs against the window before them.
// It needs at least 2*window records.
func (p *PhaseState) IsImproving(window int) bool {
	older, newer, ok := p.splitWindow(window)
	if !ok {
		return false
	}
	return successRate(newer) > successRate(older)
}

func (p *PhaseState) IsDegrading(window int) bool {
	older, newer, ok := p.splitWindow(window)
	if !ok {
		return false
	}
	return successRate(newer) < successRate(older)
}

// IsOscillating counts success/failure flips across the trailing 2*threshold
// runs. A flip count of at least threshold means the phase is oscillating.
func (p *PhaseState) IsOscillating(threshold int) bool {
	if threshold <= 0 || len(p.RunHistory) < threshold*2 {
		return false
	}
	recent := p.RunHistory[len(p.RunHistory)-threshold*2:]
	changes := 0
	for i := 1; i < len(recent); i++ {
		if recent[i].Success != recent[i-1].Success {
			changes++
		}
	}
	return changes >= threshold
}

func (p *PhaseState) splitWindow(window int) (older, newer []RunRecord, ok bool) {
	n := len(p.RunHistory)
	if window <= 0 || n < window*2 {
		return nil, nil, false
	}
	return p.RunHistory[n-window*2 : n-window], p.RunHistory[n-window:], true
}

func successRate(runs []RunRecord) float64 {
	if len(runs) == 0 {
		return 0
	}
	ok := 0
	for _, r := range runs {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(runs))
}
