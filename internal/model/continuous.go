package model

type ContinuousStatus string

const (
	ContinuousStatusRunning ContinuousStatus = "running"
	ContinuousStatusStopped ContinuousStatus = "stopped"
)

// Continuous tracks the perpetual loop across process restarts.
type Continuous struct {
	CurrentIteration int              `yaml:"current_iteration"`
	Status           ContinuousStatus `yaml:"status,omitempty"`
	StoppedReason    string           `yaml:"stopped_reason,omitempty"`
	LastPhase        string           `yaml:"last_phase,omitempty"`
	LastReason       string           `yaml:"last_reason,omitempty"`
	LastOutcome      string           `yaml:"last_outcome,omitempty"`
}
