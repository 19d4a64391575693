package model

type Metrics struct {
	SchemaVersion   int             `yaml:"schema_version"`
	FileType        string          `yaml:"file_type"`
	TaskCounts      map[string]int  `yaml:"task_counts"`
	Counters        MetricsCounters `yaml:"counters"`
	DaemonHeartbeat *string         `yaml:"daemon_heartbeat"`
	UpdatedAt       *string         `yaml:"updated_at"`
}

type MetricsCounters struct {
	Iterations        int `yaml:"iterations"`
	PhaseRuns         int `yaml:"phase_runs"`
	PhaseFailures     int `yaml:"phase_failures"`
	NoUpdateRuns      int `yaml:"no_update_runs"`
	ForcedTransitions int `yaml:"forced_transitions"`
	LoopInterventions int `yaml:"loop_interventions"`
	ToolRescans       int `yaml:"tool_rescans"`
	MaintenanceTicks  int `yaml:"maintenance_ticks"`
}
