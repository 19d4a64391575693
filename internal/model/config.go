// Package model defines the persisted pipeline state, its status graphs and
// the project configuration.
package model

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	LoopGuard LoopGuardConfig `yaml:"loop_guard"`
	Tools     ToolsConfig     `yaml:"tools"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Daemon    DaemonConfig    `yaml:"daemon"`

	// Phases maps a phase name to the external command that implements it.
	Phases map[string]PhaseCommandConfig `yaml:"phases"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SchedulerConfig struct {
	MaxIterations           int     `yaml:"max_iterations"` // 0 = unlimited
	MinIterationIntervalSec float64 `yaml:"min_iteration_interval_sec"`
	NoUpdateThreshold       int     `yaml:"no_update_threshold"`
	SamePhaseRunLimit       int     `yaml:"same_phase_run_limit"`
	MaxConsecutiveFailures  int     `yaml:"max_consecutive_failures"`
	OscillationThreshold    int     `yaml:"oscillation_threshold"`
	TrendWindow             int     `yaml:"trend_window"`
	RunHistorySize          int     `yaml:"run_history_size"`
	PhaseHistorySize        int     `yaml:"phase_history_size"`
	MaxExpansionCycles      int     `yaml:"max_expansion_cycles"` // 0 = unlimited

	ImprovementDirs ImprovementDirs `yaml:"improvement_dirs"`
}

// ImprovementDirs locate the artifacts that trigger the improvement phases.
// Paths are relative to the project root.
type ImprovementDirs struct {
	Tools   string `yaml:"tools"`
	Prompts string `yaml:"prompts"`
	Roles   string `yaml:"roles"`
}

type RetryConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	BackoffInitialMs  int `yaml:"backoff_initial_ms"`
	BackoffMaxMs      int `yaml:"backoff_max_ms"`
	BackoffMaxElapsed int `yaml:"backoff_max_elapsed_sec"`
}

type LoopGuardConfig struct {
	Window          int `yaml:"window"`
	RepeatThreshold int `yaml:"repeat_threshold"`
	MinCycles       int `yaml:"min_cycles"`
	AdjudicateAfter int `yaml:"adjudicate_after"`
	AdjudicationSec int `yaml:"adjudication_timeout_sec"`
}

type ToolsConfig struct {
	Dir               string `yaml:"dir"`
	Manifest          string `yaml:"manifest"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	MaxOutputBytes    int    `yaml:"max_output_bytes"`
	Watch             bool   `yaml:"watch"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

// PhaseCommandConfig describes a phase implemented by an external process.
// A zero TimeoutSec lets the call run as long as it needs.
type PhaseCommandConfig struct {
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	TimeoutSec int               `yaml:"timeout_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	// Notify sends desktop notifications when operator attention is needed.
	Notify bool `yaml:"notify"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Scheduler
	if s.NoUpdateThreshold <= 0 {
		s.NoUpdateThreshold = 3
	}
	if s.SamePhaseRunLimit <= 0 {
		s.SamePhaseRunLimit = 5
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = 20
	}
	if s.OscillationThreshold <= 0 {
		s.OscillationThreshold = 3
	}
	if s.TrendWindow <= 0 {
		s.TrendWindow = 5
	}
	if s.RunHistorySize <= 0 {
		s.RunHistorySize = DefaultRunHistorySize
	}
	if s.PhaseHistorySize <= 0 {
		s.PhaseHistorySize = DefaultPhaseHistorySize
	}
	if s.ImprovementDirs.Tools == "" {
		s.ImprovementDirs.Tools = ".conductor/tools"
	}
	if s.ImprovementDirs.Prompts == "" {
		s.ImprovementDirs.Prompts = ".conductor/prompts/custom"
	}
	if s.ImprovementDirs.Roles == "" {
		s.ImprovementDirs.Roles = ".conductor/roles/custom"
	}

	r := &cfg.Retry
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.BackoffInitialMs <= 0 {
		r.BackoffInitialMs = 500
	}
	if r.BackoffMaxMs <= 0 {
		r.BackoffMaxMs = 30_000
	}
	if r.BackoffMaxElapsed <= 0 {
		r.BackoffMaxElapsed = 120
	}

	lg := &cfg.LoopGuard
	if lg.Window <= 0 {
		lg.Window = 10
	}
	if lg.RepeatThreshold <= 0 {
		lg.RepeatThreshold = 3
	}
	if lg.MinCycles <= 0 {
		lg.MinCycles = 2
	}
	if lg.AdjudicateAfter <= 0 {
		lg.AdjudicateAfter = 5
	}
	if lg.AdjudicationSec <= 0 {
		lg.AdjudicationSec = 30
	}

	t := &cfg.Tools
	if t.Dir == "" {
		t.Dir = ".conductor/tools"
	}
	if t.Manifest == "" {
		t.Manifest = ".conductor/tools.toml"
	}
	if t.DefaultTimeoutSec <= 0 {
		t.DefaultTimeoutSec = 30
	}
	if t.MaxOutputBytes <= 0 {
		t.MaxOutputBytes = 500
	}

	b := &cfg.Breaker
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = 5
	}
	if b.CooldownSec <= 0 {
		b.CooldownSec = 60
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 30
	}
}

// LoadConfig reads path and applies defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

func (c SchedulerConfig) MinIterationInterval() time.Duration {
	return time.Duration(c.MinIterationIntervalSec * float64(time.Second))
}

func (c ToolsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}
