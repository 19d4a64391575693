// Package setup scaffolds the .conductor/ directory of a new project.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/state"
	atomicyaml "github.com/msageha/conductor/internal/yaml"
	"github.com/msageha/conductor/templates"
)

// StateDir is the directory, relative to the project root, holding all
// conductor files.
const StateDir = ".conductor"

// ErrInitialized is returned when the project already has a StateDir.
var ErrInitialized = errors.New("project already initialized")

var dirs = []string{
	"state",
	"status",
	"locks",
	"logs",
	"tools",
	"prompts/custom",
	"roles/custom",
	"adjudication",
	"quarantine",
}

// runtime files that should stay out of version control
const gitignore = `locks/
logs/
quarantine/
conductor.sock
*.bak
`

type scaffold struct {
	base string
	cfg  *model.Config
}

// Run creates StateDir under projectDir with a default config, an empty
// pipeline state and a zeroed metrics snapshot. projectName defaults to
// the directory basename. A failed run leaves nothing behind.
func Run(projectDir, projectName string) error {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(root, StateDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s: %w", base, ErrInitialized)
	}

	if projectName == "" {
		projectName = filepath.Base(root)
	}
	cfg, err := defaultConfig(projectName)
	if err != nil {
		return err
	}

	s := &scaffold{base: base, cfg: cfg}
	steps := []func() error{s.mkdirs, s.writeConfig, s.writeManifest, s.writeState, s.writeMetrics, s.writeIgnore}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = os.RemoveAll(base)
			return err
		}
	}
	return nil
}

func (s *scaffold) mkdirs() error {
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(s.base, d), 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func (s *scaffold) writeConfig() error {
	if err := atomicyaml.AtomicWrite(filepath.Join(s.base, "config.yaml"), s.cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func (s *scaffold) writeManifest() error {
	data, err := fs.ReadFile(templates.FS, "tools.toml")
	if err != nil {
		return fmt.Errorf("read tools.toml template: %w", err)
	}
	return atomicyaml.AtomicWriteText(filepath.Join(s.base, "tools.toml"), string(data))
}

func (s *scaffold) writeState() error {
	store := state.NewStore(s.base, s.cfg.Scheduler, nil, nil)
	if err := store.Save(store.Load()); err != nil {
		return fmt.Errorf("write initial state: %w", err)
	}
	return nil
}

func (s *scaffold) writeMetrics() error {
	m := model.Metrics{
		SchemaVersion: atomicyaml.CurrentSchemaVersion,
		FileType:      atomicyaml.FileTypeMetrics,
		TaskCounts:    map[string]int{},
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(s.base, "metrics.yaml"), m); err != nil {
		return fmt.Errorf("write metrics.yaml: %w", err)
	}
	return nil
}

func (s *scaffold) writeIgnore() error {
	return atomicyaml.AtomicWriteText(filepath.Join(s.base, ".gitignore"), gitignore)
}

// defaultConfig parses the embedded config template and fills the gaps
// with model defaults.
func defaultConfig(projectName string) (*model.Config, error) {
	raw, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	model.ApplyDefaults(&cfg)
	cfg.Project.Name = projectName
	return &cfg, nil
}
