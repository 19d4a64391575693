// Package tools discovers custom tool descriptors and runs tools as isolated
// subprocesses.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/model"
	yamlutil "github.com/msageha/conductor/internal/yaml"
)

// Security flags declared by a tool.
type Security struct {
	Network     bool `yaml:"network" toml:"network" json:"network"`
	WritesFiles bool `yaml:"writes_files" toml:"writes_files" json:"writes_files"`
	Destructive bool `yaml:"destructive" toml:"destructive" json:"destructive"`
}

// Descriptor is the metadata of one tool.
type Descriptor struct {
	SchemaVersion int      `yaml:"schema_version,omitempty" toml:"-" json:"-"`
	FileType      string   `yaml:"file_type,omitempty" toml:"-" json:"-"`
	Name          string   `yaml:"name" toml:"name" json:"name"`
	Description   string   `yaml:"description" toml:"description" json:"description"`
	Version       string   `yaml:"version" toml:"version" json:"version"`
	Category      string   `yaml:"category" toml:"category" json:"category"`
	Command       string   `yaml:"command" toml:"command" json:"command"`
	TimeoutSec    int      `yaml:"timeout_sec" toml:"timeout_sec" json:"timeout_sec"`
	Security      Security `yaml:"security" toml:"security" json:"security"`

	// Source is the manifest or descriptor file the tool came from.
	Source string `yaml:"-" toml:"-" json:"source"`
}

type manifest struct {
	Tools []Descriptor `toml:"tool"`
}

// Registry holds the known tools. It is rebuilt from the TOML manifest and
// the descriptor directory on Rescan.
type Registry struct {
	projectDir   string
	manifestPath string
	dir          string

	mu    sync.RWMutex
	tools map[string]Descriptor

	group  singleflight.Group
	bus    *events.Bus
	logger *zap.SugaredLogger
}

// NewRegistry creates a registry. Relative paths in cfg resolve against
// projectDir. bus may be nil.
func NewRegistry(projectDir string, cfg model.ToolsConfig, bus *events.Bus, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		projectDir:   projectDir,
		manifestPath: resolve(projectDir, cfg.Manifest),
		dir:          resolve(projectDir, cfg.Dir),
		tools:        make(map[string]Descriptor),
		bus:          bus,
		logger:       logger.Named("tools"),
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (r *Registry) Dir() string { return r.dir }

// Rescan reloads every source. Concurrent calls share one scan.
func (r *Registry) Rescan() (int, error) {
	v, err, _ := r.group.Do("rescan", func() (any, error) {
		return r.scan()
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Registry) scan() (int, error) {
	found := make(map[string]Descriptor)

	if err := r.loadManifest(found); err != nil {
		return 0, err
	}
	if err := r.loadDir(found); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.tools = found
	r.mu.Unlock()

	r.logger.Infof("tools_rescanned count=%d", len(found))
	if r.bus != nil {
		r.bus.Publish(events.EventToolsChanged, map[string]interface{}{"count": len(found)})
	}
	return len(found), nil
}

func (r *Registry) loadManifest(into map[string]Descriptor) error {
	if r.manifestPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tool manifest: %w", err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse tool manifest %s: %w", r.manifestPath, err)
	}
	for _, d := range m.Tools {
		if d.Name == "" {
			r.logger.Warnf("tool_manifest_entry_skipped reason=missing_name source=%s", r.manifestPath)
			continue
		}
		d.Source = r.manifestPath
		into[d.Name] = d
	}
	return nil
}

// loadDir reads <dir>/*.yaml. Broken descriptors are skipped so one bad file
// does not hide the rest.
func (r *Registry) loadDir(into map[string]Descriptor) error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tools dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isDescriptorFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		d, err := readDescriptor(path)
		if err != nil {
			r.logger.Warnf("tool_descriptor_skipped path=%s error=%v", path, err)
			continue
		}
		into[d.Name] = d
	}
	return nil
}

func isDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

func readDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	if err := yamlutil.CheckHeader(data, yamlutil.FileTypeToolDescriptor); err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := yamlv3.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if d.Name == "" {
		return Descriptor{}, errors.New("missing name")
	}
	d.Source = path
	return d, nil
}

// List returns all tools ordered by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Register adds a descriptor in memory only, as tool design does before the
// descriptor file lands.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
}

// WriteDescriptor persists d into the descriptor directory and registers it.
func (r *Registry) WriteDescriptor(d Descriptor) (string, error) {
	if d.Name == "" {
		return "", errors.New("missing name")
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("create tools dir: %w", err)
	}
	d.SchemaVersion = yamlutil.CurrentSchemaVersion
	d.FileType = yamlutil.FileTypeToolDescriptor
	path := filepath.Join(r.dir, d.Name+".yaml")
	if err := yamlutil.AtomicWrite(path, d); err != nil {
		return "", fmt.Errorf("write descriptor: %w", err)
	}
	d.Source = path
	r.Register(d)
	return path, nil
}

// Watch rescans whenever the descriptor directory or the manifest changes.
// It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", r.dir, err)
	}
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	manifestDir := filepath.Dir(r.manifestPath)
	if r.manifestPath != "" && manifestDir != r.dir {
		if err := watcher.Add(manifestDir); err != nil {
			r.logger.Warnf("manifest_watch_failed dir=%s error=%v", manifestDir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				r.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				if _, err := r.Rescan(); err != nil {
					r.logger.Errorf("tools_rescan_failed error=%v", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (r *Registry) relevant(path string) bool {
	if path == r.manifestPath {
		return true
	}
	return filepath.Dir(path) == r.dir && isDescriptorFile(filepath.Base(path))
}
