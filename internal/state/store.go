// Package state loads and persists the pipeline snapshot.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	yamlutil "github.com/msageha/conductor/internal/yaml"
)

// ErrSaveFailed wraps every persistence failure. The scheduler treats it as
// fatal.
var ErrSaveFailed = errors.New("state save failed")

const stateLockKey = "state:pipeline"

// Store owns .conductor/state/pipeline.yaml and the per-phase status files.
type Store struct {
	baseDir string
	path    string
	config  model.SchedulerConfig
	locks   *lock.Keyed
	logger  *zap.SugaredLogger
}

// NewStore creates a store rooted at baseDir (the .conductor directory).
func NewStore(baseDir string, cfg model.SchedulerConfig, locks *lock.Keyed, logger *zap.SugaredLogger) *Store {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		baseDir: baseDir,
		path:    filepath.Join(baseDir, "state", "pipeline.yaml"),
		config:  cfg,
		locks:   locks,
		logger:  logger.Named("state"),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the last saved snapshot. A missing file yields a fresh state.
// A corrupt file is quarantined and replaced by its .bak when that parses;
// otherwise a fresh state is returned. Load never fails: halting the loop
// over a bad snapshot is worse than starting over.
func (s *Store) Load() *model.PipelineState {
	defer s.locks.Lock(stateLockKey)()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Errorf("state_load_failed path=%s error=%v action=fresh", s.path, err)
		}
		return s.fresh()
	}

	st, err := decode(data)
	if err == nil {
		return st
	}

	s.logger.Errorf("state_corrupt path=%s error=%v", s.path, err)
	rec, recErr := yamlutil.Recover(s.baseDir, s.path, yamlutil.FileTypePipelineState)
	if recErr != nil {
		s.logger.Errorf("state_recovery_failed error=%v action=fresh", recErr)
		return s.fresh()
	}
	if !rec.Restored {
		s.logger.Warnf("state_backup_unusable quarantine=%s error=%v action=fresh", rec.Quarantined, rec.BackupErr)
		return s.fresh()
	}

	data, err = os.ReadFile(s.path)
	if err == nil {
		st, err = decode(data)
	}
	if err != nil {
		s.logger.Errorf("state_backup_decode_failed error=%v action=fresh", err)
		return s.fresh()
	}
	s.logger.Warnf("state_restored_from_backup quarantine=%s", rec.Quarantined)
	return st
}

func decode(data []byte) (*model.PipelineState, error) {
	if err := yamlutil.CheckHeader(data, yamlutil.FileTypePipelineState); err != nil {
		return nil, err
	}
	var st model.PipelineState
	if err := yamlv3.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	st.EnsureMaps()
	return &st, nil
}

func (s *Store) fresh() *model.PipelineState {
	st := model.NewPipelineState(model.MustGenerateID(model.IDTypeRun))
	st.Continuous.Status = model.ContinuousStatusRunning
	return st
}

// Save atomically replaces the snapshot. Readers see either the previous or
// the new document.
func (s *Store) Save(st *model.PipelineState) error {
	defer s.locks.Lock(stateLockKey)()

	if st.SchemaVersion == 0 {
		st.SchemaVersion = model.StateSchemaVersion
	}
	if st.FileType == "" {
		st.FileType = model.StateFileType
	}
	st.UpdatedAt = model.Now()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: create state dir: %w", ErrSaveFailed, err)
	}
	if err := yamlutil.AtomicWrite(s.path, st); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return nil
}

// IncrementNoUpdateCount bumps phase's no-update counter and returns the new
// value.
func (s *Store) IncrementNoUpdateCount(st *model.PipelineState, phase string) int {
	st.EnsureMaps()
	st.NoUpdateCounts[phase]++
	n := st.NoUpdateCounts[phase]
	s.logger.Infof("no_update phase=%s count=%d", phase, n)
	return n
}

func (s *Store) ResetNoUpdateCount(st *model.PipelineState, phase string) {
	if st.NoUpdateCounts[phase] == 0 {
		return
	}
	delete(st.NoUpdateCounts, phase)
}

func (s *Store) GetNoUpdateCount(st *model.PipelineState, phase string) int {
	return st.NoUpdateCounts[phase]
}

// RecordRun appends a run to phase's bounded history and to the global phase
// history.
func (s *Store) RecordRun(st *model.PipelineState, phase string, success bool, taskID string, filesCreated, filesModified []string) *model.PhaseState {
	ps := st.Phase(phase)
	ps.RecordRun(model.RunRecord{
		Timestamp:     model.Now(),
		Success:       success,
		TaskID:        taskID,
		FilesCreated:  normalizeAll(filesCreated),
		FilesModified: normalizeAll(filesModified),
	}, s.config.RunHistorySize)
	st.AppendPhaseHistory(phase, s.config.PhaseHistorySize)
	return ps
}

func normalizeAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = model.NormalizePath(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// WritePhaseStatus renders .conductor/status/<PHASE>_STATE.md. The file is
// informational only, so failures are logged and dropped.
func (s *Store) WritePhaseStatus(st *model.PipelineState, phase string) {
	path := filepath.Join(s.baseDir, "status", strings.ToUpper(phase)+"_STATE.md")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.logger.Warnf("phase_status_write_failed phase=%s error=%v", phase, err)
		return
	}
	if err := yamlutil.AtomicWriteText(path, renderPhaseStatus(st, phase, s.config)); err != nil {
		s.logger.Warnf("phase_status_write_failed phase=%s error=%v", phase, err)
	}
}

func renderPhaseStatus(st *model.PipelineState, phase string, cfg model.SchedulerConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.ToUpper(phase))
	fmt.Fprintf(&b, "- Updated: %s\n", model.Now())
	fmt.Fprintf(&b, "- Mode: %s\n", st.Mode)

	ps, ok := st.Phases[phase]
	if !ok {
		b.WriteString("\nNo runs recorded.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "- Runs: %d (success %d, failure %d)\n", ps.RunCount, ps.SuccessCount, ps.FailureCount)
	fmt.Fprintf(&b, "- Last run: %s\n", ps.LastRun)
	fmt.Fprintf(&b, "- Consecutive failures: %d\n", ps.ConsecutiveFailures())
	fmt.Fprintf(&b, "- Recent success rate: %.0f%%\n", ps.RecentSuccessRate(cfg.TrendWindow)*100)
	fmt.Fprintf(&b, "- No-update count: %d\n", st.NoUpdateCounts[phase])

	var trend []string
	if ps.IsImproving(cfg.TrendWindow) {
		trend = append(trend, "improving")
	}
	if ps.IsDegrading(cfg.TrendWindow) {
		trend = append(trend, "degrading")
	}
	if ps.IsOscillating(cfg.OscillationThreshold) {
		trend = append(trend, "oscillating")
	}
	if len(trend) > 0 {
		fmt.Fprintf(&b, "- Trend: %s\n", strings.Join(trend, ", "))
	}

	b.WriteString("\n## Recent runs\n\n| Time | Result | Task | Files |\n|---|---|---|---|\n")
	for i := len(ps.RunHistory) - 1; i >= 0; i-- {
		r := ps.RunHistory[i]
		result := "fail"
		if r.Success {
			result = "ok"
		}
		files := append(append([]string(nil), r.FilesCreated...), r.FilesModified...)
		sort.Strings(files)
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", r.Timestamp, result, r.TaskID, strings.Join(files, " "))
	}
	return b.String()
}
