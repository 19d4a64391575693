// Package issues manages defect records, their lifecycle and their links to
// tasks, files and objectives.
package issues

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

var severityWeights = map[model.Severity]float64{
	model.SeverityCritical: 1,
	model.SeverityHigh:     5,
	model.SeverityMedium:   10,
	model.SeverityLow:      20,
}

var severityPriority = map[model.Severity]int{
	model.SeverityCritical: model.PriorityCriticalBug,
	model.SeverityHigh:     model.PriorityQAFailure,
	model.SeverityMedium:   model.PriorityNewTask,
	model.SeverityLow:      model.PriorityLow,
}

type CorrelationType string

const (
	CorrelationSameFile CorrelationType = "SAME_FILE"
	CorrelationSameType CorrelationType = "SAME_TYPE"
)

// Correlation groups open issues that probably share a cause.
type Correlation struct {
	Type        CorrelationType `json:"type" yaml:"type"`
	IssueIDs    []string        `json:"issue_ids" yaml:"issue_ids"`
	Confidence  float64         `json:"confidence" yaml:"confidence"`
	Description string          `json:"description" yaml:"description"`
}

// Stats summarises the issue set.
type Stats struct {
	Total      int
	Active     int
	ByStatus   map[model.IssueStatus]int
	BySeverity map[model.Severity]int
	// AvgTimeToFix is in hours, over resolved issues.
	AvgTimeToFix float64
}

// Tracker mutates the issue set of the iteration's in-memory state. The
// scheduler persists it with the rest of the snapshot.
type Tracker struct {
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewTracker(logger *zap.SugaredLogger) *Tracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tracker{
		logger: logger.Named("issues"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) stamp() string {
	return t.now().UTC().Format(time.RFC3339)
}

// CreateIssue adds iss to st, assigning an id and defaults where missing.
func (t *Tracker) CreateIssue(st *model.PipelineState, iss *model.Issue) (string, error) {
	if iss == nil {
		return "", fmt.Errorf("nil issue")
	}
	if iss.Title == "" {
		return "", fmt.Errorf("issue title is required")
	}
	if iss.ID == "" {
		id, err := model.GenerateID(model.IDTypeIssue)
		if err != nil {
			return "", fmt.Errorf("generate issue id: %w", err)
		}
		iss.ID = id
	}
	st.EnsureMaps()
	if _, exists := st.Issues[iss.ID]; exists {
		return "", fmt.Errorf("issue %s already exists", iss.ID)
	}

	if iss.Status == "" {
		iss.Status = model.IssueStatusOpen
	}
	if iss.Severity == "" {
		iss.Severity = model.SeverityMedium
	}
	if iss.Type == "" {
		iss.Type = model.IssueTypeOther
	}
	if iss.ReportedAt == "" {
		iss.ReportedAt = t.stamp()
	}
	iss.File = model.NormalizePath(iss.File)

	st.Issues[iss.ID] = iss
	if iss.File != "" {
		st.AddFileIssue(iss.File, iss.ID)
	}
	if iss.RelatedObjective != "" {
		if err := t.LinkToObjective(st, iss.ID, iss.RelatedObjective); err != nil {
			t.logger.Warnf("issue_objective_link_failed issue=%s objective=%s error=%v", iss.ID, iss.RelatedObjective, err)
		}
	}

	t.logger.Infof("issue_created id=%s severity=%s type=%s file=%s", iss.ID, iss.Severity, iss.Type, iss.File)
	return iss.ID, nil
}

// Score is the fix-priority of iss at now. Lower scores are fixed first:
// severity sets the base, age and repeated fix attempts pull it down.
func Score(iss *model.Issue, now time.Time) float64 {
	weight, ok := severityWeights[iss.Severity]
	if !ok {
		weight = severityWeights[model.SeverityMedium]
	}
	ageHours := 0.0
	if reported := model.ParseTime(iss.ReportedAt); !reported.IsZero() {
		ageHours = now.Sub(reported).Hours()
	}
	return weight - ageHours*0.1 - float64(iss.FixAttempts)*0.5
}

// GetIssuesByPriority returns active issues ordered by ascending Score.
func (t *Tracker) GetIssuesByPriority(st *model.PipelineState) []*model.Issue {
	now := t.now()
	var active []*model.Issue
	for _, iss := range st.Issues {
		if iss.IsActive() {
			active = append(active, iss)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		si, sj := Score(active[i], now), Score(active[j], now)
		if si != sj {
			return si < sj
		}
		return active[i].ID < active[j].ID
	})
	return active
}

func (t *Tracker) get(st *model.PipelineState, id string) (*model.Issue, error) {
	iss, ok := st.Issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	return iss, nil
}

func (t *Tracker) transition(iss *model.Issue, to model.IssueStatus) error {
	if err := model.ValidateIssueTransition(iss.Status, to); err != nil {
		return fmt.Errorf("issue %s: %w", iss.ID, err)
	}
	t.logger.Debugf("issue_transition id=%s from=%s to=%s", iss.ID, iss.Status, to)
	iss.Status = to
	return nil
}

// Assign hands the issue to a fix task.
func (t *Tracker) Assign(st *model.PipelineState, id, taskID string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusAssigned); err != nil {
		return err
	}
	iss.AssignedToTask = taskID
	iss.AssignedAt = t.stamp()
	if task, ok := st.Tasks[taskID]; ok {
		task.IssueID = id
	}
	return nil
}

// StartFixing marks a fix attempt as under way.
func (t *Tracker) StartFixing(st *model.PipelineState, id string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusInProgress); err != nil {
		return err
	}
	iss.FixAttempts++
	iss.StartedAt = t.stamp()
	return nil
}

// Resolve closes out the fix and drops the issue from its objective's and
// file's open sets.
func (t *Tracker) Resolve(st *model.PipelineState, id, resolution string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusResolved); err != nil {
		return err
	}
	now := t.now()
	iss.Resolution = resolution
	iss.ResolvedAt = now.Format(time.RFC3339)
	if reported := model.ParseTime(iss.ReportedAt); !reported.IsZero() {
		iss.TimeToFix = now.Sub(reported).Hours()
	}
	t.detach(st, iss)
	t.logger.Infof("issue_resolved id=%s time_to_fix_h=%.2f", id, iss.TimeToFix)
	return nil
}

func (t *Tracker) Verify(st *model.PipelineState, id string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusVerified); err != nil {
		return err
	}
	iss.VerifiedAt = t.stamp()
	return nil
}

func (t *Tracker) Close(st *model.PipelineState, id string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusClosed); err != nil {
		return err
	}
	iss.ClosedAt = t.stamp()
	return nil
}

// WontFix retires the issue without a fix.
func (t *Tracker) WontFix(st *model.PipelineState, id, reason string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusWontFix); err != nil {
		return err
	}
	iss.Resolution = reason
	iss.ClosedAt = t.stamp()
	t.detach(st, iss)
	return nil
}

// Reopen returns a resolved issue to the open sets it was removed from.
func (t *Tracker) Reopen(st *model.PipelineState, id, reason string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	if err := t.transition(iss, model.IssueStatusReopened); err != nil {
		return err
	}
	iss.Resolution = "Reopened: " + reason
	if iss.File != "" {
		st.AddFileIssue(iss.File, iss.ID)
	}
	if obj, ok := st.Objectives[iss.RelatedObjective]; ok {
		obj.AddOpenIssue(iss.ID, iss.Severity == model.SeverityCritical)
	}
	t.logger.Infof("issue_reopened id=%s reason=%q", id, reason)
	return nil
}

func (t *Tracker) detach(st *model.PipelineState, iss *model.Issue) {
	if iss.File != "" {
		st.RemoveFileIssue(iss.File, iss.ID)
	}
	for _, obj := range st.Objectives {
		obj.RemoveOpenIssue(iss.ID)
	}
}

// LinkToObjective moves the issue into objectiveID's open set. An issue is
// open under at most one objective.
func (t *Tracker) LinkToObjective(st *model.PipelineState, id, objectiveID string) error {
	iss, err := t.get(st, id)
	if err != nil {
		return err
	}
	obj, ok := st.Objectives[objectiveID]
	if !ok {
		return fmt.Errorf("objective %s not found", objectiveID)
	}
	for oid, other := range st.Objectives {
		if oid != objectiveID {
			other.RemoveOpenIssue(id)
		}
	}
	iss.RelatedObjective = objectiveID
	if iss.IsActive() {
		obj.AddOpenIssue(id, iss.Severity == model.SeverityCritical)
	}
	obj.UpdatedAt = t.stamp()
	return nil
}

// CorrelateIssues groups active issues by file and, when more than two share
// one, by type. A single issue may appear in several correlations.
func (t *Tracker) CorrelateIssues(st *model.PipelineState) []Correlation {
	byFile := make(map[string][]string)
	byType := make(map[model.IssueType][]string)
	ids := make([]string, 0, len(st.Issues))
	for id := range st.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		iss := st.Issues[id]
		if !iss.IsActive() {
			continue
		}
		if iss.File != "" {
			byFile[iss.File] = append(byFile[iss.File], id)
		}
		byType[iss.Type] = append(byType[iss.Type], id)
	}

	var out []Correlation
	for _, file := range sortedKeys(byFile) {
		if group := byFile[file]; len(group) > 1 {
			out = append(out, Correlation{
				Type:        CorrelationSameFile,
				IssueIDs:    group,
				Confidence:  0.8,
				Description: fmt.Sprintf("%d issues in %s", len(group), file),
			})
		}
	}
	for _, typ := range sortedKeys(byType) {
		if group := byType[typ]; len(group) > 2 {
			out = append(out, Correlation{
				Type:        CorrelationSameType,
				IssueIDs:    group,
				Confidence:  0.6,
				Description: fmt.Sprintf("%d %s issues", len(group), typ),
			})
		}
	}
	return out
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// CreateFixTask adds a task that fixes issue id and assigns the issue to it.
func (t *Tracker) CreateFixTask(st *model.PipelineState, id string) (*model.Task, error) {
	iss, err := t.get(st, id)
	if err != nil {
		return nil, err
	}
	priority, ok := severityPriority[iss.Severity]
	if !ok {
		priority = model.PriorityNewTask
	}

	task := model.NewTask(fmt.Sprintf("Fix %s issue: %s", iss.Severity, iss.Title), iss.File, priority)
	task.ObjectiveID = iss.RelatedObjective
	task.IssueID = iss.ID
	st.AddTask(task)

	iss.RelatedTask = task.ID
	if err := t.Assign(st, id, task.ID); err != nil {
		return task, err
	}
	t.logger.Infof("fix_task_created issue=%s task=%s priority=%d", id, task.ID, priority)
	return task, nil
}

// Stats counts issues by status and severity.
func (t *Tracker) Stats(st *model.PipelineState) Stats {
	s := Stats{
		ByStatus:   make(map[model.IssueStatus]int),
		BySeverity: make(map[model.Severity]int),
	}
	var fixHours float64
	fixed := 0
	for _, iss := range st.Issues {
		s.Total++
		s.ByStatus[iss.Status]++
		s.BySeverity[iss.Severity]++
		if iss.IsActive() {
			s.Active++
		}
		if iss.ResolvedAt != "" {
			fixHours += iss.TimeToFix
			fixed++
		}
	}
	if fixed > 0 {
		s.AvgTimeToFix = fixHours / float64(fixed)
	}
	return s
}
