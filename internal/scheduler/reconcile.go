package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/phase"
)

// reconcile folds a phase result into state. task is nil for phases that do
// not work on a task.
func (s *Scheduler) reconcile(st *model.PipelineState, d Decision, task *model.Task, res phase.Result) {
	now := model.Now()

	switch d.Phase {
	case phase.Coding, phase.Debugging:
		s.reconcileWork(st, d.Phase, task, res, now)

	case phase.Documentation:
		if task != nil {
			s.reconcileWork(st, d.Phase, task, res, now)
		}
		if res.Success {
			st.LastDocUpdateCount = st.CompletedCount()
		}

	case phase.QA:
		s.reconcileReview(st, task, res, now)

	case phase.ProjectPlanning:
		st.ExpansionCount++
		if mode, _ := res.Data["mode"].(string); mode == string(model.ModeMaintenance) {
			st.Mode = model.ModeMaintenance
			s.logger.Warnf("maintenance_requested phase=%s", d.Phase)
		}
	}

	s.mergeResult(st, res)
	if res.NextPhaseHint != "" {
		st.NextPhaseHint = res.NextPhaseHint
	}
	if d.Phase == phase.ProjectPlanning && len(res.NewTasks) > 0 && st.Mode == model.ModeMaintenance {
		st.Mode = model.ModeNormal
		s.logger.Infof("maintenance_exited reason=%q", "expansion produced tasks")
	}
}

// reconcileWork handles phases that write the task's file.
func (s *Scheduler) reconcileWork(st *model.PipelineState, name string, task *model.Task, res phase.Result, now string) {
	if task == nil {
		s.recordFiles(st, res, now)
		return
	}
	if !res.Success {
		task.AddError(name, name+"_failed", failureMessage(res), now)
		s.transition(st, task, model.TaskStatusNeedsFixes, name+" failed")
		return
	}
	if !res.FilesTouched() {
		// spend an attempt so a task that never produces output runs out
		task.AddError(name, "no_output", "phase succeeded without touching files", now)
		return
	}
	s.recordFiles(st, res, now)
	s.transition(st, task, model.TaskStatusQAPending, name+" produced files")
}

func (s *Scheduler) reconcileReview(st *model.PipelineState, task *model.Task, res phase.Result, now string) {
	if task == nil {
		return
	}
	if res.Success {
		if !s.transition(st, task, model.TaskStatusCompleted, "review approved") {
			return
		}
		st.MarkFileReviewed(task.TargetFile, true, now)
		if obj, ok := st.Objectives[task.ObjectiveID]; ok {
			obj.MarkTaskCompleted(task.ID, now)
		}
		s.closeLinkedIssue(st, task)
		return
	}
	// a rejection costs an attempt so review/fix cycles are bounded
	task.AddError(phase.QA, "review_rejected", failureMessage(res), now)
	s.transition(st, task, model.TaskStatusNeedsFixes, "review rejected")
	st.MarkFileReviewed(task.TargetFile, false, now)
}

// closeLinkedIssue resolves and verifies the issue a completed fix task was
// created for.
func (s *Scheduler) closeLinkedIssue(st *model.PipelineState, task *model.Task) {
	if task.IssueID == "" || s.tracker == nil {
		return
	}
	iss, ok := st.Issues[task.IssueID]
	if !ok || !iss.IsActive() {
		return
	}
	if err := s.tracker.Resolve(st, iss.ID, "fixed by "+task.ID); err != nil {
		s.logger.Warnf("issue_resolve_failed issue=%s task=%s error=%v", iss.ID, task.ID, err)
		return
	}
	if err := s.tracker.Verify(st, iss.ID); err != nil {
		s.logger.Warnf("issue_verify_failed issue=%s error=%v", iss.ID, err)
	}
}

// mergeResult adds tasks and issues reported by any phase. Critical and high
// issues on files no open task covers get a fix task.
func (s *Scheduler) mergeResult(st *model.PipelineState, res phase.Result) {
	for _, t := range res.NewTasks {
		if t == nil {
			continue
		}
		if t.ID == "" {
			t.ID = model.MustGenerateID(model.IDTypeTask)
		}
		if _, exists := st.Tasks[t.ID]; exists {
			s.logger.Warnf("task_duplicate_ignored task=%s", t.ID)
			continue
		}
		if t.Status == "" {
			t.Status = model.TaskStatusNew
		}
		if t.CreatedAt == "" {
			t.CreatedAt = model.Now()
		}
		if t.UpdatedAt == "" {
			t.UpdatedAt = t.CreatedAt
		}
		t.TargetFile = model.NormalizePath(t.TargetFile)
		st.AddTask(t)
		s.logger.Infof("task_created task=%s target=%s priority=%d", t.ID, t.TargetFile, t.Priority)
	}

	if s.tracker == nil {
		return
	}
	for _, iss := range res.NewIssues {
		id, err := s.tracker.CreateIssue(st, iss)
		if err != nil {
			s.logger.Warnf("issue_rejected error=%v", err)
			continue
		}
		if iss.Severity != model.SeverityCritical && iss.Severity != model.SeverityHigh {
			continue
		}
		if iss.File == "" || openTaskFor(st, iss.File) {
			continue
		}
		if _, err := s.tracker.CreateFixTask(st, id); err != nil {
			s.logger.Warnf("fix_task_failed issue=%s error=%v", id, err)
		}
	}
}

func openTaskFor(st *model.PipelineState, path string) bool {
	for _, t := range st.Tasks {
		if t.TargetFile == path && !t.IsTerminal() {
			return true
		}
	}
	return false
}

// recordFiles refreshes the hash of every file the run touched.
func (s *Scheduler) recordFiles(st *model.PipelineState, res phase.Result, now string) {
	for _, list := range [][]string{res.FilesCreated, res.FilesModified} {
		for _, p := range list {
			p = model.NormalizePath(p)
			if p == "" {
				continue
			}
			hash, size := s.hashFile(p)
			st.UpdateFile(p, hash, size, now)
		}
	}
}

// hashFile returns the sha256 of a project file. A missing file hashes as
// empty content.
func (s *Scheduler) hashFile(rel string) (string, int64) {
	data, err := os.ReadFile(filepath.Join(s.projectDir, filepath.FromSlash(rel)))
	if err != nil {
		data = nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data))
}

func failureMessage(res phase.Result) string {
	if len(res.Errors) > 0 {
		return strings.Join(res.Errors, "; ")
	}
	if res.Message != "" {
		return res.Message
	}
	return "phase reported failure"
}
