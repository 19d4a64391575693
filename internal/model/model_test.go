package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFile_HashChangeResetsQA(t *testing.T) {
	s := NewPipelineState("run_1")

	fs := s.UpdateFile("./pkg/a.py", "h1", 10, "2026-01-01T00:00:00Z")
	assert.Equal(t, "pkg/a.py", fs.Path)
	assert.Equal(t, QAStatusPending, fs.QAStatus)

	s.MarkFileReviewed("pkg/a.py", true, "2026-01-01T01:00:00Z")
	assert.Equal(t, QAStatusApproved, s.Files["pkg/a.py"].QAStatus)

	s.UpdateFile("pkg/a.py", "h1", 10, "2026-01-01T02:00:00Z")
	assert.Equal(t, QAStatusApproved, s.Files["pkg/a.py"].QAStatus, "same hash keeps verdict")

	s.UpdateFile("pkg/a.py", "h2", 12, "2026-01-01T03:00:00Z")
	assert.Equal(t, QAStatusPending, s.Files["pkg/a.py"].QAStatus)
	assert.Equal(t, "2026-01-01T00:00:00Z", s.Files["pkg/a.py"].Created)

	s.MarkFileReviewed("pkg/a.py", false, "2026-01-01T04:00:00Z")
	assert.Equal(t, QAStatusRejected, s.Files["pkg/a.py"].QAStatus)
}

func TestFileIssues(t *testing.T) {
	s := NewPipelineState("run_1")
	s.UpdateFile("a.py", "h", 1, Now())
	s.AddFileIssue("a.py", "iss_1")
	s.AddFileIssue("a.py", "iss_1")
	s.AddFileIssue("a.py", "iss_2")
	assert.Equal(t, []string{"iss_1", "iss_2"}, s.Files["a.py"].Issues)

	s.RemoveFileIssue("a.py", "iss_1")
	s.RemoveFileIssue("a.py", "iss_2")
	assert.Nil(t, s.Files["a.py"].Issues)
}

func TestObjective_OpenIssues(t *testing.T) {
	o := &Objective{ID: "obj_1", Level: ObjectiveLevelPrimary, Status: ObjectiveStatusActive}
	o.AddOpenIssue("iss_1", true)
	o.AddOpenIssue("iss_1", true)
	o.AddOpenIssue("iss_2", false)

	assert.Equal(t, []string{"iss_1", "iss_2"}, o.OpenIssues)
	assert.Equal(t, []string{"iss_1"}, o.CriticalIssues)

	o.RemoveOpenIssue("iss_1")
	assert.Equal(t, []string{"iss_2"}, o.OpenIssues)
	assert.Nil(t, o.CriticalIssues)
}

func TestObjective_Completion(t *testing.T) {
	o := &Objective{ID: "obj_1", Status: ObjectiveStatusActive}
	o.AddTask("t1")
	o.AddTask("t2")
	o.MarkTaskCompleted("t1", Now())
	assert.Equal(t, ObjectiveStatusInProgress, o.Status)
	assert.InDelta(t, 50.0, o.CompletionPercent(), 1e-9)

	o.MarkTaskCompleted("t2", Now())
	assert.Equal(t, ObjectiveStatusCompleted, o.Status)
}

func TestPipelineState_Queries(t *testing.T) {
	s := NewPipelineState("run_1")
	assert.False(t, s.AllTasksTerminal(), "empty state has nothing terminal")

	a := &Task{ID: "task_a", TargetFile: "a.py", Status: TaskStatusCompleted}
	b := &Task{ID: "task_b", TargetFile: "b.py", Status: TaskStatusSkipped}
	s.AddTask(a)
	s.AddTask(b)

	assert.True(t, s.AllTasksTerminal())
	assert.Equal(t, 1, s.CompletedCount())
	assert.True(t, s.NeedsDocumentationUpdate())
	s.LastDocUpdateCount = 1
	assert.False(t, s.NeedsDocumentationUpdate())

	require.NotNil(t, s.TaskForFile("./a.py"))
	assert.Equal(t, "task_a", s.TaskForFile("./a.py").ID)
	assert.Equal(t, []*Task{b}, s.TasksWithStatus(TaskStatusSkipped))
}

func TestPipelineState_PhaseHistory(t *testing.T) {
	s := NewPipelineState("run_1")
	for _, p := range []string{"planning", "coding", "coding", "coding"} {
		s.AppendPhaseHistory(p, 3)
	}
	assert.Equal(t, []string{"coding", "coding", "coding"}, s.PhaseHistory)

	phase, n := s.TrailingPhaseRun()
	assert.Equal(t, "coding", phase)
	assert.Equal(t, 3, n)
}
