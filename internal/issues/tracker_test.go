package issues

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker() *Tracker {
	tr := NewTracker(nil)
	tr.now = func() time.Time { return testNow }
	return tr
}

func hoursAgo(h float64) string {
	return testNow.Add(-time.Duration(h * float64(time.Hour))).Format(time.RFC3339)
}

func TestGetIssuesByPriority_SeverityBeatsAge(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")

	lowID, err := tr.CreateIssue(st, &model.Issue{Title: "old nit", Severity: model.SeverityLow, ReportedAt: hoursAgo(100)})
	require.NoError(t, err)
	critID, err := tr.CreateIssue(st, &model.Issue{Title: "crash", Severity: model.SeverityCritical, ReportedAt: hoursAgo(1)})
	require.NoError(t, err)

	ordered := tr.GetIssuesByPriority(st)
	require.Len(t, ordered, 2)
	assert.Equal(t, critID, ordered[0].ID)
	assert.Equal(t, lowID, ordered[1].ID)
}

func TestScore(t *testing.T) {
	iss := &model.Issue{Severity: model.SeverityHigh, ReportedAt: hoursAgo(10), FixAttempts: 2}
	assert.InDelta(t, 5-1.0-1.0, Score(iss, testNow), 1e-9)
}

func TestGetIssuesByPriority_ExcludesTerminal(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")

	id, err := tr.CreateIssue(st, &model.Issue{Title: "a"})
	require.NoError(t, err)
	_, err = tr.CreateIssue(st, &model.Issue{Title: "b"})
	require.NoError(t, err)
	require.NoError(t, tr.Resolve(st, id, "fixed"))

	ordered := tr.GetIssuesByPriority(st)
	require.Len(t, ordered, 1)
	assert.Equal(t, "b", ordered[0].Title)
}

func TestCreateIssue_Defaults(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")

	_, err := tr.CreateIssue(st, &model.Issue{})
	assert.Error(t, err)

	id, err := tr.CreateIssue(st, &model.Issue{Title: "x", File: "./src/a.py"})
	require.NoError(t, err)
	iss := st.Issues[id]
	assert.True(t, model.ValidateID(id))
	assert.Equal(t, model.IssueStatusOpen, iss.Status)
	assert.Equal(t, model.SeverityMedium, iss.Severity)
	assert.Equal(t, model.IssueTypeOther, iss.Type)
	assert.Equal(t, "src/a.py", iss.File)
	assert.Equal(t, testNow.Format(time.RFC3339), iss.ReportedAt)

	_, err = tr.CreateIssue(st, &model.Issue{ID: id, Title: "dup"})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")
	st.UpdateFile("a.py", "h1", 10, hoursAgo(5))
	st.Objectives["obj_1"] = &model.Objective{ID: "obj_1", Level: model.ObjectiveLevelPrimary, Status: model.ObjectiveStatusActive}

	id, err := tr.CreateIssue(st, &model.Issue{
		Title: "broken import", File: "a.py", Severity: model.SeverityCritical,
		RelatedObjective: "obj_1", ReportedAt: hoursAgo(3),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, st.Files["a.py"].Issues)
	assert.Equal(t, []string{id}, st.Objectives["obj_1"].OpenIssues)
	assert.Equal(t, []string{id}, st.Objectives["obj_1"].CriticalIssues)

	require.NoError(t, tr.Assign(st, id, "task_1"))
	require.NoError(t, tr.StartFixing(st, id))
	assert.Equal(t, 1, st.Issues[id].FixAttempts)

	require.NoError(t, tr.Resolve(st, id, "import path fixed"))
	iss := st.Issues[id]
	assert.Equal(t, model.IssueStatusResolved, iss.Status)
	assert.InDelta(t, 3.0, iss.TimeToFix, 1e-9)
	assert.Nil(t, st.Files["a.py"].Issues)
	assert.Nil(t, st.Objectives["obj_1"].OpenIssues)

	require.NoError(t, tr.Reopen(st, id, "regressed"))
	assert.Equal(t, "Reopened: regressed", iss.Resolution)
	assert.Equal(t, []string{id}, st.Objectives["obj_1"].OpenIssues)

	require.NoError(t, tr.Resolve(st, id, "again"))
	require.NoError(t, tr.Verify(st, id))
	require.NoError(t, tr.Close(st, id))
	assert.Equal(t, model.IssueStatusClosed, iss.Status)
	assert.NotEmpty(t, iss.ClosedAt)
}

func TestLifecycle_IllegalTransition(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")
	id, err := tr.CreateIssue(st, &model.Issue{Title: "x"})
	require.NoError(t, err)

	assert.Error(t, tr.Verify(st, id))
	assert.Error(t, tr.Close(st, id))
	require.NoError(t, tr.WontFix(st, id, "by choice"))
	assert.Error(t, tr.Reopen(st, id, "no"))
	assert.Error(t, tr.Assign(st, "iss_missing", "task_1"))
}

func TestLinkToObjective_SingleOwner(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")
	st.Objectives["obj_a"] = &model.Objective{ID: "obj_a"}
	st.Objectives["obj_b"] = &model.Objective{ID: "obj_b"}

	id, err := tr.CreateIssue(st, &model.Issue{Title: "x", RelatedObjective: "obj_a"})
	require.NoError(t, err)
	require.NoError(t, tr.LinkToObjective(st, id, "obj_b"))

	assert.Nil(t, st.Objectives["obj_a"].OpenIssues)
	assert.Equal(t, []string{id}, st.Objectives["obj_b"].OpenIssues)
	assert.Equal(t, "obj_b", st.Issues[id].RelatedObjective)
	assert.Error(t, tr.LinkToObjective(st, id, "obj_missing"))
}

func TestCorrelateIssues(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")

	add := func(file string, typ model.IssueType) string {
		id, err := tr.CreateIssue(st, &model.Issue{Title: file, File: file, Type: typ})
		require.NoError(t, err)
		return id
	}
	a1 := add("a.py", model.IssueTypeImportError)
	a2 := add("a.py", model.IssueTypeLogicError)
	add("b.py", model.IssueTypeImportError)
	add("c.py", model.IssueTypeImportError)
	add("d.py", model.IssueTypeLogicError)

	corr := tr.CorrelateIssues(st)
	require.Len(t, corr, 2)

	assert.Equal(t, CorrelationSameFile, corr[0].Type)
	assert.ElementsMatch(t, []string{a1, a2}, corr[0].IssueIDs)
	assert.Equal(t, 0.8, corr[0].Confidence)

	assert.Equal(t, CorrelationSameType, corr[1].Type)
	assert.Len(t, corr[1].IssueIDs, 3)
	assert.Equal(t, 0.6, corr[1].Confidence)
}

func TestCreateFixTask(t *testing.T) {
	tests := []struct {
		severity model.Severity
		priority int
	}{
		{model.SeverityCritical, 1},
		{model.SeverityHigh, 2},
		{model.SeverityMedium, 6},
		{model.SeverityLow, 7},
	}
	for _, tc := range tests {
		t.Run(string(tc.severity), func(t *testing.T) {
			tr := newTestTracker()
			st := model.NewPipelineState("run_1700000000_00000000")
			id, err := tr.CreateIssue(st, &model.Issue{Title: "null deref", File: "a.py", Severity: tc.severity})
			require.NoError(t, err)

			task, err := tr.CreateFixTask(st, id)
			require.NoError(t, err)

			assert.Equal(t, tc.priority, task.Priority)
			assert.Equal(t, "Fix "+string(tc.severity)+" issue: null deref", task.Description)
			assert.Equal(t, "a.py", task.TargetFile)
			assert.Equal(t, id, task.IssueID)
			assert.Same(t, task, st.Tasks[task.ID])

			iss := st.Issues[id]
			assert.Equal(t, task.ID, iss.RelatedTask)
			assert.Equal(t, task.ID, iss.AssignedToTask)
			assert.Equal(t, model.IssueStatusAssigned, iss.Status)
		})
	}
}

func TestStats(t *testing.T) {
	tr := newTestTracker()
	st := model.NewPipelineState("run_1700000000_00000000")
	a, _ := tr.CreateIssue(st, &model.Issue{Title: "a", Severity: model.SeverityHigh, ReportedAt: hoursAgo(2)})
	_, _ = tr.CreateIssue(st, &model.Issue{Title: "b", Severity: model.SeverityHigh})
	require.NoError(t, tr.Resolve(st, a, "done"))

	s := tr.Stats(st)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 2, s.BySeverity[model.SeverityHigh])
	assert.Equal(t, 1, s.ByStatus[model.IssueStatusResolved])
	assert.InDelta(t, 2.0, s.AvgTimeToFix, 1e-9)
}
