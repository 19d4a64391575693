package loopguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/model"
)

func act(phase, tool, file string) Action {
	return Action{Phase: phase, Tool: tool, File: file, Args: map[string]any{"old_str": "x = 1"}}
}

func repeat(a Action, n int) []Action {
	out := make([]Action, n)
	for i := range out {
		out[i] = a
	}
	return out
}

func testConfig() model.LoopGuardConfig {
	return model.DefaultConfig().LoopGuard
}

type skipAdjudicator struct{ calls int }

func (s *skipAdjudicator) Adjudicate(context.Context, Consultation) (Verdict, error) {
	s.calls++
	return Verdict{Action: VerdictSkip, Guidance: "skip it"}, nil
}

type recordingSpecialist struct{ rungs []Rung }

func (r *recordingSpecialist) Consult(_ context.Context, c Consultation) (string, error) {
	r.rungs = append(r.rungs, c.Rung)
	return "advice for " + c.Rung.String(), nil
}

func TestSignature(t *testing.T) {
	a := Action{
		Tool: "str_replace",
		Args: map[string]any{
			"file_path": "src/a.py",
			"old_str":   "0123456789012345678901234567890123456789012345678901234567890",
			"new_str":   "ignored",
			"mode":      "strict",
		},
	}
	assert.Equal(t, "str_replace(file:src/a.py,old:01234567890123456789012345678901234567890123456789,mode=strict)", a.Signature())

	b := a
	b.Args = map[string]any{"file_path": "src/a.py", "old_str": a.Args["old_str"], "new_str": "different", "mode": "strict"}
	assert.Equal(t, a.Signature(), b.Signature())
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityLow, SeverityFor(3))
	assert.Equal(t, SeverityMedium, SeverityFor(5))
	assert.Equal(t, SeverityHigh, SeverityFor(7))
	assert.Equal(t, SeverityCritical, SeverityFor(10))
}

func TestDetect_ActionRepeat(t *testing.T) {
	window := append([]Action{act("debugging", "read_file", "b.py")}, repeat(act("debugging", "str_replace", "a.py"), 7)...)

	dets := Detect(window, DetectorConfig{RepeatThreshold: 3, MinCycles: 2})
	require.NotEmpty(t, dets)
	d := dets[0]
	assert.Equal(t, KindActionRepeat, d.Kind)
	assert.Equal(t, 7, d.Count)
	assert.Equal(t, SeverityHigh, d.Severity)
	assert.Equal(t, "a.py", d.File)
	assert.Equal(t, "str_replace", d.Tool)
}

func TestDetect_BelowThreshold(t *testing.T) {
	window := []Action{act("qa", "read_file", "a.py"), act("qa", "str_replace", "a.py"), act("qa", "str_replace", "a.py")}
	assert.Empty(t, Detect(window, DetectorConfig{RepeatThreshold: 3, MinCycles: 2}))
}

func TestDetect_Alternating(t *testing.T) {
	a := act("debugging", "str_replace", "a.py")
	b := act("debugging", "run_tests", "a.py")
	window := []Action{a, b, a, b, a, b}

	dets := Detect(window, DetectorConfig{RepeatThreshold: 3, MinCycles: 2})
	var found *Detection
	for i := range dets {
		if dets[i].Kind == KindAlternating {
			found = &dets[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 6, found.Count)
	assert.Equal(t, SeverityMedium, found.Severity)
}

func TestDetect_NoProgress(t *testing.T) {
	var window []Action
	for i := 0; i < 10; i++ {
		window = append(window, act("qa", "read_file", filepath.Join("src", string(rune('a'+i))+".py")))
	}

	dets := Detect(window, DetectorConfig{RepeatThreshold: 3, MinCycles: 2})
	require.Len(t, dets, 1)
	assert.Equal(t, KindNoProgress, dets[0].Kind)
	assert.Equal(t, SeverityCritical, dets[0].Severity)
	assert.Equal(t, "qa", dets[0].Phase)
}

func TestShouldIntervene(t *testing.T) {
	assert.False(t, ShouldIntervene(nil))
	assert.False(t, ShouldIntervene([]Detection{{Severity: SeverityHigh}, {Severity: SeverityMedium}}))
	assert.True(t, ShouldIntervene([]Detection{{Severity: SeverityHigh}, {Severity: SeverityHigh}}))
	assert.True(t, ShouldIntervene([]Detection{{Severity: SeverityCritical}}))
}

func TestCheck_CodingOnSeveralFilesIsExempt(t *testing.T) {
	g := NewGuard(testConfig(), nil, nil)
	for i := 0; i < 10; i++ {
		file := "a.py"
		if i%2 == 0 {
			file = "b.py"
		}
		g.Record(Action{Phase: "coding", Tool: "read_file", File: file})
	}

	iv, err := g.Check(context.Background(), "coding", "task_1")
	require.NoError(t, err)
	assert.Nil(t, iv)
}

func TestCheck_LadderClimbsAndResets(t *testing.T) {
	g := NewGuard(testConfig(), nil, nil)
	rec := &recordingSpecialist{}
	adj := &skipAdjudicator{}
	g.SetSpecialist(rec)
	g.SetAdjudicator(adj)
	ctx := context.Background()

	stuck := act("debugging", "str_replace", "a.py")
	var rungs []Rung
	for i := 0; i < 6; i++ {
		g.Record(repeat(stuck, 10)...)
		iv, err := g.Check(ctx, "debugging", "task_1")
		require.NoError(t, err)
		require.NotNil(t, iv)
		rungs = append(rungs, iv.Rung)

		assert.Equal(t, KindActionRepeat, iv.Kind)
		assert.Equal(t, []string{"str_replace"}, iv.BlockedTools)
		assert.NotEmpty(t, iv.Guidance)
		assert.Equal(t, iv.Rung == RungAdjudication, iv.Skip)
	}
	assert.Equal(t, []Rung{RungLog, RungFreshPerspective, RungAlternativeApproach, RungRootCause, RungAdjudication, RungAdjudication}, rungs)
	assert.Equal(t, []Rung{RungFreshPerspective, RungAlternativeApproach, RungRootCause}, rec.rungs)
	assert.Equal(t, 2, adj.calls)

	g.Reset("debugging")
	assert.Equal(t, Rung(0), g.Rung("action_repeat|debugging|a.py"))

	g.Record(repeat(stuck, 10)...)
	iv, err := g.Check(ctx, "debugging", "task_1")
	require.NoError(t, err)
	assert.Equal(t, RungLog, iv.Rung)
}

func TestCheck_AdjudicateAfterPlacesTopRung(t *testing.T) {
	cases := []struct {
		after int
		want  []Rung
	}{
		{3, []Rung{RungLog, RungFreshPerspective, RungAdjudication}},
		{7, []Rung{RungLog, RungFreshPerspective, RungAlternativeApproach, RungRootCause, RungRootCause, RungRootCause, RungAdjudication}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("after_%d", tc.after), func(t *testing.T) {
			cfg := testConfig()
			cfg.AdjudicateAfter = tc.after
			g := NewGuard(cfg, nil, nil)
			adj := &skipAdjudicator{}
			g.SetAdjudicator(adj)

			stuck := act("debugging", "str_replace", "a.py")
			var got []Rung
			for range tc.want {
				g.Record(repeat(stuck, 10)...)
				iv, err := g.Check(context.Background(), "debugging", "task_1")
				require.NoError(t, err)
				require.NotNil(t, iv)
				got = append(got, iv.Rung)
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, 1, adj.calls)
			assert.Equal(t, RungAdjudication, g.Rung("action_repeat|debugging|a.py"))
		})
	}
}

func TestCheck_NothingNewNoIntervention(t *testing.T) {
	g := NewGuard(testConfig(), nil, nil)
	g.Record(repeat(act("debugging", "str_replace", "a.py"), 10)...)

	iv, err := g.Check(context.Background(), "debugging", "")
	require.NoError(t, err)
	require.NotNil(t, iv)

	iv, err = g.Check(context.Background(), "debugging", "")
	require.NoError(t, err)
	assert.Nil(t, iv)
}

func TestCheck_ProblemsEscalateIndependently(t *testing.T) {
	g := NewGuard(testConfig(), nil, nil)
	ctx := context.Background()

	g.Record(repeat(act("debugging", "str_replace", "a.py"), 10)...)
	_, err := g.Check(ctx, "debugging", "")
	require.NoError(t, err)
	g.Record(repeat(act("debugging", "str_replace", "a.py"), 10)...)
	_, err = g.Check(ctx, "debugging", "")
	require.NoError(t, err)

	g.Record(repeat(act("debugging", "str_replace", "b.py"), 10)...)
	iv, err := g.Check(ctx, "debugging", "")
	require.NoError(t, err)
	assert.Equal(t, RungLog, iv.Rung)
	assert.Equal(t, RungFreshPerspective, g.Rung("action_repeat|debugging|a.py"))
}

type failingSpecialist struct{}

func (failingSpecialist) Consult(context.Context, Consultation) (string, error) {
	return "", errors.New("unavailable")
}

func TestCheck_SpecialistFailureFallsBack(t *testing.T) {
	g := NewGuard(testConfig(), nil, nil)
	g.SetSpecialist(failingSpecialist{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		g.Record(repeat(act("debugging", "str_replace", "a.py"), 10)...)
		iv, err := g.Check(ctx, "debugging", "")
		require.NoError(t, err)
		require.NotNil(t, iv)
		if i == 1 {
			assert.Contains(t, iv.Guidance, "re-read")
		}
	}
}

func TestHistoryPersistsAcrossRestart(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "actions.jsonl")
	audit, err := events.NewAuditLogger(logPath)
	require.NoError(t, err)

	g := NewGuard(testConfig(), audit, nil)
	for i := 0; i < 12; i++ {
		g.Record(Action{Phase: "qa", Tool: "read_file", Args: map[string]any{"file_path": "a.py"}})
	}
	require.NoError(t, audit.Close())

	restarted := NewGuard(testConfig(), nil, nil)
	require.NoError(t, restarted.LoadHistory(logPath))

	recent := restarted.Recent(0)
	require.Len(t, recent, 10)
	assert.Equal(t, "a.py", recent[0].File)
	assert.Equal(t, "read_file", recent[9].Tool)
}

func TestFileAdjudicator(t *testing.T) {
	dir := t.TempDir()
	adj := &FileAdjudicator{Dir: dir, Timeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	c := Consultation{ProblemKey: "action_repeat|debugging|src/a.py"}

	v, err := adj.Adjudicate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, v.Action)

	path := adj.VerdictPath(c.ProblemKey)
	assert.Equal(t, dir, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte("verdict: continue\nguidance: try the lexer first\n"), 0644))

	v, err = adj.Adjudicate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, VerdictContinue, v.Action)
	assert.Equal(t, "try the lexer first", v.Guidance)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileAdjudicator_WritesRequestWhileWaiting(t *testing.T) {
	dir := t.TempDir()
	c := Consultation{
		ProblemKey: "action_repeat|debugging|src/a.py",
		Rung:       RungAdjudication,
		Phase:      "debugging",
		TaskID:     "task-4",
		Detection:  Detection{Kind: KindActionRepeat, Count: 6, File: "src/a.py"},
	}

	var req AdjudicationRequest
	var seen string
	adj := &FileAdjudicator{Dir: dir, Timeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	adj.OnRequest = func(_ Consultation, requestPath string) {
		seen = requestPath
		data, err := os.ReadFile(requestPath)
		require.NoError(t, err)
		require.NoError(t, yamlv3.Unmarshal(data, &req))
	}

	v, err := adj.Adjudicate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, v.Action)

	assert.Equal(t, adj.RequestPath(c.ProblemKey), seen)
	assert.Equal(t, c.ProblemKey, req.ProblemKey)
	assert.Equal(t, "debugging", req.Phase)
	assert.Equal(t, "task-4", req.TaskID)
	assert.Equal(t, 6, req.Count)
	assert.Equal(t, adj.VerdictPath(c.ProblemKey), req.VerdictPath)

	_, err = os.Stat(seen)
	assert.True(t, os.IsNotExist(err), "request file removed once answered")
}
