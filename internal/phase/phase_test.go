package phase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
)

func fastConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Retry.BackoffInitialMs = 1
	cfg.Retry.BackoffMaxMs = 2
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.CooldownSec = 60
	return cfg
}

func scripted(name string, outcomes ...error) (*AdapterFunc, *int) {
	calls := 0
	return &AdapterFunc{
		PhaseName: name,
		Fn: func(context.Context, *model.PipelineState, TaskContext) (Result, error) {
			i := calls
			calls++
			if i < len(outcomes) && outcomes[i] != nil {
				return Result{}, outcomes[i]
			}
			return Result{Success: true, Message: "ok"}, nil
		},
	}, &calls
}

func TestResult_UnknownTools(t *testing.T) {
	tests := map[string]struct {
		data map[string]any
		want []string
	}{
		"absent":       {nil, nil},
		"flag false":   {map[string]any{"unknown_tools": []string{"x"}}, nil},
		"string slice": {map[string]any{"requires_tool_development": true, "unknown_tools": []string{"lint"}}, []string{"lint"}},
		"any slice":    {map[string]any{"requires_tool_development": true, "unknown_tools": []any{"lint", 3, "fmt"}}, []string{"lint", "fmt"}},
		"single":       {map[string]any{"requires_tool_development": true, "unknown_tools": "lint"}, []string{"lint"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Result{Data: tc.data}.UnknownTools())
		})
	}
}

func TestRegistry(t *testing.T) {
	a, _ := scripted(Coding)
	b, _ := scripted(QA)
	r := NewRegistry(a, b)

	assert.True(t, r.Has(Coding))
	assert.False(t, r.Has(Planning))
	assert.Equal(t, []string{Coding, QA}, r.Names())

	r.Wrap(func(inner Adapter) Adapter { return NewResilient(inner, fastConfig(), nil) })
	got, ok := r.Get(Coding)
	require.True(t, ok)
	_, wrapped := got.(*Resilient)
	assert.True(t, wrapped)
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	a, calls := scripted(Coding, errors.New("connection reset"), errors.New("connection reset"))
	r := NewResilient(a, fastConfig(), nil)

	res, err := r.Execute(context.Background(), model.NewPipelineState("run"), TaskContext{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, BreakerClosed, r.Breaker().State())
}

func TestResilient_ValidationIsNotRetried(t *testing.T) {
	a, calls := scripted(Coding, fmt.Errorf("bad args: %w", ErrValidation))
	r := NewResilient(a, fastConfig(), nil)

	_, err := r.Execute(context.Background(), model.NewPipelineState("run"), TaskContext{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, BreakerClosed, r.Breaker().State())
}

func TestResilient_UnknownToolsPassThrough(t *testing.T) {
	a, calls := scripted(Coding, &UnknownToolsError{Tools: []string{"lint"}})
	r := NewResilient(a, fastConfig(), nil)

	_, err := r.Execute(context.Background(), model.NewPipelineState("run"), TaskContext{})
	var unknown *UnknownToolsError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"lint"}, unknown.Tools)
	assert.Equal(t, 1, *calls)
}

func TestResilient_PanicBecomesError(t *testing.T) {
	a := &AdapterFunc{PhaseName: QA, Fn: func(context.Context, *model.PipelineState, TaskContext) (Result, error) {
		panic("adapter bug")
	}}
	r := NewResilient(a, fastConfig(), nil)

	_, err := r.Execute(context.Background(), model.NewPipelineState("run"), TaskContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter bug")
}

func TestResilient_BreakerOpensAndHalfOpens(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxRetries = 1
	boom := errors.New("boom")
	a, calls := scripted(Debugging, boom, boom, boom, boom)
	r := NewResilient(a, cfg, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Breaker().now = func() time.Time { return now }

	ctx := context.Background()
	st := model.NewPipelineState("run")

	_, err := r.Execute(ctx, st, TaskContext{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, BreakerClosed, r.Breaker().State())
	_, err = r.Execute(ctx, st, TaskContext{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, BreakerOpen, r.Breaker().State())
	assert.Equal(t, 4, *calls)

	_, err = r.Execute(ctx, st, TaskContext{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 4, *calls)

	now = now.Add(61 * time.Second)
	res, err := r.Execute(ctx, st, TaskContext{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, BreakerClosed, r.Breaker().State())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.Record(errors.New("x"))
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	now = now.Add(time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Record(errors.New("x"))
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}
