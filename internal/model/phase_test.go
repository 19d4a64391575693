package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func phaseWith(outcomes ...bool) *PhaseState {
	p := &PhaseState{Name: "coding"}
	for _, ok := range outcomes {
		p.RecordRun(RunRecord{Timestamp: "2026-01-01T00:00:00Z", Success: ok}, 0)
	}
	return p
}

const (
	S = true
	F = false
)

func TestConsecutiveFailures(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []bool
		want     int
	}{
		{"trailing three", []bool{S, S, F, F, F}, 3},
		{"alternating ends in success", []bool{S, F, S, F, S}, 0},
		{"all failures", []bool{F, F, F, F, F}, 5},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, phaseWith(tt.outcomes...).ConsecutiveFailures())
		})
	}
}

func TestConsecutiveSuccesses(t *testing.T) {
	assert.Equal(t, 2, phaseWith(F, S, S).ConsecutiveSuccesses())
	assert.Equal(t, 0, phaseWith(S, S, F).ConsecutiveSuccesses())
}

func TestRecordRun_BoundedWindow(t *testing.T) {
	p := &PhaseState{Name: "qa"}
	for i := 0; i < 25; i++ {
		p.RecordRun(RunRecord{Success: i%2 == 0, TaskID: string(rune('a' + i))}, 20)
	}

	assert.Len(t, p.RunHistory, 20)
	assert.Equal(t, 25, p.RunCount)
	assert.Equal(t, 13, p.SuccessCount)
	assert.Equal(t, 12, p.FailureCount)
	// oldest five dropped
	assert.Equal(t, string(rune('a'+5)), p.RunHistory[0].TaskID)
	assert.Equal(t, string(rune('a'+24)), p.RunHistory[19].TaskID)
}

func TestRecentSuccessRate(t *testing.T) {
	p := phaseWith(F, F, F, S, S, S, S, F)
	assert.InDelta(t, 0.8, p.RecentSuccessRate(5), 1e-9)
	assert.InDelta(t, 0.5, p.RecentSuccessRate(100), 1e-9)
	assert.Equal(t, 0.0, phaseWith().RecentSuccessRate(5))
}

func TestIsImprovingAndDegrading(t *testing.T) {
	improving := phaseWith(F, F, F, F, F, S, S, S, F, S)
	assert.True(t, improving.IsImproving(5))
	assert.False(t, improving.IsDegrading(5))

	degrading := phaseWith(S, S, S, S, S, F, F, S, F, F)
	assert.True(t, degrading.IsDegrading(5))
	assert.False(t, degrading.IsImproving(5))

	short := phaseWith(F, S, S)
	assert.False(t, short.IsImproving(5), "needs two full windows")
	assert.False(t, short.IsDegrading(5))
}

func TestIsOscillating(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []bool
		want     bool
	}{
		{"strict alternation", []bool{S, F, S, F, S, F}, true},
		{"three flips", []bool{S, S, F, F, S, F}, true},
		{"monotonic success", []bool{S, S, S, S, S, S}, false},
		{"monotonic failure", []bool{F, F, F, F, F, F, F}, false},
		{"single switch", []bool{S, S, S, F, F, F}, false},
		{"too short", []bool{S, F, S, F}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, phaseWith(tt.outcomes...).IsOscillating(3))
		})
	}
}
