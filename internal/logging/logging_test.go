package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/conductor/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_WritesToFileAtLevel(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "conductor.log")

	logger, closer, err := New(model.LoggingConfig{Level: "warn", Format: "json"}, logPath, false)
	require.NoError(t, err)

	logger.Sugar().Named("scheduler").Infof("phase_selected phase=%s", "coding")
	logger.Sugar().Named("scheduler").Warnf("forced_transition from=%s", "qa")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "phase_selected")
	assert.Contains(t, string(data), "forced_transition from=qa")
	assert.Contains(t, string(data), `"logger":"scheduler"`)
}
