package tools

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/model"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func descriptorYAML(name, command string, timeout int) string {
	return "schema_version: 1\nfile_type: tool_descriptor\nname: " + name +
		"\ndescription: test tool\ncommand: " + command +
		"\ntimeout_sec: " + strconv.Itoa(timeout) + "\n"
}

func setup(t *testing.T) (string, model.ToolsConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := model.DefaultConfig().Tools
	return dir, cfg
}

func TestRegistry_ManifestAndDescriptors(t *testing.T) {
	dir, cfg := setup(t)
	writeFile(t, filepath.Join(dir, cfg.Manifest), `
[[tool]]
name = "lint"
description = "from manifest"
command = "bin/lint"
timeout_sec = 10
category = "quality"

[[tool]]
name = "fmt"
description = "formatter"
command = "bin/fmt"
[tool.security]
writes_files = true

[[tool]]
description = "nameless"
`, 0644)
	writeFile(t, filepath.Join(dir, cfg.Dir, "lint.yaml"), descriptorYAML("lint", "tools/lint.sh", 5), 0644)
	writeFile(t, filepath.Join(dir, cfg.Dir, "broken.yaml"), "name: broken\n", 0644)
	writeFile(t, filepath.Join(dir, cfg.Dir, "notes.txt"), "ignored", 0644)

	reg := NewRegistry(dir, cfg, nil, nil)
	n, err := reg.Rescan()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "fmt", list[0].Name)
	assert.True(t, list[0].Security.WritesFiles)

	lint, ok := reg.Get("lint")
	require.True(t, ok)
	assert.Equal(t, "tools/lint.sh", lint.Command)
	assert.Equal(t, 5, lint.TimeoutSec)
	assert.Equal(t, filepath.Join(dir, cfg.Dir, "lint.yaml"), lint.Source)

	_, ok = reg.Get("broken")
	assert.False(t, ok)
}

func TestRegistry_BadManifestIsAnError(t *testing.T) {
	dir, cfg := setup(t)
	writeFile(t, filepath.Join(dir, cfg.Manifest), "[[tool]\nname=", 0644)

	_, err := NewRegistry(dir, cfg, nil, nil).Rescan()
	assert.Error(t, err)
}

func TestRegistry_WriteDescriptorRoundTrips(t *testing.T) {
	dir, cfg := setup(t)
	reg := NewRegistry(dir, cfg, nil, nil)

	path, err := reg.WriteDescriptor(Descriptor{Name: "coverage", Description: "reports coverage", TimeoutSec: 3})
	require.NoError(t, err)
	assert.FileExists(t, path)

	fresh := NewRegistry(dir, cfg, nil, nil)
	_, err = fresh.Rescan()
	require.NoError(t, err)
	d, ok := fresh.Get("coverage")
	require.True(t, ok)
	assert.Equal(t, "reports coverage", d.Description)
	assert.Equal(t, 3, d.TimeoutSec)
}

func TestRegistry_WatchPicksUpNewTools(t *testing.T) {
	dir, cfg := setup(t)
	bus := events.NewBus(16)
	defer bus.Close()
	changed := make(chan struct{}, 16)
	bus.Subscribe(events.EventToolsChanged, func(events.Event) { changed <- struct{}{} })

	reg := NewRegistry(dir, cfg, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()

	// the watcher creates the directory before it starts listening
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, cfg.Dir))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(dir, cfg.Dir, "lint.yaml"), descriptorYAML("lint", "lint", 1), 0644)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("lint")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(changed) > 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func executorWith(t *testing.T, script string, timeoutSec int) (*Executor, string) {
	t.Helper()
	dir, cfg := setup(t)
	writeFile(t, filepath.Join(dir, cfg.Dir, "lint"), "#!/bin/sh\n"+script+"\n", 0755)
	writeFile(t, filepath.Join(dir, cfg.Dir, "lint.yaml"), descriptorYAML("lint", "", timeoutSec), 0644)

	reg := NewRegistry(dir, cfg, nil, nil)
	_, err := reg.Rescan()
	require.NoError(t, err)
	return NewExecutor(reg, dir, cfg, nil), dir
}

func TestExecute_Success(t *testing.T) {
	exec, dir := executorWith(t, `printf '{"dir":"%s","args":%s}\n' "$2" "$4"`, 0)

	res := exec.Execute(context.Background(), "lint", map[string]any{"path": "src/a.py"}, 0)
	require.True(t, res.Success, res.Error)
	assert.NoError(t, res.Err())
	assert.Equal(t, dir, res.Result["dir"])
	assert.Equal(t, map[string]any{"path": "src/a.py"}, res.Result["args"])
	assert.Equal(t, "lint", res.Metadata["tool"])
	assert.GreaterOrEqual(t, res.ExecutionTimeSeconds, 0.0)
}

func TestExecute_NotFound(t *testing.T) {
	exec, _ := executorWith(t, "true", 0)

	res := exec.Execute(context.Background(), "missing", nil, 0)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorTypeNotFound, res.ErrorType)
	assert.ErrorIs(t, res.Err(), ErrToolNotFound)
}

func TestExecute_Timeout(t *testing.T) {
	exec, _ := executorWith(t, "exec sleep 5", 0)

	start := time.Now()
	res := exec.Execute(context.Background(), "lint", nil, 100*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorTypeTimeout, res.ErrorType)
	assert.ErrorIs(t, res.Err(), ErrToolTimeout)
}

func TestExecute_InvalidOutput(t *testing.T) {
	exec, _ := executorWith(t, `echo "not json at all"; printf '%0600d' 0`, 0)

	res := exec.Execute(context.Background(), "lint", nil, 0)
	assert.Equal(t, ErrorTypeInvalidOutput, res.ErrorType)
	assert.ErrorIs(t, res.Err(), ErrToolOutputInvalid)
	assert.Contains(t, res.Error, "not json")
	assert.LessOrEqual(t, len(res.Error), len("invalid JSON output: ")+500)
}

func TestExecute_NonZeroExit(t *testing.T) {
	exec, _ := executorWith(t, `printf '%0700d' 0 >&2; exit 3`, 0)

	res := exec.Execute(context.Background(), "lint", nil, 0)
	assert.Equal(t, ErrorTypeExecution, res.ErrorType)
	assert.ErrorIs(t, res.Err(), ErrToolExecution)
	assert.Equal(t, 3, res.Metadata["exit_code"])
	assert.Len(t, res.Error, 500)
	assert.True(t, strings.HasPrefix(res.Error, "000"))
}

func TestExecute_NonExecutableCommand(t *testing.T) {
	exec, dir := executorWith(t, "true", 0)
	require.NoError(t, os.Chmod(filepath.Join(dir, ".conductor", "tools", "lint"), 0644))

	res := exec.Execute(context.Background(), "lint", nil, 0)
	assert.Equal(t, ErrorTypeNotFound, res.ErrorType)
}
