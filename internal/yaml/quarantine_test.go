package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateDoc = "schema_version: 1\nfile_type: pipeline_state\ntasks: {}\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestQuarantine_MovesFileAside(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "pipeline.yaml")
	writeFile(t, path, "tasks: [\n")

	dst, err := Quarantine(base, path)
	require.NoError(t, err)

	assert.NoFileExists(t, path)
	assert.FileExists(t, dst)
	assert.Equal(t, filepath.Join(base, QuarantineDir), filepath.Dir(dst))
	name := filepath.Base(dst)
	assert.True(t, strings.HasPrefix(name, "pipeline.yaml."), name)
	assert.True(t, strings.HasSuffix(name, ".corrupt"), name)
}

func TestRestoreBackup(t *testing.T) {
	cases := []struct {
		name    string
		backup  string
		wantErr bool
	}{
		{"valid", stateDoc, false},
		{"unparseable", "tasks: [\n", true},
		{"other file type", "schema_version: 1\nfile_type: state_metrics\n", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pipeline.yaml")
			writeFile(t, path+".bak", tc.backup)

			err := RestoreBackup(path, FileTypePipelineState)
			if tc.wantErr {
				assert.Error(t, err)
				assert.NoFileExists(t, path)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, CheckHeaderFile(path, FileTypePipelineState))
			assert.FileExists(t, path+".bak")
		})
	}

	t.Run("missing", func(t *testing.T) {
		assert.Error(t, RestoreBackup(filepath.Join(t.TempDir(), "pipeline.yaml"), FileTypePipelineState))
	})
}

func TestRecover(t *testing.T) {
	t.Run("with backup", func(t *testing.T) {
		base := t.TempDir()
		path := filepath.Join(base, "pipeline.yaml")
		writeFile(t, path, "tasks: [\n")
		writeFile(t, path+".bak", stateDoc)

		rec, err := Recover(base, path, FileTypePipelineState)
		require.NoError(t, err)
		assert.True(t, rec.Restored)
		assert.NoError(t, rec.BackupErr)
		assert.FileExists(t, rec.Quarantined)
		assert.NoError(t, CheckHeaderFile(path, FileTypePipelineState))
	})

	t.Run("without backup", func(t *testing.T) {
		base := t.TempDir()
		path := filepath.Join(base, "pipeline.yaml")
		writeFile(t, path, "tasks: [\n")

		rec, err := Recover(base, path, FileTypePipelineState)
		require.NoError(t, err)
		assert.False(t, rec.Restored)
		assert.Error(t, rec.BackupErr)
		assert.NoFileExists(t, path)
	})

	t.Run("missing file", func(t *testing.T) {
		base := t.TempDir()
		_, err := Recover(base, filepath.Join(base, "pipeline.yaml"), FileTypePipelineState)
		assert.Error(t, err)
	})
}
