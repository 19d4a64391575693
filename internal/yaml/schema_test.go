package yaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{"pipeline state", "schema_version: 1\nfile_type: pipeline_state\ntasks: {}\n", FileTypePipelineState, nil},
		{"metrics", "schema_version: 1\nfile_type: state_metrics\n", FileTypeMetrics, nil},
		{"tool descriptor", "schema_version: 1\nfile_type: tool_descriptor\nname: lint\n", FileTypeToolDescriptor, nil},
		{"any type accepted", "schema_version: 1\nfile_type: state_metrics\n", "", nil},
		{"newer schema", "schema_version: 99\nfile_type: pipeline_state\n", FileTypePipelineState, ErrSchemaVersion},
		{"negative schema", "schema_version: -1\nfile_type: pipeline_state\n", FileTypePipelineState, ErrSchemaVersion},
		{"missing schema", "file_type: pipeline_state\n", FileTypePipelineState, ErrSchemaVersion},
		{"missing type", "schema_version: 1\n", FileTypePipelineState, ErrFileType},
		{"unknown type", "schema_version: 1\nfile_type: queue_command\n", "", ErrFileType},
		{"type mismatch", "schema_version: 1\nfile_type: state_metrics\n", FileTypePipelineState, ErrFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHeader([]byte(tt.content), tt.want)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckHeader_Unparseable(t *testing.T) {
	err := CheckHeader([]byte("schema_version: [\n"), FileTypePipelineState)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse header")
}

func TestCheckHeaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	assert.Error(t, CheckHeaderFile(path, FileTypePipelineState))

	require.NoError(t, os.WriteFile(path, []byte("schema_version: 1\nfile_type: pipeline_state\n"), 0644))
	assert.NoError(t, CheckHeaderFile(path, FileTypePipelineState))
}
