package yaml

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// File types carried in the file_type header of every durable YAML file.
const (
	FileTypePipelineState  = "pipeline_state"
	FileTypeMetrics        = "state_metrics"
	FileTypeToolDescriptor = "tool_descriptor"
)

var (
	ErrSchemaVersion = errors.New("unsupported schema_version")
	ErrFileType      = errors.New("wrong file_type")
)

// Header is the two-field prefix shared by all durable YAML files.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// Check reports whether h is readable by this build as a want file. An empty
// want accepts any known type.
func (h Header) Check(want string) error {
	if h.SchemaVersion < 1 || h.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: %d (this build reads 1..%d)", ErrSchemaVersion, h.SchemaVersion, CurrentSchemaVersion)
	}
	switch h.FileType {
	case FileTypePipelineState, FileTypeMetrics, FileTypeToolDescriptor:
	case "":
		return fmt.Errorf("%w: missing", ErrFileType)
	default:
		return fmt.Errorf("%w: unknown %q", ErrFileType, h.FileType)
	}
	if want != "" && h.FileType != want {
		return fmt.Errorf("%w: %q, expected %q", ErrFileType, h.FileType, want)
	}
	return nil
}

// CheckHeader parses only the header of content and checks it.
func CheckHeader(content []byte, want string) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	return h.Check(want)
}

// CheckHeaderFile is CheckHeader on the file at path.
func CheckHeaderFile(path, want string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return CheckHeader(content, want)
}
