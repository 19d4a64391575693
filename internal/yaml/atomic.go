// Package yaml holds the file-level durability rules for everything under
// .conductor/: temp-file-and-rename writes, schema headers and quarantine of
// unreadable snapshots.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// beforeRename runs between the fsync of the temp file and the rename that
// publishes it. Tests use it to simulate a crash mid-write.
var beforeRename func(tmpName string) error

type writeMode struct {
	validate func([]byte) error
	backup   bool
}

var (
	// snapshots are checked after the write and keep the previous copy as .bak
	snapshotMode = writeMode{validate: validateYAML, backup: true}
	textMode     = writeMode{}
)

// AtomicWrite marshals v to YAML and publishes it at path.
func AtomicWrite(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, content, snapshotMode)
}

// AtomicWriteRaw publishes already-encoded YAML. Content that does not parse
// is rejected before the live file is touched.
func AtomicWriteRaw(path string, content []byte) error {
	return writeAtomic(path, content, snapshotMode)
}

// AtomicWriteText publishes a derived, non-YAML file such as a markdown
// report. No validation, no backup.
func AtomicWriteText(path string, content string) error {
	return writeAtomic(path, []byte(content), textMode)
}

func writeAtomic(path string, content []byte, mode writeMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	if mode.validate != nil {
		// re-read what reached the disk, not the in-memory buffer
		onDisk, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("re-read %s: %w", tmpName, err)
		}
		if err := mode.validate(onDisk); err != nil {
			return fmt.Errorf("refusing to publish %s: %w", filepath.Base(path), err)
		}
	}
	if mode.backup {
		if err := backup(path); err != nil {
			return err
		}
	}

	if beforeRename != nil {
		if err := beforeRename(tmpName); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	published = true
	return syncDir(dir)
}

// backup copies the live file to path.bak. A missing live file is not an
// error.
func backup(path string) error {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s for backup: %w", path, err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("fsync backup: %w", err)
	}
	return dst.Close()
}

// syncDir flushes the directory entry so the rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", dir, err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}
