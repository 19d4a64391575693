package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDir is the directory, relative to the state base, that holds
// unreadable snapshots.
const QuarantineDir = "quarantine"

// Recovery reports what Recover did with an unreadable snapshot.
type Recovery struct {
	// Quarantined is where the broken file now lives.
	Quarantined string
	// Restored is set when path.bak replaced the broken file.
	Restored bool
	// BackupErr says why the backup could not be used.
	BackupErr error
}

// Quarantine moves path into <baseDir>/quarantine under a timestamped name
// and returns the new location.
func Quarantine(baseDir, path string) (string, error) {
	dir := filepath.Join(baseDir, QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405.000")
	dst := filepath.Join(dir, filepath.Base(path)+"."+stamp+".corrupt")
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// RestoreBackup republishes path.bak at path if its header matches
// fileType. The backup itself is left in place.
func RestoreBackup(path, fileType string) error {
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	mode := writeMode{validate: func(b []byte) error { return CheckHeader(b, fileType) }}
	if err := writeAtomic(path, content, mode); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	return nil
}

// Recover quarantines an unreadable snapshot and puts its backup in its
// place when there is a usable one. Otherwise path is left absent and the
// caller starts from an empty document.
func Recover(baseDir, path, fileType string) (Recovery, error) {
	var rec Recovery
	dst, err := Quarantine(baseDir, path)
	if err != nil {
		return rec, err
	}
	rec.Quarantined = dst
	rec.BackupErr = RestoreBackup(path, fileType)
	rec.Restored = rec.BackupErr == nil
	return rec, nil
}
