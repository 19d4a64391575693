package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDType is the prefix of a generated ID.
type IDType string

const (
	IDTypeTask      IDType = "task"
	IDTypeIssue     IDType = "iss"
	IDTypeObjective IDType = "obj"
	IDTypeRun       IDType = "run"
)

// IDs look like task_1771722000_a3f2b7c1: type, creation second, 32 random
// bits. They sort by creation time within a type.
var idPattern = regexp.MustCompile(`^(task|iss|obj|run)_([0-9]{10})_[0-9a-f]{8}$`)

func GenerateID(t IDType) (string, error) {
	switch t {
	case IDTypeTask, IDTypeIssue, IDTypeObjective, IDTypeRun:
	default:
		return "", fmt.Errorf("unknown id type %q", t)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("id entropy: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", t, time.Now().Unix(), hex.EncodeToString(u[:4])), nil
}

// MustGenerateID panics only if the system random source fails.
func MustGenerateID(t IDType) string {
	id, err := GenerateID(t)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// ParseID splits a generated ID into its type and creation time.
func ParseID(id string) (IDType, time.Time, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	secs, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("id %q timestamp: %w", id, err)
	}
	return IDType(m[1]), time.Unix(secs, 0), nil
}
