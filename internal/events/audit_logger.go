package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxLogSize is the size at which a log is rolled into archive/.
	DefaultMaxLogSize int64 = 50 << 20
	ArchiveDir              = "archive"
	LogFileExtension        = ".jsonl"
)

// ErrLogClosed is returned by writes after Close.
var ErrLogClosed = errors.New("audit log closed")

// LogEntry is one JSON line of an audit log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	EventID   string                 `json:"event_id"`
	RunID     string                 `json:"run_id,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Checksum  string                 `json:"checksum,omitempty"`
}

// sum is the truncated sha256 of the entry with its checksum cleared.
func (e LogEntry) sum() string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}

// Option configures an AuditLogger.
type Option func(*AuditLogger)

// WithMaxSize sets the roll-over size. Non-positive keeps the default.
func WithMaxSize(n int64) Option {
	return func(l *AuditLogger) {
		if n > 0 {
			l.maxSize = n
		}
	}
}

// WithChecksums stamps every entry with a checksum that Verify can check.
func WithChecksums() Option {
	return func(l *AuditLogger) { l.checksums = true }
}

// AuditLogger is an append-only JSONL log. Every write is fsynced; a write
// that would push the file past its max size first moves it to archive/.
type AuditLogger struct {
	path      string
	maxSize   int64
	checksums bool

	mu    sync.Mutex
	f     *os.File
	size  int64
	runID string
	rolls int
}

// NewAuditLogger opens path for appending, creating its directory.
func NewAuditLogger(path string, opts ...Option) (*AuditLogger, error) {
	l := &AuditLogger{path: path, maxSize: DefaultMaxLogSize}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(l.path), err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", filepath.Base(l.path), err)
	}
	l.f, l.size = f, info.Size()
	return nil
}

// SetRunID stamps later entries that carry no run id of their own.
func (l *AuditLogger) SetRunID(runID string) {
	l.mu.Lock()
	l.runID = runID
	l.mu.Unlock()
}

// Log appends an entry of eventType. The "phase" and "task_id" keys of
// details, when strings, also become top-level fields.
func (l *AuditLogger) Log(eventType string, details map[string]interface{}) error {
	e := &LogEntry{EventType: eventType, Details: details}
	e.Phase, _ = details["phase"].(string)
	e.TaskID, _ = details["task_id"].(string)
	return l.WriteEntry(e)
}

// LogPayload appends an entry whose payload is v encoded as JSON.
func (l *AuditLogger) LogPayload(eventType, phase string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return l.WriteEntry(&LogEntry{EventType: eventType, Phase: phase, Payload: raw})
}

// Subscribe logs every bus event. Returns the unsubscribe func.
func (l *AuditLogger) Subscribe(bus *Bus) func() {
	return bus.Subscribe(EventAny, func(e Event) {
		_ = l.Log(string(e.Type), e.Data)
	})
}

// WriteEntry appends entry after filling in its timestamp, event id and run
// id where they are empty.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("%s: %w", l.path, ErrLogClosed)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.RunID == "" {
		entry.RunID = l.runID
	}
	if l.checksums {
		entry.Checksum = entry.sum()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	if l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.roll(); err != nil {
			return err
		}
	}
	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return l.f.Sync()
}

// roll moves the active file to archive/<name>.<stamp>.<n>.jsonl and opens
// a fresh one.
func (l *AuditLogger) roll() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}
	l.f = nil

	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	l.rolls++
	stem := strings.TrimSuffix(filepath.Base(l.path), LogFileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().UTC().Format("20060102_150405"), l.rolls, LogFileExtension)
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive %s: %w", filepath.Base(l.path), err)
	}
	return l.open()
}

// Close flushes and closes the file. Closing twice is fine.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	syncErr := f.Sync()
	if err := f.Close(); err != nil {
		return err
	}
	return syncErr
}

// Path is the active log file.
func (l *AuditLogger) Path() string { return l.path }

// CurrentSize is the byte size of the active log file.
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// ReadEntries returns the newest limit entries of eventType from path, in
// file order. An empty eventType matches all, limit <= 0 means no limit. A
// missing file yields nothing; lines that do not decode are skipped, which
// covers a torn final line after a crash.
func ReadEntries(path, eventType string, limit int) ([]LogEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var out []LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var e LogEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if limit > 0 && len(out) == limit {
			copy(out, out[1:])
			out = out[:limit-1]
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// Integrity summarizes a Verify pass.
type Integrity struct {
	Entries int
	Valid   int
	// Mismatched holds the event ids whose checksum does not match.
	Mismatched []string
}

// Verify recomputes the checksum of every entry in path. Entries written
// without a checksum count as valid.
func Verify(path string) (Integrity, error) {
	entries, err := ReadEntries(path, "", 0)
	if err != nil {
		return Integrity{}, err
	}
	res := Integrity{Entries: len(entries)}
	for _, e := range entries {
		if e.Checksum == "" || e.sum() == e.Checksum {
			res.Valid++
			continue
		}
		res.Mismatched = append(res.Mismatched, e.EventID)
	}
	return res, nil
}
