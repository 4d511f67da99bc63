package knowledge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// maxLineSize bounds a single log line; findings are short, anything this
// large is corruption.
const maxLineSize = 1 * 1024 * 1024

// Log is the durable append-only JSONL log of knowledge entries.
//
// Every entry is one JSON object per line, fsynced on append. Entries are
// never rewritten; corpus maintenance beyond appends is external.
type Log struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	count  int
	logger *zap.Logger
}

// OpenLog opens (or creates) the log at path and counts existing entries.
func OpenLog(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge log: %w", err)
	}

	l := &Log{path: path, file: f, logger: logger}

	entries, err := l.ReadAll()
	if err != nil {
		f.Close()
		return nil, err
	}
	l.count = len(entries)

	logger.Info("knowledge log opened",
		zap.String("path", path),
		zap.Int("entries", l.count))

	return l, nil
}

// Append writes one entry to the log. The caller (Store) serializes
// appends with the dedup check; the log's own mutex only guards the file.
func (l *Log) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing knowledge log: %w", err)
	}
	l.count++
	return nil
}

// ReadAll reads every entry from the log in insertion order.
// Corrupted lines are skipped with a warning rather than failing the
// whole corpus.
func (l *Log) ReadAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading knowledge log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			l.logger.Warn("skipping corrupted knowledge log line",
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning knowledge log: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries appended or loaded so far.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
