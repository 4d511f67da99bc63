package knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// SeedEntry is one line of a seed corpus file: curated reference text
// (datasheet excerpts, known-good design notes) loaded at startup.
type SeedEntry struct {
	Text   string   `json:"text"`
	Source string   `json:"source"`
	Tags   []string `json:"tags,omitempty"`
}

// SeedFromFile loads a JSONL seed corpus into the store and rebuilds the
// index once at the end. Entries already present (by dedup key) are
// skipped, so seeding is idempotent across restarts. A missing file is
// not an error.
func (s *Store) SeedFromFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening seed corpus: %w", err)
	}
	defer f.Close()

	added := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var seed SeedEntry
		if err := json.Unmarshal(raw, &seed); err != nil {
			return added, fmt.Errorf("seed corpus line %d: %w", line, err)
		}
		if seed.Source == "" {
			seed.Source = "seed"
		}
		_, inserted, err := s.appendNoRebuild(seed.Text, seed.Source, seed.Tags)
		if err != nil {
			return added, fmt.Errorf("seed corpus line %d: %w", line, err)
		}
		if inserted {
			added++
		}
	}
	if err := scanner.Err(); err != nil {
		return added, fmt.Errorf("scanning seed corpus: %w", err)
	}

	if added > 0 {
		if err := s.Rebuild(ctx); err != nil {
			return added, err
		}
	}

	s.logger.Info("seed corpus loaded",
		zap.String("path", path),
		zap.Int("added", added),
		zap.Int("lines", line))
	return added, nil
}

// appendNoRebuild appends one entry without triggering the per-append
// rebuild threshold. Used by bulk loading, which rebuilds once at the end.
func (s *Store) appendNoRebuild(text, source string, tags []string) (Entry, bool, error) {
	entry, err := NewEntry(text, source, tags)
	if err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.seen[entry.DedupKey]; ok {
		return s.findLocked(id), false, nil
	}
	if err := s.log.Append(entry); err != nil {
		return Entry{}, false, err
	}
	s.seen[entry.DedupKey] = entry.ID
	s.entries = append(s.entries, entry)
	return entry, true, nil
}
