// Package knowledge maintains the append-only corpus of review findings
// and the searchable index built from it.
//
// The log is the durable source of truth; the vector index is a disposable
// snapshot rebuilt from the full log on a schedule. Appends are serialized
// so the dedup check cannot race.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Entry is one immutable knowledge corpus entry.
type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Tags      []string  `json:"tags,omitempty"`
	DedupKey  string    `json:"dedup_key"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry creates an entry with a fresh ID and a dedup key derived from
// the normalized text.
func NewEntry(text, source string, tags []string) (Entry, error) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, fmt.Errorf("entry text cannot be empty")
	}
	if source == "" {
		return Entry{}, fmt.Errorf("entry source cannot be empty")
	}
	return Entry{
		ID:        uuid.NewString(),
		Text:      text,
		Source:    source,
		Tags:      append([]string(nil), tags...),
		DedupKey:  DedupKey(text),
		CreatedAt: time.Now(),
	}, nil
}

// NormalizeText lowercases, strips punctuation, and collapses whitespace
// so that trivially reworded findings share a dedup key.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// DedupKey returns the corpus-wide dedup key for a piece of text:
// SHA-256 over the normalized form.
func DedupKey(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}
