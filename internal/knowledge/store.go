package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/vectorstore"
)

const (
	// DefaultReindexEvery is the number of new entries that triggers an
	// index rebuild between scheduled runs.
	DefaultReindexEvery = 16

	// DefaultReindexInterval is the time between scheduled index rebuilds.
	DefaultReindexInterval = 5 * time.Minute

	// DefaultRetrievalLimit is the number of entries returned per search.
	DefaultRetrievalLimit = 5

	collectionPrefix = "knowledge"
)

// Store is the knowledge corpus: an append-only log plus a vector index
// snapshot rebuilt from the full log.
//
// Appends are serialized through a single mutex so the dedup check and the
// log write form one atomic step. The index collection is swapped atomically
// after each rebuild; searches in flight keep reading the previous snapshot.
type Store struct {
	log    *Log
	index  vectorstore.Store
	logger *zap.Logger

	reindexEvery    int
	reindexInterval time.Duration
	retrievalLimit  int

	mu           sync.Mutex
	seen         map[string]string // dedup key -> entry ID
	entries      []Entry
	sinceRebuild int
	generation   int
	active       string // active index collection, "" until first rebuild

	// rebuildMu serializes whole rebuilds. Without it two overlapping
	// rebuilds (append threshold vs. scheduler tick) would claim the same
	// next collection name and the later swap would delete the snapshot
	// the earlier one just installed.
	rebuildMu sync.Mutex

	schedMu sync.Mutex
	running bool
	stopCh  chan struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReindexEvery sets how many new entries trigger an index rebuild.
func WithReindexEvery(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.reindexEvery = n
		}
	}
}

// WithReindexInterval sets the time between scheduled index rebuilds.
func WithReindexInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.reindexInterval = d
		}
	}
}

// WithRetrievalLimit sets how many entries Search returns.
func WithRetrievalLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retrievalLimit = n
		}
	}
}

// NewStore opens the store: it replays the log to rebuild the dedup set
// and builds the initial index snapshot.
func NewStore(ctx context.Context, log *Log, index vectorstore.Store, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("log cannot be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		log:             log,
		index:           index,
		logger:          logger,
		reindexEvery:    DefaultReindexEvery,
		reindexInterval: DefaultReindexInterval,
		retrievalLimit:  DefaultRetrievalLimit,
		seen:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := log.ReadAll()
	if err != nil {
		return nil, err
	}
	s.entries = entries
	for _, e := range entries {
		s.seen[e.DedupKey] = e.ID
	}

	if len(entries) > 0 {
		if err := s.Rebuild(ctx); err != nil {
			return nil, fmt.Errorf("building initial index: %w", err)
		}
	}

	logger.Info("knowledge store opened",
		zap.Int("entries", len(entries)),
		zap.Int("reindex_every", s.reindexEvery),
		zap.Duration("reindex_interval", s.reindexInterval))

	return s, nil
}

// Append adds a new entry unless an entry with the same normalized text
// already exists. It returns the stored entry and whether it was newly
// inserted. The dedup check and the log write happen under one lock, so
// concurrent appends of the same text yield exactly one entry.
func (s *Store) Append(ctx context.Context, text, source string, tags []string) (Entry, bool, error) {
	entry, err := NewEntry(text, source, tags)
	if err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	if id, ok := s.seen[entry.DedupKey]; ok {
		existing := s.findLocked(id)
		s.mu.Unlock()
		s.logger.Debug("duplicate knowledge entry skipped",
			zap.String("entry.id", id),
			zap.String("source", source))
		return existing, false, nil
	}

	if err := s.log.Append(entry); err != nil {
		s.mu.Unlock()
		return Entry{}, false, err
	}
	s.seen[entry.DedupKey] = entry.ID
	s.entries = append(s.entries, entry)
	s.sinceRebuild++
	needRebuild := s.sinceRebuild >= s.reindexEvery
	s.mu.Unlock()

	s.logger.Info("knowledge entry appended",
		zap.String("entry.id", entry.ID),
		zap.String("source", source),
		zap.Strings("tags", tags))

	if needRebuild {
		if err := s.Rebuild(ctx); err != nil {
			// The log already holds the entry; a failed rebuild only
			// delays retrieval until the next scheduled run.
			s.logger.Error("index rebuild failed", zap.Error(err))
		}
	}
	return entry, true, nil
}

// Search returns the entries most relevant to query from the current index
// snapshot. Before the first rebuild the index is empty and Search returns
// no results.
func (s *Store) Search(ctx context.Context, query string) ([]vectorstore.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	s.mu.Lock()
	collection := s.active
	limit := s.retrievalLimit
	s.mu.Unlock()

	if collection == "" {
		return nil, nil
	}
	return s.index.Search(ctx, collection, query, limit)
}

// Rebuild builds a fresh index collection from the full log and swaps it in.
// The previous snapshot stays readable until the swap, then is dropped.
// Rebuilds are serialized; a rebuild arriving while another is in flight
// waits and then indexes whatever the log holds at that point.
func (s *Store) Rebuild(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	next := fmt.Sprintf("%s-%d", collectionPrefix, s.generation+1)
	s.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	docs := make([]vectorstore.Document, len(entries))
	for i, e := range entries {
		docs[i] = vectorstore.Document{
			ID:      e.ID,
			Content: e.Text,
			Metadata: map[string]string{
				"source": e.Source,
				"tags":   strings.Join(e.Tags, ","),
			},
		}
	}

	start := time.Now()
	if _, err := s.index.AddDocuments(ctx, next, docs); err != nil {
		return fmt.Errorf("indexing knowledge entries: %w", err)
	}

	s.mu.Lock()
	prev := s.active
	s.active = next
	s.generation++
	s.sinceRebuild = 0
	s.mu.Unlock()

	if prev != "" {
		if err := s.index.DeleteCollection(ctx, prev); err != nil {
			s.logger.Warn("dropping previous index snapshot failed",
				zap.String("collection", prev),
				zap.Error(err))
		}
	}

	s.logger.Info("knowledge index rebuilt",
		zap.String("collection", next),
		zap.Int("entries", len(docs)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Len returns the number of entries in the corpus.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins the background reindex scheduler. It is an error to start
// an already running scheduler.
func (s *Store) Start() error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	if s.running {
		return fmt.Errorf("reindex scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("reindex scheduler started",
		zap.Duration("interval", s.reindexInterval))

	go s.run(s.stopCh)
	return nil
}

// Stop stops the background scheduler. Calling Stop on a stopped
// scheduler is a no-op.
func (s *Store) Stop() {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Store) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.reindexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scheduledRebuild()
		case <-stopCh:
			return
		}
	}
}

func (s *Store) scheduledRebuild() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reindex scheduler panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	s.mu.Lock()
	pending := s.sinceRebuild
	s.mu.Unlock()
	if pending == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Rebuild(ctx); err != nil {
		s.logger.Error("scheduled index rebuild failed", zap.Error(err))
	}
}

// Close stops the scheduler and closes the log.
func (s *Store) Close() error {
	s.Stop()
	return s.log.Close()
}

// findLocked returns the entry with the given ID. Callers hold s.mu.
func (s *Store) findLocked(id string) Entry {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ID == id {
			return s.entries[i]
		}
	}
	return Entry{}
}
