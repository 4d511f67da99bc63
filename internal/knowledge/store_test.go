package knowledge_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/circuitd/internal/embeddings"
	"github.com/fyrsmithlabs/circuitd/internal/knowledge"
	"github.com/fyrsmithlabs/circuitd/internal/vectorstore"
)

func newTestStore(t *testing.T, opts ...knowledge.StoreOption) (*knowledge.Store, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "knowledge.jsonl")
	return openTestStore(t, logPath, opts...), logPath
}

func openTestStore(t *testing.T, logPath string, opts ...knowledge.StoreOption) *knowledge.Store {
	t.Helper()

	logger := zaptest.NewLogger(t)
	log, err := knowledge.OpenLog(logPath, logger)
	require.NoError(t, err)

	index, err := vectorstore.NewChromemStore(
		vectorstore.ChromemConfig{},
		embeddings.NewHashEmbedder(64),
		logger,
	)
	require.NoError(t, err)

	store, err := knowledge.NewStore(context.Background(), log, index, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "Missing Pull-Up Resistor", "missing pull up resistor"},
		{"collapses whitespace", "timer0   not\tconfigured", "timer0 not configured"},
		{"strips punctuation", "P1.0 toggles (too fast)!", "p1 0 toggles too fast"},
		{"trims edges", "  led blinks  ", "led blinks"},
		{"empty", "!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, knowledge.NormalizeText(tt.input))
		})
	}
}

func TestDedupKeyStableAcrossRewording(t *testing.T) {
	a := knowledge.DedupKey("Missing pull-up resistor on P1.0")
	b := knowledge.DedupKey("missing  pull-up resistor on p1.0!")
	c := knowledge.DedupKey("missing pull-down resistor on p1.0")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestStoreAppendDeduplicates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, inserted, err := store.Append(ctx, "Missing pull-up on P1.0", "review", []string{"critical"})
	require.NoError(t, err)
	assert.True(t, inserted)

	second, inserted, err := store.Append(ctx, "missing  PULL-UP on p1.0!", "review", nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
}

func TestStoreAppendConcurrentSameText(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Append(ctx, "crystal load capacitors missing", "review", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Len())
}

func TestStoreDedupSurvivesReopen(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "knowledge.jsonl")
	ctx := context.Background()

	store := openTestStore(t, logPath)
	_, inserted, err := store.Append(ctx, "watchdog not fed in main loop", "review", nil)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.Close())

	reopened := openTestStore(t, logPath)
	_, inserted, err = reopened.Append(ctx, "Watchdog not fed in main loop.", "review", nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, reopened.Len())
}

func TestStoreRebuildThresholdMakesEntriesSearchable(t *testing.T) {
	store, _ := newTestStore(t, knowledge.WithReindexEvery(2), knowledge.WithRetrievalLimit(3))
	ctx := context.Background()

	_, _, err := store.Append(ctx, "uart baud rate mismatch at 9600", "review", nil)
	require.NoError(t, err)

	// Below the threshold: nothing indexed yet.
	results, err := store.Search(ctx, "uart baud rate")
	require.NoError(t, err)
	assert.Empty(t, results)

	_, _, err = store.Append(ctx, "timer0 reload value wrong for 1ms tick", "review", nil)
	require.NoError(t, err)

	results, err = store.Search(ctx, "uart baud rate mismatch")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "uart baud rate mismatch at 9600", results[0].Content)
}

func TestStoreExplicitRebuild(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.Append(ctx, fmt.Sprintf("finding number %d about relay driver", i), "review", nil)
		require.NoError(t, err)
	}

	require.NoError(t, store.Rebuild(ctx))

	results, err := store.Search(ctx, "relay driver finding")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

// gatedIndex delegates to a real store but holds the first AddDocuments
// call until released, so a test can force two rebuilds to overlap.
type gatedIndex struct {
	vectorstore.Store

	firstIn chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls []string
}

func (g *gatedIndex) AddDocuments(ctx context.Context, collection string, docs []vectorstore.Document) ([]string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, collection)
	g.mu.Unlock()

	g.once.Do(func() {
		close(g.firstIn)
		<-g.release
	})
	return g.Store.AddDocuments(ctx, collection, docs)
}

func (g *gatedIndex) collections() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func TestStoreConcurrentRebuildsKeepActiveSnapshot(t *testing.T) {
	logger := zaptest.NewLogger(t)
	logPath := filepath.Join(t.TempDir(), "knowledge.jsonl")
	log, err := knowledge.OpenLog(logPath, logger)
	require.NoError(t, err)

	inner, err := vectorstore.NewChromemStore(
		vectorstore.ChromemConfig{},
		embeddings.NewHashEmbedder(64),
		logger,
	)
	require.NoError(t, err)
	index := &gatedIndex{
		Store:   inner,
		firstIn: make(chan struct{}),
		release: make(chan struct{}),
	}

	ctx := context.Background()
	store, err := knowledge.NewStore(ctx, log, index, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, _, err = store.Append(ctx, "decoupling capacitor missing near vcc pin", "review", nil)
	require.NoError(t, err)

	// One rebuild from the append-threshold path, one from the scheduler,
	// arriving while the first is still indexing.
	errs := make(chan error, 2)
	go func() { errs <- store.Rebuild(ctx) }()
	go func() { errs <- store.Rebuild(ctx) }()

	<-index.firstIn
	close(index.release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	calls := index.collections()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0], calls[1], "each rebuild must claim its own collection")

	results, err := store.Search(ctx, "decoupling capacitor")
	require.NoError(t, err)
	assert.NotEmpty(t, results, "active snapshot must survive overlapping rebuilds")
}

func TestStoreSearchEmptyQuery(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Search(context.Background(), "  ")
	assert.Error(t, err)
}

func TestStoreSchedulerLifecycle(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Start())
	assert.Error(t, store.Start(), "second start must fail")

	store.Stop()
	store.Stop() // idempotent

	require.NoError(t, store.Start())
	store.Stop()
}

func TestSeedFromFile(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.jsonl")
	seed := `{"text":"AT89C51 port 0 needs external pull-ups when used as GPIO","source":"datasheet:at89c51","tags":["8051","gpio"]}
{"text":"SDCC maps __sfr declarations to direct addressing only","source":"datasheet:sdcc","tags":["sdcc"]}
`
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0600))

	store, _ := newTestStore(t)
	ctx := context.Background()

	added, err := store.SeedFromFile(ctx, seedPath)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Seeding again is a no-op.
	added, err = store.SeedFromFile(ctx, seedPath)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, store.Len())

	results, err := store.Search(ctx, "port 0 external pull-ups")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "datasheet:at89c51", results[0].Metadata["source"])
}

func TestSeedFromFileMissing(t *testing.T) {
	store, _ := newTestStore(t)

	added, err := store.SeedFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestLogSkipsCorruptedLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "knowledge.jsonl")
	logger := zaptest.NewLogger(t)

	log, err := knowledge.OpenLog(logPath, logger)
	require.NoError(t, err)
	entry, err := knowledge.NewEntry("valid finding", "review", nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(entry))
	require.NoError(t, log.Close())

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := knowledge.OpenLog(logPath, logger)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "valid finding", entries[0].Text)
}
