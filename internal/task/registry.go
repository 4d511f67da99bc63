package task

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no record exists for a task ID.
	ErrNotFound = errors.New("task not found")

	// ErrExists is returned when creating a record with a duplicate ID.
	ErrExists = errors.New("task already exists")

	// ErrTerminal is returned when mutating a task in DONE or FAILED.
	ErrTerminal = errors.New("task is in a terminal state")
)

// Registry stores all task records.
//
// It is the only mutable structure shared between the HTTP front door and
// the per-task controllers. Mutation happens under an exclusive lock held
// only for the duration of the update closure; reads hand out deep-copied
// snapshots, so a concurrent status query can never observe a
// partially-applied transition.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Create stores a new record. The registry keeps its own copy.
func (g *Registry) Create(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.records[rec.ID]; ok {
		return ErrExists
	}
	g.records[rec.ID] = rec.Clone()
	return nil
}

// Get returns a snapshot of the record. Safe to call at any time,
// including while the task's controller is mid-transition.
func (g *Registry) Get(id string) (*Record, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies fn to the stored record under the exclusive lock.
//
// If fn returns an error the record is left unchanged. Updates to tasks
// already in a terminal state are rejected, which makes terminal records
// immutable regardless of caller bugs.
func (g *Registry) Update(id string, fn func(*Record) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.State.Terminal() {
		return ErrTerminal
	}

	// Mutate a copy so a failed update cannot leave the stored record
	// half-written.
	next := rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	g.records[id] = next
	return nil
}

// List returns snapshots of all records, newest first not guaranteed.
func (g *Registry) List() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Len returns the number of stored records.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
