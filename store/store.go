package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/isdmx/evalbox/evaluation"
)

var (
	// ErrNotFound is returned by Get for unknown IDs.
	ErrNotFound = errors.New("result not found")
	// ErrExists is returned when a result for the ID was already saved.
	// Results are immutable.
	ErrExists = errors.New("result already exists")
)

// ResultStore persists terminal Result records.
type ResultStore interface {
	Save(ctx context.Context, r evaluation.Result) error
	Get(ctx context.Context, evalID string) (evaluation.Result, error)
	Close() error
}

// Options selects and configures a store implementation.
type Options struct {
	Driver string
	Path   string
}

// New opens the store named by opts.Driver.
func New(ctx context.Context, opts Options) (ResultStore, error) {
	switch opts.Driver {
	case "sqlite":
		return NewSQLite(ctx, opts.Path)
	case "file":
		return NewFileStore(opts.Path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", opts.Driver)
	}
}

// Memory keeps results in a map. It is used by tests and by deployments
// that forward results elsewhere.
type Memory struct {
	mu      sync.RWMutex
	results map[string]evaluation.Result
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{results: make(map[string]evaluation.Result)}
}

func (m *Memory) Save(_ context.Context, r evaluation.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.EvalID]; ok {
		return fmt.Errorf("%s: %w", r.EvalID, ErrExists)
	}
	m.results[r.EvalID] = r
	return nil
}

func (m *Memory) Get(_ context.Context, evalID string) (evaluation.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[evalID]
	if !ok {
		return evaluation.Result{}, ErrNotFound
	}
	return r, nil
}

// Len returns the number of stored results.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

func (m *Memory) Close() error { return nil }
