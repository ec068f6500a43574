package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/isdmx/evalbox/evaluation"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// FileStore writes one JSON document per result. The directory is locked
// for the lifetime of the store so two engines never write to it.
type FileStore struct {
	dir  string
	lock *flock.Flock
	mu   sync.Mutex
}

// NewFileStore opens dir, creating it if needed, and takes its lock.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store requires a path")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock result directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("result directory %s is locked by another process", dir)
	}
	return &FileStore{dir: dir, lock: lock}, nil
}

func (f *FileStore) path(evalID string) (string, error) {
	if !safeID.MatchString(evalID) {
		return "", fmt.Errorf("invalid eval id %q", evalID)
	}
	return filepath.Join(f.dir, evalID+".json"), nil
}

func (f *FileStore) Save(_ context.Context, r evaluation.Result) error {
	path, err := f.path(r.EvalID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", r.EvalID, ErrExists)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, evalID string) (evaluation.Result, error) {
	path, err := f.path(evalID)
	if err != nil {
		return evaluation.Result{}, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return evaluation.Result{}, ErrNotFound
	}
	if err != nil {
		return evaluation.Result{}, fmt.Errorf("failed to read result: %w", err)
	}
	var r evaluation.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return evaluation.Result{}, fmt.Errorf("failed to decode result: %w", err)
	}
	return r, nil
}

// Close releases the directory lock.
func (f *FileStore) Close() error {
	return f.lock.Unlock()
}
