// Package index implements the durable set of fingerprints that completed
// successfully at least once.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"document-intake/internal/fsutil"
)

// ProcessedIndex is a monotonically growing fingerprint set backed by a JSON
// array state file. Contains may run concurrently; Add and Persist are
// serialized.
type ProcessedIndex struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	set    map[string]struct{}
	order  []string
	persMu sync.Mutex
}

// Load reads the state file at path. A missing or corrupt file yields an
// empty index and is logged, never returned as an error.
func Load(path string, logger *slog.Logger) *ProcessedIndex {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &ProcessedIndex{path: path, logger: logger, set: make(map[string]struct{})}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return idx
	case err != nil:
		logger.Warn("processed index unreadable, starting empty", "path", path, "error", err)
		return idx
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		logger.Warn("processed index corrupt, starting empty", "path", path, "error", err)
		return idx
	}
	for _, fp := range list {
		if fp == "" {
			continue
		}
		if _, ok := idx.set[fp]; ok {
			continue
		}
		idx.set[fp] = struct{}{}
		idx.order = append(idx.order, fp)
	}
	logger.Info("processed index loaded", "path", path, "entries", len(idx.order))
	return idx
}

// Contains reports whether fp has been processed.
func (i *ProcessedIndex) Contains(fp string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.set[fp]
	return ok
}

// Add inserts fp. It reports whether the entry was new.
func (i *ProcessedIndex) Add(fp string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.set[fp]; ok {
		return false
	}
	i.set[fp] = struct{}{}
	i.order = append(i.order, fp)
	return true
}

// Len returns the number of entries.
func (i *ProcessedIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.order)
}

// Snapshot returns the entries in insertion order.
func (i *ProcessedIndex) Snapshot() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, len(i.order))
	copy(out, i.order)
	return out
}

// Persist rewrites the state file atomically with the current entries.
func (i *ProcessedIndex) Persist() error {
	i.persMu.Lock()
	defer i.persMu.Unlock()

	raw, err := json.Marshal(i.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(i.path, raw, 0o644); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// Record adds fp and persists the index in one serialized step. A persist
// failure is logged: memory still reflects the success.
func (i *ProcessedIndex) Record(fp string) error {
	i.Add(fp)
	if err := i.Persist(); err != nil {
		i.logger.Error("processed index persist failed", "fingerprint", fp, "error", err)
		return err
	}
	return nil
}

// ReadFile returns the sorted entries of a state file without building an index.
func ReadFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	sort.Strings(list)
	return list, nil
}
