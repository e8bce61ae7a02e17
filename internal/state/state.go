// Package state persists the set of disabled plugins so that a disable
// survives restarts and reloads. Backends: sqlite (default), postgres,
// redis, and an in-memory store for tests and throwaway runs.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DisabledStore records which plugins are disabled.
type DisabledStore interface {
	// Disabled returns the names of all disabled plugins, sorted.
	Disabled(ctx context.Context) ([]string, error)
	// SetDisabled marks or unmarks a plugin as disabled. Setting an
	// already-set flag is a no-op.
	SetDisabled(ctx context.Context, name string, disabled bool) error
	Close() error
}

// Open builds a store for the configured backend. dataDir is used by
// sqlite, dsn by postgres, addr by redis.
func Open(ctx context.Context, backend, dataDir, dsn, addr string) (DisabledStore, error) {
	switch backend {
	case "", "sqlite":
		return OpenSQLite(dataDir)
	case "postgres":
		return OpenPostgres(dsn)
	case "redis":
		return OpenRedis(ctx, addr)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("state: unknown backend %q", backend)
	}
}

// MemoryStore keeps the disabled set in memory only.
type MemoryStore struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{set: make(map[string]struct{})}
}

func (s *MemoryStore) Disabled(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for name := range s.set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SetDisabled(ctx context.Context, name string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if disabled {
		s.set[name] = struct{}{}
	} else {
		delete(s.set, name)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
