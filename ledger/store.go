package ledger

import (
	"context"
	"sync"
)

// Store persists change logs keyed by rollback id. Implementations must
// support lookup by id, full enumeration for cleanup and history, and
// deletion for TTL purge. Get returns nil, nil for an unknown id.
type Store interface {
	Put(ctx context.Context, log *ChangeLog) error
	Get(ctx context.Context, rollbackID string) (*ChangeLog, error)
	List(ctx context.Context) ([]*ChangeLog, error)
	Delete(ctx context.Context, rollbackIDs ...string) error
}

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*ChangeLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*ChangeLog)}
}

// Put stores a log.
func (s *MemoryStore) Put(_ context.Context, log *ChangeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.RollbackID] = log
	return nil
}

// Get returns a log by id, or nil when unknown.
func (s *MemoryStore) Get(_ context.Context, rollbackID string) (*ChangeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[rollbackID], nil
}

// List returns all stored logs.
func (s *MemoryStore) List(_ context.Context) ([]*ChangeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChangeLog, 0, len(s.logs))
	for _, log := range s.logs {
		out = append(out, log)
	}
	return out, nil
}

// Delete removes logs by id. Unknown ids are ignored.
func (s *MemoryStore) Delete(_ context.Context, rollbackIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range rollbackIDs {
		delete(s.logs, id)
	}
	return nil
}
