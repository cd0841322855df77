package resolver

import (
	"context"
	"net/netip"
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Snapshot is the persisted resolver state.
type Snapshot struct {
	Bindings []domain.ResolvedDomain
	Cursor   netip.Addr
}

// Store persists dynamic bindings and the allocator cursor.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, binding domain.ResolvedDomain, cursor netip.Addr) error
	Close() error
}

// MemoryStore keeps bindings for the lifetime of the process.
type MemoryStore struct {
	mu       sync.Mutex
	bindings []domain.ResolvedDomain
	cursor   netip.Addr
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResolvedDomain, len(s.bindings))
	copy(out, s.bindings)
	return Snapshot{Bindings: out, Cursor: s.cursor}, nil
}

// Save appends binding and moves the cursor.
func (s *MemoryStore) Save(_ context.Context, binding domain.ResolvedDomain, cursor netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, binding)
	s.cursor = cursor
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
