// Package token is the broker's view of agent credentials: which token an
// agent id must present, whether it is still active, and which machine it
// is bound to.
package token

import (
	"context"
	"errors"
	"sync"
)

// Status values of a token record.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("token not found")

// Record is the stored credential of one agent.
type Record struct {
	Token   string `yaml:"token"`
	Status  string `yaml:"status"`
	Machine string `yaml:"machine,omitempty"`
}

// Active reports whether the token may authenticate.
func (r Record) Active() bool {
	return r.Status == StatusActive
}

// Service looks up and binds agent tokens.
type Service interface {
	// TokenOf returns the record for id or ErrNotFound.
	TokenOf(ctx context.Context, id string) (Record, error)
	// Link binds the token of id to machine.
	Link(ctx context.Context, id, machine string) error
}

// MemoryService keeps records in a map.
type MemoryService struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryService copies records into a new service.
func NewMemoryService(records map[string]Record) *MemoryService {
	copied := make(map[string]Record, len(records))
	for id, rec := range records {
		copied[id] = rec
	}
	return &MemoryService{records: copied}
}

func (s *MemoryService) TokenOf(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryService) Link(_ context.Context, id, machine string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Machine = machine
	s.records[id] = rec
	return nil
}

// Put adds or replaces a record.
func (s *MemoryService) Put(id string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
}
