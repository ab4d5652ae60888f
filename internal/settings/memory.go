package settings

import (
	"context"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// MemoryStore keeps the connection for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	conn model.Connection
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, nil
}

func (s *MemoryStore) Save(_ context.Context, conn model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	return nil
}

func (s *MemoryStore) Close() error { return nil }
