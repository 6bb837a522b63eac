// Package memorystore provides an in-memory credential store. It loses
// the credential on process exit and exists for tests and ephemeral
// tooling; real devices use filestore or redisstore.
package memorystore

import (
	"context"
	"sync"

	"github.com/threesixty/tripsync-go/session/credstore"
)

// Store implements credstore.Store in memory.
type Store struct {
	mu   sync.RWMutex
	cred credstore.Credential
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

func (s *Store) Load(ctx context.Context) (credstore.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, nil
}

func (s *Store) Save(ctx context.Context, cred credstore.Credential) error {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cred = credstore.Credential{}
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }
