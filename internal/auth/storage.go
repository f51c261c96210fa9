package auth

import (
	"iter"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/api"
)

// Storage is keyed persistence for upstream credentials. The manager owns
// all writes; request handlers only read, through the manager's Handle.
// Implementations must be safe for concurrent readers alongside the single
// writer.
type Storage interface {
	// Get returns the credential for id, or nil when absent.
	Get(id uuid.UUID) (*api.Auth, error)
	// GetSingle returns any one stored account id, if there is one.
	GetSingle() (uuid.UUID, bool, error)
	Contains(id uuid.UUID) (bool, error)
	Insert(id uuid.UUID, cred *api.Auth) error
	Remove(id uuid.UUID) error
	// All yields every stored credential. Per-entry decode failures are
	// yielded as errors without ending the sequence.
	All() iter.Seq2[*api.Auth, error]
	Ping() error
	Close() error
}

// MemoryStorage is the volatile backend: a process-local map, lost on exit.
type MemoryStorage struct {
	mu    sync.RWMutex
	auths map[uuid.UUID]api.Auth
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{auths: make(map[uuid.UUID]api.Auth)}
}

func (s *MemoryStorage) Get(id uuid.UUID) (*api.Auth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.auths[id]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (s *MemoryStorage) GetSingle() (uuid.UUID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.auths {
		return id, true, nil
	}
	return uuid.Nil, false, nil
}

func (s *MemoryStorage) Contains(id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.auths[id]
	return ok, nil
}

func (s *MemoryStorage) Insert(id uuid.UUID, cred *api.Auth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths[id] = *cred
	return nil
}

func (s *MemoryStorage) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.auths, id)
	return nil
}

// All iterates over a snapshot, so the caller may insert or remove while
// ranging.
func (s *MemoryStorage) All() iter.Seq2[*api.Auth, error] {
	s.mu.RLock()
	snapshot := maps.Clone(s.auths)
	s.mu.RUnlock()
	return func(yield func(*api.Auth, error) bool) {
		for _, cred := range snapshot {
			if !yield(&cred, nil) {
				return
			}
		}
	}
}

func (s *MemoryStorage) Ping() error  { return nil }
func (s *MemoryStorage) Close() error { return nil }
