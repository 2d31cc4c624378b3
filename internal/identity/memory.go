package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// MemoryStore is an in-process PrincipalStore
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]*rbac.Principal
	usernames  map[string]string
}

// NewMemoryStore creates an empty in-memory principal store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*rbac.Principal),
		usernames:  make(map[string]string),
	}
}

// Create stores a new principal
func (s *MemoryStore) Create(_ context.Context, p *rbac.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.principals[p.ID]; exists {
		return rbac.ValidationFailure(rbac.ErrorCodeDuplicatePrincipal, "id", "principal already exists")
	}
	if _, exists := s.usernames[p.Username]; exists {
		return rbac.ValidationFailure(rbac.ErrorCodeDuplicatePrincipal, "username", "username already exists")
	}

	stored := p.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.principals[p.ID] = stored
	s.usernames[p.Username] = p.ID
	return nil
}

// Get returns a copy of the principal
func (s *MemoryStore) Get(_ context.Context, id string) (*rbac.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, principalNotFound(id)
	}
	return p.Clone(), nil
}

// GetByUsername returns a copy of the principal with the username
func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*rbac.Principal, error) {
	s.mu.RLock()
	id, ok := s.usernames[username]
	s.mu.RUnlock()
	if !ok {
		return nil, principalNotFound(username)
	}
	return s.Get(ctx, id)
}

// CompareAndSwap replaces the principal when the stored version matches
func (s *MemoryStore) CompareAndSwap(_ context.Context, p *rbac.Principal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.principals[p.ID]
	if !ok {
		return principalNotFound(p.ID)
	}
	if current.Version != expectedVersion {
		return rbac.ErrVersionConflict
	}

	stored := p.Clone()
	stored.Version = expectedVersion + 1
	if stored.Username != current.Username {
		delete(s.usernames, current.Username)
		s.usernames[stored.Username] = stored.ID
	}
	s.principals[p.ID] = stored
	return nil
}

func principalNotFound(key string) error {
	return rbac.NotFound(rbac.ErrorCodePrincipalNotFound, fmt.Sprintf("principal %s not found", key))
}
