package records

import (
	"context"
	"sync"

	"github.com/medrex/ehr-access/pkg/rbac"
)

type resourceKey struct {
	resourceType string
	resourceID   string
}

// MemoryStore holds protected resource facts in process
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[resourceKey]*rbac.Resource
}

// NewMemoryStore creates an empty resource store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[resourceKey]*rbac.Resource)}
}

// Resolve returns a copy of the resource facts
func (s *MemoryStore) Resolve(_ context.Context, resourceType, resourceID string) (*rbac.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[resourceKey{resourceType, resourceID}]
	if !ok {
		return nil, resourceNotFound(resourceType, resourceID)
	}
	return cloneResource(res), nil
}

// Upsert registers or replaces the facts of a resource
func (s *MemoryStore) Upsert(_ context.Context, res *rbac.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[resourceKey{res.Type, res.ID}] = cloneResource(res)
	return nil
}

func cloneResource(res *rbac.Resource) *rbac.Resource {
	c := *res
	c.Attributes = make(map[string]string, len(res.Attributes))
	for k, v := range res.Attributes {
		c.Attributes[k] = v
	}
	c.Consents = make(map[string]bool, len(res.Consents))
	for k, v := range res.Consents {
		c.Consents[k] = v
	}
	return &c
}
