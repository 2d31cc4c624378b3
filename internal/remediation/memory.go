package remediation

import (
	"context"
	"fmt"
	"sync"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// MemoryStore is an in-process RemediationStore
type MemoryStore struct {
	mu      sync.RWMutex
	actions []*rbac.RemediationAction
}

// NewMemoryStore creates an empty remediation store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends a copy of the record
func (s *MemoryStore) Insert(_ context.Context, a *rbac.RemediationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.actions {
		if existing.ID == a.ID {
			return fmt.Errorf("remediation %s already recorded", a.ID)
		}
	}
	c := *a
	s.actions = append(s.actions, &c)
	return nil
}

// ListByDecision lists remediations originating from a decision, oldest first
func (s *MemoryStore) ListByDecision(_ context.Context, decisionID string) ([]*rbac.RemediationAction, error) {
	return s.filter(func(a *rbac.RemediationAction) bool { return a.OriginatingDecisionID == decisionID }), nil
}

// ListByPrincipal lists remediations applied to a principal, oldest first
func (s *MemoryStore) ListByPrincipal(_ context.Context, principalID string) ([]*rbac.RemediationAction, error) {
	return s.filter(func(a *rbac.RemediationAction) bool { return a.TargetPrincipalID == principalID }), nil
}

func (s *MemoryStore) filter(keep func(*rbac.RemediationAction) bool) []*rbac.RemediationAction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*rbac.RemediationAction{}
	for _, a := range s.actions {
		if keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}
