package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// MemoryStore is an in-process, append-only DecisionStore
type MemoryStore struct {
	mu        sync.RWMutex
	decisions []*rbac.AccessDecision
	byID      map[string]*rbac.AccessDecision
}

// NewMemoryStore creates an empty in-memory decision store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*rbac.AccessDecision)}
}

// Insert appends a copy of the decision
func (s *MemoryStore) Insert(_ context.Context, d *rbac.AccessDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[d.ID]; exists {
		return fmt.Errorf("access decision %s already recorded", d.ID)
	}
	stored := d.Clone()
	s.decisions = append(s.decisions, stored)
	s.byID[d.ID] = stored
	return nil
}

// Get returns a copy of one decision
func (s *MemoryStore) Get(_ context.Context, id string) (*rbac.AccessDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, decisionNotFound(id)
	}
	return d.Clone(), nil
}

// Query filters, orders and pages the stored decisions
func (s *MemoryStore) Query(_ context.Context, filter rbac.AuditFilter) (*rbac.AuditPage, error) {
	filter.Normalize()

	s.mu.RLock()
	matched := make([]*rbac.AccessDecision, 0)
	for _, d := range s.decisions {
		if filter.Matches(d) {
			matched = append(matched, d.Clone())
		}
	}
	s.mu.RUnlock()

	rbac.SortDecisions(matched)

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	return &rbac.AuditPage{
		Decisions:  matched[start:end],
		Page:       filter.Page,
		Limit:      filter.Limit,
		Total:      total,
		TotalPages: rbac.TotalPagesFor(total, filter.Limit),
	}, nil
}

// Summary aggregates decisions in [start, end]
func (s *MemoryStore) Summary(_ context.Context, start, end time.Time) (*rbac.ComplianceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &rbac.ComplianceSummary{
		StartTime:   start,
		EndTime:     end,
		GeneratedAt: time.Now().UTC(),
	}
	principals := make(map[string]struct{})
	for _, d := range s.decisions {
		if d.Timestamp.Before(start) || d.Timestamp.After(end) {
			continue
		}
		summary.TotalDecisions++
		principals[d.PrincipalID] = struct{}{}
		switch d.Outcome {
		case rbac.OutcomeAllow:
			summary.Allowed++
		case rbac.OutcomeDeny:
			summary.Denied++
		case rbac.OutcomeEmergencyAllow:
			summary.EmergencyAllowed++
		}
		if strings.HasPrefix(d.Action, rbac.RemediationActionPrefix) && d.Outcome == rbac.OutcomeAllow {
			summary.Remediations++
		}
	}
	summary.UniquePrincipals = len(principals)
	return summary, nil
}

// Len returns the number of recorded decisions
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.decisions)
}
