package rbac

import (
	"context"
	"time"
)

// PrincipalStore persists principals with optimistic concurrency on Version
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Get(ctx context.Context, id string) (*Principal, error)
	GetByUsername(ctx context.Context, username string) (*Principal, error)
	// CompareAndSwap stores p only if the stored version still equals expectedVersion,
	// bumping it to expectedVersion+1. It returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, p *Principal, expectedVersion int64) error
}

// DecisionStore is the append-only backing store of the audit trail
type DecisionStore interface {
	Insert(ctx context.Context, d *AccessDecision) error
	Get(ctx context.Context, id string) (*AccessDecision, error)
	Query(ctx context.Context, filter AuditFilter) (*AuditPage, error)
	Summary(ctx context.Context, start, end time.Time) (*ComplianceSummary, error)
}

// RemediationStore persists remediation records
type RemediationStore interface {
	Insert(ctx context.Context, action *RemediationAction) error
	ListByDecision(ctx context.Context, decisionID string) ([]*RemediationAction, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*RemediationAction, error)
}

// ResourceResolver looks up the authorization-relevant facts of a protected resource
type ResourceResolver interface {
	Resolve(ctx context.Context, resourceType, resourceID string) (*Resource, error)
}

// ReviewQueue carries break-glass decisions to administrators
type ReviewQueue interface {
	Enqueue(ctx context.Context, item ReviewItem) error
	Pending(ctx context.Context, limit int) ([]ReviewItem, error)
	Acknowledge(ctx context.Context, decisionID string) error
}

// RuleSource returns the rule governing a resource type and action
type RuleSource interface {
	Lookup(resourceType, action string) (*PolicyRule, bool)
}
