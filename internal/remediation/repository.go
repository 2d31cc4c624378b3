package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/medrex/ehr-access/pkg/database"
	"github.com/medrex/ehr-access/pkg/rbac"
)

const remediationColumns = `id, target_principal_id, kind, reason, originating_decision_id,
	administrator_id, audit_decision_id, timestamp`

// Repository implements rbac.RemediationStore on PostgreSQL
type Repository struct {
	db *database.DB
}

// NewRepository creates a new remediation repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores one remediation record
func (r *Repository) Insert(ctx context.Context, a *rbac.RemediationAction) error {
	query := `
		INSERT INTO remediation_actions (` + remediationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.TargetPrincipalID,
		string(a.Kind),
		a.Reason,
		a.OriginatingDecisionID,
		a.AdministratorID,
		a.AuditDecisionID,
		a.Timestamp,
	)
	r.db.Logger().DatabaseOperation(ctx, "insert", "remediation_actions", time.Since(start).Milliseconds(), 1, err == nil)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return rbac.NotFound(rbac.ErrorCodeDecisionNotFound, "remediation references an unknown decision or principal")
		}
		return fmt.Errorf("failed to insert remediation: %w", err)
	}
	return nil
}

// ListByDecision lists remediations originating from a decision, oldest first
func (r *Repository) ListByDecision(ctx context.Context, decisionID string) ([]*rbac.RemediationAction, error) {
	query := `SELECT ` + remediationColumns + ` FROM remediation_actions
		WHERE originating_decision_id = $1 ORDER BY timestamp ASC, id ASC`
	return r.list(ctx, query, decisionID)
}

// ListByPrincipal lists remediations applied to a principal, oldest first
func (r *Repository) ListByPrincipal(ctx context.Context, principalID string) ([]*rbac.RemediationAction, error) {
	query := `SELECT ` + remediationColumns + ` FROM remediation_actions
		WHERE target_principal_id = $1 ORDER BY timestamp ASC, id ASC`
	return r.list(ctx, query, principalID)
}

func (r *Repository) list(ctx context.Context, query string, arg string) ([]*rbac.RemediationAction, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query remediations: %w", err)
	}
	defer rows.Close()

	actions := []*rbac.RemediationAction{}
	for rows.Next() {
		var (
			a    rbac.RemediationAction
			kind string
		)
		if err := rows.Scan(
			&a.ID,
			&a.TargetPrincipalID,
			&kind,
			&a.Reason,
			&a.OriginatingDecisionID,
			&a.AdministratorID,
			&a.AuditDecisionID,
			&a.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan remediation: %w", err)
		}
		a.Kind = rbac.RemediationKind(kind)
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate remediations: %w", err)
	}
	return actions, nil
}
