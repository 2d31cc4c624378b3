package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrex/ehr-access/pkg/database"
	"github.com/medrex/ehr-access/pkg/rbac"
)

const decisionColumns = `id, principal_id, role, attributes, resource_type, resource_id, patient_id, action,
	outcome, timestamp, network_origin, user_agent, denial_reason, is_break_glass, justification,
	grant_expires_at, related_decision_id`

// DecisionRepository implements rbac.DecisionStore on PostgreSQL.
// The table carries a trigger rejecting UPDATE and DELETE.
type DecisionRepository struct {
	db *database.DB
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *database.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Insert appends one decision
func (r *DecisionRepository) Insert(ctx context.Context, d *rbac.AccessDecision) error {
	attrs, err := json.Marshal(d.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if d.Attributes == nil {
		attrs = []byte(`{}`)
	}

	query := `
		INSERT INTO access_decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	start := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		d.ID,
		d.PrincipalID,
		string(d.Role),
		attrs,
		d.ResourceType,
		d.ResourceID,
		d.PatientID,
		d.Action,
		string(d.Outcome),
		d.Timestamp,
		d.NetworkOrigin,
		d.UserAgent,
		d.DenialReason,
		d.IsBreakGlass,
		d.Justification,
		d.GrantExpiresAt,
		nullString(d.RelatedDecisionID),
	)
	r.db.Logger().DatabaseOperation(ctx, "insert", "access_decisions", time.Since(start).Milliseconds(), 1, err == nil)
	if err != nil {
		return fmt.Errorf("failed to insert access decision: %w", err)
	}

	return nil
}

// Get retrieves one decision by id
func (r *DecisionRepository) Get(ctx context.Context, id string) (*rbac.AccessDecision, error) {
	query := `SELECT ` + decisionColumns + ` FROM access_decisions WHERE id = $1`

	d, err := scanDecision(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, decisionNotFound(id)
		}
		return nil, fmt.Errorf("failed to get access decision: %w", err)
	}
	return d, nil
}

// Query returns one page of decisions matching the filter, newest first
func (r *DecisionRepository) Query(ctx context.Context, filter rbac.AuditFilter) (*rbac.AuditPage, error) {
	filter.Normalize()
	where, args := buildWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM access_decisions` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count access decisions: %w", err)
	}

	argIndex := len(args) + 1
	query := `SELECT ` + decisionColumns + ` FROM access_decisions` + where +
		fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	decisions := make([]*rbac.AccessDecision, 0, filter.Limit)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit trail: %w", err)
	}

	return &rbac.AuditPage{
		Decisions:  decisions,
		Page:       filter.Page,
		Limit:      filter.Limit,
		Total:      total,
		TotalPages: rbac.TotalPagesFor(total, filter.Limit),
	}, nil
}

// Summary aggregates decisions in [start, end]
func (r *DecisionRepository) Summary(ctx context.Context, start, end time.Time) (*rbac.ComplianceSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'Allow'),
			COUNT(*) FILTER (WHERE outcome = 'Deny'),
			COUNT(*) FILTER (WHERE outcome = 'EmergencyAllow'),
			COUNT(DISTINCT principal_id),
			COUNT(*) FILTER (WHERE action LIKE 'remediation.%' AND outcome = 'Allow')
		FROM access_decisions
		WHERE timestamp >= $1 AND timestamp <= $2`

	summary := &rbac.ComplianceSummary{
		StartTime:   start,
		EndTime:     end,
		GeneratedAt: time.Now().UTC(),
	}
	err := r.db.QueryRowContext(ctx, query, start, end).Scan(
		&summary.TotalDecisions,
		&summary.Allowed,
		&summary.Denied,
		&summary.EmergencyAllowed,
		&summary.UniquePrincipals,
		&summary.Remediations,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit trail: %w", err)
	}

	return summary, nil
}

// buildWhere builds the dynamic WHERE clause for a filter
func buildWhere(filter rbac.AuditFilter) (string, []interface{}) {
	var clauses []string
	args := []interface{}{}
	argIndex := 1

	add := func(clause string, value interface{}) {
		clauses = append(clauses, fmt.Sprintf(clause, argIndex))
		args = append(args, value)
		argIndex++
	}

	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.Status != "" {
		add("outcome = $%d", string(filter.Status))
	}
	if filter.UserID != "" {
		add("principal_id = $%d", filter.UserID)
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if !filter.StartDate.IsZero() {
		add("timestamp >= $%d", filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		add("timestamp <= $%d", filter.EndDate)
	}
	if filter.BreakGlass != nil {
		add("is_break_glass = $%d", *filter.BreakGlass)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*rbac.AccessDecision, error) {
	var (
		d          rbac.AccessDecision
		role       string
		outcome    string
		attrs      []byte
		grantUntil sql.NullTime
		related    sql.NullString
	)

	err := row.Scan(
		&d.ID,
		&d.PrincipalID,
		&role,
		&attrs,
		&d.ResourceType,
		&d.ResourceID,
		&d.PatientID,
		&d.Action,
		&outcome,
		&d.Timestamp,
		&d.NetworkOrigin,
		&d.UserAgent,
		&d.DenialReason,
		&d.IsBreakGlass,
		&d.Justification,
		&grantUntil,
		&related,
	)
	if err != nil {
		return nil, err
	}

	d.Role = rbac.Role(role)
	d.Outcome = rbac.Outcome(outcome)
	d.ID = strings.TrimSpace(d.ID)
	d.Timestamp = d.Timestamp.UTC()
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	if grantUntil.Valid {
		t := grantUntil.Time.UTC()
		d.GrantExpiresAt = &t
	}
	if related.Valid {
		d.RelatedDecisionID = strings.TrimSpace(related.String)
	}

	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func decisionNotFound(id string) error {
	return rbac.NotFound(rbac.ErrorCodeDecisionNotFound, fmt.Sprintf("access decision %s not found", id))
}
