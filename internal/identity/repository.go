package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/medrex/ehr-access/pkg/database"
	"github.com/medrex/ehr-access/pkg/rbac"
)

const principalColumns = `id, username, password_hash, role, attributes, assigned_patients, active,
	locked_until, failed_attempts, credentials_invalidated_at, version, created_at, updated_at`

// PrincipalRepository implements rbac.PrincipalStore on PostgreSQL
type PrincipalRepository struct {
	db *database.DB
}

// NewPrincipalRepository creates a new principal repository
func NewPrincipalRepository(db *database.DB) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

// Create inserts a principal
func (r *PrincipalRepository) Create(ctx context.Context, p *rbac.Principal) error {
	attrs, err := json.Marshal(nonNilAttributes(p.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	version := p.Version
	if version == 0 {
		version = 1
	}

	query := `
		INSERT INTO principals (` + principalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	start := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		p.ID,
		p.Username,
		p.PasswordHash,
		string(p.Role),
		attrs,
		pq.Array(nonNilStrings(p.AssignedPatients)),
		p.Active,
		p.LockedUntil,
		p.FailedAttempts,
		p.CredentialsInvalidatedAt,
		version,
		p.CreatedAt,
		p.UpdatedAt,
	)
	r.db.Logger().DatabaseOperation(ctx, "insert", "principals", time.Since(start).Milliseconds(), 1, err == nil)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if strings.Contains(pqErr.Detail, "username") {
				return rbac.ValidationFailure(rbac.ErrorCodeDuplicatePrincipal, "username", "username already exists")
			}
			return rbac.ValidationFailure(rbac.ErrorCodeDuplicatePrincipal, "id", "principal already exists")
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}

	return nil
}

// Get retrieves a principal by id
func (r *PrincipalRepository) Get(ctx context.Context, id string) (*rbac.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), id)
}

// GetByUsername retrieves a principal by username
func (r *PrincipalRepository) GetByUsername(ctx context.Context, username string) (*rbac.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE username = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, username), username)
}

// CompareAndSwap updates the principal only when the stored version equals expectedVersion
func (r *PrincipalRepository) CompareAndSwap(ctx context.Context, p *rbac.Principal, expectedVersion int64) error {
	attrs, err := json.Marshal(nonNilAttributes(p.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	query := `
		UPDATE principals
		SET username = $1, password_hash = $2, role = $3, attributes = $4, assigned_patients = $5,
			active = $6, locked_until = $7, failed_attempts = $8, credentials_invalidated_at = $9,
			version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		p.Username,
		p.PasswordHash,
		string(p.Role),
		attrs,
		pq.Array(nonNilStrings(p.AssignedPatients)),
		p.Active,
		p.LockedUntil,
		p.FailedAttempts,
		p.CredentialsInvalidatedAt,
		p.UpdatedAt,
		p.ID,
		expectedVersion,
	)
	if err != nil {
		r.db.Logger().DatabaseOperation(ctx, "update", "principals", time.Since(start).Milliseconds(), 0, false)
		return fmt.Errorf("failed to update principal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	r.db.Logger().DatabaseOperation(ctx, "update", "principals", time.Since(start).Milliseconds(), rows, true)

	if rows == 0 {
		return rbac.ErrVersionConflict
	}
	return nil
}

func (r *PrincipalRepository) scanOne(row *sql.Row, key string) (*rbac.Principal, error) {
	var (
		p                      rbac.Principal
		role                   string
		attrs                  []byte
		assigned               []string
		lockedUntil            sql.NullTime
		credentialsInvalidated sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.PasswordHash,
		&role,
		&attrs,
		pq.Array(&assigned),
		&p.Active,
		&lockedUntil,
		&p.FailedAttempts,
		&credentialsInvalidated,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, principalNotFound(key)
		}
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}

	p.Role = rbac.Role(role)
	p.AssignedPatients = assigned
	if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		p.LockedUntil = &t
	}
	if credentialsInvalidated.Valid {
		t := credentialsInvalidated.Time
		p.CredentialsInvalidatedAt = &t
	}

	return &p, nil
}

func nonNilAttributes(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
