package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/ehr-access/pkg/database"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// ResourceRepository reads protected resource facts from PostgreSQL
type ResourceRepository struct {
	db *database.DB
}

// NewResourceRepository creates a new resource repository
func NewResourceRepository(db *database.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Resolve loads the owning patient, attributes and consents of a resource
func (r *ResourceRepository) Resolve(ctx context.Context, resourceType, resourceID string) (*rbac.Resource, error) {
	query := `
		SELECT patient_id, attributes, consents
		FROM protected_resources
		WHERE resource_type = $1 AND resource_id = $2`

	var (
		patientID string
		attrs     []byte
		consents  []byte
	)
	start := time.Now()
	err := r.db.QueryRowContext(ctx, query, resourceType, resourceID).Scan(&patientID, &attrs, &consents)
	r.db.Logger().DatabaseOperation(ctx, "select", "protected_resources", time.Since(start).Milliseconds(), 0, err == nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, resourceNotFound(resourceType, resourceID)
		}
		return nil, fmt.Errorf("failed to resolve resource: %w", err)
	}

	res := &rbac.Resource{
		Type:      resourceType,
		ID:        resourceID,
		PatientID: patientID,
	}

	var rawAttrs map[string]interface{}
	if err := json.Unmarshal(attrs, &rawAttrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource attributes: %w", err)
	}
	res.Attributes = rbac.NormalizeAttributes(rawAttrs)

	if err := json.Unmarshal(consents, &res.Consents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource consents: %w", err)
	}
	if res.Consents == nil {
		res.Consents = map[string]bool{}
	}

	return res, nil
}

// Upsert registers or replaces the facts of a resource
func (r *ResourceRepository) Upsert(ctx context.Context, res *rbac.Resource) error {
	attrs, err := json.Marshal(nonNilAttrs(res.Attributes))
	if err != nil {
		return fmt.Errorf("failed to marshal resource attributes: %w", err)
	}
	consents, err := json.Marshal(nonNilConsents(res.Consents))
	if err != nil {
		return fmt.Errorf("failed to marshal resource consents: %w", err)
	}

	query := `
		INSERT INTO protected_resources (resource_type, resource_id, patient_id, attributes, consents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_type, resource_id)
		DO UPDATE SET patient_id = EXCLUDED.patient_id, attributes = EXCLUDED.attributes, consents = EXCLUDED.consents`

	start := time.Now()
	_, err = r.db.ExecContext(ctx, query, res.Type, res.ID, res.PatientID, attrs, consents)
	r.db.Logger().DatabaseOperation(ctx, "upsert", "protected_resources", time.Since(start).Milliseconds(), 1, err == nil)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

func resourceNotFound(resourceType, resourceID string) error {
	return rbac.NotFound(rbac.ErrorCodeResourceNotFound, fmt.Sprintf("resource %s/%s not found", resourceType, resourceID))
}

func nonNilAttrs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilConsents(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}
