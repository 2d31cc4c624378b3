package records

import (
	"context"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// Store resolves and registers protected resources
type Store interface {
	rbac.ResourceResolver
	Upsert(ctx context.Context, res *rbac.Resource) error
}

// systemResources are administrative surfaces with no owning patient
var systemResources = map[string]bool{
	rbac.ResourceAuditLog:       true,
	rbac.ResourcePrincipal:      true,
	rbac.ResourceUserManagement: true,
}

// Catalog resolves patient-data resources through the store and
// administrative resources without a lookup.
type Catalog struct {
	store Store
}

// NewCatalog creates a catalog over a resource store
func NewCatalog(store Store) *Catalog {
	return &Catalog{store: store}
}

// Resolve implements rbac.ResourceResolver
func (c *Catalog) Resolve(ctx context.Context, resourceType, resourceID string) (*rbac.Resource, error) {
	if systemResources[resourceType] {
		return &rbac.Resource{
			Type:       resourceType,
			ID:         resourceID,
			Attributes: map[string]string{},
			Consents:   map[string]bool{},
		}, nil
	}
	return c.store.Resolve(ctx, resourceType, resourceID)
}

// Register stores the facts of a patient-data resource
func (c *Catalog) Register(ctx context.Context, res *rbac.Resource) error {
	if res.Type == "" || res.ID == "" {
		return rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "resource", "resource type and id are required")
	}
	if systemResources[res.Type] {
		return rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "resourceType", "administrative resources cannot be registered")
	}
	return c.store.Upsert(ctx, res)
}
