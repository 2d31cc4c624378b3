package records

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/ehr-access/pkg/database"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/rbac"
)

func setupTestRepository(t *testing.T) (*ResourceRepository, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewResourceRepository(database.Wrap(sqlDB, logger.NewNop()))

	return repo, mock, func() { sqlDB.Close() }
}

func TestResourceRepository_Resolve(t *testing.T) {
	repo, mock, cleanup := setupTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT patient_id, attributes, consents FROM protected_resources WHERE resource_type = \$1 AND resource_id = \$2`).
		WithArgs("patient_record", "rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id", "attributes", "consents"}).
			AddRow("pat-1", []byte(`{"hospitalId":"HOS-001","floor":3}`), []byte(`{"treatment":true,"research":false}`)))

	res, err := repo.Resolve(context.Background(), "patient_record", "rec-1")
	require.NoError(t, err)

	assert.Equal(t, "pat-1", res.PatientID)
	assert.Equal(t, "HOS-001", res.Attributes[rbac.AttrHospitalID])
	assert.Equal(t, "3", res.Attributes["floor"])
	assert.True(t, res.Consents[rbac.ConsentTreatment])
	assert.False(t, res.Consents[rbac.ConsentResearch])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepository_ResolveNotFound(t *testing.T) {
	repo, mock, cleanup := setupTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT (.+) FROM protected_resources`).
		WithArgs("patient_record", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id", "attributes", "consents"}))

	_, err := repo.Resolve(context.Background(), "patient_record", "ghost")
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeNotFound))
}

func TestResourceRepository_Upsert(t *testing.T) {
	repo, mock, cleanup := setupTestRepository(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO protected_resources (.+) ON CONFLICT \(resource_type, resource_id\) DO UPDATE`).
		WithArgs("lab_result", "lab-7", "pat-2", []byte(`{"hospitalId":"HOS-002"}`), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &rbac.Resource{
		Type:       "lab_result",
		ID:         "lab-7",
		PatientID:  "pat-2",
		Attributes: map[string]string{rbac.AttrHospitalID: "HOS-002"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(NewMemoryStore())

	res, err := catalog.Resolve(ctx, rbac.ResourceAuditLog, "decisions")
	require.NoError(t, err)
	assert.Empty(t, res.PatientID)

	_, err = catalog.Resolve(ctx, rbac.ResourcePatientRecord, "rec-1")
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeNotFound))

	err = catalog.Register(ctx, &rbac.Resource{Type: rbac.ResourceAuditLog, ID: "x"})
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeValidation))

	original := &rbac.Resource{
		Type:       rbac.ResourcePatientRecord,
		ID:         "rec-1",
		PatientID:  "pat-1",
		Attributes: map[string]string{rbac.AttrHospitalID: "HOS-001"},
		Consents:   map[string]bool{rbac.ConsentTreatment: true},
	}
	require.NoError(t, catalog.Register(ctx, original))
	original.Consents[rbac.ConsentTreatment] = false

	res, err = catalog.Resolve(ctx, rbac.ResourcePatientRecord, "rec-1")
	require.NoError(t, err)
	assert.True(t, res.Consents[rbac.ConsentTreatment])
}
