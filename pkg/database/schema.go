package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSchema creates the tables backing principals, the audit trail and remediations
// in one transaction
func (db *DB) CreateSchema(ctx context.Context) error {
	log := db.logger.WithComponent("database")
	log.Info("Creating database schema...")

	steps := []struct {
		name string
		ddl  string
	}{
		{"principals", createPrincipalsTable},
		{"access_decisions", createAccessDecisionsTable},
		{"remediation_actions", createRemediationActionsTable},
		{"protected_resources", createProtectedResourcesTable},
		{"indexes", createIndexes},
		{"append-only guard", createAppendOnlyGuard},
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.ddl); err != nil {
				return fmt.Errorf("failed to create %s: %w", step.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("Database schema created successfully")
	return nil
}

// SQL DDL statements
const (
	createPrincipalsTable = `
		CREATE TABLE IF NOT EXISTS principals (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL CHECK (role IN ('admin', 'doctor', 'nurse', 'staff')),
			attributes JSONB NOT NULL DEFAULT '{}',
			assigned_patients TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT true,
			locked_until TIMESTAMP WITH TIME ZONE,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			credentials_invalidated_at TIMESTAMP WITH TIME ZONE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`

	createAccessDecisionsTable = `
		CREATE TABLE IF NOT EXISTS access_decisions (
			id CHAR(26) PRIMARY KEY,
			principal_id VARCHAR(64) NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT '',
			attributes JSONB NOT NULL DEFAULT '{}',
			resource_type VARCHAR(100) NOT NULL,
			resource_id VARCHAR(255) NOT NULL,
			patient_id VARCHAR(255) NOT NULL DEFAULT '',
			action VARCHAR(100) NOT NULL,
			outcome VARCHAR(20) NOT NULL CHECK (outcome IN ('Allow', 'Deny', 'EmergencyAllow')),
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			network_origin VARCHAR(255) NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			denial_reason TEXT NOT NULL DEFAULT '',
			is_break_glass BOOLEAN NOT NULL DEFAULT false,
			justification TEXT NOT NULL DEFAULT '',
			grant_expires_at TIMESTAMP WITH TIME ZONE,
			related_decision_id CHAR(26),
			CHECK (outcome <> 'EmergencyAllow' OR (is_break_glass AND char_length(btrim(justification)) >= 20))
		);`

	createRemediationActionsTable = `
		CREATE TABLE IF NOT EXISTS remediation_actions (
			id VARCHAR(64) PRIMARY KEY,
			target_principal_id VARCHAR(64) NOT NULL REFERENCES principals(id),
			kind VARCHAR(20) NOT NULL CHECK (kind IN ('suspend', 'flag', 'warn', 'reactivate')),
			reason TEXT NOT NULL CHECK (char_length(btrim(reason)) >= 20),
			originating_decision_id CHAR(26) NOT NULL REFERENCES access_decisions(id),
			administrator_id VARCHAR(64) NOT NULL,
			audit_decision_id CHAR(26) NOT NULL REFERENCES access_decisions(id),
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL
		);`

	createProtectedResourcesTable = `
		CREATE TABLE IF NOT EXISTS protected_resources (
			resource_type VARCHAR(100) NOT NULL,
			resource_id VARCHAR(255) NOT NULL,
			patient_id VARCHAR(255) NOT NULL DEFAULT '',
			attributes JSONB NOT NULL DEFAULT '{}',
			consents JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (resource_type, resource_id)
		);`

	createIndexes = `
		CREATE INDEX IF NOT EXISTS idx_access_decisions_ts_id ON access_decisions(timestamp DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_access_decisions_principal ON access_decisions(principal_id);
		CREATE INDEX IF NOT EXISTS idx_access_decisions_patient ON access_decisions(patient_id);
		CREATE INDEX IF NOT EXISTS idx_access_decisions_outcome ON access_decisions(outcome);
		CREATE INDEX IF NOT EXISTS idx_access_decisions_break_glass ON access_decisions(is_break_glass) WHERE is_break_glass;
		CREATE INDEX IF NOT EXISTS idx_remediation_actions_decision ON remediation_actions(originating_decision_id);
		CREATE INDEX IF NOT EXISTS idx_remediation_actions_target ON remediation_actions(target_principal_id);`

	createAppendOnlyGuard = `
		CREATE OR REPLACE FUNCTION reject_audit_mutation() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'audit records are append-only';
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS access_decisions_append_only ON access_decisions;
		CREATE TRIGGER access_decisions_append_only
			BEFORE UPDATE OR DELETE ON access_decisions
			FOR EACH ROW EXECUTE FUNCTION reject_audit_mutation();

		DROP TRIGGER IF EXISTS remediation_actions_append_only ON remediation_actions;
		CREATE TRIGGER remediation_actions_append_only
			BEFORE UPDATE OR DELETE ON remediation_actions
			FOR EACH ROW EXECUTE FUNCTION reject_audit_mutation();`
)
