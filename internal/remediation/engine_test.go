package remediation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/ehr-access/internal/audit"
	"github.com/medrex/ehr-access/internal/identity"
	"github.com/medrex/ehr-access/internal/policy"
	"github.com/medrex/ehr-access/internal/review"
	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

const validReason = "repeated access outside assignment"

type fixture struct {
	engine    *Engine
	resolver  *identity.Resolver
	decisions *toggleStore
	writer    *audit.Writer
	records   *flakyRecords
	queue     *review.MemoryQueue
	admin     *rbac.PrincipalSnapshot
	doctor    *rbac.Principal
	decision  *rbac.AccessDecision
}

// toggleStore fails every insert while broken is set
type toggleStore struct {
	*audit.MemoryStore
	broken bool
}

func (s *toggleStore) Insert(ctx context.Context, d *rbac.AccessDecision) error {
	if s.broken {
		return errors.New("audit store unavailable")
	}
	return s.MemoryStore.Insert(ctx, d)
}

// flakyRecords fails the next failures inserts; a negative count fails every insert
type flakyRecords struct {
	*MemoryStore
	failures int
	inserts  int
}

func (s *flakyRecords) Insert(ctx context.Context, a *rbac.RemediationAction) error {
	s.inserts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errors.New("remediation store unavailable")
	}
	return s.MemoryStore.Insert(ctx, a)
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()
	metrics := monitoring.NewNopMetrics()

	tokens := identity.NewTokenManager(config.JWTConfig{SecretKey: "test-secret", AccessTokenTTL: 3600, Issuer: "ehr-access"})
	resolver := identity.NewResolver(identity.NewMemoryStore(), tokens, identity.NewPasswordManagerWithCost(4),
		identity.DefaultSettings(), log, metrics)

	decisions := &toggleStore{MemoryStore: audit.NewMemoryStore()}
	writer := audit.NewWriter(decisions, audit.Options{RetryAttempts: 2, RetryBackoff: time.Millisecond}, log, metrics)
	records := &flakyRecords{MemoryStore: NewMemoryStore()}
	queue := review.NewMemoryQueue()

	admin, err := resolver.Register(ctx, identity.RegisterRequest{Username: "admin", Password: "admin-password-123", Role: rbac.RoleAdmin})
	require.NoError(t, err)
	doctor, err := resolver.Register(ctx, identity.RegisterRequest{Username: "dr.who", Password: "doctor-password-123", Role: rbac.RoleDoctor})
	require.NoError(t, err)

	decision := &rbac.AccessDecision{
		PrincipalID:   doctor.ID,
		Role:          rbac.RoleDoctor,
		ResourceType:  rbac.ResourcePatientRecord,
		ResourceID:    "rec-1",
		PatientID:     "pat-1",
		Action:        rbac.ActionRead,
		Outcome:       rbac.OutcomeEmergencyAllow,
		IsBreakGlass:  true,
		Justification: "patient unconscious in ER, no assigned doctor",
	}
	require.NoError(t, writer.Append(ctx, decision))
	require.NoError(t, queue.Enqueue(ctx, rbac.ReviewItem{DecisionID: decision.ID, PrincipalID: doctor.ID, QueuedAt: time.Now()}))

	return &fixture{
		engine:    NewEngine(resolver, policy.NewEngine(policy.DefaultRuleSet()), writer, records, queue, log, metrics),
		resolver:  resolver,
		decisions: decisions,
		writer:    writer,
		records:   records,
		queue:     queue,
		admin:     admin.Snapshot(time.Now(), true),
		doctor:    doctor,
		decision:  decision,
	}
}

func (f *fixture) request(kind rbac.RemediationKind, reason string) rbac.RemediationRequest {
	return rbac.RemediationRequest{
		TargetPrincipalID:     f.doctor.ID,
		Kind:                  kind,
		Reason:                reason,
		OriginatingDecisionID: f.decision.ID,
		NetworkOrigin:         "10.1.1.1",
	}
}

func (f *fixture) target(t *testing.T) *rbac.Principal {
	p, err := f.resolver.Store().Get(context.Background(), f.doctor.ID)
	require.NoError(t, err)
	return p
}

func TestRemediate_SuspendLinksAuditEntry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	action, err := f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationSuspend, validReason))
	require.NoError(t, err)

	assert.False(t, f.target(t).Active)
	assert.Equal(t, f.admin.ID, action.AdministratorID)
	assert.Equal(t, f.decision.ID, action.OriginatingDecisionID)

	entry, err := f.writer.Get(ctx, action.AuditDecisionID)
	require.NoError(t, err)
	assert.Equal(t, "remediation.suspend", entry.Action)
	assert.Equal(t, rbac.OutcomeAllow, entry.Outcome)
	assert.Equal(t, rbac.ResourcePrincipal, entry.ResourceType)
	assert.Equal(t, f.doctor.ID, entry.ResourceID)
	assert.Equal(t, f.decision.ID, entry.RelatedDecisionID)
	assert.Equal(t, "10.1.1.1", entry.NetworkOrigin)

	history, err := f.engine.ForDecision(ctx, f.decision.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, action.ID, history[0].ID)

	pending, err := f.queue.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRemediate_ShortReasonChangesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	before := f.decisions.Len()

	_, err := f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationSuspend, "1234567890123456789"))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeValidation))

	target := f.target(t)
	assert.True(t, target.Active)
	assert.Equal(t, f.doctor.Version, target.Version)

	history, err := f.engine.ForPrincipal(ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, before, f.decisions.Len())
}

func TestRemediate_NotFound(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req := f.request(rbac.RemediationFlag, validReason)
	req.OriginatingDecisionID = "01HQZZZZZZZZZZZZZZZZZZZZZZ"
	_, err := f.engine.Remediate(ctx, f.admin, req)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeNotFound))

	req = f.request(rbac.RemediationSuspend, validReason)
	req.TargetPrincipalID = "ghost"
	_, err = f.engine.Remediate(ctx, f.admin, req)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeNotFound))

	history, err := f.engine.ForDecision(ctx, f.decision.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRemediate_NonAdminIsForbiddenAndAudited(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	nurse := rbac.NewSnapshot("nurse-1", rbac.RoleNurse, nil, nil, false)

	_, err := f.engine.Remediate(ctx, nurse, f.request(rbac.RemediationSuspend, validReason))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDeny))

	accessErr, ok := rbac.GetAccessError(err)
	require.True(t, ok)
	entry, err := f.writer.Get(ctx, accessErr.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, rbac.OutcomeDeny, entry.Outcome)
	assert.Equal(t, "nurse-1", entry.PrincipalID)
	assert.Equal(t, "role not permitted: nurse", entry.DenialReason)
	assert.True(t, f.target(t).Active)
}

func TestRemediate_AdminWithoutMFAIsForbidden(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin, err := f.resolver.Store().Get(ctx, f.admin.ID)
	require.NoError(t, err)

	_, err = f.engine.Remediate(ctx, admin.Snapshot(time.Now(), false), f.request(rbac.RemediationSuspend, validReason))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDeny))

	accessErr, ok := rbac.GetAccessError(err)
	require.True(t, ok)
	entry, err := f.writer.Get(ctx, accessErr.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "mfa required", entry.DenialReason)
	assert.Equal(t, f.decision.ID, entry.RelatedDecisionID)

	assert.True(t, f.target(t).Active)
	history, err := f.engine.ForPrincipal(ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRemediate_RecordStoreFailureRevertsSuspend(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.records.failures = -1

	_, remErr := f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationSuspend, validReason))
	require.Error(t, remErr)
	assert.True(t, rbac.IsType(remErr, rbac.ErrorTypeInternal))
	assert.Equal(t, 2, f.records.inserts)

	assert.True(t, f.target(t).Active)
	history, err := f.engine.ForPrincipal(ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	accessErr, ok := rbac.GetAccessError(remErr)
	require.True(t, ok)
	reversal, err := f.writer.Get(ctx, accessErr.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, rbac.ActionRevertRemediation, reversal.Action)
	assert.Equal(t, rbac.OutcomeDeny, reversal.Outcome)
	assert.Equal(t, rbac.ReasonRemediationNotStored, reversal.DenialReason)

	applied, err := f.writer.Get(ctx, reversal.RelatedDecisionID)
	require.NoError(t, err)
	assert.Equal(t, "remediation.suspend", applied.Action)
	assert.Equal(t, rbac.OutcomeAllow, applied.Outcome)

	pending, err := f.queue.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRemediate_RecordInsertRetried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.records.failures = 1

	action, err := f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationSuspend, validReason))
	require.NoError(t, err)
	assert.Equal(t, 2, f.records.inserts)
	assert.False(t, f.target(t).Active)

	history, err := f.engine.ForDecision(ctx, f.decision.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, action.ID, history[0].ID)
}

func TestRemediate_FlagAndWarnDoNotMutate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, kind := range []rbac.RemediationKind{rbac.RemediationFlag, rbac.RemediationWarn} {
		_, err := f.engine.Remediate(ctx, f.admin, f.request(kind, validReason))
		require.NoError(t, err)
	}

	target := f.target(t)
	assert.True(t, target.Active)
	assert.Equal(t, f.doctor.Version, target.Version)

	history, err := f.engine.ForPrincipal(ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRemediate_ReactivateClearsLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationSuspend, validReason))
	require.NoError(t, err)
	_, err = f.resolver.RecordFailedLogin(ctx, f.doctor.ID)
	require.NoError(t, err)

	_, err = f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationReactivate, "reviewed with clinical lead, access restored"))
	require.NoError(t, err)

	target := f.target(t)
	assert.True(t, target.Active)
	assert.Nil(t, target.LockedUntil)
	assert.Equal(t, 0, target.FailedAttempts)
}

func TestRemediate_AuditFailureRevertsSuspend(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.decisions.broken = true

	_, err := f.engine.Remediate(ctx, f.admin, f.request(rbac.RemediationSuspend, validReason))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeAuditWriteFailure))

	assert.True(t, f.target(t).Active)
	history, err := f.engine.ForPrincipal(ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRemediate_InvalidKind(t *testing.T) {
	f := setup(t)

	_, err := f.engine.Remediate(context.Background(), f.admin, f.request("delete", validReason))
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeValidation))
}
