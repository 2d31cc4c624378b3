package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/ehr-access/internal/audit"
	"github.com/medrex/ehr-access/internal/breakglass"
	"github.com/medrex/ehr-access/internal/identity"
	"github.com/medrex/ehr-access/internal/policy"
	"github.com/medrex/ehr-access/internal/records"
	"github.com/medrex/ehr-access/internal/remediation"
	"github.com/medrex/ehr-access/internal/review"
	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

const emergencyJustification = "patient unconscious in ER, no assigned doctor"

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

type fixture struct {
	service   *Service
	resolver  *identity.Resolver
	tokens    *identity.TokenManager
	decisions *toggleStore
	reviews   *review.MemoryQueue

	admin  *rbac.Principal
	doctor *rbac.Principal
	nurse  *rbac.Principal
}

func newFixture(t *testing.T, accessCfg config.AccessConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()
	metrics := monitoring.NewNopMetrics()

	tokens := identity.NewTokenManager(config.JWTConfig{SecretKey: "test-secret", AccessTokenTTL: 3600, Issuer: "ehr-access"})
	resolver := identity.NewResolver(identity.NewMemoryStore(), tokens, identity.NewPasswordManagerWithCost(4),
		identity.DefaultSettings(), log, metrics)

	decisions := &toggleStore{MemoryStore: audit.NewMemoryStore()}
	writer := audit.NewWriter(decisions, audit.Options{RetryAttempts: 1, RetryBackoff: time.Millisecond}, log, metrics)
	reviews := review.NewMemoryQueue()

	catalog := records.NewCatalog(records.NewMemoryStore())
	for _, res := range []*rbac.Resource{
		{
			Type:       rbac.ResourcePatientRecord,
			ID:         "rec-h1",
			PatientID:  "pat-1",
			Attributes: map[string]string{rbac.AttrHospitalID: "H1"},
			Consents:   map[string]bool{rbac.ConsentTreatment: true},
		},
		{
			Type:       rbac.ResourcePatientRecord,
			ID:         "rec-h2",
			PatientID:  "pat-2",
			Attributes: map[string]string{rbac.AttrHospitalID: "H2"},
			Consents:   map[string]bool{rbac.ConsentTreatment: true},
		},
	} {
		require.NoError(t, catalog.Register(ctx, res))
	}

	register := func(username string, role rbac.Role, assigned ...string) *rbac.Principal {
		p, err := resolver.Register(ctx, identity.RegisterRequest{
			Username:         username,
			Password:         username + "-password-123",
			Role:             role,
			Attributes:       map[string]string{rbac.AttrHospitalID: "H1"},
			AssignedPatients: assigned,
		})
		require.NoError(t, err)
		return p
	}

	f := &fixture{
		resolver:  resolver,
		tokens:    tokens,
		decisions: decisions,
		reviews:   reviews,
		admin:     register("admin", rbac.RoleAdmin),
		doctor:    register("doctor", rbac.RoleDoctor, "pat-1", "pat-2"),
		nurse:     register("nurse", rbac.RoleNurse),
	}

	pdp := policy.NewEngine(policy.DefaultRuleSet())
	f.service = NewService(Dependencies{
		Identity:    resolver,
		Policy:      pdp,
		BreakGlass:  breakglass.NewHandler(accessCfg, reviews, log, metrics),
		Audit:       writer,
		Resources:   catalog,
		Remediation: remediation.NewEngine(resolver, pdp, writer, remediation.NewMemoryStore(), reviews, log, metrics),
		Reviews:     reviews,
		Logger:      log,
		Metrics:     metrics,
	})
	return f
}

func (f *fixture) token(t *testing.T, p *rbac.Principal) string {
	t.Helper()
	tok, err := f.tokens.Issue(p, false)
	require.NoError(t, err)
	return tok.AccessToken
}

func (f *fixture) mfaToken(t *testing.T, p *rbac.Principal) string {
	t.Helper()
	tok, err := f.tokens.Issue(p, true)
	require.NoError(t, err)
	return tok.AccessToken
}

func (f *fixture) request(t *testing.T, p *rbac.Principal, resourceID, justification string) *rbac.AccessRequest {
	req := &rbac.AccessRequest{
		ResourceType:  rbac.ResourcePatientRecord,
		ResourceID:    resourceID,
		Action:        rbac.ActionRead,
		NetworkOrigin: "10.0.0.7",
		UserAgent:     "ward-terminal/1.0",
		Justification: justification,
	}
	if p != nil {
		req.Credential = f.token(t, p)
	}
	return req
}

func (f *fixture) stored(t *testing.T, id string) *rbac.AccessDecision {
	t.Helper()
	d, err := f.decisions.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestAuthorize_HospitalMismatchDenied(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})

	d, err := f.service.Authorize(context.Background(), f.request(t, f.doctor, "rec-h2", ""))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDeny))
	require.NotNil(t, d)

	stored := f.stored(t, d.ID)
	assert.Equal(t, rbac.OutcomeDeny, stored.Outcome)
	assert.Equal(t, "hospitalId mismatch", stored.DenialReason)
	assert.Equal(t, f.doctor.ID, stored.PrincipalID)
	assert.Equal(t, "pat-2", stored.PatientID)
	assert.Equal(t, "H1", stored.Attributes[rbac.AttrHospitalID])
	assert.Equal(t, "10.0.0.7", stored.NetworkOrigin)
}

func TestAuthorize_AllowIsAudited(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})

	d, err := f.service.Authorize(context.Background(), f.request(t, f.doctor, "rec-h1", ""))
	require.NoError(t, err)
	assert.Equal(t, rbac.OutcomeAllow, d.Outcome)
	assert.False(t, d.IsBreakGlass)
	assert.Equal(t, rbac.OutcomeAllow, f.stored(t, d.ID).Outcome)
}

func TestAuthorize_BreakGlass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true, BreakGlassWindow: 15 * time.Minute})

	d, err := f.service.Authorize(ctx, f.request(t, f.nurse, "rec-h1", emergencyJustification))
	require.NoError(t, err)

	stored := f.stored(t, d.ID)
	assert.Equal(t, rbac.OutcomeEmergencyAllow, stored.Outcome)
	assert.True(t, stored.IsBreakGlass)
	assert.Equal(t, emergencyJustification, stored.Justification)
	require.NotNil(t, stored.GrantExpiresAt)
	assert.Equal(t, stored.Timestamp.Add(15*time.Minute), *stored.GrantExpiresAt)

	pending, err := f.reviews.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].DecisionID)
	assert.Equal(t, f.nurse.ID, pending[0].PrincipalID)
}

func TestAuthorize_OverridableWithoutJustification(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})

	d, err := f.service.Authorize(context.Background(), f.request(t, f.nurse, "rec-h1", ""))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDenyOverridable))
	assert.Equal(t, rbac.ReasonNotAssigned, f.stored(t, d.ID).DenialReason)
}

func TestAuthorize_ShortJustificationRecordedAsDeny(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})

	d, err := f.service.Authorize(context.Background(), f.request(t, f.nurse, "rec-h1", "urgent"))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeValidation))

	accessErr, ok := rbac.GetAccessError(err)
	require.True(t, ok)
	assert.Equal(t, d.ID, accessErr.DecisionID)

	stored := f.stored(t, d.ID)
	assert.Equal(t, rbac.OutcomeDeny, stored.Outcome)
	assert.Equal(t, rbac.ReasonJustificationShort, stored.DenialReason)
	assert.False(t, stored.IsBreakGlass)
	assert.Empty(t, stored.Justification)
}

func TestAuthorize_OverrideDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: false})

	d, err := f.service.Authorize(ctx, f.request(t, f.nurse, "rec-h1", emergencyJustification))
	require.Error(t, err)
	assert.Equal(t, rbac.ReasonOverrideDisabled, f.stored(t, d.ID).DenialReason)

	pending, err := f.reviews.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuthorize_AnonymousCredentialAudited(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})

	req := f.request(t, nil, "rec-h1", "")
	req.Credential = "not-a-token"
	d, err := f.service.Authorize(context.Background(), req)
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeAuthenticationFailure))

	stored := f.stored(t, d.ID)
	assert.Equal(t, rbac.AnonymousPrincipal, stored.PrincipalID)
	assert.Equal(t, rbac.ReasonAuthenticationError, stored.DenialReason)
}

func TestAuthorize_UnknownResourceAudited(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})

	d, err := f.service.Authorize(context.Background(), f.request(t, f.doctor, "rec-missing", ""))
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeNotFound))
	assert.Equal(t, rbac.ReasonResourceNotFound, f.stored(t, d.ID).DenialReason)
}

func TestAuthorize_AuditFailureFailsClosed(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	f.decisions.broken = true

	ran := false
	d, err := f.service.Execute(context.Background(), f.request(t, f.doctor, "rec-h1", ""),
		func(context.Context, *rbac.AccessDecision) error {
			ran = true
			return nil
		})
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeAuditWriteFailure))
	assert.Nil(t, d)
	assert.False(t, ran)
	assert.Zero(t, f.decisions.Len())
}

func TestExecute_DeniedActionNeverRuns(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})

	ran := false
	_, err := f.service.Execute(context.Background(), f.request(t, f.doctor, "rec-h2", ""),
		func(context.Context, *rbac.AccessDecision) error {
			ran = true
			return nil
		})
	require.Error(t, err)
	assert.False(t, ran)
}

func TestExecute_EmergencyGrantExpires(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true, BreakGlassWindow: 20 * time.Millisecond})

	d, err := f.service.Execute(context.Background(), f.request(t, f.nurse, "rec-h1", emergencyJustification),
		func(ctx context.Context, _ *rbac.AccessDecision) error {
			<-ctx.Done()
			return ctx.Err()
		})
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDeny))
	require.NotNil(t, d)
	assert.Equal(t, rbac.OutcomeEmergencyAllow, d.Outcome)
}

func TestExecute_SuspendedPrincipalDeniedOnNextRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})
	nurseToken := f.token(t, f.nurse)

	req := f.request(t, nil, "rec-h1", emergencyJustification)
	req.Credential = nurseToken
	emergency, err := f.service.Authorize(ctx, req)
	require.NoError(t, err)

	adminReq := &rbac.AccessRequest{Credential: f.mfaToken(t, f.admin), NetworkOrigin: "10.0.0.1"}
	action, err := f.service.Remediate(ctx, adminReq, rbac.RemediationRequest{
		TargetPrincipalID:     f.nurse.ID,
		Kind:                  rbac.RemediationSuspend,
		Reason:                "break-glass use without clinical need",
		OriginatingDecisionID: emergency.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, emergency.ID, action.OriginatingDecisionID)

	again := f.request(t, nil, "rec-h1", "")
	again.Credential = nurseToken
	d, err := f.service.Authorize(ctx, again)
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeAccountLocked))
	assert.Equal(t, f.nurse.ID, f.stored(t, d.ID).PrincipalID)
	assert.Equal(t, rbac.ReasonAccountInactive, f.stored(t, d.ID).DenialReason)

	pending, err := f.reviews.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRemediate_AdminWithoutMFADenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.AccessConfig{})

	_, err := f.service.Remediate(ctx, &rbac.AccessRequest{Credential: f.token(t, f.admin)}, rbac.RemediationRequest{
		TargetPrincipalID: f.nurse.ID,
		Kind:              rbac.RemediationSuspend,
		Reason:            "break-glass use without clinical need",
	})
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDeny))

	accessErr, ok := rbac.GetAccessError(err)
	require.True(t, ok)
	stored := f.stored(t, accessErr.DecisionID)
	assert.Equal(t, f.admin.ID, stored.PrincipalID)
	assert.Equal(t, "remediation.suspend", stored.Action)
	assert.Equal(t, rbac.OutcomeDeny, stored.Outcome)
	assert.Equal(t, "mfa required", stored.DenialReason)

	p, err := f.resolver.Store().Get(ctx, f.nurse.ID)
	require.NoError(t, err)
	assert.True(t, p.Active)
}

func TestRemediate_UnresolvedCredentialAudited(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})

	_, err := f.service.Remediate(context.Background(), &rbac.AccessRequest{Credential: "bogus"}, rbac.RemediationRequest{
		TargetPrincipalID: f.nurse.ID,
		Kind:              rbac.RemediationWarn,
		Reason:            "break-glass use without clinical need",
	})
	require.Error(t, err)

	accessErr, ok := rbac.GetAccessError(err)
	require.True(t, ok)
	require.NotEmpty(t, accessErr.DecisionID)

	stored := f.stored(t, accessErr.DecisionID)
	assert.Equal(t, rbac.AnonymousPrincipal, stored.PrincipalID)
	assert.Equal(t, "remediation.warn", stored.Action)
	assert.Equal(t, rbac.OutcomeDeny, stored.Outcome)
}

func TestQueryAudit_GatedByPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.AccessConfig{})

	_, _, err := f.service.QueryAudit(ctx, &rbac.AccessRequest{Credential: f.token(t, f.nurse)}, rbac.AuditFilter{})
	require.Error(t, err)
	assert.True(t, rbac.IsType(err, rbac.ErrorTypeDeny))

	page, d, err := f.service.QueryAudit(ctx, &rbac.AccessRequest{Credential: f.token(t, f.admin)}, rbac.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, rbac.OutcomeAllow, d.Outcome)
	assert.Equal(t, rbac.ResourceAuditLog, d.ResourceType)
	// the nurse's denied query and the admin's own read
	assert.Equal(t, 2, page.Total)
}
