package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/ehr-access/internal/audit"
	"github.com/medrex/ehr-access/internal/identity"
	"github.com/medrex/ehr-access/internal/policy"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Engine applies administrative actions to principals, each tied to an audited decision
type Engine struct {
	identity *identity.Resolver
	policy   *policy.Engine
	audit    *audit.Writer
	store    rbac.RemediationStore
	queue    rbac.ReviewQueue
	retry    audit.Options
	logger   *logger.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewEngine creates a remediation engine. Remediations are authorized by the
// user_management rule of pdp and retried with the audit writer's retry options.
func NewEngine(resolver *identity.Resolver, pdp *policy.Engine, writer *audit.Writer, store rbac.RemediationStore, queue rbac.ReviewQueue, log *logger.Logger, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		identity: resolver,
		policy:   pdp,
		audit:    writer,
		store:    store,
		queue:    queue,
		retry:    writer.Options(),
		logger:   log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Remediate validates and applies one remediation on behalf of an administrator.
// Nothing is mutated or recorded unless every check passes. A mutation whose audit
// entry cannot be persisted is reverted and the call fails with AuditWriteFailure.
// A remediation record that cannot be stored after retries reverts the mutation and
// records the reversal in the audit trail.
func (e *Engine) Remediate(ctx context.Context, admin *rbac.PrincipalSnapshot, req rbac.RemediationRequest) (*rbac.RemediationAction, error) {
	if admin == nil {
		return nil, rbac.AuthenticationFailure("remediation requires an authenticated administrator", nil)
	}
	if !req.Kind.Valid() {
		e.metrics.RecordRemediation(string(req.Kind), "invalid")
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "kind", fmt.Sprintf("unknown remediation kind %q", req.Kind))
	}

	target := &rbac.Resource{Type: rbac.ResourceUserManagement, ID: req.TargetPrincipalID}
	if eval := e.policy.Decide(admin, target, rbac.ActionUpdate); eval.Effect != rbac.EffectAllow {
		e.metrics.RecordRemediation(string(req.Kind), "forbidden")
		return nil, e.recordForbidden(ctx, admin, req, eval)
	}

	if rbac.TextLength(req.Reason) < rbac.MinRemediationReasonLength {
		e.metrics.RecordRemediation(string(req.Kind), "invalid")
		return nil, rbac.ValidationFailure(
			rbac.ErrorCodeReasonTooShort,
			"reason",
			fmt.Sprintf("reason must be at least %d characters", rbac.MinRemediationReasonLength),
		)
	}
	if strings.TrimSpace(req.TargetPrincipalID) == "" {
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "targetPrincipalId", "target principal is required")
	}

	originating, err := e.audit.Get(ctx, req.OriginatingDecisionID)
	if err != nil {
		e.metrics.RecordRemediation(string(req.Kind), "not_found")
		return nil, err
	}
	before, err := e.identity.Store().Get(ctx, req.TargetPrincipalID)
	if err != nil {
		e.metrics.RecordRemediation(string(req.Kind), "not_found")
		return nil, err
	}

	if req.Kind.MutatesPrincipal() {
		if _, err := e.identity.Mutate(ctx, req.TargetPrincipalID, apply(req.Kind)); err != nil {
			e.metrics.RecordRemediation(string(req.Kind), "failed")
			return nil, err
		}
	}

	entry := &rbac.AccessDecision{
		PrincipalID:       admin.ID,
		Role:              admin.Role,
		Attributes:        admin.Attributes(),
		ResourceType:      rbac.ResourcePrincipal,
		ResourceID:        req.TargetPrincipalID,
		PatientID:         originating.PatientID,
		Action:            rbac.RemediationActionPrefix + string(req.Kind),
		Outcome:           rbac.OutcomeAllow,
		Timestamp:         e.now().UTC(),
		NetworkOrigin:     req.NetworkOrigin,
		UserAgent:         req.UserAgent,
		RelatedDecisionID: originating.ID,
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		if req.Kind.MutatesPrincipal() {
			e.compensate(ctx, before)
		}
		e.metrics.RecordRemediation(string(req.Kind), "audit_failed")
		return nil, err
	}

	action := &rbac.RemediationAction{
		ID:                    uuid.New().String(),
		TargetPrincipalID:     req.TargetPrincipalID,
		Kind:                  req.Kind,
		Reason:                req.Reason,
		OriginatingDecisionID: originating.ID,
		AdministratorID:       admin.ID,
		AuditDecisionID:       entry.ID,
		Timestamp:             entry.Timestamp,
	}
	if err := e.insertWithRetry(ctx, action); err != nil {
		e.metrics.RecordRemediation(string(req.Kind), "failed")
		e.logger.WithContext(ctx).WithError(err).WithField("audit_decision_id", entry.ID).
			Error("Remediation audited but record could not be stored; reverting")
		revertID := e.revert(ctx, admin, req, entry, before)
		return nil, rbac.NewAccessErrorWithCause(rbac.ErrorTypeInternal, rbac.ErrorCodeInternal,
			"remediation record could not be stored", err).WithDecision(revertID)
	}

	if e.queue != nil {
		if err := e.queue.Acknowledge(ctx, originating.ID); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("decision_id", originating.ID).
				Warn("Failed to acknowledge break-glass review")
		}
	}

	e.metrics.RecordRemediation(string(req.Kind), "success")
	e.logger.Compliance("remediation_applied", admin.ID, map[string]interface{}{
		"remediation_id":          action.ID,
		"kind":                    action.Kind,
		"target_principal_id":     action.TargetPrincipalID,
		"originating_decision_id": action.OriginatingDecisionID,
		"audit_decision_id":       action.AuditDecisionID,
	})

	return action, nil
}

// insertWithRetry stores the record, treating a record that is already present as stored
func (e *Engine) insertWithRetry(ctx context.Context, action *rbac.RemediationAction) error {
	return audit.Retry(ctx, e.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			// A timed-out insert may still have committed.
			stored, err := e.store.ListByDecision(ctx, action.OriginatingDecisionID)
			if err == nil {
				for _, a := range stored {
					if a.ID == action.ID {
						return nil
					}
				}
			}
		}
		err := e.store.Insert(ctx, action)
		if err != nil {
			e.logger.WithComponent("remediation").WithError(err).WithFields(map[string]interface{}{
				"remediation_id": action.ID,
				"attempt":        attempt,
			}).Warn("Remediation insert failed")
		}
		return err
	})
}

// revert undoes an applied remediation whose record could not be stored and audits the
// reversal against the remediation's audit entry. It returns the reversal's decision id.
func (e *Engine) revert(ctx context.Context, admin *rbac.PrincipalSnapshot, req rbac.RemediationRequest, applied *rbac.AccessDecision, before *rbac.Principal) string {
	if req.Kind.MutatesPrincipal() {
		e.compensate(ctx, before)
	}

	entry := &rbac.AccessDecision{
		PrincipalID:       admin.ID,
		Role:              admin.Role,
		Attributes:        admin.Attributes(),
		ResourceType:      rbac.ResourcePrincipal,
		ResourceID:        req.TargetPrincipalID,
		PatientID:         applied.PatientID,
		Action:            rbac.ActionRevertRemediation,
		Outcome:           rbac.OutcomeDeny,
		Timestamp:         e.now().UTC(),
		NetworkOrigin:     req.NetworkOrigin,
		UserAgent:         req.UserAgent,
		DenialReason:      rbac.ReasonRemediationNotStored,
		RelatedDecisionID: applied.ID,
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("audit_decision_id", applied.ID).
			Error("Failed to audit remediation reversal")
		return applied.ID
	}
	return entry.ID
}

// recordForbidden audits a remediation attempt the policy does not allow
func (e *Engine) recordForbidden(ctx context.Context, actor *rbac.PrincipalSnapshot, req rbac.RemediationRequest, eval rbac.Evaluation) error {
	entry := &rbac.AccessDecision{
		PrincipalID:       actor.ID,
		Role:              actor.Role,
		Attributes:        actor.Attributes(),
		ResourceType:      rbac.ResourcePrincipal,
		ResourceID:        req.TargetPrincipalID,
		Action:            rbac.RemediationActionPrefix + string(req.Kind),
		Outcome:           rbac.OutcomeDeny,
		Timestamp:         e.now().UTC(),
		NetworkOrigin:     req.NetworkOrigin,
		UserAgent:         req.UserAgent,
		DenialReason:      eval.Reason,
		RelatedDecisionID: req.OriginatingDecisionID,
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		return err
	}

	e.logger.Security("remediation_forbidden", actor.ID, map[string]interface{}{
		"decision_id": entry.ID,
		"role":        actor.Role,
		"rule_id":     eval.RuleID,
	})
	return rbac.ErrorFromEvaluation(&eval).WithDecision(entry.ID)
}

// compensate restores the fields a remediation changed
func (e *Engine) compensate(ctx context.Context, before *rbac.Principal) {
	_, err := e.identity.Mutate(ctx, before.ID, func(p *rbac.Principal) error {
		p.Active = before.Active
		p.LockedUntil = before.LockedUntil
		p.FailedAttempts = before.FailedAttempts
		return nil
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("principal_id", before.ID).
			Error("Failed to revert unaudited remediation")
	}
}

func apply(kind rbac.RemediationKind) func(p *rbac.Principal) error {
	return func(p *rbac.Principal) error {
		switch kind {
		case rbac.RemediationSuspend:
			p.Active = false
		case rbac.RemediationReactivate:
			p.Active = true
			p.LockedUntil = nil
			p.FailedAttempts = 0
		}
		return nil
	}
}

// ForDecision lists remediations that originated from a decision
func (e *Engine) ForDecision(ctx context.Context, decisionID string) ([]*rbac.RemediationAction, error) {
	return e.store.ListByDecision(ctx, decisionID)
}

// ForPrincipal lists remediations applied to a principal
func (e *Engine) ForPrincipal(ctx context.Context, principalID string) ([]*rbac.RemediationAction, error) {
	return e.store.ListByPrincipal(ctx, principalID)
}
