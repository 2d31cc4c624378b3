package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/medrex/ehr-access/internal/audit"
	"github.com/medrex/ehr-access/internal/breakglass"
	"github.com/medrex/ehr-access/internal/identity"
	"github.com/medrex/ehr-access/internal/policy"
	"github.com/medrex/ehr-access/internal/remediation"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Dependencies wires the collaborators of the enforcement point
type Dependencies struct {
	Identity    *identity.Resolver
	Policy      *policy.Engine
	BreakGlass  *breakglass.Handler
	Audit       *audit.Writer
	Resources   rbac.ResourceResolver
	Remediation *remediation.Engine
	Reviews     rbac.ReviewQueue
	Logger      *logger.Logger
	Metrics     *monitoring.Metrics
	Tracing     *monitoring.TracingManager
}

// Service is the policy enforcement point. Every protected action passes through
// Authorize, which records exactly one decision before anything is granted.
type Service struct {
	identity    *identity.Resolver
	policy      *policy.Engine
	breakGlass  *breakglass.Handler
	audit       *audit.Writer
	resources   rbac.ResourceResolver
	remediation *remediation.Engine
	reviews     rbac.ReviewQueue
	logger      *logger.Logger
	metrics     *monitoring.Metrics
	tracing     *monitoring.TracingManager
	now         func() time.Time
}

// NewService creates the enforcement point
func NewService(deps Dependencies) *Service {
	tracing := deps.Tracing
	if tracing == nil {
		tracing = monitoring.NewNopTracing()
	}
	return &Service{
		identity:    deps.Identity,
		policy:      deps.Policy,
		breakGlass:  deps.BreakGlass,
		audit:       deps.Audit,
		resources:   deps.Resources,
		remediation: deps.Remediation,
		reviews:     deps.Reviews,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracing:     tracing,
		now:         time.Now,
	}
}

// Authorize resolves the caller, evaluates policy, applies break-glass when offered,
// and durably records the outcome. The returned decision is non-nil whenever it was recorded.
// A non-nil error means the action must not run.
func (s *Service) Authorize(ctx context.Context, req *rbac.AccessRequest) (*rbac.AccessDecision, error) {
	start := time.Now()
	ctx, span := s.tracing.StartSpan(ctx, "access.authorize",
		attribute.String("resource.type", req.ResourceType),
		attribute.String("access.action", req.Action),
	)
	defer span.End()

	received := req.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	draft := &rbac.AccessDecision{
		PrincipalID:   rbac.AnonymousPrincipal,
		Attributes:    map[string]string{},
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Action:        req.Action,
		Timestamp:     received.UTC(),
		NetworkOrigin: req.NetworkOrigin,
		UserAgent:     req.UserAgent,
	}

	verdict := s.decide(ctx, req, draft)
	ctx = context.WithValue(ctx, logger.UserIDKey, draft.PrincipalID)

	appendCtx, dbSpan := s.tracing.StartDatabaseSpan(ctx, "insert", "access_decisions")
	err := s.audit.Append(appendCtx, draft)
	monitoring.RecordError(dbSpan, err)
	dbSpan.End()
	if err != nil {
		monitoring.RecordError(span, err)
		return nil, err
	}

	s.metrics.RecordDecision(draft.ResourceType, draft.Action, string(draft.Outcome), time.Since(start))
	s.logger.AccessDecision(ctx, draft.ID, draft.PrincipalID, draft.ResourceType, draft.ResourceID,
		draft.Action, string(draft.Outcome), draft.DenialReason)
	span.SetAttributes(
		attribute.String("access.decision_id", draft.ID),
		attribute.String("access.outcome", string(draft.Outcome)),
	)

	if draft.Outcome == rbac.OutcomeEmergencyAllow {
		s.breakGlass.Escalate(ctx, draft)
	}

	if verdict != nil {
		return draft, attachDecision(verdict, draft.ID)
	}
	return draft, nil
}

// decide finalizes the draft in place and returns the error the caller will see, if any
func (s *Service) decide(ctx context.Context, req *rbac.AccessRequest, draft *rbac.AccessDecision) error {
	snap, err := s.identity.Resolve(ctx, req.Credential, req.MFASatisfied)
	if snap != nil {
		draft.PrincipalID = snap.ID
		draft.Role = snap.Role
		draft.Attributes = snap.Attributes()
	}
	if err != nil {
		draft.Outcome = rbac.OutcomeDeny
		draft.DenialReason = rbac.ReasonAuthenticationError
		if accessErr, ok := rbac.GetAccessError(err); ok && accessErr.Type == rbac.ErrorTypeAccountLocked {
			draft.DenialReason = accessErr.Message
		}
		return err
	}

	resource, err := s.resources.Resolve(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		draft.Outcome = rbac.OutcomeDeny
		draft.DenialReason = rbac.ReasonResourceNotFound
		if rbac.IsType(err, rbac.ErrorTypeNotFound) {
			return err
		}
		draft.DenialReason = "resource lookup failed"
		return rbac.NewAccessErrorWithCause(rbac.ErrorTypeInternal, rbac.ErrorCodeInternal, "resource lookup failed", err)
	}
	draft.PatientID = resource.PatientID

	_, span := s.tracing.StartSpan(ctx, "access.evaluate")
	eval := s.policy.Decide(snap, resource, req.Action)
	span.SetAttributes(attribute.String("policy.effect", string(eval.Effect)), attribute.String("policy.rule", eval.RuleID))
	span.End()

	switch eval.Effect {
	case rbac.EffectAllow:
		draft.Outcome = rbac.OutcomeAllow
		return nil
	case rbac.EffectDenyOverridable:
		draft.Outcome = rbac.OutcomeDeny
		draft.DenialReason = eval.Reason
		if strings.TrimSpace(req.Justification) == "" {
			return rbac.ErrorFromEvaluation(&eval)
		}
		return s.breakGlass.Override(draft, eval, req.Justification)
	default:
		draft.Outcome = rbac.OutcomeDeny
		draft.DenialReason = eval.Reason
		return rbac.ErrorFromEvaluation(&eval)
	}
}

// Execute authorizes the request and runs action only on a grant.
// Emergency grants bound the action with a deadline at grant expiry.
func (s *Service) Execute(ctx context.Context, req *rbac.AccessRequest, action func(ctx context.Context, d *rbac.AccessDecision) error) (*rbac.AccessDecision, error) {
	d, err := s.Authorize(ctx, req)
	if err != nil {
		return d, err
	}
	if !d.Outcome.Granted() {
		return d, rbac.NewAccessError(rbac.ErrorTypeDeny, rbac.ErrorCodeDeny, d.DenialReason).WithDecision(d.ID)
	}
	if action == nil {
		return d, nil
	}

	actionCtx, cancel := breakglass.GrantContext(ctx, d)
	defer cancel()
	if err := action(actionCtx, d); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && d.IsBreakGlass {
			return d, rbac.NewAccessErrorWithCause(rbac.ErrorTypeDeny, rbac.ErrorCodeDeny, "emergency grant expired", err).WithDecision(d.ID)
		}
		return d, err
	}
	return d, nil
}

// Login exchanges a password for a bearer token. mfa must come from a trusted authenticator;
// it is signed into the token.
func (s *Service) Login(ctx context.Context, username, password string, mfa bool) (*identity.Token, error) {
	return s.identity.Login(ctx, username, password, mfa)
}

// ChangePassword rotates the caller's password and invalidates earlier tokens
func (s *Service) ChangePassword(ctx context.Context, credential, current, next string) error {
	snap, err := s.identity.Resolve(ctx, credential, false)
	if err != nil {
		return err
	}
	return s.identity.ChangePassword(ctx, snap.ID, current, next)
}

// QueryAudit returns one page of the audit trail to an authorized reader
func (s *Service) QueryAudit(ctx context.Context, req *rbac.AccessRequest, filter rbac.AuditFilter) (*rbac.AuditPage, *rbac.AccessDecision, error) {
	var page *rbac.AuditPage
	d, err := s.Execute(ctx, auditRequest(req, rbac.ActionRead, "decisions"), func(ctx context.Context, _ *rbac.AccessDecision) error {
		var err error
		page, err = s.audit.Query(ctx, filter)
		return err
	})
	return page, d, err
}

// GetDecision returns one audit record to an authorized reader
func (s *Service) GetDecision(ctx context.Context, req *rbac.AccessRequest, id string) (*rbac.AccessDecision, *rbac.AccessDecision, error) {
	var found *rbac.AccessDecision
	d, err := s.Execute(ctx, auditRequest(req, rbac.ActionRead, id), func(ctx context.Context, _ *rbac.AccessDecision) error {
		var err error
		found, err = s.audit.Get(ctx, id)
		return err
	})
	return found, d, err
}

// ExportAudit streams the filtered audit trail as CSV to an authorized reader
func (s *Service) ExportAudit(ctx context.Context, req *rbac.AccessRequest, filter rbac.AuditFilter, out io.Writer) (*rbac.AccessDecision, error) {
	return s.Execute(ctx, auditRequest(req, rbac.ActionExport, "decisions"), func(ctx context.Context, _ *rbac.AccessDecision) error {
		_, err := s.audit.Export(ctx, out, filter)
		return err
	})
}

// Summary aggregates the audit trail for an authorized reader
func (s *Service) Summary(ctx context.Context, req *rbac.AccessRequest, startTime, endTime time.Time) (*rbac.ComplianceSummary, *rbac.AccessDecision, error) {
	var summary *rbac.ComplianceSummary
	d, err := s.Execute(ctx, auditRequest(req, rbac.ActionRead, "summary"), func(ctx context.Context, _ *rbac.AccessDecision) error {
		var err error
		summary, err = s.audit.Summary(ctx, startTime, endTime)
		return err
	})
	return summary, d, err
}

// PendingReviews lists break-glass decisions awaiting review
func (s *Service) PendingReviews(ctx context.Context, req *rbac.AccessRequest, limit int) ([]rbac.ReviewItem, *rbac.AccessDecision, error) {
	var items []rbac.ReviewItem
	d, err := s.Execute(ctx, auditRequest(req, rbac.ActionRead, "reviews"), func(ctx context.Context, _ *rbac.AccessDecision) error {
		var err error
		items, err = s.reviews.Pending(ctx, limit)
		return err
	})
	return items, d, err
}

// Remediate authenticates the administrator and hands the request to the remediation engine.
// A credential that cannot be resolved is recorded as a denied remediation.
func (s *Service) Remediate(ctx context.Context, req *rbac.AccessRequest, remediationReq rbac.RemediationRequest) (*rbac.RemediationAction, error) {
	snap, err := s.identity.Resolve(ctx, req.Credential, req.MFASatisfied)
	if err != nil {
		draft := &rbac.AccessDecision{
			PrincipalID:   rbac.AnonymousPrincipal,
			Attributes:    map[string]string{},
			ResourceType:  rbac.ResourcePrincipal,
			ResourceID:    remediationReq.TargetPrincipalID,
			Action:        rbac.RemediationActionPrefix + string(remediationReq.Kind),
			Outcome:       rbac.OutcomeDeny,
			Timestamp:     s.now().UTC(),
			NetworkOrigin: req.NetworkOrigin,
			UserAgent:     req.UserAgent,
			DenialReason:  rbac.ReasonAuthenticationError,
		}
		if snap != nil {
			draft.PrincipalID = snap.ID
			draft.Role = snap.Role
			draft.Attributes = snap.Attributes()
		}
		if accessErr, ok := rbac.GetAccessError(err); ok && accessErr.Type == rbac.ErrorTypeAccountLocked {
			draft.DenialReason = accessErr.Message
		}
		if appendErr := s.audit.Append(ctx, draft); appendErr != nil {
			return nil, appendErr
		}
		return nil, attachDecision(err, draft.ID)
	}

	remediationReq.NetworkOrigin = req.NetworkOrigin
	remediationReq.UserAgent = req.UserAgent
	return s.remediation.Remediate(ctx, snap, remediationReq)
}

// Remediations lists remediation records by originating decision or target principal
func (s *Service) Remediations(ctx context.Context, req *rbac.AccessRequest, decisionID, principalID string) ([]*rbac.RemediationAction, *rbac.AccessDecision, error) {
	if decisionID == "" && principalID == "" {
		return nil, nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "decisionId", "decisionId or principalId is required")
	}
	var actions []*rbac.RemediationAction
	d, err := s.Execute(ctx, auditRequest(req, rbac.ActionRead, "remediations"), func(ctx context.Context, _ *rbac.AccessDecision) error {
		var err error
		if decisionID != "" {
			actions, err = s.remediation.ForDecision(ctx, decisionID)
		} else {
			actions, err = s.remediation.ForPrincipal(ctx, principalID)
		}
		return err
	})
	return actions, d, err
}

// auditRequest derives a request against the audit log from the caller's request
func auditRequest(req *rbac.AccessRequest, action, resourceID string) *rbac.AccessRequest {
	r := *req
	r.ResourceType = rbac.ResourceAuditLog
	r.ResourceID = resourceID
	r.Action = action
	r.Justification = ""
	return &r
}

func attachDecision(err error, decisionID string) error {
	if accessErr, ok := rbac.GetAccessError(err); ok {
		if accessErr.DecisionID == "" {
			accessErr.DecisionID = decisionID
		}
		return accessErr
	}
	return fmt.Errorf("%w (decision %s)", err, decisionID)
}
