package breakglass

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Handler converts overridable denials into supervised emergency grants
type Handler struct {
	enabled bool
	window  time.Duration
	queue   rbac.ReviewQueue
	logger  *logger.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewHandler creates a break-glass handler
func NewHandler(cfg config.AccessConfig, queue rbac.ReviewQueue, log *logger.Logger, metrics *monitoring.Metrics) *Handler {
	window := cfg.BreakGlassWindow
	if window <= 0 {
		window = rbac.DefaultBreakGlassWindowMin * time.Minute
	}
	return &Handler{
		enabled: cfg.EnableEmergencyOverride,
		window:  window,
		queue:   queue,
		logger:  log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Enabled reports whether emergency override is switched on
func (h *Handler) Enabled() bool {
	return h.enabled
}

// Override finalizes a draft decision for a DenyOverridable evaluation.
// On success the draft becomes EmergencyAllow with a grant expiring after the configured window.
// Otherwise the draft is finalized as Deny and the returned error explains why.
func (h *Handler) Override(draft *rbac.AccessDecision, eval rbac.Evaluation, justification string) error {
	if eval.Effect != rbac.EffectDenyOverridable {
		return fmt.Errorf("break-glass requested for non-overridable effect %q", eval.Effect)
	}

	if !h.enabled {
		h.metrics.RecordBreakGlass("disabled")
		finalizeDeny(draft, rbac.ReasonOverrideDisabled)
		return rbac.ErrorFromEvaluation(&eval)
	}

	if rbac.TextLength(justification) < rbac.MinJustificationLength {
		h.metrics.RecordBreakGlass("rejected")
		finalizeDeny(draft, rbac.ReasonJustificationShort)
		return rbac.ValidationFailure(
			rbac.ErrorCodeJustificationTooShort,
			"justification",
			fmt.Sprintf("justification must be at least %d characters", rbac.MinJustificationLength),
		)
	}

	issued := h.now().UTC()
	if draft.Timestamp.IsZero() {
		draft.Timestamp = issued
	}
	expires := draft.Timestamp.Add(h.window)

	draft.Outcome = rbac.OutcomeEmergencyAllow
	draft.IsBreakGlass = true
	draft.Justification = justification
	draft.DenialReason = ""
	draft.GrantExpiresAt = &expires

	h.metrics.RecordBreakGlass("granted")
	return nil
}

// Escalate queues a persisted emergency decision for administrative review.
// The decision is already durable, so a queue failure is logged rather than returned.
func (h *Handler) Escalate(ctx context.Context, d *rbac.AccessDecision) {
	h.logger.BreakGlass(ctx, d.ID, d.PrincipalID, d.PatientID, d.Justification)

	if h.queue == nil {
		return
	}
	item := rbac.ReviewItem{
		DecisionID:  d.ID,
		PrincipalID: d.PrincipalID,
		PatientID:   d.PatientID,
		QueuedAt:    h.now().UTC(),
	}
	if err := h.queue.Enqueue(ctx, item); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("decision_id", d.ID).
			Error("Failed to queue break-glass decision for review")
	}
}

// GrantContext bounds the gated action to the lifetime of the grant
func GrantContext(ctx context.Context, d *rbac.AccessDecision) (context.Context, context.CancelFunc) {
	if d.GrantExpiresAt == nil {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, *d.GrantExpiresAt)
}

func finalizeDeny(draft *rbac.AccessDecision, reason string) {
	draft.Outcome = rbac.OutcomeDeny
	draft.DenialReason = reason
	draft.IsBreakGlass = false
	draft.Justification = ""
	draft.GrantExpiresAt = nil
}
