package rbac

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Role represents a principal role
type Role string

// Valid reports whether the role is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse, RoleStaff:
		return true
	}
	return false
}

// Principal is the stored, mutable identity record
type Principal struct {
	ID                       string            `json:"id"`
	Username                 string            `json:"username"`
	PasswordHash             string            `json:"-"`
	Role                     Role              `json:"role"`
	Attributes               map[string]string `json:"attributes"`
	AssignedPatients         []string          `json:"assigned_patients"`
	Active                   bool              `json:"active"`
	LockedUntil              *time.Time        `json:"locked_until,omitempty"`
	FailedAttempts           int               `json:"failed_attempts"`
	CredentialsInvalidatedAt *time.Time        `json:"credentials_invalidated_at,omitempty"`
	Version                  int64             `json:"version"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

// IsLocked reports whether a temporary lock is in force at the given instant
func (p *Principal) IsLocked(now time.Time) bool {
	return p.LockedUntil != nil && p.LockedUntil.After(now)
}

// Clone returns a deep copy so callers never share maps or slices with a store
func (p *Principal) Clone() *Principal {
	c := *p
	c.Attributes = copyAttributes(p.Attributes)
	c.AssignedPatients = append([]string(nil), p.AssignedPatients...)
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		c.LockedUntil = &t
	}
	if p.CredentialsInvalidatedAt != nil {
		t := *p.CredentialsInvalidatedAt
		c.CredentialsInvalidatedAt = &t
	}
	return &c
}

// Snapshot freezes the fields the PDP evaluates
func (p *Principal) Snapshot(now time.Time, mfaSatisfied bool) *PrincipalSnapshot {
	assigned := make(map[string]struct{}, len(p.AssignedPatients))
	for _, id := range p.AssignedPatients {
		assigned[id] = struct{}{}
	}
	return &PrincipalSnapshot{
		ID:           p.ID,
		Role:         p.Role,
		attributes:   copyAttributes(p.Attributes),
		assigned:     assigned,
		Active:       p.Active,
		Locked:       p.IsLocked(now),
		MFASatisfied: mfaSatisfied,
		Version:      p.Version,
		TakenAt:      now,
	}
}

// PrincipalSnapshot is an immutable view of a principal taken at the start of a request.
// Suspensions committed after TakenAt apply to the next request only.
type PrincipalSnapshot struct {
	ID           string
	Role         Role
	Active       bool
	Locked       bool
	MFASatisfied bool
	Version      int64
	TakenAt      time.Time

	attributes map[string]string
	assigned   map[string]struct{}
}

// Attribute returns a single attribute value
func (s *PrincipalSnapshot) Attribute(key string) (string, bool) {
	if key == AttrMFA {
		return strconv.FormatBool(s.MFASatisfied), true
	}
	v, ok := s.attributes[key]
	return v, ok
}

// Attributes returns a copy of the attribute map
func (s *PrincipalSnapshot) Attributes() map[string]string {
	return copyAttributes(s.attributes)
}

// IsAssigned reports whether the patient is in the principal's assignment set
func (s *PrincipalSnapshot) IsAssigned(patientID string) bool {
	if patientID == "" {
		return false
	}
	_, ok := s.assigned[patientID]
	return ok
}

// NewSnapshot builds a snapshot directly, used when no stored principal backs the request
func NewSnapshot(id string, role Role, attributes map[string]string, assigned []string, mfa bool) *PrincipalSnapshot {
	p := &Principal{ID: id, Role: role, Attributes: attributes, AssignedPatients: assigned, Active: true}
	return p.Snapshot(time.Now().UTC(), mfa)
}

// Operator is the closed set of predicate operators
type Operator string

const (
	OperatorEquals   Operator = "equals"
	OperatorMemberOf Operator = "memberOf"
)

// AttributePredicate compares a principal attribute against literal values or a resource attribute
type AttributePredicate struct {
	Attribute         string   `json:"attribute" mapstructure:"attribute"`
	Operator          Operator `json:"operator" mapstructure:"operator"`
	Values            []string `json:"values,omitempty" mapstructure:"values"`
	ResourceAttribute string   `json:"resource_attribute,omitempty" mapstructure:"resource_attribute"`
}

// String identifies the predicate in logs
func (p AttributePredicate) String() string {
	if p.ResourceAttribute != "" {
		return fmt.Sprintf("%s %s resource.%s", p.Attribute, p.Operator, p.ResourceAttribute)
	}
	return fmt.Sprintf("%s %s %v", p.Attribute, p.Operator, p.Values)
}

// PolicyRule governs access to one resource type
type PolicyRule struct {
	ID                 string               `json:"id" mapstructure:"id"`
	ResourceType       string               `json:"resource_type" mapstructure:"resource_type"`
	Actions            []string             `json:"actions,omitempty" mapstructure:"actions"`
	PermittedRoles     []Role               `json:"permitted_roles" mapstructure:"permitted_roles"`
	Predicates         []AttributePredicate `json:"predicates,omitempty" mapstructure:"predicates"`
	RequiresAssignment bool                 `json:"requires_assignment" mapstructure:"requires_assignment"`
	RequiresConsent    string               `json:"requires_consent,omitempty" mapstructure:"requires_consent"`
	RequiresMFA        bool                 `json:"requires_mfa" mapstructure:"requires_mfa"`
}

// AppliesTo reports whether the rule covers the action
func (r *PolicyRule) AppliesTo(action string) bool {
	if len(r.Actions) == 0 {
		return true
	}
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Permits reports whether the role is in the permitted set
func (r *PolicyRule) Permits(role Role) bool {
	for _, permitted := range r.PermittedRoles {
		if permitted == role {
			return true
		}
	}
	return false
}

// Resource describes a protected resource as supplied by the record store
type Resource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	PatientID  string            `json:"patient_id"`
	Attributes map[string]string `json:"attributes"`
	Consents   map[string]bool   `json:"consents"`
}

// AccessRequest is one attempted action on a protected resource
type AccessRequest struct {
	Credential    string    `json:"-"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	Action        string    `json:"action"`
	NetworkOrigin string    `json:"network_origin"`
	UserAgent     string    `json:"user_agent"`
	Justification string    `json:"justification,omitempty"`
	MFASatisfied  bool      `json:"mfa_satisfied"`
	RequestID     string    `json:"request_id,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Effect is the raw PDP result
type Effect string

const (
	EffectAllow           Effect = "Allow"
	EffectDeny            Effect = "Deny"
	EffectDenyOverridable Effect = "DenyOverridable"
)

// Evaluation is the result of a single PDP evaluation
type Evaluation struct {
	Effect    Effect    `json:"effect"`
	Reason    string    `json:"reason,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
}

// Outcome is the finalized decision recorded in the audit trail
type Outcome string

const (
	OutcomeAllow          Outcome = "Allow"
	OutcomeDeny           Outcome = "Deny"
	OutcomeEmergencyAllow Outcome = "EmergencyAllow"
)

// Valid reports whether the outcome is known
func (o Outcome) Valid() bool {
	return o == OutcomeAllow || o == OutcomeDeny || o == OutcomeEmergencyAllow
}

// Granted reports whether the gated action may execute
func (o Outcome) Granted() bool {
	return o == OutcomeAllow || o == OutcomeEmergencyAllow
}

// AccessDecision is one immutable audit trail record
type AccessDecision struct {
	ID                string            `json:"id"`
	PrincipalID       string            `json:"principal_id"`
	Role              Role              `json:"role"`
	Attributes        map[string]string `json:"attributes"`
	ResourceType      string            `json:"resource_type"`
	ResourceID        string            `json:"resource_id"`
	PatientID         string            `json:"patient_id,omitempty"`
	Action            string            `json:"action"`
	Outcome           Outcome           `json:"outcome"`
	Timestamp         time.Time         `json:"timestamp"`
	NetworkOrigin     string            `json:"network_origin"`
	UserAgent         string            `json:"user_agent"`
	DenialReason      string            `json:"denial_reason,omitempty"`
	IsBreakGlass      bool              `json:"is_break_glass"`
	Justification     string            `json:"justification,omitempty"`
	GrantExpiresAt    *time.Time        `json:"grant_expires_at,omitempty"`
	RelatedDecisionID string            `json:"related_decision_id,omitempty"`
}

// Clone returns a deep copy of the decision
func (d *AccessDecision) Clone() *AccessDecision {
	c := *d
	c.Attributes = copyAttributes(d.Attributes)
	if d.GrantExpiresAt != nil {
		t := *d.GrantExpiresAt
		c.GrantExpiresAt = &t
	}
	return &c
}

// RemediationKind identifies the administrative action taken against a principal
type RemediationKind string

const (
	RemediationSuspend    RemediationKind = "suspend"
	RemediationFlag       RemediationKind = "flag"
	RemediationWarn       RemediationKind = "warn"
	RemediationReactivate RemediationKind = "reactivate"
)

// Valid reports whether the kind is known
func (k RemediationKind) Valid() bool {
	switch k {
	case RemediationSuspend, RemediationFlag, RemediationWarn, RemediationReactivate:
		return true
	}
	return false
}

// MutatesPrincipal reports whether the kind changes principal state
func (k RemediationKind) MutatesPrincipal() bool {
	return k == RemediationSuspend || k == RemediationReactivate
}

// RemediationRequest is the administrator's input to the remediation engine
type RemediationRequest struct {
	TargetPrincipalID     string          `json:"targetPrincipalId"`
	Kind                  RemediationKind `json:"kind"`
	Reason                string          `json:"reason"`
	OriginatingDecisionID string          `json:"originatingDecisionId"`
	NetworkOrigin         string          `json:"-"`
	UserAgent             string          `json:"-"`
}

// RemediationAction is one immutable remediation record
type RemediationAction struct {
	ID                    string          `json:"id"`
	TargetPrincipalID     string          `json:"target_principal_id"`
	Kind                  RemediationKind `json:"kind"`
	Reason                string          `json:"reason"`
	OriginatingDecisionID string          `json:"originating_decision_id"`
	AdministratorID       string          `json:"administrator_id"`
	AuditDecisionID       string          `json:"audit_decision_id"`
	Timestamp             time.Time       `json:"timestamp"`
}

// AuditFilter represents filters for audit trail queries
type AuditFilter struct {
	Action       string    `json:"action,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	Status       Outcome   `json:"status,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
	StartDate    time.Time `json:"start_date,omitempty"`
	EndDate      time.Time `json:"end_date,omitempty"`
	BreakGlass   *bool     `json:"break_glass,omitempty"`
	Page         int       `json:"page"`
	Limit        int       `json:"limit"`
}

// Normalize clamps paging values to sane bounds
func (f *AuditFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
}

// Offset returns the row offset for the current page
func (f *AuditFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Matches evaluates the filter against a decision in memory
func (f *AuditFilter) Matches(d *AccessDecision) bool {
	if f.Action != "" && d.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && d.ResourceType != f.ResourceType {
		return false
	}
	if f.Status != "" && d.Outcome != f.Status {
		return false
	}
	if f.UserID != "" && d.PrincipalID != f.UserID {
		return false
	}
	if f.PatientID != "" && d.PatientID != f.PatientID {
		return false
	}
	if !f.StartDate.IsZero() && d.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && d.Timestamp.After(f.EndDate) {
		return false
	}
	if f.BreakGlass != nil && d.IsBreakGlass != *f.BreakGlass {
		return false
	}
	return true
}

// AuditPage is one page of audit trail results
type AuditPage struct {
	Decisions  []*AccessDecision `json:"decisions"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	Total      int               `json:"total"`
	TotalPages int               `json:"total_pages"`
}

// TotalPagesFor computes the page count for a total and page size
func TotalPagesFor(total, limit int) int {
	if total == 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// SortDecisions orders decisions by timestamp descending, then id descending
func SortDecisions(decisions []*AccessDecision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		if !decisions[i].Timestamp.Equal(decisions[j].Timestamp) {
			return decisions[i].Timestamp.After(decisions[j].Timestamp)
		}
		return decisions[i].ID > decisions[j].ID
	})
}

// ComplianceSummary aggregates the audit trail over a time range
type ComplianceSummary struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	GeneratedAt      time.Time `json:"generated_at"`
	TotalDecisions   int       `json:"total_decisions"`
	Allowed          int       `json:"allowed"`
	Denied           int       `json:"denied"`
	EmergencyAllowed int       `json:"emergency_allowed"`
	UniquePrincipals int       `json:"unique_principals"`
	Remediations     int       `json:"remediations"`
}

// ReviewItem is a break-glass decision awaiting administrative review
type ReviewItem struct {
	DecisionID  string    `json:"decision_id"`
	PrincipalID string    `json:"principal_id"`
	PatientID   string    `json:"patient_id,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
}

// NormalizeAttributes converts opaque attribute values to their string form
func NormalizeAttributes(raw map[string]interface{}) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// TextLength counts the characters of s after trimming surrounding whitespace
func TextLength(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
