package policy

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// RuleSet indexes rules by resource type. Within a type, the first rule covering the action wins.
type RuleSet struct {
	byType map[string][]*rbac.PolicyRule
}

// NewRuleSet validates and indexes rules
func NewRuleSet(rules []*rbac.PolicyRule) (*RuleSet, error) {
	rs := &RuleSet{byType: make(map[string][]*rbac.PolicyRule)}
	seen := make(map[string]bool, len(rules))

	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		rs.byType[r.ResourceType] = append(rs.byType[r.ResourceType], r)
	}

	return rs, nil
}

// Lookup returns the rule governing the resource type and action
func (rs *RuleSet) Lookup(resourceType, action string) (*rbac.PolicyRule, bool) {
	for _, r := range rs.byType[resourceType] {
		if r.AppliesTo(action) {
			return r, true
		}
	}
	return nil, false
}

// Len returns the number of indexed rules
func (rs *RuleSet) Len() int {
	n := 0
	for _, rules := range rs.byType {
		n += len(rules)
	}
	return n
}

func validateRule(r *rbac.PolicyRule) error {
	if r.ID == "" {
		return fmt.Errorf("rule for %q has no id", r.ResourceType)
	}
	if r.ResourceType == "" {
		return fmt.Errorf("rule %s: resource type is required", r.ID)
	}
	if len(r.PermittedRoles) == 0 {
		return fmt.Errorf("rule %s: at least one permitted role is required", r.ID)
	}
	for _, role := range r.PermittedRoles {
		if !role.Valid() {
			return fmt.Errorf("rule %s: unknown role %q", r.ID, role)
		}
	}
	for i, p := range r.Predicates {
		if p.Attribute == "" {
			return fmt.Errorf("rule %s: predicate %d has no attribute", r.ID, i)
		}
		hasRef := p.ResourceAttribute != ""
		switch p.Operator {
		case rbac.OperatorEquals:
			if !hasRef && len(p.Values) != 1 {
				return fmt.Errorf("rule %s: predicate %s needs exactly one value", r.ID, p)
			}
		case rbac.OperatorMemberOf:
			if !hasRef && len(p.Values) == 0 {
				return fmt.Errorf("rule %s: predicate %s needs at least one value", r.ID, p)
			}
		default:
			return fmt.Errorf("rule %s: unsupported operator %q", r.ID, p.Operator)
		}
		if hasRef && len(p.Values) > 0 {
			return fmt.Errorf("rule %s: predicate %s mixes literal values and a resource reference", r.ID, p)
		}
	}
	return nil
}

// LoadRules reads a YAML or JSON policy file with a top-level "rules" list
func LoadRules(path string) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var doc struct {
		Rules []*rbac.PolicyRule `mapstructure:"rules"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("policy file %s defines no rules", path)
	}

	return NewRuleSet(doc.Rules)
}

var sameHospital = rbac.AttributePredicate{
	Attribute:         rbac.AttrHospitalID,
	Operator:          rbac.OperatorEquals,
	ResourceAttribute: rbac.AttrHospitalID,
}

// DefaultRules is the built-in policy used when no policy file is configured
func DefaultRules() []*rbac.PolicyRule {
	clinical := []rbac.Role{rbac.RoleAdmin, rbac.RoleDoctor, rbac.RoleNurse}

	return []*rbac.PolicyRule{
		{
			ID:                 "patient-record-write",
			ResourceType:       rbac.ResourcePatientRecord,
			Actions:            []string{rbac.ActionCreate, rbac.ActionUpdate, rbac.ActionDelete},
			PermittedRoles:     []rbac.Role{rbac.RoleAdmin, rbac.RoleDoctor},
			Predicates:         []rbac.AttributePredicate{sameHospital},
			RequiresAssignment: true,
			RequiresConsent:    rbac.ConsentTreatment,
			RequiresMFA:        true,
		},
		{
			ID:                 "patient-record-read",
			ResourceType:       rbac.ResourcePatientRecord,
			PermittedRoles:     clinical,
			Predicates:         []rbac.AttributePredicate{sameHospital},
			RequiresAssignment: true,
			RequiresConsent:    rbac.ConsentTreatment,
		},
		{
			ID:                 "clinical-note",
			ResourceType:       rbac.ResourceClinicalNote,
			PermittedRoles:     clinical,
			Predicates:         []rbac.AttributePredicate{sameHospital},
			RequiresAssignment: true,
			RequiresConsent:    rbac.ConsentTreatment,
		},
		{
			ID:                 "lab-result",
			ResourceType:       rbac.ResourceLabResult,
			PermittedRoles:     clinical,
			Predicates:         []rbac.AttributePredicate{sameHospital},
			RequiresAssignment: true,
		},
		{
			ID:                 "prescription",
			ResourceType:       rbac.ResourcePrescription,
			PermittedRoles:     []rbac.Role{rbac.RoleDoctor},
			Predicates:         []rbac.AttributePredicate{sameHospital},
			RequiresAssignment: true,
			RequiresConsent:    rbac.ConsentTreatment,
			RequiresMFA:        true,
		},
		{
			ID:             "appointment",
			ResourceType:   rbac.ResourceAppointment,
			PermittedRoles: []rbac.Role{rbac.RoleAdmin, rbac.RoleDoctor, rbac.RoleNurse, rbac.RoleStaff},
			Predicates:     []rbac.AttributePredicate{sameHospital},
		},
		{
			ID:             "audit-log",
			ResourceType:   rbac.ResourceAuditLog,
			Actions:        []string{rbac.ActionRead, rbac.ActionExport},
			PermittedRoles: []rbac.Role{rbac.RoleAdmin},
		},
		{
			ID:             "user-management",
			ResourceType:   rbac.ResourceUserManagement,
			PermittedRoles: []rbac.Role{rbac.RoleAdmin},
			RequiresMFA:    true,
		},
	}
}

// DefaultRuleSet indexes DefaultRules
func DefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("built-in policy is invalid: %v", err))
	}
	return rs
}
