package policy

import (
	"fmt"

	"github.com/medrex/ehr-access/pkg/rbac"
)

var mfaPredicate = rbac.AttributePredicate{
	Attribute: rbac.AttrMFA,
	Operator:  rbac.OperatorEquals,
	Values:    []string{"true"},
}

// Evaluate applies a single rule to a principal snapshot and resource.
// Checks short-circuit in a fixed order so the recorded reason names exactly one failure:
// account status, role, attribute predicates, assignment, consent.
// An assignment failure is only overridable when consent holds; missing consent
// outranks it so an override can never bypass consent. A nil rule denies.
func Evaluate(snap *rbac.PrincipalSnapshot, rule *rbac.PolicyRule, resource *rbac.Resource) rbac.Evaluation {
	if !snap.Active {
		return deny(rbac.ReasonAccountInactive, rbac.ErrorTypeAccountLocked, "")
	}
	if snap.Locked {
		return deny(rbac.ReasonAccountLocked, rbac.ErrorTypeAccountLocked, "")
	}
	if rule == nil {
		return deny(rbac.ReasonNoPolicy, rbac.ErrorTypeDeny, "")
	}

	if !rule.Permits(snap.Role) {
		return deny(fmt.Sprintf("%s: %s", rbac.ReasonRoleNotPermitted, snap.Role), rbac.ErrorTypeDeny, rule.ID)
	}

	for _, pred := range rule.Predicates {
		if reason, ok := checkPredicate(snap, pred, resource); !ok {
			return deny(reason, rbac.ErrorTypeDeny, rule.ID)
		}
	}
	if rule.RequiresMFA {
		if _, ok := checkPredicate(snap, mfaPredicate, resource); !ok {
			return deny("mfa required", rbac.ErrorTypeDeny, rule.ID)
		}
	}

	consentDenied := rule.RequiresConsent != "" && (resource == nil || !resource.Consents[rule.RequiresConsent])

	if rule.RequiresAssignment && snap.Role != rbac.RoleAdmin {
		if (resource == nil || !snap.IsAssigned(resource.PatientID)) && !consentDenied {
			return rbac.Evaluation{
				Effect:    rbac.EffectDenyOverridable,
				Reason:    rbac.ReasonNotAssigned,
				ErrorType: rbac.ErrorTypeDenyOverridable,
				RuleID:    rule.ID,
			}
		}
	}

	if consentDenied {
		return deny(fmt.Sprintf("%s: %s", rbac.ReasonConsentMissing, rule.RequiresConsent), rbac.ErrorTypeConsentMissing, rule.ID)
	}

	return rbac.Evaluation{Effect: rbac.EffectAllow, RuleID: rule.ID}
}

// checkPredicate returns the denial reason when the predicate does not hold.
// A missing attribute on either side never matches.
func checkPredicate(snap *rbac.PrincipalSnapshot, pred rbac.AttributePredicate, resource *rbac.Resource) (string, bool) {
	mismatch := fmt.Sprintf("%s mismatch", pred.Attribute)

	actual, ok := snap.Attribute(pred.Attribute)
	if !ok {
		return mismatch, false
	}

	expected := pred.Values
	if pred.ResourceAttribute != "" {
		if resource == nil {
			return mismatch, false
		}
		v, ok := resource.Attributes[pred.ResourceAttribute]
		if !ok {
			return mismatch, false
		}
		expected = []string{v}
	}

	switch pred.Operator {
	case rbac.OperatorEquals:
		if len(expected) == 1 && actual == expected[0] {
			return "", true
		}
	case rbac.OperatorMemberOf:
		for _, v := range expected {
			if actual == v {
				return "", true
			}
		}
	}
	return mismatch, false
}

func deny(reason string, errType rbac.ErrorType, ruleID string) rbac.Evaluation {
	return rbac.Evaluation{
		Effect:    rbac.EffectDeny,
		Reason:    reason,
		ErrorType: errType,
		RuleID:    ruleID,
	}
}

// Engine looks up the governing rule and evaluates it
type Engine struct {
	rules rbac.RuleSource
}

// NewEngine creates a decision point over a rule source
func NewEngine(rules rbac.RuleSource) *Engine {
	return &Engine{rules: rules}
}

// Decide evaluates the action on the resource for the snapshot. A missing rule fails closed.
func (e *Engine) Decide(snap *rbac.PrincipalSnapshot, resource *rbac.Resource, action string) rbac.Evaluation {
	rule, _ := e.rules.Lookup(resource.Type, action)
	return Evaluate(snap, rule, resource)
}
