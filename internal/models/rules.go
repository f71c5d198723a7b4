// Package models defines routing rule records shared by the router and
// the rule store.
package models

import "time"

// RuleType discriminates the routing rule tiers a rule participates in.
type RuleType string

const (
	// RuleTypeCommand always wins regardless of classifier output (priority tier 100).
	RuleTypeCommand RuleType = "command"
	// RuleTypeKeyword matches against a keyword list.
	RuleTypeKeyword RuleType = "keyword"
	// RuleTypePattern matches a stored regular expression.
	RuleTypePattern RuleType = "pattern"
	// RuleTypeTranslation maps a raw classifier intent to a canonical intent.
	RuleTypeTranslation RuleType = "translation"
)

// IsValidRuleType checks if the given rule type is supported.
func IsValidRuleType(rt RuleType) bool {
	switch rt {
	case RuleTypeCommand, RuleTypeKeyword, RuleTypePattern, RuleTypeTranslation:
		return true
	default:
		return false
	}
}

// RulePreconditions are optional context gates a rule requires before it
// may match (translation tier, and honored for command rules too).
type RulePreconditions struct {
	NoActiveFlow  bool `json:"no_active_flow,omitempty"`
	Authenticated bool `json:"authenticated,omitempty"`
}

// RoutingRule is a versioned, cacheable routing record. Rules are
// read-only at evaluation time; a background refresh reloads the full
// set from the source of truth.
type RoutingRule struct {
	Name          string            `json:"name"`
	Type          RuleType          `json:"type"`
	Priority      int               `json:"priority"`
	Keywords      []string          `json:"keywords,omitempty"`
	CaseSensitive bool              `json:"case_sensitive,omitempty"`
	Pattern       string            `json:"pattern,omitempty"`
	TargetIntent  string            `json:"target_intent"`
	TargetFlow    string            `json:"target_flow,omitempty"`
	Confidence    float64           `json:"confidence"`
	AppliesTo     []string          `json:"applies_to,omitempty"` // intent allowlist; empty means any
	Preconditions RulePreconditions `json:"preconditions,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at,omitempty"`
}

// AppliesToIntent reports whether the rule's applies-to allowlist admits
// the given intent. An empty allowlist admits every intent.
func (r *RoutingRule) AppliesToIntent(intent string) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	for _, it := range r.AppliesTo {
		if it == intent {
			return true
		}
	}
	return false
}

// RoutingContext is the per-turn context the router evaluates rule
// preconditions against.
type RoutingContext struct {
	SessionKey    string `json:"session_key"`
	ActiveFlowID  string `json:"active_flow_id,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Satisfied reports whether the rule's preconditions hold for the given
// routing context.
func (p RulePreconditions) Satisfied(rc RoutingContext) bool {
	if p.NoActiveFlow && rc.ActiveFlowID != "" {
		return false
	}
	if p.Authenticated && !rc.Authenticated {
		return false
	}
	return true
}
