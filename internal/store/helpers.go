package store

import (
	"encoding/json"
	"fmt"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// sessionRow is the flattened column form a session row round-trips
// through, shared by the SQLite and Postgres drivers.
type sessionRow struct {
	contextJSON string
	flowJSON    string
	pendingJSON string
}

// encodeSession flattens a session's nested parts to JSON columns.
func encodeSession(s models.Session) (sessionRow, error) {
	var row sessionRow
	if len(s.Context) > 0 {
		b, err := json.Marshal(s.Context)
		if err != nil {
			return row, fmt.Errorf("failed to marshal session context: %w", err)
		}
		row.contextJSON = string(b)
	}
	if s.CurrentFlow != nil {
		b, err := json.Marshal(s.CurrentFlow)
		if err != nil {
			return row, fmt.Errorf("failed to marshal session flow ref: %w", err)
		}
		row.flowJSON = string(b)
	}
	if len(s.PendingOutbound) > 0 {
		b, err := json.Marshal(s.PendingOutbound)
		if err != nil {
			return row, fmt.Errorf("failed to marshal pending outbound: %w", err)
		}
		row.pendingJSON = string(b)
	}
	return row, nil
}

// decodeSession rebuilds a session's nested parts from JSON columns and
// its identity from the kind/value pair.
func decodeSession(s *models.Session, kind, value string, row sessionRow) error {
	switch models.IdentityKind(kind) {
	case models.IdentityAnonymous:
		s.Identity = models.AnonymousIdentity(value)
	case models.IdentityVerified:
		s.Identity = models.VerifiedIdentity(value)
	default:
		return fmt.Errorf("unknown identity kind %q for session %s", kind, s.Key)
	}
	if row.contextJSON != "" {
		s.Context = make(map[string]string)
		if err := json.Unmarshal([]byte(row.contextJSON), &s.Context); err != nil {
			return fmt.Errorf("failed to unmarshal session context: %w", err)
		}
	}
	if row.flowJSON != "" {
		var ref models.FlowRef
		if err := json.Unmarshal([]byte(row.flowJSON), &ref); err != nil {
			return fmt.Errorf("failed to unmarshal session flow ref: %w", err)
		}
		s.CurrentFlow = &ref
	}
	if row.pendingJSON != "" {
		if err := json.Unmarshal([]byte(row.pendingJSON), &s.PendingOutbound); err != nil {
			return fmt.Errorf("failed to unmarshal pending outbound: %w", err)
		}
	}
	return nil
}

// identityValue returns the raw value column for an identity.
func identityValue(id models.Identity) string {
	if id.Kind == models.IdentityAnonymous {
		return id.Token
	}
	return id.Phone
}

// encodeRule serializes a routing rule for the rule_json column.
func encodeRule(rule models.RoutingRule) (string, error) {
	b, err := json.Marshal(rule)
	if err != nil {
		return "", fmt.Errorf("failed to marshal routing rule %s: %w", rule.Name, err)
	}
	return string(b), nil
}

// decodeRule deserializes one rule_json column.
func decodeRule(data string) (models.RoutingRule, error) {
	var rule models.RoutingRule
	if err := json.Unmarshal([]byte(data), &rule); err != nil {
		return rule, fmt.Errorf("failed to unmarshal routing rule: %w", err)
	}
	return rule, nil
}
