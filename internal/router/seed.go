package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// RuleSeeder is the persistence surface the built-in rule seed writes
// through. It extends RuleSource so presence checks and inserts go to
// the same store.
type RuleSeeder interface {
	RuleSource
	SaveRoutingRule(rule models.RoutingRule) error
}

// builtinRules are the rules every installation needs before an admin
// has configured anything. The cancel command is mandatory: without it
// a user stuck in a flow has no way out.
func builtinRules() []models.RoutingRule {
	return []models.RoutingRule{
		{
			Name:         "builtin_cancel_command",
			Type:         models.RuleTypeCommand,
			Priority:     100,
			Keywords:     []string{"cancel", "stop", "exit", "quit"},
			TargetIntent: "cancel_flow",
			Confidence:   1.0,
		},
	}
}

// SeedBuiltinRules inserts the built-in rules that are missing from the
// store. Rules an admin has already created (or edited) under the same
// name are left untouched. Returns the number of rules inserted.
func SeedBuiltinRules(ctx context.Context, st RuleSeeder) (int, error) {
	existing, err := st.ListRoutingRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list routing rules: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, r := range existing {
		present[r.Name] = true
	}

	var seeded int
	for _, rule := range builtinRules() {
		if present[rule.Name] {
			continue
		}
		if err := st.SaveRoutingRule(rule); err != nil {
			return seeded, fmt.Errorf("failed to seed rule %s: %w", rule.Name, err)
		}
		slog.Info("Router seeded builtin rule", "rule", rule.Name, "intent", rule.TargetIntent)
		seeded++
	}
	return seeded, nil
}
