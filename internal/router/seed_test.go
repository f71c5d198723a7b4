package router

import (
	"context"
	"testing"

	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/models"
)

// fakeSeeder extends fakeSource with writes so seeding runs against the
// same rule slice the cache loads from.
type fakeSeeder struct {
	fakeSource
}

func (f *fakeSeeder) SaveRoutingRule(rule models.RoutingRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.Name == rule.Name {
			f.rules[i] = rule
			return nil
		}
	}
	f.rules = append(f.rules, rule)
	return nil
}

func TestSeedBuiltinRulesInstallsCancelCommand(t *testing.T) {
	src := &fakeSeeder{}
	n, err := SeedBuiltinRules(context.Background(), src)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 1 {
		t.Fatalf("seeded = %d, want 1", n)
	}

	// A fresh install must be able to cancel an active flow with no
	// admin-configured rules at all.
	cache := NewRuleCache(&src.fakeSource)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rt := New(cache, flows.NewRegistry())
	rc := models.RoutingContext{SessionKey: "s1", ActiveFlowID: "order_v1"}
	d := rt.Route(context.Background(), "order_food", "cancel", rc)
	if d.Tier != models.TierCommand {
		t.Errorf("tier = %s, want command", d.Tier)
	}
	if d.Intent != "cancel_flow" {
		t.Errorf("intent = %s, want cancel_flow", d.Intent)
	}
}

func TestSeedBuiltinRulesLeavesExistingRulesAlone(t *testing.T) {
	src := &fakeSeeder{}
	src.rules = []models.RoutingRule{{
		Name: "builtin_cancel_command", Type: models.RuleTypeCommand,
		Priority: 100, Keywords: []string{"ruk jao"}, TargetIntent: "cancel_flow",
	}}

	n, err := SeedBuiltinRules(context.Background(), src)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 0 {
		t.Errorf("seeded = %d, want 0", n)
	}
	if len(src.rules) != 1 || src.rules[0].Keywords[0] != "ruk jao" {
		t.Errorf("existing rule was overwritten: %+v", src.rules)
	}
}
