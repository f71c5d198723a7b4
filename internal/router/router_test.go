package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/models"
)

// fakeSource serves a fixed rule slice and counts loads.
type fakeSource struct {
	mu    sync.Mutex
	rules []models.RoutingRule
	loads int
	err   error
}

func (f *fakeSource) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.RoutingRule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

func (f *fakeSource) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// fakeDetector returns a canned verdict.
type fakeDetector struct {
	name string
	det  Detection
	err  error
}

func (f *fakeDetector) Name() string { return f.name }
func (f *fakeDetector) Detect(ctx context.Context, text string) (Detection, error) {
	return f.det, f.err
}

func trivialFlow(id string, priority int, intents ...string) *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:             id,
		Enabled:        true,
		Priority:       priority,
		TriggerIntents: intents,
		InitialState:   "start",
		FinalStates:    []string{"done"},
		States: map[string]models.FlowState{
			"start": {
				Kind:        models.StateKindAction,
				Transitions: map[string]string{models.EventDefault: "done"},
			},
		},
	}
}

func newTestRouter(t *testing.T, rules []models.RoutingRule, defs ...*models.FlowDefinition) (*Router, *fakeSource) {
	t.Helper()
	source := &fakeSource{rules: rules}
	cache := NewRuleCache(source)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	reg := flows.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def, nil); err != nil {
			t.Fatalf("register %s: %v", def.ID, err)
		}
	}
	return New(cache, reg), source
}

func TestCommandTierWinsDespiteActiveFlow(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "cancel_command", Type: models.RuleTypeCommand, Priority: 100, Keywords: []string{"cancel", "stop"}, TargetIntent: "cancel_flow"},
	}
	r, _ := newTestRouter(t, rules)

	rc := models.RoutingContext{SessionKey: "s1", ActiveFlowID: "food_order_v1", Authenticated: true}
	d := r.Route(context.Background(), "order_food", "Cancel", rc)
	if d.Tier != models.TierCommand {
		t.Fatalf("tier = %s, want command", d.Tier)
	}
	if d.Intent != "cancel_flow" {
		t.Errorf("intent = %s, want cancel_flow", d.Intent)
	}
	if len(d.MatchedRules) != 1 || d.MatchedRules[0] != "cancel_command" {
		t.Errorf("matched rules = %v", d.MatchedRules)
	}
}

func TestCommandRequiresWholeMessageMatch(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "cancel_command", Type: models.RuleTypeCommand, Priority: 100, Keywords: []string{"cancel"}, TargetIntent: "cancel_flow"},
	}
	r, _ := newTestRouter(t, rules)

	d := r.Route(context.Background(), "unknown", "please do not cancel my order", models.RoutingContext{})
	if d.Tier == models.TierCommand {
		t.Error("command rule must not fire on containment")
	}
}

func TestSemanticOverrideWithinOverrideSet(t *testing.T) {
	r, _ := newTestRouter(t, nil, trivialFlow("food_order_v1", 10, "order_food"))
	r.BindDetector(&fakeDetector{name: "food_detector", det: Detection{Matched: true, Confidence: 0.82}}, "order_food", "unknown", "greeting")

	d := r.Route(context.Background(), "unknown", "pizza chahiye", models.RoutingContext{})
	if d.Tier != models.TierSemantic {
		t.Fatalf("tier = %s, want semantic", d.Tier)
	}
	if d.Intent != "order_food" || d.FlowID != "food_order_v1" {
		t.Errorf("decision = %+v, want order_food/food_order_v1", d)
	}
	if d.Confidence != 0.82 {
		t.Errorf("confidence = %v, want the detector's 0.82", d.Confidence)
	}
	if d.RawIntent != "unknown" {
		t.Errorf("raw intent = %s, want preserved", d.RawIntent)
	}
}

func TestSemanticDoesNotHijackOutsideOverrideSet(t *testing.T) {
	r, _ := newTestRouter(t, nil,
		trivialFlow("food_order_v1", 10, "order_food"),
		trivialFlow("parcel_booking_v1", 10, "book_parcel"))
	r.BindDetector(&fakeDetector{name: "food_detector", det: Detection{Matched: true, Confidence: 0.95}}, "order_food", "unknown")

	d := r.Route(context.Background(), "book_parcel", "send this box to andheri", models.RoutingContext{})
	if d.Tier != models.TierClassifier {
		t.Fatalf("tier = %s, want classifier pass-through", d.Tier)
	}
	if d.Intent != "book_parcel" || d.FlowID != "parcel_booking_v1" {
		t.Errorf("decision = %+v", d)
	}
}

func TestSemanticBelowThresholdIgnored(t *testing.T) {
	r, _ := newTestRouter(t, nil, trivialFlow("food_order_v1", 10, "order_food"))
	r.BindDetector(&fakeDetector{name: "food_detector", det: Detection{Matched: true, Confidence: 0.65}}, "order_food", "unknown")

	d := r.Route(context.Background(), "unknown", "maybe food?", models.RoutingContext{})
	if d.Tier != models.TierFallback {
		t.Errorf("tier = %s, want fallback", d.Tier)
	}
}

func TestSemanticDetectorErrorDegrades(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	r.BindDetector(&fakeDetector{name: "food_detector", err: errors.New("upstream down")}, "order_food", "unknown")

	d := r.Route(context.Background(), "unknown", "pizza", models.RoutingContext{})
	if d.Tier != models.TierFallback {
		t.Errorf("tier = %s, want fallback when the detector fails", d.Tier)
	}
}

func TestKeywordTierAppliesToFilter(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "food_words", Type: models.RuleTypeKeyword, Priority: 10, Keywords: []string{"pizza", "biryani"}, TargetIntent: "order_food", AppliesTo: []string{"unknown"}},
	}
	r, _ := newTestRouter(t, rules, trivialFlow("food_order_v1", 10, "order_food"))

	d := r.Route(context.Background(), "unknown", "ek pizza bhejo", models.RoutingContext{})
	if d.Tier != models.TierKeyword || d.Intent != "order_food" {
		t.Errorf("decision = %+v, want keyword order_food", d)
	}

	// The allowlist excludes an already-classified intent.
	d = r.Route(context.Background(), "book_parcel", "pizza box parcel", models.RoutingContext{})
	if d.Tier == models.TierKeyword {
		t.Error("keyword rule fired outside its applies-to allowlist")
	}
}

func TestPatternTierAndInvalidPatternSkipped(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "broken", Type: models.RuleTypePattern, Priority: 99, Pattern: "[unclosed", TargetIntent: "never"},
		{Name: "order_number", Type: models.RuleTypePattern, Priority: 10, Pattern: `(?i)order\s+#?\d+`, TargetIntent: "track_order"},
	}
	r, _ := newTestRouter(t, rules)

	d := r.Route(context.Background(), "unknown", "where is order #4521", models.RoutingContext{})
	if d.Tier != models.TierPattern || d.Intent != "track_order" {
		t.Errorf("decision = %+v, want pattern track_order", d)
	}
}

func TestTranslationTierPreconditions(t *testing.T) {
	rules := []models.RoutingRule{
		{
			Name: "greet_to_menu", Type: models.RuleTypeTranslation, Priority: 10,
			TargetIntent: "show_menu", AppliesTo: []string{"greeting"},
			Preconditions: models.RulePreconditions{NoActiveFlow: true},
		},
	}
	r, _ := newTestRouter(t, rules)

	d := r.Route(context.Background(), "greeting", "hi", models.RoutingContext{})
	if d.Tier != models.TierTranslation || d.Intent != "show_menu" {
		t.Errorf("decision = %+v, want translation show_menu", d)
	}

	// Precondition fails mid-flow; the raw intent passes through.
	d = r.Route(context.Background(), "greeting", "hi", models.RoutingContext{ActiveFlowID: "food_order_v1"})
	if d.Tier == models.TierTranslation {
		t.Error("translation rule fired despite an unsatisfied precondition")
	}
	if d.Intent != "greeting" {
		t.Errorf("intent = %s, want pass-through", d.Intent)
	}
}

func TestSamePriorityTieBreakIsDeterministic(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "zeta", Type: models.RuleTypeKeyword, Priority: 10, Keywords: []string{"chai"}, TargetIntent: "intent_z"},
		{Name: "alpha", Type: models.RuleTypeKeyword, Priority: 10, Keywords: []string{"chai"}, TargetIntent: "intent_a"},
	}
	r, _ := newTestRouter(t, rules)

	for i := 0; i < 5; i++ {
		d := r.Route(context.Background(), "unknown", "chai", models.RoutingContext{})
		if d.Intent != "intent_a" {
			t.Fatalf("iteration %d: intent = %s, want the name tie-break winner intent_a", i, d.Intent)
		}
	}
}

func TestHigherPriorityRuleWins(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "generic", Type: models.RuleTypeKeyword, Priority: 1, Keywords: []string{"book"}, TargetIntent: "generic_booking"},
		{Name: "parcel", Type: models.RuleTypeKeyword, Priority: 50, Keywords: []string{"book"}, TargetIntent: "book_parcel"},
	}
	r, _ := newTestRouter(t, rules)

	d := r.Route(context.Background(), "unknown", "book something", models.RoutingContext{})
	if d.Intent != "book_parcel" {
		t.Errorf("intent = %s, want the higher-priority rule's book_parcel", d.Intent)
	}
}

func TestFallbackDecision(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	d := r.Route(context.Background(), "unknown", "asdf", models.RoutingContext{})
	if d.Tier != models.TierFallback {
		t.Fatalf("tier = %s, want fallback", d.Tier)
	}
	if d.Confidence != FallbackConfidence {
		t.Errorf("confidence = %v, want %v", d.Confidence, FallbackConfidence)
	}
	if d.FlowID != "" {
		t.Errorf("fallback must carry no flow, got %s", d.FlowID)
	}
}

func TestCacheServesStaleAndRefreshesAsync(t *testing.T) {
	source := &fakeSource{rules: []models.RoutingRule{
		{Name: "old", Type: models.RuleTypeKeyword, Keywords: []string{"x"}, TargetIntent: "old_intent"},
	}}
	cache := NewRuleCache(source, WithRuleTTL(10*time.Millisecond))
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	source.mu.Lock()
	source.rules = []models.RoutingRule{
		{Name: "new", Type: models.RuleTypeKeyword, Keywords: []string{"x"}, TargetIntent: "new_intent"},
	}
	source.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	// The stale read still serves, and the reload happens off the hot path.
	set := cache.Rules()
	if len(set.keyword) != 1 || set.keyword[0].Name != "old" {
		t.Errorf("stale read should serve the last-good set, got %+v", set.keyword)
	}

	deadline := time.After(2 * time.Second)
	for {
		set = cache.Rules()
		if len(set.keyword) == 1 && set.keyword[0].Name == "new" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background refresh never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCacheRefreshFailureKeepsLastGood(t *testing.T) {
	source := &fakeSource{rules: []models.RoutingRule{
		{Name: "keep", Type: models.RuleTypeKeyword, Keywords: []string{"x"}, TargetIntent: "keep_intent"},
	}}
	cache := NewRuleCache(source)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	source.mu.Lock()
	source.err = errors.New("db down")
	source.mu.Unlock()

	if err := cache.Invalidate(context.Background()); err == nil {
		t.Error("invalidate should surface the reload failure")
	}
	set := cache.Rules()
	if len(set.keyword) != 1 || set.keyword[0].Name != "keep" {
		t.Error("failed refresh must keep the last-good set")
	}
}
