// Package router resolves a classified inbound message to a target
// intent and, where one applies, a target flow. Evaluation walks fixed
// tiers in priority order: command rules, semantic detectors, keyword
// rules, pattern rules, intent translations, then the flow registry's
// trigger-intent index, with a low-confidence fallback when nothing
// matches.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/models"
)

const (
	// DefaultSemanticThreshold is the confidence a detector must clear
	// before its verdict may override the classifier intent.
	DefaultSemanticThreshold = 0.7
	// FallbackConfidence tags a decision with no matching rule or flow,
	// so the caller can degrade to a generic conversational response.
	FallbackConfidence = 0.3
	// classifierConfidence tags a decision where the raw classifier
	// intent resolved a flow directly with no rule involved.
	classifierConfidence = 0.6
)

// Router evaluates routing rule tiers and semantic detectors against an
// inbound message. It is stateless per call; rules come from the cache
// snapshot, flows from the immutable registry.
type Router struct {
	cache     *RuleCache
	flows     *flows.Registry
	detectors []SemanticBinding
	threshold float64
}

// Opts holds configuration options for the router.
type Opts struct {
	SemanticThreshold float64
}

// Option defines a configuration option for the router.
type Option func(*Opts)

// WithSemanticThreshold overrides the detector confidence threshold.
func WithSemanticThreshold(v float64) Option {
	return func(o *Opts) { o.SemanticThreshold = v }
}

// New creates a router over the given rule cache and flow registry.
func New(cache *RuleCache, reg *flows.Registry, opts ...Option) *Router {
	cfg := Opts{SemanticThreshold: DefaultSemanticThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Router{
		cache:     cache,
		flows:     reg,
		threshold: cfg.SemanticThreshold,
	}
}

// BindDetector registers a semantic detector with the intent it promotes
// to and the classifier intents it may override.
func (r *Router) BindDetector(d Detector, targetIntent string, overrides ...string) {
	r.detectors = append(r.detectors, SemanticBinding{Detector: d, TargetIntent: targetIntent, OverrideSet: overrides})
	slog.Info("Router detector bound", "detector", d.Name(), "target_intent", targetIntent, "overrides", overrides)
}

// Route resolves one message to a decision. rawIntent is the upstream
// classifier's verdict; text is the normalized message body.
func (r *Router) Route(ctx context.Context, rawIntent, text string, rc models.RoutingContext) models.RouteDecision {
	set := r.cache.Rules()
	decision := models.RouteDecision{RawIntent: rawIntent, Intent: rawIntent}

	// Tier 1: command rules always win, even over an active flow.
	for _, rule := range set.command {
		if !rule.Preconditions.Satisfied(rc) {
			continue
		}
		if !matchCommand(rule, text) {
			continue
		}
		decision.Intent = rule.TargetIntent
		decision.FlowID = rule.TargetFlow
		decision.Tier = models.TierCommand
		decision.Confidence = ruleConfidence(rule.RoutingRule, 1.0)
		decision.Reason = "command rule " + rule.Name + " matched"
		decision.MatchedRules = append(decision.MatchedRules, rule.Name)
		if decision.FlowID == "" {
			r.attachFlow(&decision)
		}
		return decision
	}

	// Tier 2: semantic detectors, gated by their override sets. The
	// highest-confidence positive verdict above the threshold wins.
	if intent, name, conf := r.detectSemantic(ctx, rawIntent, text); intent != "" {
		decision.Intent = intent
		decision.Tier = models.TierSemantic
		decision.Confidence = conf
		decision.Reason = "semantic detector " + name + " overrode intent " + rawIntent
		decision.MatchedRules = append(decision.MatchedRules, name)
		r.attachFlow(&decision)
		return decision
	}

	// Tier 3: keyword rules.
	for _, rule := range set.keyword {
		if !rule.AppliesToIntent(rawIntent) || !rule.Preconditions.Satisfied(rc) {
			continue
		}
		if !matchKeywords(rule, text) {
			continue
		}
		decision.Intent = rule.TargetIntent
		decision.FlowID = rule.TargetFlow
		decision.Tier = models.TierKeyword
		decision.Confidence = ruleConfidence(rule.RoutingRule, 0.9)
		decision.Reason = "keyword rule " + rule.Name + " matched"
		decision.MatchedRules = append(decision.MatchedRules, rule.Name)
		if decision.FlowID == "" {
			r.attachFlow(&decision)
		}
		return decision
	}

	// Tier 4: pattern rules. Invalid regexes were dropped at load time.
	for _, rule := range set.pattern {
		if !rule.AppliesToIntent(rawIntent) || !rule.Preconditions.Satisfied(rc) {
			continue
		}
		if !rule.re.MatchString(text) {
			continue
		}
		decision.Intent = rule.TargetIntent
		decision.FlowID = rule.TargetFlow
		decision.Tier = models.TierPattern
		decision.Confidence = ruleConfidence(rule.RoutingRule, 0.9)
		decision.Reason = "pattern rule " + rule.Name + " matched"
		decision.MatchedRules = append(decision.MatchedRules, rule.Name)
		if decision.FlowID == "" {
			r.attachFlow(&decision)
		}
		return decision
	}

	// Tier 5: translation rules map the raw intent to a canonical one
	// when their preconditions hold; otherwise the raw intent passes
	// through unchanged.
	for _, rule := range set.translation {
		if !rule.AppliesToIntent(rawIntent) || !rule.Preconditions.Satisfied(rc) {
			continue
		}
		decision.Intent = rule.TargetIntent
		decision.FlowID = rule.TargetFlow
		decision.Tier = models.TierTranslation
		decision.Confidence = ruleConfidence(rule.RoutingRule, 0.8)
		decision.Reason = "translation rule " + rule.Name + " mapped intent " + rawIntent
		decision.MatchedRules = append(decision.MatchedRules, rule.Name)
		if decision.FlowID == "" {
			r.attachFlow(&decision)
		}
		return decision
	}

	// Tier 6: the raw intent itself against the trigger-intent index.
	if def, ok := r.flows.LookupIntent(decision.Intent); ok {
		decision.FlowID = def.ID
		decision.Tier = models.TierClassifier
		decision.Confidence = classifierConfidence
		decision.Reason = "classifier intent resolved a flow"
		return decision
	}

	// Tier 7: nothing matched.
	decision.Tier = models.TierFallback
	decision.Confidence = FallbackConfidence
	decision.Reason = "no rule or flow matched"
	slog.Debug("Router fell back", "intent", rawIntent, "session", rc.SessionKey)
	return decision
}

// detectSemantic runs the detectors whose override set admits the raw
// intent and returns the winning target intent, detector name, and
// confidence; empty intent means no override. A detector error degrades
// to a non-match.
func (r *Router) detectSemantic(ctx context.Context, rawIntent, text string) (string, string, float64) {
	var (
		bestIntent string
		bestName   string
		bestConf   float64
	)
	for _, b := range r.detectors {
		if !b.canOverride(rawIntent) {
			continue
		}
		det, err := b.Detector.Detect(ctx, text)
		if err != nil {
			slog.Warn("Router semantic detector failed, skipping", "detector", b.Detector.Name(), "error", err)
			continue
		}
		if !det.Matched || det.Confidence < r.threshold {
			continue
		}
		if det.Confidence > bestConf {
			bestIntent, bestName, bestConf = b.TargetIntent, b.Detector.Name(), det.Confidence
		}
	}
	return bestIntent, bestName, bestConf
}

// attachFlow resolves the decision's intent against the flow registry.
// No flow is not an error; the decision simply carries no flow id.
func (r *Router) attachFlow(decision *models.RouteDecision) {
	if def, ok := r.flows.LookupIntent(decision.Intent); ok {
		decision.FlowID = def.ID
	}
}

// matchCommand requires the whole message to equal one of the rule's
// keywords, or the rule's pattern to match. Commands are deliberate,
// short utterances; containment matching would fire on ordinary prose.
func matchCommand(rule compiledRule, text string) bool {
	candidate := strings.TrimSpace(text)
	if !rule.CaseSensitive {
		candidate = strings.ToLower(candidate)
	}
	for _, kw := range rule.Keywords {
		if !rule.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		if candidate == kw {
			return true
		}
	}
	return rule.re != nil && rule.re.MatchString(candidate)
}

// matchKeywords reports whether any of the rule's keywords occurs in the
// message.
func matchKeywords(rule compiledRule, text string) bool {
	if !rule.CaseSensitive {
		text = strings.ToLower(text)
	}
	for _, kw := range rule.Keywords {
		if !rule.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func ruleConfidence(rule models.RoutingRule, fallback float64) float64 {
	if rule.Confidence > 0 {
		return rule.Confidence
	}
	return fallback
}
