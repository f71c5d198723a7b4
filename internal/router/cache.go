package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// DefaultRuleTTL bounds how long a cached rule set serves before a
// background refresh is attempted.
const DefaultRuleTTL = 60 * time.Second

// refreshTimeout bounds one background reload of the rule set.
const refreshTimeout = 10 * time.Second

// RuleSource is the persistence surface the cache reloads rules from.
type RuleSource interface {
	ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error)
}

// compiledRule is a routing rule with its pattern pre-compiled at load
// time, so the hot path never compiles regexes.
type compiledRule struct {
	models.RoutingRule
	re *regexp.Regexp
}

// ruleSet is one immutable snapshot of the routing rules, partitioned by
// tier and pre-sorted by descending priority (name ascending as the
// tie-break), so first-match evaluation is deterministic.
type ruleSet struct {
	command     []compiledRule
	keyword     []compiledRule
	pattern     []compiledRule
	translation []compiledRule
}

// RuleCache serves routing rule snapshots with a bounded TTL. Reads
// always return the last-good snapshot immediately; a stale snapshot
// triggers an asynchronous refresh so the routing hot path never blocks
// on rule-store I/O.
type RuleCache struct {
	source RuleSource
	ttl    time.Duration

	mu         sync.RWMutex
	set        *ruleSet
	loadedAt   time.Time
	refreshing atomic.Bool
}

// CacheOpts holds configuration options for the rule cache.
type CacheOpts struct {
	TTL time.Duration
}

// CacheOption defines a configuration option for the rule cache.
type CacheOption func(*CacheOpts)

// WithRuleTTL overrides the snapshot TTL.
func WithRuleTTL(d time.Duration) CacheOption {
	return func(o *CacheOpts) { o.TTL = d }
}

// NewRuleCache creates a rule cache over the given source. The cache
// starts empty; call Refresh during startup to load the first snapshot.
func NewRuleCache(source RuleSource, opts ...CacheOption) *RuleCache {
	cfg := CacheOpts{TTL: DefaultRuleTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RuleCache{
		source: source,
		ttl:    cfg.TTL,
		set:    &ruleSet{},
	}
}

// Rules returns the current snapshot. A stale snapshot is still
// returned; the reload happens in the background and later reads pick up
// the fresh set.
func (c *RuleCache) Rules() *ruleSet {
	c.mu.RLock()
	set := c.set
	stale := time.Since(c.loadedAt) > c.ttl
	c.mu.RUnlock()

	if stale && c.refreshing.CompareAndSwap(false, true) {
		go func() {
			defer c.refreshing.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if err := c.Refresh(ctx); err != nil {
				slog.Error("RuleCache background refresh failed, serving stale set", "error", err)
			}
		}()
	}
	return set
}

// Refresh reloads the rule set from the source synchronously. On failure
// the previous snapshot stays in place.
func (c *RuleCache) Refresh(ctx context.Context) error {
	rules, err := c.source.ListRoutingRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list routing rules: %w", err)
	}
	set := buildRuleSet(rules)

	c.mu.Lock()
	c.set = set
	c.loadedAt = time.Now()
	c.mu.Unlock()

	slog.Info("RuleCache refreshed",
		"command", len(set.command), "keyword", len(set.keyword),
		"pattern", len(set.pattern), "translation", len(set.translation))
	return nil
}

// Invalidate forces an immediate synchronous reload, used by the admin
// API after rule edits.
func (c *RuleCache) Invalidate(ctx context.Context) error {
	return c.Refresh(ctx)
}

// buildRuleSet partitions, compiles, and sorts one rule snapshot. An
// invalid stored regex is logged and the rule skipped; a bad rule must
// never take routing down.
func buildRuleSet(rules []models.RoutingRule) *ruleSet {
	set := &ruleSet{}
	for _, rule := range rules {
		cr := compiledRule{RoutingRule: rule}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				slog.Error("RuleCache invalid rule pattern, skipping rule", "rule", rule.Name, "pattern", rule.Pattern, "error", err)
				continue
			}
			cr.re = re
		}
		switch rule.Type {
		case models.RuleTypeCommand:
			set.command = append(set.command, cr)
		case models.RuleTypeKeyword:
			set.keyword = append(set.keyword, cr)
		case models.RuleTypePattern:
			if cr.re == nil {
				slog.Error("RuleCache pattern rule has no pattern, skipping rule", "rule", rule.Name)
				continue
			}
			set.pattern = append(set.pattern, cr)
		case models.RuleTypeTranslation:
			set.translation = append(set.translation, cr)
		default:
			slog.Error("RuleCache unknown rule type, skipping rule", "rule", rule.Name, "type", rule.Type)
		}
	}
	sortTier(set.command)
	sortTier(set.keyword)
	sortTier(set.pattern)
	sortTier(set.translation)
	return set
}

func sortTier(rules []compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
	// Same-priority rules in one tier are a configuration smell: which
	// one wins is decided only by the name tie-break.
	for i := 1; i < len(rules); i++ {
		if rules[i].Priority == rules[i-1].Priority {
			slog.Warn("RuleCache rules share a priority within a tier", "rule", rules[i].Name, "other", rules[i-1].Name, "priority", rules[i].Priority)
		}
	}
}
