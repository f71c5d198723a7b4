// Package testutil provides shared fixtures for exercising the full
// orchestration stack against in-memory dependencies.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/skyagarwal/mangwale-core/internal/engine"
	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/gateway"
	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

// StaticClassifier reports a fixed intent for every message.
type StaticClassifier struct {
	Intent string
}

// Classify implements the gateway classifier contract.
func (c StaticClassifier) Classify(ctx context.Context, text string) (string, error) {
	if c.Intent == "" {
		return "unknown", nil
	}
	return c.Intent, nil
}

// RecordingSender captures pushed replies instead of delivering them.
type RecordingSender struct {
	mu    sync.Mutex
	Sends []SentReply
}

// SentReply is one captured outbound reply.
type SentReply struct {
	SessionKey string
	Reply      *models.Reply
}

// Send implements the gateway sender contract.
func (r *RecordingSender) Send(ctx context.Context, session *models.Session, reply *models.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sends = append(r.Sends, SentReply{SessionKey: session.Key, Reply: reply})
	return nil
}

// Count returns how many replies were captured.
func (r *RecordingSender) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Sends)
}

// NoopExecutor reports the given event without doing any work.
func NoopExecutor(event string) engine.Executor {
	return engine.ExecutorFunc(func(ctx context.Context, action models.ActionSpec, session *models.Session) (models.ActionResult, error) {
		return models.ActionResult{Event: event}, nil
	})
}

// Fixture is a fully wired in-memory orchestration stack: the shipped
// flows, no-op executors for every action they reference, an empty rule
// cache, and a gateway backed by a recording sender.
type Fixture struct {
	Store     *store.InMemoryStore
	Flows     *flows.Registry
	Executors *engine.ExecutorRegistry
	Engine    *engine.Engine
	Cache     *router.RuleCache
	Router    *router.Router
	Gateway   *gateway.Gateway
	Sender    *RecordingSender
}

// backendActions are the executor names the shipped flows reference.
var backendActions = []string{
	"catalog_suggest", "cart_build", "pricing_quote", "order_commit",
	"parcel_quote", "parcel_commit", "address_validate",
	"payment_initiate", "otp_send", "otp_check", "feedback_save",
}

// NewFixture assembles the stack. Classifier intent defaults to
// "unknown"; seed rules are stored and loaded into the cache before the
// router sees them.
func NewFixture(t *testing.T, classifierIntent string, seedRules ...models.RoutingRule) *Fixture {
	t.Helper()

	st := store.NewInMemoryStore()
	for _, rule := range seedRules {
		if err := st.SaveRoutingRule(rule); err != nil {
			t.Fatalf("failed to seed rule %s: %v", rule.Name, err)
		}
	}

	executors := engine.NewExecutorRegistry()
	for _, name := range backendActions {
		executors.Register(name, NoopExecutor(models.EventDefault))
	}

	reg := flows.NewRegistry()
	if err := flows.LoadBuiltin(reg, executors); err != nil {
		t.Fatalf("failed to load shipped flows: %v", err)
	}

	eng := engine.New(reg, executors, st)

	cache := router.NewRuleCache(st)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("failed to refresh rule cache: %v", err)
	}
	rt := router.New(cache, reg)

	gw, err := gateway.New(st, eng, rt, StaticClassifier{Intent: classifierIntent})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	sender := &RecordingSender{}
	gw.SetSender(sender)

	return &Fixture{
		Store:     st,
		Flows:     reg,
		Executors: executors,
		Engine:    eng,
		Cache:     cache,
		Router:    rt,
		Gateway:   gw,
		Sender:    sender,
	}
}
