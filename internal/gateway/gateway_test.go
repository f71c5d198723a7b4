package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/engine"
	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

// staticClassifier always returns the same intent.
type staticClassifier struct {
	intent string
	err    error
}

func (c *staticClassifier) Classify(ctx context.Context, text string) (string, error) {
	return c.intent, c.err
}

// recordingSender captures pushed replies.
type recordingSender struct {
	sent []string
	err  error
}

func (s *recordingSender) Send(ctx context.Context, session *models.Session, reply *models.Reply) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, reply.Text)
	return nil
}

type fixture struct {
	gateway   *Gateway
	store     *store.InMemoryStore
	engine    *engine.Engine
	sender    *recordingSender
	execCalls *atomic.Int32
}

func newFixture(t *testing.T, classifier Classifier) *fixture {
	t.Helper()

	st := store.NewInMemoryStore()
	var execCalls atomic.Int32

	executors := engine.NewExecutorRegistry()
	executors.Register("catalog_suggest", engine.ExecutorFunc(func(ctx context.Context, action models.ActionSpec, s *models.Session) (models.ActionResult, error) {
		execCalls.Add(1)
		return models.ActionResult{}, nil
	}))

	reg := flows.NewRegistry()
	def := &models.FlowDefinition{
		ID:             "food_order_v1",
		Enabled:        true,
		TriggerIntents: []string{"order_food"},
		InitialState:   "welcome",
		FinalStates:    []string{"done"},
		States: map[string]models.FlowState{
			"welcome": {
				Kind:        models.StateKindAction,
				Actions:     []models.ActionSpec{{Executor: "catalog_suggest"}},
				Transitions: map[string]string{models.EventDefault: "collect_order"},
			},
			"collect_order": {
				Kind:   models.StateKindWait,
				Prompt: "What would you like to order?",
				Transitions: map[string]string{
					models.EventUserMessage: "done",
					models.EventDefault:     "collect_order",
				},
			},
		},
	}
	if err := reg.Register(def, executors); err != nil {
		t.Fatalf("register flow: %v", err)
	}

	executors.Register("otp_check", engine.ExecutorFunc(func(ctx context.Context, action models.ActionSpec, s *models.Session) (models.ActionResult, error) {
		return models.ActionResult{
			Event:          "verified",
			ContextUpdates: map[string]string{IdentityUpgradeKey: "15557772222"},
		}, nil
	}))
	verify := &models.FlowDefinition{
		ID:             "verify_phone_v1",
		Enabled:        true,
		TriggerIntents: []string{"verify_phone"},
		InitialState:   "check",
		FinalStates:    []string{"done"},
		States: map[string]models.FlowState{
			"check": {
				Kind:    models.StateKindAction,
				Actions: []models.ActionSpec{{Executor: "otp_check"}},
				Transitions: map[string]string{
					"verified":          "done",
					models.EventDefault: "check_failed",
				},
			},
			"check_failed": {
				Kind:   models.StateKindWait,
				Prompt: "That code didn't match. Try again.",
				Transitions: map[string]string{
					models.EventUserMessage: "check",
					models.EventDefault:     "check_failed",
				},
			},
		},
	}
	if err := reg.Register(verify, executors); err != nil {
		t.Fatalf("register verify flow: %v", err)
	}

	eng := engine.New(reg, executors, st)
	t.Cleanup(func() { eng.Timeouts().Stop() })

	if err := st.SaveRoutingRule(models.RoutingRule{
		Name: "cancel_command", Type: models.RuleTypeCommand, Priority: 100,
		Keywords: []string{"cancel", "stop"}, TargetIntent: IntentCancelFlow,
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	if err := st.SaveRoutingRule(models.RoutingRule{
		Name: "food_words", Type: models.RuleTypeKeyword, Priority: 10,
		Keywords: []string{"pizza", "khana"}, TargetIntent: "order_food",
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	if err := st.SaveRoutingRule(models.RoutingRule{
		Name: "ghost_trigger", Type: models.RuleTypeKeyword, Priority: 5,
		Keywords: []string{"ghost"}, TargetIntent: "ghost_intent", TargetFlow: "ghost_flow_v1",
	}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	cache := router.NewRuleCache(st)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh rules: %v", err)
	}
	rt := router.New(cache, reg)

	gw, err := New(st, eng, rt, classifier)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sender := &recordingSender{}
	gw.SetSender(sender)

	return &fixture{gateway: gw, store: st, engine: eng, sender: sender, execCalls: &execCalls}
}

func envelope(id, recipient, text string) models.Envelope {
	return models.Envelope{MessageID: id, RecipientID: recipient, Text: text, Time: time.Now().Unix()}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})
	ctx := context.Background()

	first, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m1", "15550001111", "pizza"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first delivery flagged duplicate")
	}

	second, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m1", "15550001111", "pizza"))
	if err != nil {
		t.Fatalf("Handle retry: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("retried delivery not flagged duplicate")
	}
	if got := f.execCalls.Load(); got != 1 {
		t.Errorf("executor ran %d times, want exactly 1", got)
	}
	if len(f.sender.sent) != 1 {
		t.Errorf("sent %d replies, want 1", len(f.sender.sent))
	}
}

func TestIdentityNeverConflated(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})
	ctx := context.Background()

	// The same recipient string through an anonymous channel and a phone
	// channel must produce distinct sessions.
	web, err := f.gateway.Handle(ctx, models.ChannelWeb, envelope("m1", "15550001111", "hi"))
	if err != nil {
		t.Fatalf("Handle web: %v", err)
	}
	wa, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m2", "15550001111", "hi"))
	if err != nil {
		t.Fatalf("Handle whatsapp: %v", err)
	}
	if web.SessionKey == wa.SessionKey {
		t.Fatalf("session token conflated with phone number: %s", web.SessionKey)
	}
}

func TestSynchronousChannelGetsInlineReply(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "order_food"})

	res, err := f.gateway.Handle(context.Background(), models.ChannelWeb, envelope("m1", "tok-1", "I want food"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Reply == nil || res.Reply.Text != "What would you like to order?" {
		t.Errorf("reply = %v, want the flow prompt inline", res.Reply)
	}
	if len(f.sender.sent) != 0 {
		t.Error("synchronous channel must not push")
	}
}

func TestAsynchronousChannelPushes(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "order_food"})

	res, err := f.gateway.Handle(context.Background(), models.ChannelWhatsApp, envelope("m1", "15550001111", "khana"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Reply != nil {
		t.Error("asynchronous channel must not return an inline reply")
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "What would you like to order?" {
		t.Errorf("pushed = %v", f.sender.sent)
	}
}

func TestCancelCommandTearsDownActiveFlow(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})
	ctx := context.Background()

	if _, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m1", "15550001111", "pizza")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sess, _ := f.store.GetSession("15550001111")
	if sess == nil || sess.CurrentFlow == nil {
		t.Fatal("flow should be active before cancel")
	}

	res, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m2", "15550001111", "cancel"))
	if err != nil {
		t.Fatalf("Handle cancel: %v", err)
	}
	if res.Decision == nil || res.Decision.Tier != models.TierCommand {
		t.Fatalf("decision = %+v, want command tier", res.Decision)
	}
	sess, _ = f.store.GetSession("15550001111")
	if sess == nil || sess.CurrentFlow != nil {
		t.Error("cancel must clear the session's flow reference")
	}
	if f.engine.Timeouts().Pending() != 0 {
		t.Error("cancel must drop pending timeouts")
	}
}

func TestAttachmentsPersistBeforeRouting(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})

	env := envelope("m1", "15550001111", "")
	env.Attachments = &models.Attachments{
		Location:  &models.Location{Latitude: 19.076, Longitude: 72.8777, Label: "home"},
		Selection: "2",
	}
	if _, err := f.gateway.Handle(context.Background(), models.ChannelWhatsApp, env); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sess, _ := f.store.GetSession("15550001111")
	if sess == nil {
		t.Fatal("session not persisted")
	}
	if v, _ := sess.GetContext("selection"); v != "2" {
		t.Errorf("selection = %q", v)
	}
	if v, _ := sess.GetContext("location_label"); v != "home" {
		t.Errorf("location_label = %q", v)
	}
	if v, _ := sess.GetContext("location_lat"); v == "" {
		t.Error("location_lat missing")
	}
}

func TestTypedReplyDoublesAsSelection(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "order_food"})
	ctx := context.Background()

	if _, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m1", "15550001111", "khana")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m2", "15550001111", "1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sess, _ := f.store.GetSession("15550001111")
	if v, _ := sess.GetContext("selection"); v != "1" {
		t.Errorf("selection = %q, want the typed text", v)
	}
}

func TestUnknownMessageGetsFallback(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})

	res, err := f.gateway.Handle(context.Background(), models.ChannelWeb, envelope("m1", "tok-1", "asdf qwerty"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Reply == nil || res.Reply.Text != DefaultFallbackReply {
		t.Errorf("reply = %v, want the fallback", res.Reply)
	}
	if res.Decision.Tier != models.TierFallback {
		t.Errorf("tier = %s", res.Decision.Tier)
	}
}

func TestEngineFailureProducesApology(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})

	// The rule routes to a flow that is not registered; the engine error
	// must be contained into the apologetic reply.
	res, err := f.gateway.Handle(context.Background(), models.ChannelWeb, envelope("m1", "tok-1", "ghost"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Reply == nil || res.Reply.Text != DefaultApology {
		t.Errorf("reply = %v, want the apology", res.Reply)
	}
	sess, _ := f.store.GetSession("anon:tok-1")
	if sess != nil && sess.CurrentFlow != nil {
		t.Error("failed turn must not leave a half-started flow")
	}
}

func TestFailedPushQueuesPendingAndPollDrains(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "order_food"})
	f.sender.err = errors.New("transport down")
	ctx := context.Background()

	if _, err := f.gateway.Handle(ctx, models.ChannelWhatsApp, envelope("m1", "15550001111", "khana")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	pending, err := f.gateway.PollPending("15550001111")
	if err != nil {
		t.Fatalf("PollPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Body != "What would you like to order?" {
		t.Fatalf("pending = %+v", pending)
	}

	// Drained for good.
	pending, _ = f.gateway.PollPending("15550001111")
	if len(pending) != 0 {
		t.Error("poll must drain the queue")
	}
}

func TestVerifiedPhoneUpgradesAnonymousSession(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "verify_phone"})

	res, err := f.gateway.Handle(context.Background(), models.ChannelWeb, envelope("m1", "tok-9", "123456"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.SessionKey != "15557772222" {
		t.Fatalf("SessionKey = %q, want the verified phone", res.SessionKey)
	}

	if old, _ := f.store.GetSession("anon:tok-9"); old != nil {
		t.Error("pre-upgrade session row must be removed")
	}
	sess, _ := f.store.GetSession("15557772222")
	if sess == nil {
		t.Fatal("upgraded session not persisted")
	}
	if !sess.Authenticated || !sess.Identity.Verified() {
		t.Errorf("identity = %+v, authenticated = %v", sess.Identity, sess.Authenticated)
	}
	if v, _ := sess.GetContext("last_message"); v != "123456" {
		t.Errorf("context bag lost across upgrade: last_message = %q", v)
	}
}

func TestVerifiedSessionKeepsItsKey(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "verify_phone"})

	// A phone-channel session is already verified; the context entry the
	// verification step writes must not re-key it.
	res, err := f.gateway.Handle(context.Background(), models.ChannelWhatsApp, envelope("m1", "15550001111", "123456"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.SessionKey != "15550001111" {
		t.Errorf("SessionKey = %q, want the original phone key", res.SessionKey)
	}
	if sess, _ := f.store.GetSession("15557772222"); sess != nil {
		t.Error("no session must appear under the context phone")
	}
}

func TestRejectsUnresolvableIdentity(t *testing.T) {
	f := newFixture(t, &staticClassifier{intent: "unknown"})
	env := models.Envelope{MessageID: "m1", RecipientID: "   ", Text: "hi", Time: time.Now().Unix()}
	if _, err := f.gateway.Handle(context.Background(), models.ChannelWhatsApp, env); err == nil {
		t.Error("expected a client error for blank recipient")
	}
}
