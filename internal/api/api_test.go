package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skyagarwal/mangwale-core/internal/engine"
	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/gateway"
	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/skill"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

// staticClassifier always reports the same intent.
type staticClassifier struct{ intent string }

func (c staticClassifier) Classify(ctx context.Context, text string) (string, error) {
	return c.intent, nil
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	reg := flows.NewRegistry()
	eng := engine.New(reg, engine.NewExecutorRegistry(), st)
	cache := router.NewRuleCache(st)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("cache refresh: %v", err)
	}
	rt := router.New(cache, reg)
	gw, err := gateway.New(st, eng, rt, staticClassifier{intent: "unknown"})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return NewServer(gw, st, cache), st
}

func postJSON(t *testing.T, handler http.Handler, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func assertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, want string) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, _ := resp["status"].(string); status != want {
		t.Errorf("status = %q, want %q (message: %v)", status, want, resp["message"])
	}
	return resp
}

func TestChatHandlerReturnsSyncReply(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := postJSON(t, srv.Handler(), "/chat", `{"token":"tok-1","message_id":"m1","text":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	resp := assertJSONStatus(t, rr, "ok")
	result, _ := resp["result"].(map[string]any)
	if result == nil {
		t.Fatal("missing result")
	}
	if result["session_key"] != "anon:tok-1" {
		t.Errorf("session_key = %v", result["session_key"])
	}
	reply, _ := result["reply"].(map[string]any)
	if reply == nil || reply["text"] == "" {
		t.Errorf("expected an inline reply, got %v", result["reply"])
	}
}

func TestChatHandlerDuplicateAcknowledged(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	postJSON(t, handler, "/chat", `{"token":"tok-1","message_id":"m1","text":"hello"}`)
	rr := postJSON(t, handler, "/chat", `{"token":"tok-1","message_id":"m1","text":"hello"}`)
	resp := assertJSONStatus(t, rr, "ok")
	result, _ := resp["result"].(map[string]any)
	if result["duplicate"] != true {
		t.Errorf("duplicate = %v", result["duplicate"])
	}
}

func TestChatHandlerMintsTokenWhenMissing(t *testing.T) {
	srv, st := newTestServer(t)
	rr := postJSON(t, srv.Handler(), "/chat", `{"text":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	resp := assertJSONStatus(t, rr, "ok")
	result, _ := resp["result"].(map[string]any)
	if result == nil {
		t.Fatal("missing result")
	}
	token, _ := result["token"].(string)
	if !strings.HasPrefix(token, "web_") {
		t.Fatalf("token = %q, want a minted web_ token", token)
	}
	key, _ := result["session_key"].(string)
	if key != "anon:"+token {
		t.Errorf("session_key = %q, want anon:%s", key, token)
	}
	if sess, _ := st.GetSession(key); sess == nil {
		t.Errorf("no session stored under minted key %q", key)
	}
}

func TestChatHandlerRejectsBadJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := postJSON(t, srv.Handler(), "/chat", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestPollHandlerEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/messages?token=tok-1", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := assertJSONStatus(t, rr, "ok")
	if result, ok := resp["result"].([]any); !ok || len(result) != 0 {
		t.Errorf("result = %v, want empty list", resp["result"])
	}
}

func TestPollHandlerRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

// newPaymentTestServer wires a flow that parks on a payment-style wait
// state so the webhook path can be exercised end to end.
func newPaymentTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	executors := engine.NewExecutorRegistry()
	executors.Register("payment_initiate", engine.ExecutorFunc(func(ctx context.Context, action models.ActionSpec, sess *models.Session) (models.ActionResult, error) {
		return models.ActionResult{}, nil
	}))
	reg := flows.NewRegistry()
	def := &models.FlowDefinition{
		ID:             "pay_v1",
		Enabled:        true,
		TriggerIntents: []string{"pay"},
		InitialState:   "charge",
		FinalStates:    []string{"done"},
		States: map[string]models.FlowState{
			"charge": {
				Kind:        models.StateKindAction,
				Actions:     []models.ActionSpec{{Executor: "payment_initiate"}},
				Transitions: map[string]string{models.EventDefault: "pending", models.EventError: "pending"},
			},
			"pending": {
				Kind:   models.StateKindWait,
				Prompt: "Complete the payment using the link we just sent.",
				Transitions: map[string]string{
					skill.EventPaymentSuccess: "done",
					skill.EventPaymentFailed:  "pending",
					models.EventUserMessage:   "pending",
					models.EventDefault:       "pending",
				},
			},
		},
	}
	if err := reg.Register(def, executors); err != nil {
		t.Fatalf("register flow: %v", err)
	}
	eng := engine.New(reg, executors, st)
	t.Cleanup(func() { eng.Timeouts().Stop() })
	cache := router.NewRuleCache(st)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("cache refresh: %v", err)
	}
	rt := router.New(cache, reg)
	gw, err := gateway.New(st, eng, rt, staticClassifier{intent: "pay"})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return NewServer(gw, st, cache), st
}

func TestPaymentSignalAdvancesParkedSession(t *testing.T) {
	srv, st := newPaymentTestServer(t)
	handler := srv.Handler()

	postJSON(t, handler, "/chat", `{"token":"tok-pay","message_id":"m1","text":"pay for my order"}`)
	sess, _ := st.GetSession("anon:tok-pay")
	if sess == nil || sess.CurrentFlow == nil || sess.CurrentFlow.State != "pending" {
		t.Fatalf("session not parked on pending: %+v", sess)
	}

	rr := postJSON(t, handler, "/signals/payment", `{"session_key":"anon:tok-pay","status":"success"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	assertJSONStatus(t, rr, "ok")

	sess, _ = st.GetSession("anon:tok-pay")
	if sess == nil || sess.CurrentFlow != nil {
		t.Error("success signal should have completed the flow")
	}
}

func TestPaymentSignalFailureKeepsSessionParked(t *testing.T) {
	srv, st := newPaymentTestServer(t)
	handler := srv.Handler()

	postJSON(t, handler, "/chat", `{"token":"tok-pay","message_id":"m1","text":"pay for my order"}`)

	rr := postJSON(t, handler, "/signals/payment", `{"session_key":"anon:tok-pay","status":"failed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	sess, _ := st.GetSession("anon:tok-pay")
	if sess == nil || sess.CurrentFlow == nil || sess.CurrentFlow.State != "pending" {
		t.Errorf("failed signal should re-park on pending, got %+v", sess)
	}
}

func TestPaymentSignalRejectsUnknownStatus(t *testing.T) {
	srv, _ := newPaymentTestServer(t)
	rr := postJSON(t, srv.Handler(), "/signals/payment", `{"session_key":"anon:tok-pay","status":"maybe"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	assertJSONStatus(t, rr, "error")
}

func TestPaymentSignalRequiresSessionKey(t *testing.T) {
	srv, _ := newPaymentTestServer(t)
	rr := postJSON(t, srv.Handler(), "/signals/payment", `{"status":"success"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestRuleSaveListDelete(t *testing.T) {
	srv, st := newTestServer(t)
	handler := srv.Handler()

	rr := postJSON(t, handler, "/admin/rules", `{"name":"cancel_command","type":"command","priority":100,"keywords":["cancel"],"target_intent":"cancel_flow"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("save status = %d, body %s", rr.Code, rr.Body.String())
	}

	rules, err := st.ListRoutingRules(context.Background())
	if err != nil || len(rules) != 1 {
		t.Fatalf("rules = %v, err %v", rules, err)
	}
	if rules[0].UpdatedAt.IsZero() {
		t.Error("UpdatedAt must be stamped on save")
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
	list := httptest.NewRecorder()
	handler.ServeHTTP(list, req)
	resp := assertJSONStatus(t, list, "ok")
	if result, ok := resp["result"].([]any); !ok || len(result) != 1 {
		t.Errorf("list result = %v", resp["result"])
	}

	del := httptest.NewRequest(http.MethodDelete, "/admin/rules/cancel_command", nil)
	delRR := httptest.NewRecorder()
	handler.ServeHTTP(delRR, del)
	if delRR.Code != http.StatusOK {
		t.Fatalf("delete status = %d", delRR.Code)
	}
	rules, _ = st.ListRoutingRules(context.Background())
	if len(rules) != 0 {
		t.Errorf("rules after delete = %v", rules)
	}
}

func TestRuleSaveRejectsInvalidPattern(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := postJSON(t, srv.Handler(), "/admin/rules", `{"name":"bad","type":"pattern","pattern":"[unclosed","target_intent":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	assertJSONStatus(t, rr, "error")
}

func TestRuleSaveRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := postJSON(t, srv.Handler(), "/admin/rules", `{"name":"odd","type":"mystery","target_intent":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestRuleRefreshHandler(t *testing.T) {
	srv, st := newTestServer(t)
	if err := st.SaveRoutingRule(models.RoutingRule{Name: "r1", Type: models.RuleTypeKeyword, Keywords: []string{"hi"}, TargetIntent: "greet"}); err != nil {
		t.Fatal(err)
	}
	rr := postJSON(t, srv.Handler(), "/admin/rules/refresh", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	assertJSONStatus(t, rr, "ok")
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	assertJSONStatus(t, rr, "ok")
}
