// Package engine advances conversation flow instances: one active state
// machine per session, advanced on each inbound turn, suspended on wait
// states, and resumed by the next user message, a timeout, or an
// external signal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/models"
)

// maxStepsPerTurn bounds how many states one turn may traverse, so a
// miswired transition cycle cannot spin forever.
const maxStepsPerTurn = 32

// SessionStore is the narrow persistence surface the engine needs.
// Defined here to avoid a circular import with the store package.
type SessionStore interface {
	GetSession(key string) (*models.Session, error)
	SaveSession(s models.Session) error
}

// AsyncNotifier delivers a reply produced outside an inbound turn (a
// timeout firing, a payment signal) through the session's channel.
type AsyncNotifier func(ctx context.Context, session *models.Session, reply *models.Reply)

// Engine drives flow instances. It is stateless between turns: the
// session record carries the suspension, and all engine state is the
// immutable flow registry plus the timeout scheduler.
type Engine struct {
	flows       *flows.Registry
	executors   *ExecutorRegistry
	store       SessionStore
	locks       *sessionLocks
	timeouts    *TimeoutScheduler
	execTimeout time.Duration
	notify      AsyncNotifier
	sessionTTL  time.Duration
}

// Opts holds configuration options for the engine.
type Opts struct {
	ExecutorTimeout time.Duration
	SessionTTL      time.Duration
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithExecutorTimeout bounds each action executor invocation.
func WithExecutorTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ExecutorTimeout = d }
}

// WithSessionTTL sets the sliding session lifetime renewed on commit.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = d }
}

// New creates a flow engine over the given registries and session store.
func New(reg *flows.Registry, executors *ExecutorRegistry, store SessionStore, opts ...Option) *Engine {
	cfg := Opts{ExecutorTimeout: DefaultExecutorTimeout, SessionTTL: models.DefaultSessionTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating Engine", "executor_timeout", cfg.ExecutorTimeout, "session_ttl", cfg.SessionTTL)
	return &Engine{
		flows:       reg,
		executors:   executors,
		store:       store,
		locks:       newSessionLocks(),
		timeouts:    NewTimeoutScheduler(),
		execTimeout: cfg.ExecutorTimeout,
		sessionTTL:  cfg.SessionTTL,
	}
}

// SetAsyncNotifier installs the delivery callback for replies produced
// by timeouts and external signals. Wired by the gateway at startup.
func (e *Engine) SetAsyncNotifier(fn AsyncNotifier) {
	e.notify = fn
}

// Executors exposes the executor registry for wiring and flow validation.
func (e *Engine) Executors() *ExecutorRegistry {
	return e.executors
}

// Timeouts exposes the timeout scheduler, mainly for tests and shutdown.
func (e *Engine) Timeouts() *TimeoutScheduler {
	return e.timeouts
}

// LockSession acquires the per-session serialization lock and returns
// the release function. The gateway holds this across a whole inbound
// turn; timeout and signal injection acquire the same lock.
func (e *Engine) LockSession(key string) func() {
	return e.locks.acquire(key)
}

// StartFlow binds the session to a new flow instance at its initial
// state and advances until the flow suspends or ends. Caller must hold
// the session lock.
func (e *Engine) StartFlow(ctx context.Context, session *models.Session, flowID string) (*models.Reply, error) {
	def, ok := e.flows.Get(flowID)
	if !ok {
		return nil, fmt.Errorf("flow %s not registered", flowID)
	}
	if session.CurrentFlow != nil {
		// Replacing an active flow tears the old instance down first.
		e.timeouts.CancelSession(session.Key)
	}
	session.CurrentFlow = &models.FlowRef{FlowID: def.ID, State: def.InitialState, EnteredAt: time.Now()}
	slog.Info("Engine flow started", "session", session.Key, "flow", def.ID, "state", def.InitialState)
	return e.step(ctx, session, "")
}

// OnUserMessage advances the session's active flow with the inbound
// user_message event. Returns (nil, false, nil) when no flow is active.
// Caller must hold the session lock.
func (e *Engine) OnUserMessage(ctx context.Context, session *models.Session) (*models.Reply, bool, error) {
	if session.CurrentFlow == nil {
		return nil, false, nil
	}
	reply, err := e.step(ctx, session, models.EventUserMessage)
	return reply, true, err
}

// CancelFlow tears down the session's active flow instance: pending
// timeouts are cancelled, the flow reference cleared, and the session
// persisted. Used by the router's command tier so cancellation works
// even when a flow author forgot to wire a cancel path.
func (e *Engine) CancelFlow(ctx context.Context, session *models.Session) error {
	if session.CurrentFlow == nil {
		return nil
	}
	slog.Info("Engine flow cancelled", "session", session.Key, "flow", session.CurrentFlow.FlowID, "state", session.CurrentFlow.State)
	e.timeouts.CancelSession(session.Key)
	session.ClearFlow()
	return e.commit(session)
}

// RekeyTimers moves a session's pending wait timeout from its previous
// key to its current one after an identity upgrade. The old key's
// timers are cancelled; if the session is parked on a wait state with a
// timeout, the remaining duration is re-armed under the new key. Caller
// must hold the session lock and have already persisted the session
// under its new key.
func (e *Engine) RekeyTimers(oldKey string, session *models.Session) {
	e.timeouts.CancelSession(oldKey)
	e.armWaitTimeout(session)
}

// RecoverTimeouts re-arms wait-state timers for sessions that were
// parked when the process last stopped. Timers live only in memory, so
// a restart would otherwise leave a parked session waiting forever
// unless the user wrote again. A session whose timeout already elapsed
// while the process was down fires almost immediately. Returns the
// number of timers armed.
func (e *Engine) RecoverTimeouts(sessions []models.Session) int {
	var armed int
	for i := range sessions {
		if e.armWaitTimeout(&sessions[i]) {
			armed++
		}
	}
	if armed > 0 {
		slog.Info("Engine recovered parked wait timeouts", "count", armed)
	}
	return armed
}

// armWaitTimeout schedules the remaining timeout for a session parked
// on a wait state and reports whether a timer was armed.
func (e *Engine) armWaitTimeout(session *models.Session) bool {
	if session.CurrentFlow == nil {
		return false
	}
	def, ok := e.flows.Get(session.CurrentFlow.FlowID)
	if !ok {
		return false
	}
	st, ok := def.States[session.CurrentFlow.State]
	if !ok || st.Kind != models.StateKindWait || st.Timeout <= 0 {
		return false
	}
	remaining := time.Until(session.CurrentFlow.EnteredAt.Add(st.Timeout))
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	ref := *session.CurrentFlow
	key := session.Key
	e.timeouts.Schedule(key, ref, remaining, func() {
		if err := e.Signal(context.Background(), key, ref, models.EventTimeout); err != nil {
			slog.Error("Engine timeout signal failed", "session", key, "state", ref.State, "error", err)
		}
	})
	return true
}

// Signal injects an external event (payment webhook, timeout) into a
// parked session. It acquires the session lock itself and verifies the
// session is still parked on the expected state; a stale signal is a
// no-op. The produced reply, if any, is pushed through the async
// notifier.
func (e *Engine) Signal(ctx context.Context, sessionKey string, expect models.FlowRef, event string) error {
	unlock := e.locks.acquire(sessionKey)
	defer unlock()

	session, err := e.store.GetSession(sessionKey)
	if err != nil {
		return fmt.Errorf("failed to load session for signal: %w", err)
	}
	if session == nil || session.CurrentFlow == nil {
		slog.Debug("Engine signal for idle session ignored", "session", sessionKey, "event", event)
		return nil
	}
	cur := *session.CurrentFlow
	if cur.FlowID != expect.FlowID || cur.State != expect.State || !cur.EnteredAt.Equal(expect.EnteredAt) {
		slog.Debug("Engine stale signal ignored", "session", sessionKey, "event", event, "expected_state", expect.State, "current_state", cur.State)
		return nil
	}

	reply, err := e.step(ctx, session, event)
	if err != nil {
		return err
	}
	if reply != nil && e.notify != nil {
		e.notify(ctx, session, reply)
	}
	return nil
}

// SignalCurrent injects an external event into whatever state the
// session is currently parked on. Unlike Signal the caller does not
// need the parked state reference, so it suits webhook ingress; in
// exchange the event is only accepted when the current state's
// transition table names it explicitly — anything else is a stale or
// misdirected signal and is ignored.
func (e *Engine) SignalCurrent(ctx context.Context, sessionKey, event string) error {
	unlock := e.locks.acquire(sessionKey)
	defer unlock()

	session, err := e.store.GetSession(sessionKey)
	if err != nil {
		return fmt.Errorf("failed to load session for signal: %w", err)
	}
	if session == nil || session.CurrentFlow == nil {
		slog.Debug("Engine signal for idle session ignored", "session", sessionKey, "event", event)
		return nil
	}
	def, ok := e.flows.Get(session.CurrentFlow.FlowID)
	if !ok {
		return fmt.Errorf("flow %s no longer registered", session.CurrentFlow.FlowID)
	}
	st, ok := def.States[session.CurrentFlow.State]
	if !ok {
		// Integrity recovery belongs to the next inbound turn, not a webhook.
		slog.Warn("Engine signal for unknown parked state ignored",
			"session", sessionKey, "flow", session.CurrentFlow.FlowID, "state", session.CurrentFlow.State)
		return nil
	}
	if _, named := st.Transitions[event]; !named {
		slog.Debug("Engine signal not accepted by parked state",
			"session", sessionKey, "state", session.CurrentFlow.State, "event", event)
		return nil
	}

	reply, err := e.step(ctx, session, event)
	if err != nil {
		return err
	}
	if reply != nil && e.notify != nil {
		e.notify(ctx, session, reply)
	}
	return nil
}

// step is the turn loop. An empty event processes the current state
// fresh; a non-empty event first resolves the current state's transition
// table. The loop runs until the flow suspends on a wait state, reaches
// a final state, or exhausts the step budget. Caller must hold the
// session lock.
func (e *Engine) step(ctx context.Context, session *models.Session, event string) (*models.Reply, error) {
	flowID := session.CurrentFlow.FlowID
	def, ok := e.flows.Get(flowID)
	if !ok {
		// The definition disappeared (redeploy); tear down rather than crash.
		slog.Error("Engine flow definition missing", "session", session.Key, "flow", flowID)
		e.timeouts.CancelSession(session.Key)
		session.ClearFlow()
		if err := e.commit(session); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("flow %s no longer registered", flowID)
	}

	reply := &models.Reply{}
	pending := event

	for steps := 0; steps < maxStepsPerTurn; steps++ {
		cur := session.CurrentFlow.State
		st, ok := def.States[cur]
		if !ok {
			if def.IsFinal(cur) {
				return e.teardown(session, reply)
			}
			// Current state vanished from the definition, e.g. after a flow
			// redeploy. Reset to the initial state instead of failing the turn.
			slog.Warn("Engine session state not found in flow, resetting to initial",
				"session", session.Key, "flow", def.ID, "state", cur, "error", models.ErrSessionIntegrity)
			e.timeouts.CancelSession(session.Key)
			session.CurrentFlow = &models.FlowRef{FlowID: def.ID, State: def.InitialState, EnteredAt: time.Now()}
			pending = ""
			continue
		}

		if pending != "" {
			next := resolveTransition(st.Transitions, pending)
			slog.Debug("Engine transition", "session", session.Key, "flow", def.ID, "from", cur, "event", pending, "to", next)
			e.timeouts.CancelSession(session.Key)
			session.CurrentFlow = &models.FlowRef{FlowID: def.ID, State: next, EnteredAt: time.Now()}
			pending = ""
			continue
		}

		appendPrompt(reply, st)

		switch st.Kind {
		case models.StateKindAction:
			pending = e.runActions(ctx, st, session)
		case models.StateKindDecision:
			pending = evalDecision(st, session)
			slog.Debug("Engine decision evaluated", "session", session.Key, "state", cur, "event", pending)
		case models.StateKindWait:
			// Suspend: persist the parked state and hand control back. The
			// next inbound message or the timeout sweep resumes it.
			if st.Timeout > 0 {
				ref := *session.CurrentFlow
				key := session.Key
				e.timeouts.Schedule(key, ref, st.Timeout, func() {
					if err := e.Signal(context.Background(), key, ref, models.EventTimeout); err != nil {
						slog.Error("Engine timeout signal failed", "session", key, "state", ref.State, "error", err)
					}
				})
			}
			if err := e.commit(session); err != nil {
				return nil, err
			}
			return finishReply(reply), nil
		}
	}

	slog.Error("Engine step budget exhausted, suspending turn", "session", session.Key, "flow", def.ID, "state", session.CurrentFlow.State)
	if err := e.commit(session); err != nil {
		return nil, err
	}
	return finishReply(reply), errors.New("flow transition budget exhausted")
}

// runActions executes the state's actions in declared order, merging
// each executor's context updates into the bag. The aggregate outcome is
// the last explicitly reported event, or default when none reported one.
// An executor failure short-circuits with the error event.
func (e *Engine) runActions(ctx context.Context, st models.FlowState, session *models.Session) string {
	outcome := models.EventDefault
	for _, action := range st.Actions {
		result := e.executors.invoke(ctx, action, session, e.execTimeout)
		for k, v := range result.ContextUpdates {
			session.SetContext(k, v)
		}
		if result.Error != nil {
			slog.Warn("Engine action reported failure", "session", session.Key, "executor", action.Executor, "code", result.Error.Code, "message", result.Error.Message)
			return models.EventError
		}
		if result.Event != "" {
			outcome = result.Event
		}
	}
	return outcome
}

// teardown ends the flow instance: timers cancelled, flow reference
// cleared, session persisted. The turn's reply is still produced.
func (e *Engine) teardown(session *models.Session, reply *models.Reply) (*models.Reply, error) {
	slog.Info("Engine flow finished", "session", session.Key, "flow", session.CurrentFlow.FlowID, "final_state", session.CurrentFlow.State)
	e.timeouts.CancelSession(session.Key)
	session.ClearFlow()
	if err := e.commit(session); err != nil {
		return nil, err
	}
	return finishReply(reply), nil
}

// commit persists the session with its TTL renewed. State name and
// context bag land in one write so a crash can never observe a
// half-advanced turn.
func (e *Engine) commit(session *models.Session) error {
	session.Touch(e.sessionTTL)
	if err := e.store.SaveSession(*session); err != nil {
		slog.Error("Engine session save failed", "session", session.Key, "error", err)
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// resolveTransition resolves an event against a transition table: exact
// match, else the mandatory default entry.
func resolveTransition(transitions map[string]string, event string) string {
	if next, ok := transitions[event]; ok {
		return next
	}
	return transitions[models.EventDefault]
}

// evalDecision evaluates the state's ordered conditions against the
// context bag; the first true condition's event fires, else default.
func evalDecision(st models.FlowState, session *models.Session) string {
	for _, cond := range st.Conditions {
		if evalCondition(cond.If, session.Context) {
			return cond.Event
		}
	}
	return models.EventDefault
}

// evalCondition evaluates the small condition grammar:
//
//	"key == value", "key != value", "has key", "not key"
//
// Unknown expressions evaluate false and are logged once per evaluation.
func evalCondition(expr string, bag map[string]string) bool {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "has "):
		_, ok := bag[strings.TrimSpace(expr[4:])]
		return ok
	case strings.HasPrefix(expr, "not "):
		_, ok := bag[strings.TrimSpace(expr[4:])]
		return !ok
	}
	if i := strings.Index(expr, "!="); i >= 0 {
		key := strings.TrimSpace(expr[:i])
		want := strings.TrimSpace(expr[i+2:])
		return bag[key] != want
	}
	if i := strings.Index(expr, "=="); i >= 0 {
		key := strings.TrimSpace(expr[:i])
		want := strings.TrimSpace(expr[i+2:])
		return bag[key] == want
	}
	slog.Warn("Engine condition expression not understood", "expr", expr)
	return false
}

// appendPrompt collects a state's prompt and buttons into the turn reply.
func appendPrompt(reply *models.Reply, st models.FlowState) {
	if st.Prompt == "" {
		return
	}
	if reply.Text != "" {
		reply.Text += "\n"
	}
	reply.Text += st.Prompt
	reply.Buttons = append(reply.Buttons, st.Buttons...)
}

// finishReply normalizes an empty accumulated reply to nil.
func finishReply(reply *models.Reply) *models.Reply {
	if reply.Text == "" && len(reply.Buttons) == 0 {
		return nil
	}
	return reply
}
