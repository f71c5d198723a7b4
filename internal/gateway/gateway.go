// Package gateway is the single ingress point for inbound messages: it
// deduplicates retried deliveries, resolves the caller's durable
// identity, persists structured attachments into the session, routes the
// message, drives the flow engine, and hands the produced reply to the
// channel-appropriate delivery path.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skyagarwal/mangwale-core/internal/engine"
	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

const (
	// DefaultDedupWindow is how long handled message ids are retained.
	DefaultDedupWindow = 24 * time.Hour
	// DefaultRecentCacheSize bounds the in-process recent-message cache
	// that answers most duplicate checks without a store round trip.
	DefaultRecentCacheSize = 4096

	// IntentCancelFlow is the command-tier intent that tears down the
	// active flow regardless of the flow's own transition table.
	IntentCancelFlow = "cancel_flow"

	// DefaultApology is the generic response for an unrecovered internal
	// failure; the session stays at its last committed state.
	DefaultApology = "Sorry, something went wrong on our side. Please try that again."
	// DefaultFallbackReply answers a message no rule or flow matched.
	DefaultFallbackReply = "I didn't quite get that. You can order food, book a parcel pickup, or type \"help\"."
	// DefaultCancelReply acknowledges a cancelled flow.
	DefaultCancelReply = "Okay, cancelled. What would you like to do next?"
)

// Classifier is the first-pass intent classifier consulted before rule
// evaluation.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Sender pushes a reply through a session's outbound channel. Wired to
// the channel adapter registry at startup.
type Sender interface {
	Send(ctx context.Context, session *models.Session, reply *models.Reply) error
}

// Gateway implements the handle(channel, envelope) ingress contract.
type Gateway struct {
	store      store.Store
	engine     *engine.Engine
	router     *router.Router
	classifier Classifier
	sender     Sender
	recent     *lru.Cache[string, struct{}]
	sessionTTL time.Duration
	window     time.Duration
}

// Opts holds configuration options for the gateway.
type Opts struct {
	SessionTTL      time.Duration
	DedupWindow     time.Duration
	RecentCacheSize int
}

// Option defines a configuration option for the gateway.
type Option func(*Opts)

// WithSessionTTL sets the sliding session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = d }
}

// WithDedupWindow sets the duplicate-detection window.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

// WithRecentCacheSize sets the in-process dedup cache capacity.
func WithRecentCacheSize(n int) Option {
	return func(o *Opts) { o.RecentCacheSize = n }
}

// New creates a gateway over the given store, engine, router, and
// classifier. The gateway installs itself as the engine's async
// notifier so timeout-produced replies reach the user.
func New(st store.Store, eng *engine.Engine, rt *router.Router, cl Classifier, opts ...Option) (*Gateway, error) {
	cfg := Opts{SessionTTL: models.DefaultSessionTTL, DedupWindow: DefaultDedupWindow, RecentCacheSize: DefaultRecentCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	recent, err := lru.New[string, struct{}](cfg.RecentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	g := &Gateway{
		store:      st,
		engine:     eng,
		router:     rt,
		classifier: cl,
		recent:     recent,
		sessionTTL: cfg.SessionTTL,
		window:     cfg.DedupWindow,
	}
	eng.SetAsyncNotifier(g.notifyAsync)
	return g, nil
}

// SetSender installs the outbound delivery path for asynchronous
// channels.
func (g *Gateway) SetSender(s Sender) {
	g.sender = s
}

// DedupWindow returns the duplicate-detection window, used by the
// pruning sweep.
func (g *Gateway) DedupWindow() time.Duration {
	return g.window
}

// Handle processes one inbound envelope. A duplicate delivery is
// acknowledged as success with no side effect; an unresolvable identity
// is rejected before any flow is touched; a downstream failure is
// contained into a generic apologetic reply.
func (g *Gateway) Handle(ctx context.Context, channel models.Channel, env models.Envelope) (*models.DispatchResult, error) {
	if !models.IsValidChannel(channel) {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidChannel, channel)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	identity, err := resolveIdentity(channel, env.RecipientID)
	if err != nil {
		return nil, err
	}
	sessionKey := identity.Key()

	dedupKey := string(channel) + "|" + env.MessageID
	if _, seen := g.recent.Get(dedupKey); seen {
		slog.Debug("Gateway duplicate message dropped (cache)", "channel", channel, "message_id", env.MessageID)
		return &models.DispatchResult{SessionKey: sessionKey, Duplicate: true}, nil
	}
	now := time.Now()
	fresh, err := g.store.MarkMessageHandled(models.DedupRecord{
		MessageID:  dedupKey,
		SessionKey: sessionKey,
		ReceivedAt: now,
		HandledAt:  &now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check message dedup: %w", err)
	}
	g.recent.Add(dedupKey, struct{}{})
	if !fresh {
		slog.Debug("Gateway duplicate message dropped (store)", "channel", channel, "message_id", env.MessageID)
		return &models.DispatchResult{SessionKey: sessionKey, Duplicate: true}, nil
	}

	unlock := g.engine.LockSession(sessionKey)
	defer unlock()

	session, err := g.loadOrCreateSession(sessionKey, identity, channel)
	if err != nil {
		return nil, err
	}

	// Attachments land in the context bag before routing so executors
	// and decision states can read them this very turn.
	text := applyAttachments(session, env)

	reply, decision := g.processTurn(ctx, session, text)

	g.maybeUpgradeIdentity(session)

	result := &models.DispatchResult{SessionKey: session.Key, Decision: decision}
	if channel.Synchronous() {
		result.Reply = reply
		return result, nil
	}
	if reply != nil {
		g.deliver(ctx, session, reply)
	}
	return result, nil
}

// SignalPayment delivers a payment gateway outcome to the session's
// parked payment state. The engine only accepts the event while the
// session is parked on a state that names it, so a late or misdirected
// callback is a no-op; any produced reply follows the channel's normal
// async delivery path.
func (g *Gateway) SignalPayment(ctx context.Context, sessionKey, event string) error {
	return g.engine.SignalCurrent(ctx, sessionKey, event)
}

// PollPending drains the session's queued outbound messages, used by
// polling channels to pick up replies produced outside their requests.
func (g *Gateway) PollPending(sessionKey string) ([]models.PendingMessage, error) {
	unlock := g.engine.LockSession(sessionKey)
	defer unlock()

	session, err := g.store.GetSession(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionKey, err)
	}
	if session == nil || len(session.PendingOutbound) == 0 {
		return nil, nil
	}
	pending := session.PendingOutbound
	session.PendingOutbound = nil
	session.Touch(g.sessionTTL)
	if err := g.store.SaveSession(*session); err != nil {
		return nil, fmt.Errorf("failed to drain pending outbound: %w", err)
	}
	return pending, nil
}

// processTurn classifies, routes, and advances the flow for one message.
// All downstream failures are contained here: the turn produces the
// apologetic reply and the session keeps its last committed state.
func (g *Gateway) processTurn(ctx context.Context, session *models.Session, text string) (*models.Reply, *models.RouteDecision) {
	rawIntent, err := g.classifier.Classify(ctx, text)
	if err != nil {
		slog.Warn("Gateway classifier failed, degrading to unknown intent", "session", session.Key, "error", err)
		rawIntent = "unknown"
	}

	rc := models.RoutingContext{SessionKey: session.Key, Authenticated: session.Authenticated}
	if session.CurrentFlow != nil {
		rc.ActiveFlowID = session.CurrentFlow.FlowID
	}
	decision := g.router.Route(ctx, rawIntent, text, rc)
	slog.Info("Gateway routed message",
		"session", session.Key, "tier", decision.Tier, "intent", decision.Intent,
		"flow", decision.FlowID, "confidence", decision.Confidence)

	reply, err := g.advance(ctx, session, decision)
	if err != nil {
		slog.Error("Gateway turn failed", "session", session.Key, "error", err)
		return &models.Reply{Text: DefaultApology}, &decision
	}
	return reply, &decision
}

// advance applies a route decision to the session's flow state.
func (g *Gateway) advance(ctx context.Context, session *models.Session, decision models.RouteDecision) (*models.Reply, error) {
	// Cancellation bypasses the flow's own transition table.
	if decision.Intent == IntentCancelFlow {
		hadFlow := session.CurrentFlow != nil
		if err := g.engine.CancelFlow(ctx, session); err != nil {
			return nil, err
		}
		if !hadFlow {
			if err := g.commit(session); err != nil {
				return nil, err
			}
		}
		return &models.Reply{Text: DefaultCancelReply}, nil
	}

	// A command decision naming a different flow preempts the active one.
	if decision.Tier == models.TierCommand && decision.FlowID != "" {
		if session.CurrentFlow == nil || session.CurrentFlow.FlowID != decision.FlowID {
			return g.engine.StartFlow(ctx, session, decision.FlowID)
		}
	}

	if session.CurrentFlow != nil {
		reply, _, err := g.engine.OnUserMessage(ctx, session)
		return reply, err
	}

	if decision.FlowID != "" {
		return g.engine.StartFlow(ctx, session, decision.FlowID)
	}

	// Nothing matched; retain this turn's context writes and degrade.
	if err := g.commit(session); err != nil {
		return nil, err
	}
	return &models.Reply{Text: DefaultFallbackReply}, nil
}

// IdentityUpgradeKey is the context entry an authentication step writes
// once the caller's phone number has been verified. Seeing it on an
// anonymous session promotes the session to a verified identity.
const IdentityUpgradeKey = "verified_phone"

// maybeUpgradeIdentity promotes an anonymous session whose turn left a
// verified phone number in the context bag: the session is re-keyed to
// the phone, the old record removed, and any parked wait timer moved to
// the new key. The per-session lock acquired for the old key still
// guards the rest of this turn; subsequent turns arrive under the new
// key.
func (g *Gateway) maybeUpgradeIdentity(session *models.Session) {
	if session.Identity.Verified() {
		return
	}
	phone, ok := session.GetContext(IdentityUpgradeKey)
	phone = strings.TrimSpace(phone)
	if !ok || phone == "" {
		return
	}

	prevIdentity := session.Identity
	oldKey := session.Key
	session.Upgrade(phone)
	if err := g.commit(session); err != nil {
		// The old record stays authoritative until the new one lands.
		session.Identity = prevIdentity
		session.Key = oldKey
		session.Authenticated = false
		slog.Error("Gateway identity upgrade failed to persist", "session", oldKey, "error", err)
		return
	}
	if err := g.store.DeleteSession(oldKey); err != nil {
		slog.Warn("Gateway failed to remove pre-upgrade session", "session", oldKey, "error", err)
	}
	g.engine.RekeyTimers(oldKey, session)
	slog.Info("Gateway session identity upgraded", "from", oldKey, "to", session.Key)
}

// deliver pushes one reply out-of-band. A failed push parks the message
// on the session so a later poll or retry can pick it up.
func (g *Gateway) deliver(ctx context.Context, session *models.Session, reply *models.Reply) {
	if g.sender == nil {
		slog.Error("Gateway has no sender wired, queueing reply", "session", session.Key)
		g.queuePending(session, reply)
		return
	}
	if err := g.sender.Send(ctx, session, reply); err != nil {
		slog.Error("Gateway outbound send failed, queueing reply", "session", session.Key, "error", err)
		g.queuePending(session, reply)
	}
}

// notifyAsync is the engine's callback for replies produced outside an
// inbound turn (timeouts, payment signals). Synchronous channels cannot
// be pushed to, so their replies queue for the next poll.
func (g *Gateway) notifyAsync(ctx context.Context, session *models.Session, reply *models.Reply) {
	if session.Channel.Synchronous() {
		g.queuePending(session, reply)
		return
	}
	g.deliver(ctx, session, reply)
}

func (g *Gateway) queuePending(session *models.Session, reply *models.Reply) {
	session.PendingOutbound = append(session.PendingOutbound, models.PendingMessage{
		ID:         uuid.NewString(),
		SessionKey: session.Key,
		Body:       reply.Text,
		CreatedAt:  time.Now(),
	})
	if err := g.commit(session); err != nil {
		slog.Error("Gateway failed to queue pending reply", "session", session.Key, "error", err)
	}
}

func (g *Gateway) commit(session *models.Session) error {
	session.Touch(g.sessionTTL)
	if err := g.store.SaveSession(*session); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", session.Key, err)
	}
	return nil
}

// loadOrCreateSession fetches the session for a key, replacing an
// expired record with a fresh one.
func (g *Gateway) loadOrCreateSession(key string, identity models.Identity, channel models.Channel) (*models.Session, error) {
	session, err := g.store.GetSession(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	if session != nil && !session.Expired(time.Now()) {
		return session, nil
	}
	if session != nil {
		slog.Info("Gateway session expired, starting fresh", "session", key)
	}
	return models.NewSession(identity, channel), nil
}

// resolveIdentity maps the transport recipient id to a durable identity.
// Anonymous channels carry session tokens; everything else carries
// verified phone numbers. The two are never conflated: the identity kind
// is decided by the channel, not by the shape of the string.
func resolveIdentity(channel models.Channel, recipientID string) (models.Identity, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return models.Identity{}, models.ErrUnresolvedIdentity
	}
	if channel.Anonymous() {
		return models.AnonymousIdentity(recipientID), nil
	}
	return models.VerifiedIdentity(recipientID), nil
}

// applyAttachments writes structured payloads into the context bag and
// returns the effective message text. A typed reply doubles as a
// selection so decision states work on channels without native buttons.
func applyAttachments(session *models.Session, env models.Envelope) string {
	text := env.Text
	if env.Attachments != nil {
		a := env.Attachments
		if a.Location != nil {
			session.SetContext("location_lat", strconv.FormatFloat(a.Location.Latitude, 'f', -1, 64))
			session.SetContext("location_lng", strconv.FormatFloat(a.Location.Longitude, 'f', -1, 64))
			if a.Location.Label != "" {
				session.SetContext("location_label", a.Location.Label)
			}
		}
		if a.Transcript != "" && text == "" {
			text = a.Transcript
		}
		if a.Selection != "" {
			session.SetContext("selection", a.Selection)
		}
	}
	if env.Attachments == nil || env.Attachments.Selection == "" {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			session.SetContext("selection", trimmed)
		}
	}
	if text != "" {
		session.SetContext("last_message", text)
	}
	return text
}
