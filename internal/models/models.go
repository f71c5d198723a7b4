// Package models defines the core data structures for the Mangwale
// conversational core.
//
// It includes the inbound message envelope, resolved identities, route
// decisions, routing rules, and the gateway dispatch contract, which are
// shared across modules.
package models

import (
	"errors"
	"time"
)

// Channel identifies the transport a message arrived on or leaves through.
type Channel string

const (
	// ChannelWhatsApp is the WhatsApp transport (asynchronous push).
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelSMS is the Twilio SMS transport (asynchronous push).
	ChannelSMS Channel = "sms"
	// ChannelTelegram is the Telegram bot transport (asynchronous push).
	ChannelTelegram Channel = "telegram"
	// ChannelInstagram is the Instagram DM transport (asynchronous push).
	ChannelInstagram Channel = "instagram"
	// ChannelVoice is the voice gateway transport (synchronous reply).
	ChannelVoice Channel = "voice"
	// ChannelWeb is the web chat transport (synchronous reply).
	ChannelWeb Channel = "web"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelTelegram, ChannelInstagram, ChannelVoice, ChannelWeb:
		return true
	default:
		return false
	}
}

// Synchronous reports whether replies on this channel are returned in the
// same request (web/voice) rather than pushed through an outbound call.
// Delivery mode is a function of channel identity only, never of message
// content.
func (c Channel) Synchronous() bool {
	return c == ChannelWeb || c == ChannelVoice
}

// Anonymous reports whether the channel carries anonymous session tokens
// instead of verified phone numbers in its recipient id field.
func (c Channel) Anonymous() bool {
	return c == ChannelWeb || c == ChannelVoice
}

// Validation constants for input validation.
const (
	// MaxMessageTextLength defines the maximum allowed length for inbound text.
	MaxMessageTextLength = 4096
	// MaxContextValueLength defines the maximum allowed length for a context bag value.
	MaxContextValueLength = 8192
)

// Error variables for better error handling and testability.
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyMessageID     = errors.New("message id cannot be empty")
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrMessageTooLong     = errors.New("message text exceeds maximum length")
	ErrUnresolvedIdentity = errors.New("recipient identity could not be resolved")

	// ErrFlowValidation marks a malformed flow definition; fatal at load
	// time, the flow is not registered.
	ErrFlowValidation = errors.New("flow definition validation failed")
	// ErrUnknownExecutor marks a state action referencing an executor name
	// that is not registered; detected at load time.
	ErrUnknownExecutor = errors.New("unknown action executor")
	// ErrSessionIntegrity marks a session whose current state no longer
	// exists in its flow definition; recovered by resetting to the initial
	// state.
	ErrSessionIntegrity = errors.New("session flow state not found in definition")
	// ErrExecutorTimeout marks an action executor that exceeded its bounded
	// invocation timeout.
	ErrExecutorTimeout = errors.New("action executor timed out")
)

// Location is a geolocation attachment.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// Attachments carries structured payloads extracted by channel adapters.
// The gateway persists these into the session context before routing so
// downstream action executors can read them.
type Attachments struct {
	Location   *Location `json:"location,omitempty"`
	Selection  string    `json:"selection,omitempty"`  // button/list selection id
	Transcript string    `json:"transcript,omitempty"` // transcribed voice text
}

// Envelope is the normalized inbound message produced by a channel adapter.
type Envelope struct {
	MessageID   string       `json:"message_id"`   // stable per-message id for dedup
	RecipientID string       `json:"recipient_id"` // transport-level id: phone or session token
	Text        string       `json:"text"`
	Attachments *Attachments `json:"attachments,omitempty"`
	Time        int64        `json:"time"` // unix seconds
}

// Validate performs basic validation on an inbound envelope.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return ErrEmptyMessageID
	}
	if e.RecipientID == "" {
		return ErrEmptyRecipient
	}
	if len(e.Text) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	return nil
}

// IdentityKind discriminates the two durable identity forms.
type IdentityKind string

const (
	// IdentityAnonymous is an unauthenticated session token (web/voice).
	IdentityAnonymous IdentityKind = "anonymous"
	// IdentityVerified is a verified phone number.
	IdentityVerified IdentityKind = "verified"
)

// Identity is the resolved durable identity for a conversation. It is a
// tagged value: exactly one of Token or Phone is set, depending on Kind.
// Resolution happens once at the gateway boundary and is never re-inferred
// downstream from string shapes.
type Identity struct {
	Kind  IdentityKind `json:"kind"`
	Token string       `json:"token,omitempty"`
	Phone string       `json:"phone,omitempty"`
}

// AnonymousIdentity builds an anonymous identity from a session token.
func AnonymousIdentity(token string) Identity {
	return Identity{Kind: IdentityAnonymous, Token: token}
}

// VerifiedIdentity builds a verified identity from a phone number.
func VerifiedIdentity(phone string) Identity {
	return Identity{Kind: IdentityVerified, Phone: phone}
}

// Key returns the storage key for this identity. Anonymous tokens carry a
// namespace prefix so a token can never collide with a phone number.
func (id Identity) Key() string {
	if id.Kind == IdentityAnonymous {
		return "anon:" + id.Token
	}
	return id.Phone
}

// Verified reports whether the identity is a verified phone number.
func (id Identity) Verified() bool {
	return id.Kind == IdentityVerified
}

// Button is a rich-content option attached to a reply. Channels without
// native button support render these as enumerated text options.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Reply is the response produced for one turn.
type Reply struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// DispatchResult is the outcome of the gateway's handling of one envelope.
type DispatchResult struct {
	SessionKey string         `json:"session_key"`
	Duplicate  bool           `json:"duplicate"` // duplicate delivery, acknowledged with no side effect
	Decision   *RouteDecision `json:"decision,omitempty"`
	Reply      *Reply         `json:"reply,omitempty"` // populated for synchronous channels
}

// RouteTier tags which evaluation tier produced a route decision.
type RouteTier string

const (
	TierCommand     RouteTier = "command"
	TierSemantic    RouteTier = "semantic"
	TierKeyword     RouteTier = "keyword"
	TierPattern     RouteTier = "pattern"
	TierTranslation RouteTier = "translation"
	TierClassifier  RouteTier = "classifier"
	TierFallback    RouteTier = "fallback"
)

// RouteDecision is the router's per-message output. It is a value object,
// never persisted beyond the current turn's processing.
type RouteDecision struct {
	RawIntent    string    `json:"raw_intent"` // original classifier intent
	Intent       string    `json:"intent"`     // resolved, possibly overridden intent
	FlowID       string    `json:"flow_id,omitempty"`
	Tier         RouteTier `json:"tier"`
	Confidence   float64   `json:"confidence"` // in [0,1]
	Reason       string    `json:"reason"`
	MatchedRules []string  `json:"matched_rules,omitempty"`
}

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID  string     `json:"message_id"`
	SessionKey string     `json:"session_key"`
	ReceivedAt time.Time  `json:"received_at"`
	HandledAt  *time.Time `json:"handled_at"`
}

// PendingMessage is an outbound message queued for a polling channel.
type PendingMessage struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}
