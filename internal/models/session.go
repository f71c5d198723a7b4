// Package models defines the persisted conversation session layout.
package models

import "time"

// Default session lifetime; the TTL slides forward on every turn.
const DefaultSessionTTL = 30 * time.Minute

// Session is one conversation: a distinct end-user/channel pairing keyed
// by resolved durable identity. Owned by the gateway's session layer;
// the flow engine mutates the context bag and current flow reference,
// and authentication steps may upgrade the identity.
type Session struct {
	Key             string            `json:"key"`
	Identity        Identity          `json:"identity"`
	Channel         Channel           `json:"platform"`
	Authenticated   bool              `json:"authenticated"`
	Context         map[string]string `json:"context,omitempty"`
	CurrentFlow     *FlowRef          `json:"current_flow,omitempty"`
	PendingOutbound []PendingMessage  `json:"pending_outbound,omitempty"` // for polling channels
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// NewSession creates a fresh session for the given identity and channel.
func NewSession(id Identity, channel Channel) *Session {
	now := time.Now()
	return &Session{
		Key:           id.Key(),
		Identity:      id,
		Channel:       channel,
		Authenticated: id.Verified(),
		Context:       make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(DefaultSessionTTL),
	}
}

// Touch renews the sliding TTL and update timestamp.
func (s *Session) Touch(ttl time.Duration) {
	now := time.Now()
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
}

// Expired reports whether the session TTL has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SetContext writes one context bag entry, allocating the bag if needed.
func (s *Session) SetContext(key, value string) {
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	s.Context[key] = value
}

// GetContext reads one context bag entry.
func (s *Session) GetContext(key string) (string, bool) {
	if s.Context == nil {
		return "", false
	}
	v, ok := s.Context[key]
	return v, ok
}

// Upgrade promotes an anonymous session to a verified phone identity.
// The session keeps its context bag and flow reference; only the
// identity, key, and authentication flag change.
func (s *Session) Upgrade(phone string) {
	s.Identity = VerifiedIdentity(phone)
	s.Key = s.Identity.Key()
	s.Authenticated = true
}

// Clone returns a deep copy safe to hand across a goroutine boundary.
// The context bag, flow reference, and pending queue are copied, so a
// mutation on either side stays invisible to the other.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Context != nil {
		cp.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	if s.CurrentFlow != nil {
		ref := *s.CurrentFlow
		cp.CurrentFlow = &ref
	}
	if s.PendingOutbound != nil {
		cp.PendingOutbound = append([]PendingMessage(nil), s.PendingOutbound...)
	}
	return &cp
}

// ClearFlow removes the session's flow binding after teardown.
func (s *Session) ClearFlow() {
	s.CurrentFlow = nil
}
