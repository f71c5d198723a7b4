// Package channels holds the transport adapters that normalize inbound
// payloads into gateway envelopes and deliver rendered replies back out.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// InboundFunc receives a normalized envelope from a listening adapter.
// Wired to the gateway's Handle at startup.
type InboundFunc func(ctx context.Context, channel models.Channel, env models.Envelope)

// Adapter is one outbound transport. Adapters that also listen for
// inbound traffic additionally implement Listener.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, recipientID string, reply *models.Reply) error
}

// Listener is an adapter with a long-running inbound loop.
type Listener interface {
	Start(ctx context.Context, inbound InboundFunc) error
	Stop() error
}

// Registry maps channels to their adapters and routes outbound replies
// by the session's channel tag. It satisfies the gateway's Sender
// contract.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Channel]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Channel]Adapter)}
}

// Register adds an adapter; registering the same channel twice replaces
// the earlier adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
	slog.Info("Channel adapter registered", "channel", a.Channel())
}

// Get retrieves the adapter for a channel.
func (r *Registry) Get(c models.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[c]
	return a, ok
}

// Send delivers a reply through the session's channel adapter. The
// recipient id is recovered from the session identity.
func (r *Registry) Send(ctx context.Context, session *models.Session, reply *models.Reply) error {
	adapter, ok := r.Get(session.Channel)
	if !ok {
		return fmt.Errorf("no adapter registered for channel %s", session.Channel)
	}
	recipient := session.Identity.Phone
	if session.Identity.Kind == models.IdentityAnonymous {
		recipient = session.Identity.Token
	}
	return adapter.Send(ctx, recipient, reply)
}

// StartAll starts every listening adapter.
func (r *Registry) StartAll(ctx context.Context, inbound InboundFunc) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch, a := range r.adapters {
		l, ok := a.(Listener)
		if !ok {
			continue
		}
		if err := l.Start(ctx, inbound); err != nil {
			return fmt.Errorf("failed to start %s adapter: %w", ch, err)
		}
	}
	return nil
}

// StopAll stops every listening adapter.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch, a := range r.adapters {
		if l, ok := a.(Listener); ok {
			if err := l.Stop(); err != nil {
				slog.Error("Channel adapter stop failed", "channel", ch, "error", err)
			}
		}
	}
}
