// Package engine provides the wait-state timeout scheduler.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// TimeoutScheduler tracks one pending timer per parked wait state, keyed
// by (sessionKey, stateName, enteredAt). If the session advances past
// the state before the duration elapses the timer is cancelled;
// otherwise it fires exactly once. Firing is idempotent: the engine
// re-verifies the session is still parked on the same state before
// injecting the synthetic timeout event.
type TimeoutScheduler struct {
	mu     sync.Mutex
	timers map[string]*timeoutEntry
}

type timeoutEntry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// NewTimeoutScheduler creates an empty timeout scheduler.
func NewTimeoutScheduler() *TimeoutScheduler {
	slog.Debug("Creating TimeoutScheduler")
	return &TimeoutScheduler{timers: make(map[string]*timeoutEntry)}
}

func timeoutKey(sessionKey string, ref models.FlowRef) string {
	return fmt.Sprintf("%s|%s|%d", sessionKey, ref.State, ref.EnteredAt.UnixNano())
}

// Schedule registers a timeout for a parked wait state. Scheduling the
// same key twice replaces the previous timer, so concurrent scheduler
// ticks cannot double-fire.
func (t *TimeoutScheduler) Schedule(sessionKey string, ref models.FlowRef, d time.Duration, fire func()) {
	key := timeoutKey(sessionKey, ref)

	t.mu.Lock()
	if prev, exists := t.timers[key]; exists {
		prev.timer.Stop()
	}
	timer := time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.timers[key]
		delete(t.timers, key)
		t.mu.Unlock()
		if !live {
			// Cancelled between expiry and firing; stale no-op.
			slog.Debug("TimeoutScheduler stale fire suppressed", "key", key)
			return
		}
		slog.Debug("TimeoutScheduler firing", "session", sessionKey, "state", ref.State)
		fire()
	})
	t.timers[key] = &timeoutEntry{timer: timer, expiresAt: time.Now().Add(d)}
	t.mu.Unlock()

	slog.Debug("TimeoutScheduler scheduled", "session", sessionKey, "state", ref.State, "after", d)
}

// CancelSession cancels every pending timeout for a session. Called when
// the session advances past a wait state or its flow is torn down.
func (t *TimeoutScheduler) CancelSession(sessionKey string) {
	prefix := sessionKey + "|"
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			entry.timer.Stop()
			delete(t.timers, key)
			slog.Debug("TimeoutScheduler cancelled", "key", key)
		}
	}
}

// Pending returns the number of scheduled timeouts.
func (t *TimeoutScheduler) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels all scheduled timeouts.
func (t *TimeoutScheduler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, key)
	}
	slog.Info("TimeoutScheduler stopped all timers")
}
