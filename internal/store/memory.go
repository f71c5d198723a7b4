package store

import (
	"context"
	"sync"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// InMemoryStore is a map-backed Store used by tests and by local runs
// without a database. Safe for concurrent use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	dedup    map[string]models.DedupRecord
	rules    map[string]models.RoutingRule
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		dedup:    make(map[string]models.DedupRecord),
		rules:    make(map[string]models.RoutingRule),
	}
}

func (s *InMemoryStore) GetSession(key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := sess
	return &cp, nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
	return nil
}

func (s *InMemoryStore) DeleteSession(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *InMemoryStore) DeleteExpiredSessions(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for key, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) ListActiveSessions(now time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []models.Session
	for _, sess := range s.sessions {
		if sess.CurrentFlow != nil && !sess.Expired(now) {
			active = append(active, sess)
		}
	}
	return active, nil
}

func (s *InMemoryStore) MarkMessageHandled(rec models.DedupRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.dedup[rec.MessageID]; seen {
		return false, nil
	}
	s.dedup[rec.MessageID] = rec
	return true, nil
}

func (s *InMemoryStore) DeleteDedupBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]models.RoutingRule, 0, len(s.rules))
	for _, rule := range s.rules {
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *InMemoryStore) SaveRoutingRule(rule models.RoutingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Name] = rule
	return nil
}

func (s *InMemoryStore) DeleteRoutingRule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, name)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
