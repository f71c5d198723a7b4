// Package store provides storage backends for sessions, message
// deduplication records, and routing rules.
//
// It includes an in-memory store for tests, an SQLite store for
// single-node deployments, and a PostgreSQL store for production.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// Store is the persistence surface shared by the gateway, the flow
// engine, and the router's rule cache.
type Store interface {
	// GetSession loads a session by key; a missing session is (nil, nil).
	GetSession(key string) (*models.Session, error)
	// SaveSession inserts or replaces a session in one atomic write.
	SaveSession(s models.Session) error
	// DeleteSession removes a session.
	DeleteSession(key string) error
	// DeleteExpiredSessions removes sessions whose TTL elapsed before now
	// and returns the number removed.
	DeleteExpiredSessions(now time.Time) (int, error)
	// ListActiveSessions returns unexpired sessions bound to a flow,
	// used to re-arm parked wait timeouts after a restart.
	ListActiveSessions(now time.Time) ([]models.Session, error)

	// MarkMessageHandled records a message id for deduplication. It
	// returns false when the id was already recorded, in which case the
	// caller must treat the delivery as a duplicate.
	MarkMessageHandled(rec models.DedupRecord) (bool, error)
	// DeleteDedupBefore prunes dedup records received before the cutoff.
	DeleteDedupBefore(cutoff time.Time) (int, error)

	// ListRoutingRules returns every stored routing rule. The context
	// bounds the read; the rule cache refreshes off the hot path.
	ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error)
	// SaveRoutingRule inserts or replaces one rule by name.
	SaveRoutingRule(rule models.RoutingRule) error
	// DeleteRoutingRule removes one rule by name.
	DeleteRoutingRule(name string) error

	// Close releases the backing resources.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports the database driver a DSN selects: "postgres"
// for URL-style Postgres DSNs or key=value connection strings, else
// "sqlite3" (a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
