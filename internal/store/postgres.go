// Package store provides storage backends for sessions, dedup records,
// and routing rules.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/skyagarwal/mangwale-core/internal/models"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetSession(key string) (*models.Session, error) {
	query := `SELECT session_key, identity_kind, identity_value, channel, authenticated,
			context_json, flow_json, pending_json, created_at, updated_at, expires_at
		FROM sessions WHERE session_key = $1`

	var (
		sess                              models.Session
		kind, value                       string
		contextJSON, flowJSON, pendingDoc sql.NullString
	)
	err := s.db.QueryRow(query, key).Scan(
		&sess.Key, &kind, &value, &sess.Channel, &sess.Authenticated,
		&contextJSON, &flowJSON, &pendingDoc, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session", key)
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	row := sessionRow{contextJSON: contextJSON.String, flowJSON: flowJSON.String, pendingJSON: pendingDoc.String}
	if err := decodeSession(&sess, kind, value, row); err != nil {
		slog.Error("PostgresStore GetSession decode failed", "error", err, "session", key)
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) SaveSession(sess models.Session) error {
	row, err := encodeSession(sess)
	if err != nil {
		slog.Error("PostgresStore SaveSession encode failed", "error", err, "session", sess.Key)
		return err
	}
	query := `INSERT INTO sessions
			(session_key, identity_kind, identity_value, channel, authenticated,
			 context_json, flow_json, pending_json, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_key) DO UPDATE SET
			identity_kind = EXCLUDED.identity_kind,
			identity_value = EXCLUDED.identity_value,
			channel = EXCLUDED.channel,
			authenticated = EXCLUDED.authenticated,
			context_json = EXCLUDED.context_json,
			flow_json = EXCLUDED.flow_json,
			pending_json = EXCLUDED.pending_json,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`
	_, err = s.db.Exec(query, sess.Key, string(sess.Identity.Kind), identityValue(sess.Identity),
		string(sess.Channel), sess.Authenticated,
		row.contextJSON, row.flowJSON, row.pendingJSON,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "session", sess.Key)
		return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "session", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredSessions(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		slog.Error("PostgresStore DeleteExpiredSessions failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ListActiveSessions(now time.Time) ([]models.Session, error) {
	query := `SELECT session_key, identity_kind, identity_value, channel, authenticated,
			context_json, flow_json, pending_json, created_at, updated_at, expires_at
		FROM sessions WHERE expires_at >= $1 AND flow_json IS NOT NULL AND flow_json != ''`
	rows, err := s.db.Query(query, now)
	if err != nil {
		slog.Error("PostgresStore ListActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var active []models.Session
	for rows.Next() {
		var (
			sess                              models.Session
			kind, value                       string
			contextJSON, flowJSON, pendingDoc sql.NullString
		)
		if err := rows.Scan(&sess.Key, &kind, &value, &sess.Channel, &sess.Authenticated,
			&contextJSON, &flowJSON, &pendingDoc, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt); err != nil {
			slog.Error("PostgresStore ListActiveSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan active session row: %w", err)
		}
		row := sessionRow{contextJSON: contextJSON.String, flowJSON: flowJSON.String, pendingJSON: pendingDoc.String}
		if err := decodeSession(&sess, kind, value, row); err != nil {
			slog.Error("PostgresStore ListActiveSessions decode failed", "error", err, "session", sess.Key)
			return nil, err
		}
		active = append(active, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active session rows: %w", err)
	}
	return active, nil
}

func (s *PostgresStore) MarkMessageHandled(rec models.DedupRecord) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO message_dedup (message_id, session_key, received_at, handled_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID, rec.SessionKey, rec.ReceivedAt, rec.HandledAt)
	if err != nil {
		slog.Error("PostgresStore MarkMessageHandled failed", "error", err, "message_id", rec.MessageID)
		return false, fmt.Errorf("failed to record dedup for %s: %w", rec.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup insert result: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteDedupBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM message_dedup WHERE received_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeleteDedupBefore failed", "error", err)
		return 0, fmt.Errorf("failed to prune dedup records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_json FROM routing_rules ORDER BY priority DESC, name ASC`)
	if err != nil {
		slog.Error("PostgresStore ListRoutingRules query failed", "error", err)
		return nil, fmt.Errorf("failed to query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			slog.Error("PostgresStore ListRoutingRules scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan routing rule row: %w", err)
		}
		rule, err := decodeRule(doc)
		if err != nil {
			slog.Error("PostgresStore ListRoutingRules decode failed", "error", err)
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate routing rule rows: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) SaveRoutingRule(rule models.RoutingRule) error {
	doc, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO routing_rules (name, rule_type, priority, rule_json, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
			rule_type = EXCLUDED.rule_type,
			priority = EXCLUDED.priority,
			rule_json = EXCLUDED.rule_json,
			updated_at = EXCLUDED.updated_at`,
		rule.Name, string(rule.Type), rule.Priority, doc, time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveRoutingRule failed", "error", err, "rule", rule.Name)
		return fmt.Errorf("failed to save routing rule %s: %w", rule.Name, err)
	}
	return nil
}

func (s *PostgresStore) DeleteRoutingRule(name string) error {
	if _, err := s.db.Exec(`DELETE FROM routing_rules WHERE name = $1`, name); err != nil {
		slog.Error("PostgresStore DeleteRoutingRule failed", "error", err, "rule", name)
		return fmt.Errorf("failed to delete routing rule %s: %w", name, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
