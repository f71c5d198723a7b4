// Package store provides storage backends for sessions, dedup records,
// and routing rules.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/skyagarwal/mangwale-core/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; the parent
// directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSession(key string) (*models.Session, error) {
	query := `SELECT session_key, identity_kind, identity_value, channel, authenticated,
			context_json, flow_json, pending_json, created_at, updated_at, expires_at
		FROM sessions WHERE session_key = ?`

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
		slog.Error("SQLiteStore GetSession failed", "error", err, "session", key)
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	row := sessionRow{contextJSON: contextJSON.String, flowJSON: flowJSON.String, pendingJSON: pendingDoc.String}
	if err := decodeSession(&sess, kind, value, row); err != nil {
		slog.Error("SQLiteStore GetSession decode failed", "error", err, "session", key)
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(sess models.Session) error {
	row, err := encodeSession(sess)
	if err != nil {
		slog.Error("SQLiteStore SaveSession encode failed", "error", err, "session", sess.Key)
		return err
	}
	query := `INSERT OR REPLACE INTO sessions
			(session_key, identity_kind, identity_value, channel, authenticated,
			 context_json, flow_json, pending_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, sess.Key, string(sess.Identity.Kind), identityValue(sess.Identity),
		string(sess.Channel), sess.Authenticated,
		row.contextJSON, row.flowJSON, row.pendingJSON,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "session", sess.Key)
		return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "session", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSessions(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		slog.Error("SQLiteStore DeleteExpiredSessions failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListActiveSessions(now time.Time) ([]models.Session, error) {
	query := `SELECT session_key, identity_kind, identity_value, channel, authenticated,
			context_json, flow_json, pending_json, created_at, updated_at, expires_at
		FROM sessions WHERE expires_at >= ? AND flow_json IS NOT NULL AND flow_json != ''`
	rows, err := s.db.Query(query, now)
	if err != nil {
		slog.Error("SQLiteStore ListActiveSessions query failed", "error", err)
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
			slog.Error("SQLiteStore ListActiveSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan active session row: %w", err)
		}
		row := sessionRow{contextJSON: contextJSON.String, flowJSON: flowJSON.String, pendingJSON: pendingDoc.String}
		if err := decodeSession(&sess, kind, value, row); err != nil {
			slog.Error("SQLiteStore ListActiveSessions decode failed", "error", err, "session", sess.Key)
			return nil, err
		}
		active = append(active, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active session rows: %w", err)
	}
	return active, nil
}

func (s *SQLiteStore) MarkMessageHandled(rec models.DedupRecord) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO message_dedup (message_id, session_key, received_at, handled_at) VALUES (?, ?, ?, ?)`,
		rec.MessageID, rec.SessionKey, rec.ReceivedAt, rec.HandledAt)
	if err != nil {
		slog.Error("SQLiteStore MarkMessageHandled failed", "error", err, "message_id", rec.MessageID)
		return false, fmt.Errorf("failed to record dedup for %s: %w", rec.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup insert result: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteDedupBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM message_dedup WHERE received_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeleteDedupBefore failed", "error", err)
		return 0, fmt.Errorf("failed to prune dedup records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_json FROM routing_rules ORDER BY priority DESC, name ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListRoutingRules query failed", "error", err)
		return nil, fmt.Errorf("failed to query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			slog.Error("SQLiteStore ListRoutingRules scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan routing rule row: %w", err)
		}
		rule, err := decodeRule(doc)
		if err != nil {
			slog.Error("SQLiteStore ListRoutingRules decode failed", "error", err)
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate routing rule rows: %w", err)
	}
	return rules, nil
}

func (s *SQLiteStore) SaveRoutingRule(rule models.RoutingRule) error {
	doc, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO routing_rules (name, rule_type, priority, rule_json, updated_at) VALUES (?, ?, ?, ?, ?)`,
		rule.Name, string(rule.Type), rule.Priority, doc, time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveRoutingRule failed", "error", err, "rule", rule.Name)
		return fmt.Errorf("failed to save routing rule %s: %w", rule.Name, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRoutingRule(name string) error {
	if _, err := s.db.Exec(`DELETE FROM routing_rules WHERE name = ?`, name); err != nil {
		slog.Error("SQLiteStore DeleteRoutingRule failed", "error", err, "rule", name)
		return fmt.Errorf("failed to delete routing rule %s: %w", name, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
