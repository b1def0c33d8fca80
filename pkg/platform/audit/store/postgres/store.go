// Package postgres persists audit events in a single append-only table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	audit "gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

// New opens a postgres connection and ensures the events table exists.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing connection. The caller owns its lifecycle.
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         UUID PRIMARY KEY,
	category   TEXT        NOT NULL,
	occurred   TIMESTAMPTZ NOT NULL,
	action     TEXT        NOT NULL,
	user_id    TEXT        NOT NULL DEFAULT '',
	username   TEXT        NOT NULL DEFAULT '',
	actor_id   TEXT        NOT NULL DEFAULT '',
	provider   TEXT        NOT NULL DEFAULT '',
	reason     TEXT        NOT NULL DEFAULT '',
	request_id TEXT        NOT NULL DEFAULT '',
	ip         TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_user_idx ON audit_events (user_id, occurred);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Append writes one event. When the context carries a transaction the
// insert joins it, so an event commits or rolls back with the work that
// produced it.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	const query = `
		INSERT INTO audit_events
			(id, category, occurred, action, user_id, username, actor_id, provider, reason, request_id, ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	} = s.db
	if dbtx, ok := tx.From(ctx); ok {
		execer = dbtx
	}

	_, err := execer.ExecContext(ctx, query,
		uuid.New(),
		string(event.Category),
		event.Timestamp,
		string(event.Action),
		event.UserID,
		event.Username,
		event.ActorID,
		event.Provider,
		event.Reason,
		event.RequestID,
		event.IP,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByUser returns a user's events, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]audit.Event, error) {
	const query = `
		SELECT category, occurred, action, user_id, username, actor_id, provider, reason, request_id, ip
		FROM audit_events
		WHERE user_id = $1
		ORDER BY occurred`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var event audit.Event
		err := rows.Scan(
			&event.Category,
			&event.Timestamp,
			&event.Action,
			&event.UserID,
			&event.Username,
			&event.ActorID,
			&event.Provider,
			&event.Reason,
			&event.RequestID,
			&event.IP,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
