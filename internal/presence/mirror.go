package presence

import (
	"context"
	"database/sql"
	"fmt"
)

// Mirror receives a copy of every presence write for durable lookups.
type Mirror interface {
	Mirror(ctx context.Context, rec Record) error
}

// PostgresMirror upserts into user_presence.
//
//	CREATE TABLE user_presence (
//	    user_id        TEXT PRIMARY KEY,
//	    status         TEXT NOT NULL,
//	    message        TEXT NOT NULL DEFAULT '',
//	    last_active_at TIMESTAMPTZ NOT NULL
//	);
type PostgresMirror struct {
	db *sql.DB
}

func NewPostgresMirror(db *sql.DB) *PostgresMirror {
	return &PostgresMirror{db: db}
}

func (m *PostgresMirror) Mirror(ctx context.Context, rec Record) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, status, message, last_active_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_active_at = EXCLUDED.last_active_at
	`, rec.UserID, string(rec.Status), rec.Message, rec.LastActiveAt)
	if err != nil {
		return fmt.Errorf("mirror presence: %w", err)
	}
	return nil
}
