package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
)

const subscriptionColumns = `id, org_id, url, secret, event_filter, enabled, max_retries, retry_delay_ms,
	success_count, failure_count, last_triggered_at, last_success_at, last_failure_at`

// PostgresStore keeps subscriptions in the webhook_subscriptions table.
//
//	CREATE TABLE webhook_subscriptions (
//	    id                TEXT PRIMARY KEY,
//	    org_id            TEXT NOT NULL,
//	    url               TEXT NOT NULL,
//	    secret            TEXT NOT NULL,
//	    event_filter      TEXT[] NOT NULL DEFAULT '{}',
//	    enabled           BOOLEAN NOT NULL DEFAULT TRUE,
//	    max_retries       INTEGER NOT NULL DEFAULT 3,
//	    retry_delay_ms    BIGINT NOT NULL DEFAULT 1000,
//	    success_count     BIGINT NOT NULL DEFAULT 0,
//	    failure_count     BIGINT NOT NULL DEFAULT 0,
//	    last_triggered_at TIMESTAMPTZ,
//	    last_success_at   TIMESTAMPTZ,
//	    last_failure_at   TIMESTAMPTZ
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) ListEnabledForEvent(ctx context.Context, orgID, event string) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE org_id = $1 AND enabled = TRUE
		  AND (event_filter @> ARRAY[$2]::text[] OR event_filter @> ARRAY['*']::text[])
		ORDER BY id
	`, orgID, event)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (r *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions WHERE id = $1
	`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relayerrors.ErrNotFound
	}
	return sub, err
}

func (r *PostgresStore) Save(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == "" {
		return relayerrors.ErrInvalidInput
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, org_id, url, secret, event_filter, enabled, max_retries, retry_delay_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			url = EXCLUDED.url,
			secret = EXCLUDED.secret,
			event_filter = EXCLUDED.event_filter,
			enabled = EXCLUDED.enabled,
			max_retries = EXCLUDED.max_retries,
			retry_delay_ms = EXCLUDED.retry_delay_ms
	`, sub.ID, sub.OrgID, sub.URL, sub.Secret, pq.Array(sub.EventFilter), sub.Enabled, sub.MaxRetries, sub.RetryDelay.Milliseconds())
	if err != nil {
		return fmt.Errorf("save webhook subscription: %w", err)
	}
	return nil
}

func (r *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return r.record(ctx, `
		UPDATE webhook_subscriptions
		SET success_count = success_count + 1, last_success_at = $2, last_triggered_at = $2
		WHERE id = $1
	`, id, at)
}

func (r *PostgresStore) RecordFailure(ctx context.Context, id string, at time.Time) error {
	return r.record(ctx, `
		UPDATE webhook_subscriptions
		SET failure_count = failure_count + 1, last_failure_at = $2, last_triggered_at = $2
		WHERE id = $1
	`, id, at)
}

func (r *PostgresStore) record(ctx context.Context, query, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("update webhook counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return relayerrors.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var sub Subscription
	var filter []string
	var retryDelayMS int64
	var lastTriggered, lastOK, lastFail sql.NullTime
	if err := row.Scan(&sub.ID, &sub.OrgID, &sub.URL, &sub.Secret, pq.Array(&filter), &sub.Enabled,
		&sub.MaxRetries, &retryDelayMS, &sub.SuccessCount, &sub.FailureCount,
		&lastTriggered, &lastOK, &lastFail); err != nil {
		return nil, err
	}
	sub.EventFilter = filter
	sub.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	sub.LastTriggeredAt = nullTime(lastTriggered)
	sub.LastSuccessAt = nullTime(lastOK)
	sub.LastFailureAt = nullTime(lastFail)
	return &sub, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
