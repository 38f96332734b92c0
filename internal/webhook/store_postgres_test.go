package webhook

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscriptionRowColumns = []string{
	"id", "org_id", "url", "secret", "event_filter", "enabled", "max_retries", "retry_delay_ms",
	"success_count", "failure_count", "last_triggered_at", "last_success_at", "last_failure_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_ListEnabledForEvent(t *testing.T) {
	store, mock := newMockStore(t)
	triggered := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(subscriptionRowColumns).
		AddRow("sub-1", "org-1", "https://hooks.example.com/a", "s1", "{message.received,message.deleted}", true, 3, int64(1000),
			int64(4), int64(1), triggered, triggered, nil).
		AddRow("sub-2", "org-1", "https://hooks.example.com/b", "s2", "{*}", true, 0, int64(250),
			int64(0), int64(0), nil, nil, nil)
	mock.ExpectQuery(`SELECT .+ FROM webhook_subscriptions\s+WHERE org_id = \$1 AND enabled = TRUE`).
		WithArgs("org-1", "message.received").
		WillReturnRows(rows)

	subs, err := store.ListEnabledForEvent(context.Background(), "org-1", "message.received")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	assert.Equal(t, []string{"message.received", "message.deleted"}, subs[0].EventFilter)
	assert.Equal(t, time.Second, subs[0].RetryDelay)
	assert.Equal(t, int64(4), subs[0].SuccessCount)
	require.NotNil(t, subs[0].LastTriggeredAt)
	assert.True(t, triggered.Equal(*subs[0].LastTriggeredAt))
	assert.Nil(t, subs[0].LastFailureAt)

	assert.Equal(t, 250*time.Millisecond, subs[1].RetryDelay)
	assert.True(t, subs[1].Accepts("anything.else"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM webhook_subscriptions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, relayerrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := newMockStore(t)
	sub := &Subscription{
		ID: "sub-1", OrgID: "org-1", URL: "https://hooks.example.com", Secret: "s",
		EventFilter: []string{"file.uploaded"}, Enabled: true, MaxRetries: 5, RetryDelay: 2 * time.Second,
	}
	mock.ExpectExec(`INSERT INTO webhook_subscriptions`).
		WithArgs("sub-1", "org-1", "https://hooks.example.com", "s", pq.Array([]string{"file.uploaded"}), true, 5, int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), sub))
	assert.ErrorIs(t, store.Save(context.Background(), &Subscription{}), relayerrors.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordCounters(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE webhook_subscriptions\s+SET success_count = success_count \+ 1`).
		WithArgs("sub-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE webhook_subscriptions\s+SET failure_count = failure_count \+ 1`).
		WithArgs("sub-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE webhook_subscriptions\s+SET failure_count = failure_count \+ 1`).
		WithArgs("gone", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.RecordSuccess(context.Background(), "sub-1", at))
	require.NoError(t, store.RecordFailure(context.Background(), "sub-1", at))
	assert.ErrorIs(t, store.RecordFailure(context.Background(), "gone", at), relayerrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
