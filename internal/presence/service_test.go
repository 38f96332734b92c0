package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingMirror struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (m *recordingMirror) Mirror(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func TestService_SetNormalizesAndMirrors(t *testing.T) {
	mirror := &recordingMirror{}
	svc := NewService(NewMemoryStore(time.Hour), mirror, zaptest.NewLogger(t))
	ctx := context.Background()

	rec, err := svc.Set(ctx, "u1", "busy", "in a meeting")
	require.NoError(t, err)
	assert.Equal(t, DND, rec.Status)
	assert.False(t, rec.LastActiveAt.IsZero())

	got, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	svc.Wait()
	require.Len(t, mirror.recs, 1)
	assert.Equal(t, DND, mirror.recs[0].Status)
}

func TestService_MirrorFailureIsNotReturned(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("connection refused")}
	svc := NewService(NewMemoryStore(time.Hour), mirror, zaptest.NewLogger(t))

	_, err := svc.Set(context.Background(), "u1", "online", "")
	require.NoError(t, err)
	svc.Wait()
}

func TestService_SetRequiresUser(t *testing.T) {
	svc := NewService(NewMemoryStore(time.Hour), nil, zaptest.NewLogger(t))
	_, err := svc.Set(context.Background(), "", "online", "")
	assert.ErrorIs(t, err, relayerrors.ErrInvalidInput)
}

func TestService_GetMany(t *testing.T) {
	svc := NewService(NewMemoryStore(time.Hour), nil, zaptest.NewLogger(t))
	ctx := context.Background()
	_, err := svc.Set(ctx, "u1", "away", "")
	require.NoError(t, err)

	many, err := svc.GetMany(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, Away, many["u1"].Status)
	assert.Equal(t, Offline, many["u2"].Status)
}

func TestPostgresMirror(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO user_presence .+ ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs("u1", "AWAY", "brb", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewPostgresMirror(db)
	require.NoError(t, m.Mirror(context.Background(), Record{UserID: "u1", Status: Away, Message: "brb", LastActiveAt: at}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
