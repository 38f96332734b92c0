package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/ovasabi-relay/internal/transport"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/events"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	log := zaptest.NewLogger(t)
	b := New(Config{QueueSize: 16, Workers: 2}, transport.NewMemoryAdapter(log), log)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_PatternDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	exact, prefix, all := &recorder{}, &recorder{}, &recorder{}
	b.Subscribe("message:sent", exact.handle)
	b.Subscribe("message:*", prefix.handle)
	b.Subscribe("*", all.handle)

	published := []string{"message:sent", "message:deleted", "conversation:created", "custom:thing"}
	for _, name := range published {
		require.NoError(t, b.Publish(ctx, name, map[string]string{"id": "1"}))
	}

	require.Eventually(t, func() bool { return all.count() == len(published) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return prefix.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"message:sent"}, exact.names())
	assert.ElementsMatch(t, []string{"message:sent", "message:deleted"}, prefix.names())
	assert.ElementsMatch(t, published, all.names())
}

func TestBus_EnvelopeMetadata(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	b.Subscribe("meeting:started", rec.handle)

	require.NoError(t, b.Publish(context.Background(), "meeting:started", map[string]string{"meetingId": "m1"},
		events.WithCorrelationID("req-42"),
		events.WithOrgID("org-7"),
	))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	evt := rec.events[0]
	assert.NotEmpty(t, evt.Metadata.ID)
	assert.Equal(t, "api", evt.Metadata.Source)
	assert.Equal(t, "req-42", evt.Metadata.CorrelationID)
	assert.Equal(t, "org-7", evt.Metadata.OrgID)
	assert.WithinDuration(t, time.Now(), evt.Metadata.Timestamp, 5*time.Second)

	var payload map[string]string
	require.NoError(t, evt.DecodePayload(&payload))
	assert.Equal(t, "m1", payload["meetingId"])
}

func TestBus_HandlerIsolation(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	b.Subscribe("file:*", func(context.Context, events.Event) error { return errors.New("disk full") })
	b.Subscribe("file:*", func(context.Context, events.Event) error { panic("nil map") })
	b.Subscribe("file:*", rec.handle)

	before := testutil.ToFloat64(metrics.BusHandlerFailures.WithLabelValues("file:*"))
	require.NoError(t, b.Publish(context.Background(), "file:uploaded", nil))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BusHandlerFailures.WithLabelValues("file:*"))-before == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBus_ReceiveReportsHandlerFailure(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe("org:updated", func(context.Context, events.Event) error { return errors.New("boom") })

	data, err := events.Event{Name: "org:updated"}.Encode()
	require.NoError(t, err)
	err = b.receive(context.Background(), events.ChannelOrgs, data)
	assert.ErrorIs(t, err, relayerrors.ErrHandlerFailure)

	assert.NoError(t, b.receive(context.Background(), events.ChannelOrgs, []byte("not json")))
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	gone, stays := &recorder{}, &recorder{}
	id := b.Subscribe("user:*", gone.handle)
	b.Subscribe("user:*", stays.handle)

	assert.True(t, b.Unsubscribe("user:*", id))
	assert.False(t, b.Unsubscribe("user:*", id))

	require.NoError(t, b.Publish(ctx, "user:updated", nil))
	require.Eventually(t, func() bool { return stays.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, gone.count())
}

func TestBus_HandlerMayPublish(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	rec := &recorder{}
	b.Subscribe("message:sent", func(ctx context.Context, evt events.Event) error {
		return b.Publish(ctx, "webhook:queued", nil)
	})
	b.Subscribe("webhook:queued", rec.handle)

	require.NoError(t, b.Publish(ctx, "message:sent", nil))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBus_PublishCallerErrors(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	assert.ErrorIs(t, b.Publish(ctx, "", nil), relayerrors.ErrInvalidInput)
	assert.ErrorIs(t, b.Publish(ctx, "message:sent", make(chan int)), relayerrors.ErrInvalidInput)
}

type failingAdapter struct {
	*transport.MemoryAdapter
}

func (failingAdapter) Publish(context.Context, string, []byte) error {
	return relayerrors.ErrTransportUnavailable
}

func TestBus_TransportFailureIsSwallowed(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := New(Config{}, failingAdapter{transport.NewMemoryAdapter(log)}, log)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	defer b.Shutdown(ctx)

	before := testutil.ToFloat64(metrics.BusDropped.WithLabelValues("transport"))
	assert.NoError(t, b.Publish(ctx, "message:sent", map[string]string{"id": "1"}))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BusDropped.WithLabelValues("transport")))
}

func TestBus_PublishBeforeInitializeDrops(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := New(Config{}, transport.NewMemoryAdapter(log), log)
	before := testutil.ToFloat64(metrics.BusDropped.WithLabelValues("not_initialized"))
	assert.NoError(t, b.Publish(context.Background(), "user:created", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BusDropped.WithLabelValues("not_initialized")))
}

func TestBus_Lifecycle(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := New(Config{}, transport.NewMemoryAdapter(log), log)
	ctx := context.Background()

	assert.False(t, b.IsHealthy())
	assert.Error(t, b.Check(ctx))
	assert.Equal(t, transport.MemoryName, b.AdapterName())

	require.NoError(t, b.Initialize(ctx))
	assert.True(t, b.IsHealthy())
	assert.NoError(t, b.Check(ctx))
	assert.ErrorIs(t, b.Initialize(ctx), ErrAlreadyInitialized)

	require.NoError(t, b.Shutdown(ctx))
	assert.False(t, b.IsHealthy())
	require.NoError(t, b.Shutdown(ctx))
}
