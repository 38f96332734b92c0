package webhook

import (
	"context"
	"net/http"
	"testing"

	"github.com/nmxmxh/ovasabi-relay/pkg/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestDispatcher_AttemptSpansNestUnderDelivery(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracing.Install(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
		_ = tp.Shutdown(context.Background())
	})

	ep := newEndpoint(t, http.StatusBadGateway, http.StatusOK)
	store := NewMemoryStore()
	saveSub(t, store, "sub-1", ep.server.URL, 3, "message.received")
	d := newTestDispatcher(t, store)

	parentCtx, parent := tracing.Tracer().Start(context.Background(), "eventbus.dispatch")
	require.NoError(t, d.HandleEvent(parentCtx, messageEvent(t, "message:received")))
	d.Wait()
	parent.End()

	var deliver sdktrace.ReadOnlySpan
	var attempts []sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "webhook.deliver":
			deliver = s
		case "webhook.attempt":
			attempts = append(attempts, s)
		}
	}
	require.NotNil(t, deliver)
	assert.Equal(t, parent.SpanContext().SpanID(), deliver.Parent().SpanID())
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, deliver.SpanContext().SpanID(), a.Parent().SpanID())
	}
	assert.Equal(t, codes.Error, attempts[0].Status().Code)
	assert.Equal(t, codes.Unset, attempts[1].Status().Code)
}
