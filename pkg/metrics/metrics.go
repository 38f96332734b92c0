package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// BusPublished counts envelopes handed to the transport, by channel.
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_published_total",
			Help: "Events handed to the transport adapter by channel",
		},
		[]string{"channel"},
	)

	// BusDropped counts events lost on the bus path.
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_dropped_total",
			Help: "Events dropped by the event bus by reason",
		},
		[]string{"reason"},
	)

	// BusHandlerFailures counts subscriber handler errors and panics.
	BusHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_handler_failures_total",
			Help: "Subscriber handler failures by pattern",
		},
		[]string{"pattern"},
	)

	// WebhookDeliveries counts finished deliveries (after retries).
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_deliveries_total",
			Help: "Webhook deliveries by final outcome",
		},
		[]string{"outcome"},
	)

	// WebhookAttempts counts individual HTTP attempts.
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_attempts_total",
			Help: "Webhook HTTP attempts by result",
		},
		[]string{"result"},
	)

	// WebhookInFlight tracks deliveries currently holding a slot.
	WebhookInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_webhook_in_flight",
			Help: "Webhook deliveries currently in flight",
		},
	)

	// WebhookAttemptDuration observes per-attempt latency.
	WebhookAttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_webhook_attempt_duration_seconds",
			Help:    "Latency of webhook HTTP attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GatewayConnections tracks live socket connections on this node.
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_gateway_connections",
			Help: "Live realtime connections on this node",
		},
	)

	// GatewayRejected counts refused handshakes.
	GatewayRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gateway_rejected_total",
			Help: "Rejected realtime handshakes by reason",
		},
		[]string{"reason"},
	)

	// GatewayFramesDropped counts frames dropped for slow consumers.
	GatewayFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_gateway_frames_dropped_total",
			Help: "Outgoing frames dropped because a connection buffer was full",
		},
	)

	// PresenceTransitions counts presence writes by resulting status.
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_presence_transitions_total",
			Help: "Presence status writes by status",
		},
		[]string{"status"},
	)
)

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics on its own listener.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer builds a metrics server bound to addr.
func NewServer(addr string, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server exited", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
