// Package server assembles the relay: transport, event bus, webhook
// dispatcher, presence and the socket gateway, behind one HTTP listener.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/nmxmxh/ovasabi-relay/internal/config"
	"github.com/nmxmxh/ovasabi-relay/internal/eventbus"
	"github.com/nmxmxh/ovasabi-relay/internal/gateway"
	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	"github.com/nmxmxh/ovasabi-relay/internal/transport"
	"github.com/nmxmxh/ovasabi-relay/internal/webhook"
	"github.com/nmxmxh/ovasabi-relay/pkg/auth"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/health"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"github.com/nmxmxh/ovasabi-relay/pkg/redis"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"
)

const shutdownTimeout = 15 * time.Second

// App owns every long-lived component of one relay process.
type App struct {
	cfg *config.Config
	log *zap.Logger

	redis *redis.Client
	db    *sql.DB

	bus           *eventbus.Bus
	webhookStore  webhook.Store
	webhooks      *webhook.Dispatcher
	presence      *presence.Service
	gateway       *gateway.Gateway
	verifier      *auth.Verifier
	health        *health.HealthChecker
	httpServer    *http.Server
	metricsServer *metrics.Server
}

// New builds the application. Redis and Postgres are optional: without them
// presence, webhook subscriptions and the backplane stay in process.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		log:      log,
		verifier: auth.NewVerifier(cfg.JWTSecret),
		health:   health.NewHealthChecker(log.With(zap.String("component", "health"))),
	}

	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		}, log)
		if err != nil {
			return nil, relayerrors.Wrap(err, "connect redis")
		}
		a.redis = client
		a.health.Register(client)
	}

	if cfg.IsProduction() && cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR is not set in production: presence and socket broadcasts stay on this node")
	}

	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			a.closeClients()
			return nil, err
		}
		a.db = db
		a.health.Register(health.NewDatabaseHealthCheck("postgres", db))
	}

	adapter, err := transport.New(cfg.TransportAdapter, transport.Options{
		URL:            cfg.AMQPURL,
		Exchange:       cfg.AMQPExchange,
		ReconnectDelay: cfg.AMQPReconnectDelay,
		MaxReconnects:  cfg.AMQPMaxReconnects,
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.KafkaGroupID,
		Redis:          a.redis,
		Log:            log,
	})
	if err != nil {
		a.closeClients()
		return nil, relayerrors.Wrap(err, "build transport")
	}
	a.bus = eventbus.New(eventbus.Config{QueueSize: cfg.BusQueueSize, Workers: cfg.BusWorkers}, adapter, log)
	a.health.Register(a.bus)

	a.webhookStore = webhook.NewMemoryStore()
	if a.db != nil {
		a.webhookStore = webhook.NewPostgresStore(a.db)
	}
	var webhookOpts []webhook.Option
	if a.redis != nil {
		webhookOpts = append(webhookOpts, webhook.WithDeadLetters(
			redis.NewDeadLetterQueue(a.redis, redis.WebhookDLQStream, 0, log.With(zap.String("component", "dlq"))),
		))
	}
	a.webhooks = webhook.New(webhook.Config{
		MaxRetries:  cfg.WebhookMaxRetries,
		RetryDelay:  cfg.WebhookRetryDelay,
		Timeout:     cfg.WebhookTimeout,
		MaxInFlight: cfg.WebhookMaxInFlight,
	}, a.webhookStore, log, webhookOpts...)
	a.webhooks.Register(a.bus)

	var (
		presenceStore presence.Store = presence.NewMemoryStore(cfg.PresenceTTL)
		mirror        presence.Mirror
		backplane     gateway.Backplane = gateway.NewLocalBackplane()
	)
	if a.redis != nil {
		presenceStore = presence.NewRedisStore(a.redis, cfg.PresenceTTL)
		backplane = gateway.NewRedisBackplane(a.redis, log)
	}
	if a.db != nil {
		mirror = presence.NewPostgresMirror(a.db)
	}
	a.presence = presence.NewService(presenceStore, mirror, log)
	a.gateway = gateway.New(gateway.Config{
		AllowedOrigins: cfg.WSAllowedOrigins,
		GraceWindow:    cfg.PresenceGraceWindow,
	}, a.verifier, a.presence, backplane, log)

	a.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
	}
	a.metricsServer = metrics.NewServer(cfg.MetricsAddr, log)
	return a, nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, relayerrors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, relayerrors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// Bus is the publish side for domain collaborators.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Gateway exposes the direct broadcast primitives.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Webhooks exposes the dispatcher, mainly for SendTest.
func (a *App) Webhooks() *webhook.Dispatcher { return a.webhooks }

// Presence exposes presence reads and writes.
func (a *App) Presence() *presence.Service { return a.presence }

// Handler is the public HTTP surface.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// Start initializes the bus and gateway. It does not listen; see Run.
func (a *App) Start(ctx context.Context) error {
	if err := a.bus.Initialize(ctx); err != nil {
		return relayerrors.Wrap(err, "initialize event bus")
	}
	if err := a.gateway.Start(ctx); err != nil {
		_ = a.bus.Shutdown(ctx)
		return err
	}
	a.log.Info("relay started",
		zap.String("transport", a.bus.AdapterName()),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("postgres", a.db != nil),
	)
	return nil
}

// Run starts the app, serves HTTP and metrics, and shuts everything down once
// ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.metricsServer.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("Starting HTTP server for REST/WebSocket", zap.String("address", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return relayerrors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops components in reverse construction order and returns the
// first error met.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, relayerrors.Wrap(err, "http server shutdown"))
	}
	if err := a.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, relayerrors.Wrap(err, "gateway shutdown"))
	}
	if err := a.bus.Shutdown(ctx); err != nil {
		errs = append(errs, relayerrors.Wrap(err, "event bus shutdown"))
	}
	if err := waitContext(ctx, a.webhooks.Wait); err != nil {
		errs = append(errs, relayerrors.Wrap(err, "webhook deliveries"))
	}
	if err := waitContext(ctx, a.presence.Wait); err != nil {
		errs = append(errs, relayerrors.Wrap(err, "presence mirror writes"))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		errs = append(errs, relayerrors.Wrap(err, "metrics server shutdown"))
	}
	a.closeClients()

	for _, err := range errs {
		a.log.Error("shutdown error", zap.Error(err))
	}
	a.log.Info("All servers shut down gracefully")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// waitContext runs wait and gives up when ctx ends first.
func waitContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) closeClients() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("failed to close postgres", zap.Error(err))
		}
	}
}
