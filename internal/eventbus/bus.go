// Package eventbus is the in-process publish/subscribe hub of the relay. It
// wraps events in an envelope, routes them to a transport channel by name
// prefix and fans incoming messages out to every handler whose pattern
// matches.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nmxmxh/ovasabi-relay/internal/transport"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/events"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"github.com/nmxmxh/ovasabi-relay/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultSource = "api"

// ErrAlreadyInitialized is returned by a second Initialize.
var ErrAlreadyInitialized = errors.New("event bus already initialized")

// SubscriptionID identifies one registered handler.
type SubscriptionID string

// Config sizes the dispatch pool.
type Config struct {
	QueueSize int
	Workers   int
	// Channels overrides the channels the bus listens on.
	Channels []string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if len(c.Channels) == 0 {
		c.Channels = events.DefaultChannels()
	}
	return c
}

type subscription struct {
	id      SubscriptionID
	pattern events.Pattern
	handler events.Handler
}

type job struct {
	ctx    context.Context
	evt    events.Event
	result chan error
}

// Bus routes events between publishers and pattern subscribers over a transport.
type Bus struct {
	cfg     Config
	adapter transport.Adapter
	log     *zap.Logger

	subsMu sync.RWMutex
	subs   map[events.Pattern][]subscription

	mu          sync.RWMutex
	initialized bool
	queue       chan job
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New builds an uninitialized bus over adapter.
func New(cfg Config, adapter transport.Adapter, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		cfg:     cfg.withDefaults(),
		adapter: adapter,
		log:     logger.Component(log, "event_bus"),
		subs:    make(map[events.Pattern][]subscription),
	}
}

// Initialize connects the adapter, subscribes every bus channel and starts
// the dispatch workers.
func (b *Bus) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return ErrAlreadyInitialized
	}

	if err := b.adapter.Connect(ctx); err != nil {
		return relayerrors.Wrap(err, "connect transport")
	}

	b.queue = make(chan job, b.cfg.QueueSize)
	b.stop = make(chan struct{})
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(b.queue, b.stop)
	}

	for _, ch := range b.cfg.Channels {
		channel := ch
		if err := b.adapter.Subscribe(ctx, channel, func(ctx context.Context, msg []byte) error {
			return b.receive(ctx, channel, msg)
		}); err != nil {
			close(b.stop)
			b.wg.Wait()
			_ = b.adapter.Disconnect(ctx)
			return relayerrors.Wrap(err, fmt.Sprintf("subscribe channel %s", channel))
		}
	}

	b.initialized = true
	b.log.Info("event bus initialized",
		zap.String("adapter", b.adapter.Name()),
		zap.Int("workers", b.cfg.Workers),
		zap.Int("queue_size", b.cfg.QueueSize),
		zap.Strings("channels", b.cfg.Channels),
	)
	return nil
}

// Shutdown stops receiving, disconnects the transport and waits for in-flight
// dispatches to finish.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = false
	b.mu.Unlock()

	for _, ch := range b.cfg.Channels {
		if err := b.adapter.Unsubscribe(ctx, ch); err != nil {
			b.log.Warn("unsubscribe failed", zap.String("channel", ch), zap.Error(err))
		}
	}
	err := b.adapter.Disconnect(ctx)

	close(b.stop)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.log.Info("event bus stopped")
	return err
}

// Publish wraps payload in an envelope and hands it to the transport. Only
// caller mistakes are returned: a transport failure is logged, counted and
// the event is dropped.
func (b *Bus) Publish(ctx context.Context, name string, payload interface{}, opts ...events.PublishOption) error {
	if name == "" {
		return fmt.Errorf("%w: event name is required", relayerrors.ErrInvalidInput)
	}
	raw, err := json.Raw(payload)
	if err != nil {
		return fmt.Errorf("%w: payload for %s: %v", relayerrors.ErrInvalidInput, name, err)
	}

	o := events.PublishOptions{Source: defaultSource}
	for _, opt := range opts {
		opt(&o)
	}
	if o.CorrelationID == "" {
		o.CorrelationID = logger.CorrelationID(ctx)
	}
	channel := events.ChannelFor(name)
	ctx, span := tracing.Tracer().Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.name", name),
			attribute.String("event.channel", channel),
		),
	)
	defer span.End()

	evt := events.Event{
		Name:    name,
		Payload: raw,
		Metadata: events.Metadata{
			ID:            uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			Source:        o.Source,
			CorrelationID: o.CorrelationID,
			OrgID:         o.OrgID,
			Trace:         tracing.Inject(ctx),
		},
	}
	span.SetAttributes(attribute.String("event.id", evt.Metadata.ID))
	data, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", relayerrors.ErrInvalidInput, name, err)
	}

	log := logger.FromContext(ctx, b.log).With(
		zap.String("event", name),
		zap.String("event_id", evt.Metadata.ID),
		zap.String("channel", channel),
	)

	if !b.isInitialized() {
		metrics.BusDropped.WithLabelValues("not_initialized").Inc()
		span.SetStatus(codes.Error, "event bus not initialized")
		log.Warn("event bus not initialized, dropping event")
		return nil
	}
	if err := b.adapter.Publish(ctx, channel, data); err != nil {
		metrics.BusDropped.WithLabelValues("transport").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport publish failed")
		log.Error("publish failed, dropping event", zap.Error(err))
		return nil
	}
	metrics.BusPublished.WithLabelValues(channel).Inc()
	log.Debug("event published")
	return nil
}

// Subscribe registers handler for pattern and returns its id. Several
// handlers may share a pattern.
func (b *Bus) Subscribe(pattern string, handler events.Handler) SubscriptionID {
	p := events.Pattern(pattern)
	if !p.Valid() {
		b.log.Warn("subscribing with a pattern that only matches literally", zap.String("pattern", pattern))
	}
	id := SubscriptionID(uuid.NewString())

	b.subsMu.Lock()
	b.subs[p] = append(b.subs[p], subscription{id: id, pattern: p, handler: handler})
	b.subsMu.Unlock()

	b.log.Debug("handler subscribed", zap.String("pattern", pattern), zap.String("subscription_id", string(id)))
	return id
}

// Unsubscribe removes the handler registered under id. It reports whether
// anything was removed.
func (b *Bus) Unsubscribe(pattern string, id SubscriptionID) bool {
	p := events.Pattern(pattern)
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	list := b.subs[p]
	for i, s := range list {
		if s.id != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(b.subs, p)
		} else {
			b.subs[p] = list
		}
		return true
	}
	return false
}

// AdapterName names the transport in use.
func (b *Bus) AdapterName() string {
	return b.adapter.Name()
}

// IsHealthy reports whether the bus is initialized and its transport connected.
func (b *Bus) IsHealthy() bool {
	return b.isInitialized() && b.adapter.IsConnected()
}

// Name identifies the bus in health reports.
func (b *Bus) Name() string { return "event_bus" }

// Check satisfies the health checker.
func (b *Bus) Check(context.Context) error {
	if !b.IsHealthy() {
		return fmt.Errorf("%w: %s adapter", relayerrors.ErrTransportUnavailable, b.adapter.Name())
	}
	return nil
}

func (b *Bus) isInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// receive is the transport callback for one channel. It blocks until every
// matching handler ran so durable transports acknowledge only processed messages.
func (b *Bus) receive(ctx context.Context, channel string, msg []byte) error {
	evt, err := events.Decode(msg)
	if err != nil || evt.Name == "" {
		metrics.BusDropped.WithLabelValues("undecodable").Inc()
		b.log.Warn("dropping undecodable message", zap.String("channel", channel), zap.Error(err))
		return nil
	}

	j := job{ctx: ctx, evt: evt, result: make(chan error, 1)}
	b.mu.RLock()
	queue, stop := b.queue, b.stop
	b.mu.RUnlock()

	select {
	case queue <- j:
	case <-stop:
		return relayerrors.ErrTransportUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) worker(queue <-chan job, stop <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case j := <-queue:
			j.result <- b.dispatch(j.ctx, j.evt)
		case <-stop:
			return
		}
	}
}

// dispatch runs every handler matching evt. A failing or panicking handler
// does not stop its siblings.
func (b *Bus) dispatch(ctx context.Context, evt events.Event) error {
	var matched []subscription
	b.subsMu.RLock()
	for p, list := range b.subs {
		if p.Matches(evt.Name) {
			matched = append(matched, list...)
		}
	}
	b.subsMu.RUnlock()

	if evt.Metadata.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, evt.Metadata.CorrelationID)
	}
	ctx, span := tracing.Tracer().Start(tracing.Extract(ctx, evt.Metadata.Trace), "eventbus.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.name", evt.Name),
			attribute.String("event.id", evt.Metadata.ID),
			attribute.Int("event.handlers", len(matched)),
		),
	)
	defer span.End()

	failed := 0
	for _, s := range matched {
		if err := b.call(ctx, s, evt); err != nil {
			failed++
			metrics.BusHandlerFailures.WithLabelValues(string(s.pattern)).Inc()
			b.log.Error("event handler failed",
				zap.String("event", evt.Name),
				zap.String("event_id", evt.Metadata.ID),
				zap.String("pattern", string(s.pattern)),
				zap.String("subscription_id", string(s.id)),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		err := fmt.Errorf("%w: %d of %d handlers for %s", relayerrors.ErrHandlerFailure, failed, len(matched), evt.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failure")
		return err
	}
	return nil
}

func (b *Bus) call(ctx context.Context, s subscription, evt events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, evt)
}
