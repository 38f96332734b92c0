package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nmxmxh/ovasabi-relay/internal/eventbus"
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
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = time.Second
	defaultTimeout     = 30 * time.Second
	defaultMaxInFlight = 64
	defaultUserAgent   = "Ovasabi-Webhooks/1.0"

	deadLetterKind = "webhook_delivery"

	// maxResponseDrain bounds how much of an endpoint's reply is read.
	maxResponseDrain = 64 << 10
)

// DefaultPatterns are the bus patterns forwarded to webhooks.
var DefaultPatterns = []string{
	"message:*",
	"conversation:*",
	"member:*",
	"meeting:*",
	"file:*",
	"org:*",
	"user:*",
	"feature:*",
	"reaction:*",
}

// Config holds dispatcher defaults. Subscriptions may override retries and delay.
type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	MaxInFlight int64
	UserAgent   string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// Subscriber is the part of the bus the dispatcher registers on.
type Subscriber interface {
	Subscribe(pattern string, handler events.Handler) eventbus.SubscriptionID
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// DeadLetters receives deliveries that exhausted their retries.
type DeadLetters interface {
	Push(ctx context.Context, kind string, values map[string]interface{}, cause error) error
}

// WithDeadLetters parks exhausted deliveries in dl.
func WithDeadLetters(dl DeadLetters) Option {
	return func(d *Dispatcher) { d.dead = dl }
}

// WithPatterns replaces DefaultPatterns.
func WithPatterns(patterns ...string) Option {
	return func(d *Dispatcher) { d.patterns = patterns }
}

// Dispatcher forwards bus events to matching subscriptions.
type Dispatcher struct {
	cfg      Config
	store    Store
	client   *http.Client
	log      *zap.Logger
	patterns []string
	dead     DeadLetters
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	now      func() time.Time
}

// New builds a dispatcher. Attempts share one semaphore of cfg.MaxInFlight slots.
func New(cfg Config, store Store, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		client:   &http.Client{},
		log:      logger.Component(log, "webhook_dispatcher"),
		patterns: DefaultPatterns,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register subscribes the dispatcher to its patterns on bus.
func (d *Dispatcher) Register(bus Subscriber) {
	for _, p := range d.patterns {
		bus.Subscribe(p, d.HandleEvent)
	}
	d.log.Info("webhook dispatcher registered", zap.Strings("patterns", d.patterns))
}

// HandleEvent starts one delivery per matching subscription and returns
// without waiting for them. Events without an org are dropped.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt events.Event) error {
	log := logger.FromContext(ctx, d.log).With(zap.String("event", evt.Name), zap.String("event_id", evt.Metadata.ID))

	orgID := OrgID(evt)
	if orgID == "" {
		log.Debug("no org on event, skipping webhooks")
		return nil
	}
	name := evt.DotName()
	subs, err := d.store.ListEnabledForEvent(ctx, orgID, name)
	if err != nil {
		return relayerrors.LogWithError(ctx, log, "failed to load webhook subscriptions", err, zap.String("org_id", orgID))
	}
	if len(subs) == 0 {
		return nil
	}

	deliveryCtx := context.WithoutCancel(ctx)
	for i := range subs {
		sub := subs[i]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			res := d.deliver(deliveryCtx, &sub, name, evt.Payload)
			d.record(deliveryCtx, &sub, res)
		}()
	}
	log.Debug("webhook deliveries started", zap.String("org_id", orgID), zap.Int("subscriptions", len(subs)))
	return nil
}

// SendTest makes a single delivery of a synthetic event to a subscription.
// Delivery problems are reported in the Result; counters are left alone.
func (d *Dispatcher) SendTest(ctx context.Context, subscriptionID string) (*Result, error) {
	sub, err := d.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, relayerrors.Wrap(err, "load webhook subscription")
	}
	data := map[string]interface{}{
		"message":        "This is a test webhook delivery",
		"subscriptionId": sub.ID,
		"orgId":          sub.OrgID,
	}
	once := *sub
	once.MaxRetries = 0
	res := d.deliver(ctx, &once, TestEvent, data)
	return &res, nil
}

// Wait blocks until every started delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) policy(sub *Subscription) (int, time.Duration) {
	retries, delay := sub.MaxRetries, sub.RetryDelay
	if retries < 0 {
		retries = d.cfg.MaxRetries
	}
	if delay <= 0 {
		delay = d.cfg.RetryDelay
	}
	return retries, delay
}

// deliver POSTs one signed body, retrying transient failures. The delivery id,
// body and signature stay the same across retries.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event string, data interface{}) Result {
	start := d.now()
	res := Result{
		DeliveryID:     uuid.NewString(),
		SubscriptionID: sub.ID,
		Event:          event,
	}
	ctx, span := tracing.Tracer().Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("webhook.subscription_id", sub.ID),
		attribute.String("webhook.delivery_id", res.DeliveryID),
		attribute.String("webhook.event", event),
	))
	defer func() {
		span.SetAttributes(attribute.Int("webhook.attempts", res.Attempts))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "delivery failed")
		}
		span.End()
	}()

	ts := start.UnixMilli()
	body, err := json.Marshal(Payload{ID: res.DeliveryID, Event: event, Timestamp: ts, Data: data})
	if err != nil {
		res.Err = fmt.Errorf("%w: encode body: %v", relayerrors.ErrDeliveryFailure, err)
		return res
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", d.cfg.UserAgent)
	headers.Set(HeaderSignature, Sign(body, sub.Secret))
	headers.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	headers.Set(HeaderID, res.DeliveryID)
	headers.Set(HeaderEvent, event)

	retries, delay := d.policy(sub)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = math.MaxInt64
	bo.MaxElapsedTime = 0
	bo.Reset()

	operation := func() error {
		res.Attempts++
		status, err := d.attempt(ctx, res.Attempts, sub.URL, body, headers)
		res.StatusCode = status
		return err
	}
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))

	res.Duration = d.now().Sub(start)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

// attempt makes one HTTP request. 4xx responses other than 429 are permanent.
func (d *Dispatcher) attempt(ctx context.Context, n int, url string, body []byte, headers http.Header) (status int, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "webhook.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("webhook.attempt", n)),
	)
	defer func() {
		if status != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", status))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attempt failed")
		}
		span.End()
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return 0, backoff.Permanent(err)
	}
	metrics.WebhookInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.WebhookAttemptDuration.Observe(time.Since(start).Seconds())
		metrics.WebhookInFlight.Dec()
		d.sem.Release(1)
	}()

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookAttempts.WithLabelValues("invalid_request").Inc()
		return 0, backoff.Permanent(fmt.Errorf("%w: %v", relayerrors.ErrDeliveryFailure, err))
	}
	req.Header = headers.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookAttempts.WithLabelValues("network_error").Inc()
		return 0, fmt.Errorf("%w: %v", relayerrors.ErrDeliveryFailure, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))
	_ = resp.Body.Close()

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		metrics.WebhookAttempts.WithLabelValues("success").Inc()
		return code, nil
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		metrics.WebhookAttempts.WithLabelValues("client_error").Inc()
		return code, backoff.Permanent(fmt.Errorf("%w: endpoint returned %d", relayerrors.ErrDeliveryFailure, code))
	default:
		metrics.WebhookAttempts.WithLabelValues("retryable").Inc()
		return code, fmt.Errorf("%w: endpoint returned %d", relayerrors.ErrDeliveryFailure, code)
	}
}

func (d *Dispatcher) record(ctx context.Context, sub *Subscription, res Result) {
	fields := []zap.Field{
		zap.String("subscription_id", sub.ID),
		zap.String("org_id", sub.OrgID),
		zap.String("delivery_id", res.DeliveryID),
		zap.String("event", res.Event),
		zap.Int("status_code", res.StatusCode),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	}
	at := d.now()
	if res.Success {
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		if err := d.store.RecordSuccess(ctx, sub.ID, at); err != nil {
			d.log.Warn("failed to record webhook success", append(fields, zap.Error(err))...)
		}
		d.log.Info("webhook delivered", fields...)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	if err := d.store.RecordFailure(ctx, sub.ID, at); err != nil {
		d.log.Warn("failed to record webhook failure", append(fields, zap.Error(err))...)
	}
	d.log.Warn("webhook delivery failed", append(fields, zap.Error(res.Err))...)

	if d.dead != nil {
		_ = d.dead.Push(ctx, deadLetterKind, map[string]interface{}{
			"subscription_id": sub.ID,
			"org_id":          sub.OrgID,
			"delivery_id":     res.DeliveryID,
			"event":           res.Event,
			"status_code":     res.StatusCode,
			"attempts":        res.Attempts,
		}, res.Err)
	}
}
