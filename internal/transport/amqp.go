//go:build !noamqp

package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPName is the registry name of the durable broker transport.
const AMQPName = "amqp"

const (
	defaultExchange       = "ovasabi.events"
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 10
)

func init() {
	Register(AMQPName, func(opts Options) (Adapter, error) {
		if opts.URL == "" {
			return nil, errors.New("amqp transport requires a broker URL")
		}
		return NewAMQPAdapter(AMQPConfig{
			URL:            opts.URL,
			Exchange:       opts.Exchange,
			ReconnectDelay: opts.ReconnectDelay,
			MaxReconnects:  opts.MaxReconnects,
		}, opts.logger(AMQPName)), nil
	})
}

// AMQPConfig configures the broker adapter.
type AMQPConfig struct {
	URL            string
	Exchange       string
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// amqpConnection and amqpChannel are the parts of amqp091 the adapter uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func(url string) (amqpConnection, error)

type brokerConnection struct {
	*amqp.Connection
}

func (c brokerConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialBroker(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return brokerConnection{conn}, nil
}

type amqpSubscription struct {
	channel string
	handler Handler
	tag     string
	ch      amqpChannel
}

// AMQPAdapter publishes to one durable topic exchange and consumes through an
// exclusive queue per subscribed channel. Messages are acked only after the
// handler returns nil and rejected without requeue otherwise.
type AMQPAdapter struct {
	cfg  AMQPConfig
	dial amqpDialer
	log  *zap.Logger

	mu        sync.RWMutex
	conn      amqpConnection
	pubCh     amqpChannel
	subs      map[string]*amqpSubscription
	connected bool
	closing   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAMQPAdapter returns a disconnected broker adapter.
func NewAMQPAdapter(cfg AMQPConfig, log *zap.Logger) *AMQPAdapter {
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPAdapter{
		cfg:  cfg,
		dial: dialBroker,
		log:  log,
		subs: make(map[string]*amqpSubscription),
	}
}

func (a *AMQPAdapter) Name() string { return AMQPName }

func (a *AMQPAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	a.closing = false
	a.ctx, a.cancel = context.WithCancel(context.Background())
	if err := a.connectLocked(); err != nil {
		return fmt.Errorf("amqp connect: %w", err)
	}
	if err := a.replayLocked(); err != nil {
		a.dropConnectionLocked()
		return fmt.Errorf("amqp subscribe: %w", err)
	}
	a.log.Info("connected to broker", zap.String("exchange", a.cfg.Exchange))
	return nil
}

// connectLocked dials, declares the exchange and starts watching for connection loss.
func (a *AMQPAdapter) connectLocked() error {
	conn, err := a.dial(a.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	a.conn = conn
	a.pubCh = ch
	a.connected = true

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	a.wg.Add(1)
	go a.watch(a.ctx, conn, notify)
	return nil
}

func (a *AMQPAdapter) replayLocked() error {
	for _, sub := range a.subs {
		if err := a.consumeLocked(sub); err != nil {
			return fmt.Errorf("channel %s: %w", sub.channel, err)
		}
	}
	return nil
}

func (a *AMQPAdapter) consumeLocked(sub *amqpSubscription) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(q.Name, sub.channel, a.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(q.Name, sub.tag, false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	sub.ch = ch
	a.wg.Add(1)
	go a.consume(a.ctx, sub.channel, sub.handler, deliveries)
	return nil
}

func (a *AMQPAdapter) consume(ctx context.Context, channel string, h Handler, deliveries <-chan amqp.Delivery) {
	defer a.wg.Done()
	for d := range deliveries {
		if err := invoke(ctx, h, d.Body); err != nil {
			a.log.Warn("handler failed, rejecting message",
				zap.String("channel", channel),
				zap.Error(err),
			)
			if rerr := d.Reject(false); rerr != nil {
				a.log.Error("reject failed", zap.String("channel", channel), zap.Error(rerr))
			}
			continue
		}
		if err := d.Ack(false); err != nil {
			a.log.Error("ack failed", zap.String("channel", channel), zap.Error(err))
		}
	}
}

func (a *AMQPAdapter) watch(ctx context.Context, conn amqpConnection, notify <-chan *amqp.Error) {
	defer a.wg.Done()
	select {
	case <-ctx.Done():
		return
	case amqpErr, ok := <-notify:
		if !ok && ctx.Err() != nil {
			return
		}
		a.mu.Lock()
		if a.closing || a.conn != conn {
			a.mu.Unlock()
			return
		}
		a.dropConnectionLocked()
		a.mu.Unlock()

		fields := []zap.Field{zap.Int("max_attempts", a.cfg.MaxReconnects)}
		if amqpErr != nil {
			fields = append(fields, zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
		a.log.Warn("broker connection lost, reconnecting", fields...)
		a.reconnect(ctx)
	}
}

// reconnect retries with delay ReconnectDelay * 2^attempt, giving up after
// MaxReconnects attempts.
func (a *AMQPAdapter) reconnect(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = math.MaxInt64
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= a.cfg.MaxReconnects; attempt++ {
		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		a.mu.Lock()
		if a.closing {
			a.mu.Unlock()
			return
		}
		err := a.connectLocked()
		if err == nil {
			if err = a.replayLocked(); err != nil {
				a.dropConnectionLocked()
			}
		}
		a.mu.Unlock()

		if err == nil {
			a.log.Info("reconnected to broker", zap.Int("attempt", attempt))
			return
		}
		a.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	a.log.Error("giving up on broker reconnect", zap.Int("attempts", a.cfg.MaxReconnects))
}

// dropConnectionLocked forgets the current connection and closes what is left of it.
func (a *AMQPAdapter) dropConnectionLocked() {
	a.connected = false
	for _, sub := range a.subs {
		if sub.ch != nil {
			_ = sub.ch.Close()
			sub.ch = nil
		}
	}
	if a.pubCh != nil {
		_ = a.pubCh.Close()
		a.pubCh = nil
	}
	if a.conn != nil {
		if !a.conn.IsClosed() {
			_ = a.conn.Close()
		}
		a.conn = nil
	}
}

func (a *AMQPAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	a.closing = true
	if a.cancel != nil {
		a.cancel()
	}
	a.dropConnectionLocked()
	a.mu.Unlock()

	a.wg.Wait()
	a.log.Info("broker connection closed")
	return nil
}

func (a *AMQPAdapter) Publish(ctx context.Context, channel string, msg []byte) error {
	a.mu.RLock()
	ch := a.pubCh
	connected := a.connected
	a.mu.RUnlock()
	if !connected || ch == nil {
		return relayerrors.ErrTransportUnavailable
	}
	err := ch.PublishWithContext(ctx, a.cfg.Exchange, channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         msg,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", relayerrors.ErrTransportUnavailable, err)
	}
	return nil
}

// Subscribe registers h for channel. The registration survives reconnects.
func (a *AMQPAdapter) Subscribe(_ context.Context, channel string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.subs[channel]; ok {
		a.cancelLocked(old)
	}
	sub := &amqpSubscription{
		channel: channel,
		handler: h,
		tag:     "relay-" + channel + "-" + uuid.NewString(),
	}
	a.subs[channel] = sub
	if !a.connected {
		return nil
	}
	return a.consumeLocked(sub)
}

func (a *AMQPAdapter) Unsubscribe(_ context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub, ok := a.subs[channel]
	if !ok {
		return nil
	}
	delete(a.subs, channel)
	a.cancelLocked(sub)
	return nil
}

func (a *AMQPAdapter) cancelLocked(sub *amqpSubscription) {
	if sub.ch == nil {
		return
	}
	if err := sub.ch.Cancel(sub.tag, false); err != nil {
		a.log.Warn("consumer cancel failed", zap.String("channel", sub.channel), zap.Error(err))
	}
	_ = sub.ch.Close()
	sub.ch = nil
}

func (a *AMQPAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}
