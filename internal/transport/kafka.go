//go:build !nokafka

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaName is the registry name of the log-based transport.
const KafkaName = "kafka"

const defaultKafkaGroup = "ovasabi-relay"

func init() {
	Register(KafkaName, func(opts Options) (Adapter, error) {
		if len(opts.Brokers) == 0 {
			return nil, errors.New("kafka transport requires at least one broker")
		}
		return NewKafkaAdapter(KafkaConfig{
			Brokers: opts.Brokers,
			GroupID: opts.GroupID,
		}, opts.logger(KafkaName)), nil
	})
}

// KafkaConfig configures the kafka adapter. Each channel maps to a topic.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSubscription struct {
	reader kafkaReader
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaAdapter writes each channel to the topic of the same name and reads
// through one consumer-group reader per subscribed channel. Offsets are
// committed after the handler returns, whatever its outcome, so a failing
// message is skipped rather than redelivered forever.
type KafkaAdapter struct {
	cfg KafkaConfig
	log *zap.Logger

	newWriter func() kafkaWriter
	newReader func(topic string) kafkaReader

	mu        sync.RWMutex
	writer    kafkaWriter
	handlers  map[string]Handler
	subs      map[string]*kafkaSubscription
	connected bool
}

// NewKafkaAdapter returns a disconnected kafka adapter.
func NewKafkaAdapter(cfg KafkaConfig, log *zap.Logger) *KafkaAdapter {
	if cfg.GroupID == "" {
		cfg.GroupID = defaultKafkaGroup
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &KafkaAdapter{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
		subs:     make(map[string]*kafkaSubscription),
	}
	a.newWriter = func() kafkaWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
	}
	a.newReader = func(topic string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   topic,
			GroupID: cfg.GroupID,
		})
	}
	return a
}

func (a *KafkaAdapter) Name() string { return KafkaName }

func (a *KafkaAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	a.writer = a.newWriter()
	a.connected = true
	for channel, h := range a.handlers {
		a.startLocked(channel, h)
	}
	a.log.Info("kafka adapter ready", zap.Strings("brokers", a.cfg.Brokers))
	return nil
}

func (a *KafkaAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	a.connected = false
	subs := a.subs
	a.subs = make(map[string]*kafkaSubscription)
	w := a.writer
	a.writer = nil
	a.mu.Unlock()

	for channel, sub := range subs {
		a.stop(channel, sub)
	}
	if w != nil {
		if err := w.Close(); err != nil {
			a.log.Warn("writer close failed", zap.Error(err))
		}
	}
	return nil
}

func (a *KafkaAdapter) Publish(ctx context.Context, channel string, msg []byte) error {
	a.mu.RLock()
	w := a.writer
	connected := a.connected
	a.mu.RUnlock()
	if !connected || w == nil {
		return relayerrors.ErrTransportUnavailable
	}
	if err := w.WriteMessages(ctx, kafka.Message{Topic: channel, Value: msg}); err != nil {
		return fmt.Errorf("%w: %v", relayerrors.ErrTransportUnavailable, err)
	}
	return nil
}

func (a *KafkaAdapter) Subscribe(_ context.Context, channel string, h Handler) error {
	a.mu.Lock()
	old := a.subs[channel]
	delete(a.subs, channel)
	a.handlers[channel] = h
	if a.connected {
		a.startLocked(channel, h)
	}
	a.mu.Unlock()

	if old != nil {
		a.stop(channel, old)
	}
	return nil
}

func (a *KafkaAdapter) Unsubscribe(_ context.Context, channel string) error {
	a.mu.Lock()
	delete(a.handlers, channel)
	sub := a.subs[channel]
	delete(a.subs, channel)
	a.mu.Unlock()

	if sub != nil {
		a.stop(channel, sub)
	}
	return nil
}

func (a *KafkaAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *KafkaAdapter) startLocked(channel string, h Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{
		reader: a.newReader(channel),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.subs[channel] = sub
	go a.read(ctx, channel, h, sub)
}

func (a *KafkaAdapter) stop(channel string, sub *kafkaSubscription) {
	sub.cancel()
	<-sub.done
	if err := sub.reader.Close(); err != nil {
		a.log.Warn("reader close failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (a *KafkaAdapter) read(ctx context.Context, channel string, h Handler, sub *kafkaSubscription) {
	defer close(sub.done)
	for {
		m, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("fetch failed", zap.String("channel", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := invoke(ctx, h, m.Value); err != nil {
			a.log.Warn("handler failed, skipping message",
				zap.String("channel", channel),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
		if err := sub.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			a.log.Warn("commit failed", zap.String("channel", channel), zap.Error(err))
		}
	}
}
