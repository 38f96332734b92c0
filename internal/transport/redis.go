//go:build !noredis

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/redis"
	"go.uber.org/zap"
)

// RedisName is the registry name of the Redis pub/sub transport.
const RedisName = "redis"

func init() {
	Register(RedisName, func(opts Options) (Adapter, error) {
		if opts.Redis == nil {
			return nil, errors.New("redis transport requires a redis client")
		}
		return NewRedisAdapter(opts.Redis, opts.logger(RedisName)), nil
	})
}

var eventChannels = redis.NewKeyBuilder(redis.NamespacePubSub, redis.ContextEvents)

// RedisAdapter fans events out over Redis pub/sub. Messages published while a
// node is not subscribed are lost, so it only suits deployments that accept
// at-most-once delivery without a broker.
type RedisAdapter struct {
	client *redis.Client
	log    *zap.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	connected bool
	pubsub    *redis.PubSub
	done      chan struct{}
}

// NewRedisAdapter returns a disconnected adapter using client.
func NewRedisAdapter(client *redis.Client, log *zap.Logger) *RedisAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisAdapter{
		client:   client,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

func (a *RedisAdapter) Name() string { return RedisName }

func (a *RedisAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if err := a.client.Check(ctx); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	channels := make([]string, 0, len(a.handlers))
	for ch := range a.handlers {
		channels = append(channels, eventChannels.Channel(ch))
	}
	ps := a.client.Subscribe(ctx, channels...)
	if len(channels) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("redis subscribe: %w", err)
		}
	}
	a.pubsub = ps
	a.done = make(chan struct{})
	a.connected = true
	go a.run(ps, a.done)
	return nil
}

func (a *RedisAdapter) run(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	prefix := eventChannels.Channel("")
	for msg := range ps.Channel() {
		channel := msg.Channel[len(prefix):]
		a.mu.RLock()
		h := a.handlers[channel]
		a.mu.RUnlock()
		if h == nil {
			continue
		}
		if err := invoke(context.Background(), h, []byte(msg.Payload)); err != nil {
			a.log.Warn("handler failed", zap.String("channel", channel), zap.Error(err))
		}
	}
}

func (a *RedisAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	ps, done := a.pubsub, a.done
	a.pubsub, a.done = nil, nil
	a.connected = false
	a.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (a *RedisAdapter) Publish(ctx context.Context, channel string, msg []byte) error {
	if !a.IsConnected() {
		return relayerrors.ErrTransportUnavailable
	}
	if err := a.client.Publish(ctx, eventChannels.Channel(channel), msg).Err(); err != nil {
		return fmt.Errorf("%w: %v", relayerrors.ErrTransportUnavailable, err)
	}
	return nil
}

func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[channel] = h
	if a.pubsub == nil {
		return nil
	}
	return a.pubsub.Subscribe(ctx, eventChannels.Channel(channel))
}

func (a *RedisAdapter) Unsubscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handlers, channel)
	if a.pubsub == nil {
		return nil
	}
	return a.pubsub.Unsubscribe(ctx, eventChannels.Channel(channel))
}

func (a *RedisAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}
