package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/redis"
	"go.uber.org/zap"
)

// Frame is one broadcast travelling between gateway nodes. Every node delivers
// it to its own members of Rooms, each connection once, skipping Except.
type Frame struct {
	Rooms   []string        `json:"rooms"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Except  string          `json:"except,omitempty"`
}

// Backplane carries frames to every gateway node, the sender included.
type Backplane interface {
	Publish(ctx context.Context, f Frame) error
	Subscribe(ctx context.Context, deliver func(Frame)) error
	Close() error
}

// LocalBackplane serves a single process. Delivery happens on the publishing
// goroutine; it never blocks because connection sends are non-blocking.
type LocalBackplane struct {
	mu      sync.RWMutex
	deliver []func(Frame)
}

func NewLocalBackplane() *LocalBackplane {
	return &LocalBackplane{}
}

func (b *LocalBackplane) Publish(_ context.Context, f Frame) error {
	b.mu.RLock()
	subs := b.deliver
	b.mu.RUnlock()
	for _, d := range subs {
		d(f)
	}
	return nil
}

func (b *LocalBackplane) Subscribe(_ context.Context, deliver func(Frame)) error {
	b.mu.Lock()
	b.deliver = append(b.deliver, deliver)
	b.mu.Unlock()
	return nil
}

func (b *LocalBackplane) Close() error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

var backplaneChannel = redis.NewKeyBuilder(redis.NamespaceRelay, redis.ContextBackplane).Channel("frames")

// RedisBackplane fans frames out over one Redis pub/sub channel.
type RedisBackplane struct {
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBackplane(client *redis.Client, log *zap.Logger) *RedisBackplane {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBackplane{client: client, log: log.With(zap.String("component", "backplane"))}
}

func (b *RedisBackplane) Publish(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return b.client.Publish(ctx, backplaneChannel, data).Err()
}

// Subscribe starts delivering frames. Only one subscription per backplane is supported.
func (b *RedisBackplane) Subscribe(ctx context.Context, deliver func(Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("backplane already subscribed")
	}
	ps := b.client.Subscribe(ctx, backplaneChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe backplane: %w", err)
	}
	b.pubsub = ps
	b.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		for msg := range ps.Channel() {
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.log.Warn("dropping undecodable frame", zap.Error(err))
				continue
			}
			deliver(f)
		}
	}(b.done)
	b.log.Info("backplane subscribed", zap.String("channel", backplaneChannel))
	return nil
}

func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
