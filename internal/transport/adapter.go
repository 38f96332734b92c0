// Package transport provides the pub/sub transports the event bus runs on.
//
// Every implementation satisfies Adapter and registers a Factory from init, so
// the set of available transports is decided at compile time: the broker-backed
// adapters sit behind the noamqp, nokafka and noredis build tags.
package transport

import (
	"context"
	"time"

	"github.com/nmxmxh/ovasabi-relay/pkg/redis"
	"go.uber.org/zap"
)

// Handler consumes one message from a channel. A non-nil error tells durable
// transports the message was not processed.
type Handler func(ctx context.Context, msg []byte) error

// Adapter is a uniform interface over a concrete pub/sub transport.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Publish fails with ErrTransportUnavailable when the adapter is not connected.
	Publish(ctx context.Context, channel string, msg []byte) error
	// Subscribe registers the handler for channel, replacing any previous one.
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	IsConnected() bool
}

// Options carries the settings any registered transport may need.
type Options struct {
	// AMQP
	URL            string
	Exchange       string
	ReconnectDelay time.Duration
	MaxReconnects  int

	// Kafka
	Brokers []string
	GroupID string

	// Redis
	Redis *redis.Client

	Log *zap.Logger
}

func (o Options) logger(name string) *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log.With(zap.String("component", "transport"), zap.String("adapter", name))
}
