package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WebhookDLQStream receives webhook deliveries that exhausted their retries.
var WebhookDLQStream = NewKeyBuilder(NamespaceRelay, ContextDLQ).Channel("webhooks")

const defaultDLQMaxLen = 10000

// DeadLetterQueue appends failed work to a capped Redis stream.
type DeadLetterQueue struct {
	client *Client
	stream string
	maxLen int64
	log    *zap.Logger
}

// NewDeadLetterQueue writes to stream, trimming it to roughly maxLen entries.
func NewDeadLetterQueue(client *Client, stream string, maxLen int64, log *zap.Logger) *DeadLetterQueue {
	if maxLen <= 0 {
		maxLen = defaultDLQMaxLen
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeadLetterQueue{client: client, stream: stream, maxLen: maxLen, log: log}
}

// Push emits a failed item to the dead-letter queue (DLQ) Redis stream.
func (q *DeadLetterQueue) Push(ctx context.Context, kind string, values map[string]interface{}, cause error) error {
	entry := make(map[string]interface{}, len(values)+2)
	for k, v := range values {
		entry[k] = v
	}
	entry["kind"] = kind
	entry["error"] = fmt.Sprintf("%v", cause)

	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: entry,
	}).Result()
	if err != nil {
		q.log.Error("Failed to emit to DLQ", zap.Error(err), zap.String("kind", kind), zap.String("stream", q.stream))
	}
	return err
}

// Len reports the number of entries currently in the stream.
func (q *DeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}
