package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"go.uber.org/zap"
)

// Cache stores JSON values under namespaced keys.
type Cache struct {
	client *Client
	kb     *KeyBuilder
	log    *zap.Logger
}

// NewCache creates a new Cache instance
func NewCache(client *Client, namespace, context string) *Cache {
	return &Cache{
		client: client,
		kb:     NewKeyBuilder(namespace, context),
		log:    client.log.With(zap.String("module", "cache"), zap.String("context", context)),
	}
}

// GetClient returns the underlying Redis client
func (c *Cache) GetClient() *Client {
	return c.client
}

// Key returns the full key for entity/attribute.
func (c *Cache) Key(entity, attribute string) string {
	return c.kb.Build(entity, attribute)
}

// Set stores a value in the cache with the given TTL
func (c *Cache) Set(ctx context.Context, entity, attribute string, value interface{}, ttl time.Duration) error {
	key := c.kb.Build(entity, attribute)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Error("failed to set cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Get decodes the value into dst. found is false on a cache miss.
func (c *Cache) Get(ctx context.Context, entity, attribute string, dst interface{}) (found bool, err error) {
	key := c.kb.Build(entity, attribute)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, Nil) {
			return false, nil
		}
		c.log.Error("failed to get cache", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to get cache: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}

// GetMulti passes the raw value of every present entity/attribute key to fn; misses are skipped.
func (c *Cache) GetMulti(ctx context.Context, entity string, attributes []string, fn func(attribute string, data []byte) error) error {
	if len(attributes) == 0 {
		return nil
	}
	keys := make([]string, len(attributes))
	for i, attr := range attributes {
		keys[i] = c.kb.Build(entity, attr)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Error("failed to get multiple cache entries", zap.String("entity", entity), zap.Error(err))
		return fmt.Errorf("failed to get multiple cache entries: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if err := fn(attributes[i], []byte(s)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a value from the cache
func (c *Cache) Delete(ctx context.Context, entity, attribute string) error {
	key := c.kb.Build(entity, attribute)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Error("failed to delete cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}
