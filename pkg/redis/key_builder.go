package redis

import (
	"strings"
)

// KeyBuilder builds namespaced keys of the form namespace:context:entity[:attribute].
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a key. Entity ids keep their case; ids from the identity
// provider are case-sensitive.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{kb.namespace, kb.context, strings.ToLower(entity)}
	if attribute != "" {
		parts = append(parts, attribute)
	}
	return strings.Join(parts, ":")
}

// Channel returns a pub/sub channel name under this builder's prefix.
func (kb *KeyBuilder) Channel(name string) string {
	return strings.Join([]string{kb.namespace, kb.context, name}, ":")
}

// Parse extracts components from a key built by Build.
func (kb *KeyBuilder) Parse(key string) map[string]string {
	parts := strings.SplitN(key, ":", 4)
	result := make(map[string]string)
	names := []string{"namespace", "context", "entity", "attribute"}
	for i, p := range parts {
		result[names[i]] = p
	}
	return result
}
