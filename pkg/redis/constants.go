package redis

import "time"

// Top-level key namespaces.
const (
	NamespaceCache  = "cache"
	NamespaceRelay  = "relay"
	NamespacePubSub = "pubsub"
)

// Second-level contexts.
const (
	ContextPresence  = "presence"
	ContextBackplane = "backplane"
	ContextEvents    = "events"
	ContextDLQ       = "dlq"
)

// TTL constants defines the time-to-live durations for different types of data
const (
	TTLPresence = 1 * time.Hour
)
