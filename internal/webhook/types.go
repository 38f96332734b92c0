// Package webhook delivers bus events to tenant-registered HTTP endpoints.
//
// Each delivery is signed with the subscription secret, retried with
// exponential backoff on transient failures and recorded in the
// subscription's counters. Deliveries never block the bus.
package webhook

import (
	"time"
)

// Headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-Id"
	HeaderEvent     = "X-Webhook-Event"
)

// TestEvent is the event name used by SendTest.
const TestEvent = "webhook.test"

// FilterAll in an event filter selects every event.
const FilterAll = "*"

// Subscription is a tenant's registration of an endpoint for a set of events.
type Subscription struct {
	ID     string
	OrgID  string
	URL    string
	Secret string
	// EventFilter holds dot-separated event names ("message.received").
	EventFilter []string
	Enabled     bool
	// MaxRetries is the number of retries after the first attempt. Negative
	// means use the dispatcher default.
	MaxRetries int
	// RetryDelay is the base backoff delay. Zero means use the dispatcher default.
	RetryDelay time.Duration

	SuccessCount    int64
	FailureCount    int64
	LastTriggeredAt *time.Time
	LastSuccessAt   *time.Time
	LastFailureAt   *time.Time
}

// Accepts reports whether the subscription's filter selects event.
func (s *Subscription) Accepts(event string) bool {
	for _, f := range s.EventFilter {
		if f == event || f == FilterAll {
			return true
		}
	}
	return false
}

// Payload is the JSON body POSTed to an endpoint.
type Payload struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Result describes one finished delivery.
type Result struct {
	DeliveryID     string
	SubscriptionID string
	Event          string
	StatusCode     int
	Attempts       int
	Success        bool
	Duration       time.Duration
	Err            error
}
