package events

import (
	"context"
	"strings"
	"time"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

// Metadata travels with every event.
type Metadata struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlationId,omitempty"`
	// OrgID is the tenant the event belongs to, when the publisher knows it.
	OrgID string `json:"orgId,omitempty"`
	// Trace carries the W3C trace context of the publishing span.
	Trace map[string]string `json:"trace,omitempty"`
}

// Event is a named fact published once. It is never mutated after publish.
type Event struct {
	Name     string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// Encode returns the wire form of the envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// DecodePayload unmarshals the payload into dst.
func (e Event) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// DotName is the event name with colon separators replaced by dots, the form
// external consumers see ("message:received" -> "message.received").
func (e Event) DotName() string {
	return DotName(e.Name)
}

// DotName normalizes an event name to dot separators.
func DotName(name string) string {
	return strings.ReplaceAll(name, ":", ".")
}

// PublishOptions are caller-supplied envelope fields.
type PublishOptions struct {
	CorrelationID string
	Source        string
	OrgID         string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithCorrelationID ties the event to an originating request.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CorrelationID = id }
}

// WithSource names the producer of the event.
func WithSource(source string) PublishOption {
	return func(o *PublishOptions) { o.Source = source }
}

// WithOrgID stamps the tenant on the envelope so consumers need not dig it out of the payload.
func WithOrgID(orgID string) PublishOption {
	return func(o *PublishOptions) { o.OrgID = orgID }
}

// Publisher is what domain collaborators depend on to emit events.
type Publisher interface {
	Publish(ctx context.Context, name string, payload interface{}, opts ...PublishOption) error
}

// Handler consumes events delivered by the bus.
type Handler func(ctx context.Context, evt Event) error
