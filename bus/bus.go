// Package bus provides the ordered, at-least-once message fabric between
// pipeline components. Production uses NATS JetStream (external brokers
// or an embedded server); tests use the in-memory implementation.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTerminal is returned by handlers to signal a poison message: the
// delivery is terminated instead of redelivered.
var ErrTerminal = errors.New("terminal message failure")

// Envelope is the wire format for every pipeline message.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	BatchID       string          `json:"batch_id"`
	CorrelationID string          `json:"correlation_id"`
	Topic         string          `json:"topic"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEnvelope wraps a payload for publication. The payload must be
// JSON-marshalable; failures surface at publish time, not delivery time.
func NewEnvelope(topic, msgType, batchID, correlationID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID:     uuid.New().String(),
		BatchID:       batchID,
		CorrelationID: correlationID,
		Topic:         topic,
		Type:          msgType,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler processes one delivered envelope. A nil return acknowledges the
// message; ErrTerminal terminates it; any other error triggers redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Bus is the publish/subscribe surface the pipeline components use.
type Bus interface {
	// Publish sends an envelope to a topic. Publishing the same
	// MessageID twice is a no-op (publisher-side dedup).
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe registers a durable consumer on a topic. Each consumer
	// name receives every message once (plus redeliveries). Delivery
	// stops when ctx is cancelled.
	Subscribe(ctx context.Context, topic, consumer string, h Handler) error

	// Close releases broker resources.
	Close() error
}
