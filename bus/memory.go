package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	memoryQueueDepth      = 1024
	memoryMaxDeliver      = 3
	memoryRedeliveryDelay = 10 * time.Millisecond
)

// Memory is an in-process Bus used by tests and single-binary setups
// without a broker. It preserves publish order per topic and redelivers
// on handler error up to a delivery cap, mirroring JetStream semantics.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	seen   map[string]bool
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

type memorySub struct {
	consumer string
	ch       chan *Envelope
}

// NewMemory creates an in-memory bus.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:   make(map[string][]*memorySub),
		seen:   make(map[string]bool),
		logger: logger,
	}
}

// Publish delivers the envelope to every subscriber of its topic.
// Duplicate MessageIDs are dropped, matching broker-side dedup.
func (m *Memory) Publish(_ context.Context, env *Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	if m.seen[env.MessageID] {
		m.mu.Unlock()
		return nil
	}
	m.seen[env.MessageID] = true
	subs := append([]*memorySub(nil), m.subs[env.Topic]...)
	m.mu.Unlock()

	// Copy per subscriber so handlers never share payload slices.
	for _, sub := range subs {
		clone := *env
		clone.Payload = append(json.RawMessage(nil), env.Payload...)
		select {
		case sub.ch <- &clone:
		default:
			m.logger.Warn("Memory bus queue full, dropping message",
				"topic", env.Topic,
				"consumer", sub.consumer,
				"message_id", env.MessageID)
		}
	}
	return nil
}

// Subscribe starts a goroutine that feeds the handler until ctx ends.
func (m *Memory) Subscribe(ctx context.Context, topic, consumer string, h Handler) error {
	sub := &memorySub{
		consumer: consumer,
		ch:       make(chan *Envelope, memoryQueueDepth),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-sub.ch:
				if !ok {
					return
				}
				m.deliver(ctx, env, consumer, h)
			}
		}
	}()

	return nil
}

func (m *Memory) deliver(ctx context.Context, env *Envelope, consumer string, h Handler) {
	for attempt := 1; attempt <= memoryMaxDeliver; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return
		}
		if errors.Is(err, ErrTerminal) || ctx.Err() != nil {
			return
		}
		m.logger.Debug("Handler failed, redelivering",
			"topic", env.Topic,
			"consumer", consumer,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(memoryRedeliveryDelay):
		}
	}
	m.logger.Warn("Delivery cap reached, dropping message",
		"topic", env.Topic,
		"consumer", consumer,
		"message_id", env.MessageID)
}

// Close stops accepting publishes. Subscriber goroutines exit when their
// contexts end.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
