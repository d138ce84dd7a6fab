package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// streamName holds every pipeline topic under one JetStream stream.
	streamName = "AIRES"
	// subjectPrefix namespaces pipeline subjects on shared brokers.
	subjectPrefix = "aires"

	jsAckWait    = 30 * time.Second
	jsMaxDeliver = 5
	// dedupWindow is how long the broker remembers message IDs for
	// publish-side dedup.
	dedupWindow = 10 * time.Minute
)

// JetStreamBus implements Bus over NATS JetStream with durable consumers
// and explicit acks.
type JetStreamBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	ownConn bool
}

// ConnectJetStream connects to the given broker URLs, provisions the
// pipeline stream, and returns a ready bus.
func ConnectJetStream(ctx context.Context, urls []string, logger *slog.Logger) (*JetStreamBus, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one broker URL is required")
	}
	conn, err := nats.Connect(strings.Join(urls, ","),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b, err := NewJetStreamBus(ctx, conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.ownConn = true
	return b, nil
}

// NewJetStreamBus wraps an existing NATS connection. The caller keeps
// ownership of the connection unless ConnectJetStream created it.
func NewJetStreamBus(ctx context.Context, conn *nats.Conn, logger *slog.Logger) (*JetStreamBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("provision stream %s: %w", streamName, err)
	}

	return &JetStreamBus{
		conn:   conn,
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

func subject(topic string) string {
	return subjectPrefix + "." + topic
}

// Publish sends the envelope with the message ID as the broker dedup key,
// so outbox retries after a lost ACK never double-publish.
func (b *JetStreamBus) Publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = b.js.Publish(ctx, subject(env.Topic), data,
		jetstream.WithMsgID(env.MessageID))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", env.Topic, err)
	}
	return nil
}

// Subscribe creates a durable consumer filtered to the topic and pumps
// deliveries into the handler until ctx is cancelled.
func (b *JetStreamBus) Subscribe(ctx context.Context, topic, consumer string, h Handler) error {
	// Durable names may not contain dots.
	durable := consumer + "-" + strings.ReplaceAll(topic, ".", "-")

	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       jsAckWait,
		MaxDeliver:    jsMaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		b.handle(ctx, topic, consumer, msg, h)
	})
	if err != nil {
		return fmt.Errorf("start consume %s: %w", durable, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	return nil
}

func (b *JetStreamBus) handle(ctx context.Context, topic, consumer string, msg jetstream.Msg, h Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		// Poison payload: terminate so it never blocks the consumer.
		b.logger.Warn("Undecodable message, terminating delivery",
			"topic", topic,
			"consumer", consumer,
			"error", err)
		_ = msg.Term()
		return
	}

	err := h(ctx, &env)
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, ErrTerminal):
		b.logger.Warn("Terminal handler failure",
			"topic", topic,
			"consumer", consumer,
			"message_id", env.MessageID,
			"error", err)
		_ = msg.Term()
	default:
		b.logger.Debug("Handler failed, requesting redelivery",
			"topic", topic,
			"consumer", consumer,
			"message_id", env.MessageID,
			"error", err)
		_ = msg.Nak()
	}
}

// QueueDepth returns the number of pending messages on a topic.
func (b *JetStreamBus) QueueDepth(ctx context.Context) (map[string]uint64, error) {
	info, err := b.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}
	// Per-subject counts require the subjects filter in stream info.
	depths := make(map[string]uint64)
	depths["total"] = info.State.Msgs
	return depths, nil
}

// Close drains the connection if this bus owns it.
func (b *JetStreamBus) Close() error {
	if b.ownConn && b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
			return err
		}
	}
	return nil
}
