package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/store"
)

// recordingBus captures publishes and can fail on demand.
type recordingBus struct {
	mu        sync.Mutex
	published []*bus.Envelope
	failAll   bool
	failTopic string
}

func (r *recordingBus) Publish(_ context.Context, env *bus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll || (r.failTopic != "" && env.Topic == r.failTopic) {
		return fmt.Errorf("broker unavailable")
	}
	r.published = append(r.published, env)
	return nil
}

func (r *recordingBus) Subscribe(context.Context, string, string, bus.Handler) error { return nil }
func (r *recordingBus) Close() error                                                 { return nil }

func (r *recordingBus) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.published))
	for i, env := range r.published {
		out[i] = env.Topic
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func enqueue(t *testing.T, st *store.Store, messageID, topic string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		return st.EnqueueTx(ctx, tx, &store.OutboxRecord{
			MessageID: messageID,
			BatchID:   "batch-1",
			Topic:     topic,
			Payload:   payload,
		})
	}))
}

func envelopeBytes(t *testing.T, topic, msgType string) (string, []byte) {
	t.Helper()
	env, err := bus.NewEnvelope(topic, msgType, "batch-1", "corr-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return env.MessageID, raw
}

func TestPublisher_DrainsInCreationOrder(t *testing.T) {
	st := openStore(t)
	rb := &recordingBus{}
	p := NewPublisher(st, rb, 3, nil)

	for _, topic := range []string{"stage1.input", "stage1.output", "stage2.input"} {
		id, raw := envelopeBytes(t, topic, "x")
		enqueue(t, st, id, topic, raw)
		// Distinct created_at values keep the order deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, p.drainOnce(context.Background()))

	assert.Equal(t, []string{"stage1.input", "stage1.output", "stage2.input"}, rb.topics())

	backlog, err := st.OutboxBacklog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestPublisher_DefersOnPublishFailure(t *testing.T) {
	st := openStore(t)
	rb := &recordingBus{failAll: true}
	p := NewPublisher(st, rb, 3, nil)

	id, raw := envelopeBytes(t, "stage1.input", "x")
	enqueue(t, st, id, "stage1.input", raw)

	require.NoError(t, p.drainOnce(context.Background()))

	recs, err := st.OutboxByBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.False(t, recs[0].PublishedAt.Valid)
	assert.True(t, recs[0].NextAttemptAt.After(recs[0].CreatedAt))
}

func TestPublisher_ExhaustedRetriesDeadLetter(t *testing.T) {
	st := openStore(t)
	// Regular publishes fail; the dead-letter publish succeeds.
	rb := &recordingBus{failTopic: "stage1.input"}
	p := NewPublisher(st, rb, 2, nil)

	id, raw := envelopeBytes(t, "stage1.input", "x")
	enqueue(t, st, id, "stage1.input", raw)

	// Attempt 1 defers, attempt 2 exhausts the budget.
	require.NoError(t, p.drainOnce(context.Background()))
	require.NoError(t, st.DeferOutbox(context.Background(), id, 1, time.Now().UTC().Add(-time.Second)))
	require.NoError(t, p.drainOnce(context.Background()))

	topics := rb.topics()
	require.Len(t, topics, 1)
	assert.Equal(t, bus.TopicDeadLetter, topics[0])

	// The row is retired so it cannot wedge the scan loop.
	backlog, err := st.OutboxBacklog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestPublisher_PoisonPayloadDeadLetters(t *testing.T) {
	st := openStore(t)
	rb := &recordingBus{}
	p := NewPublisher(st, rb, 3, nil)

	enqueue(t, st, "poison-1", "stage1.input", []byte("not json"))

	require.NoError(t, p.drainOnce(context.Background()))

	topics := rb.topics()
	require.Len(t, topics, 1)
	assert.Equal(t, bus.TopicDeadLetter, topics[0])

	var msg bus.BatchFailed
	require.NoError(t, rb.published[0].Decode(&msg))
	assert.Equal(t, bus.ReasonPoisonMessage, msg.Reason)
	assert.True(t, msg.DeadLetter)
}

func TestPublisher_DeadLetterMarksBatchRecord(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, err := st.ClaimFile(ctx, "build.log", "/in/build.log", "sum")
	require.NoError(t, err)
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE file_processing_records SET batch_id = ? WHERE file_name = ?`,
			"batch-1", "build.log")
		return err
	}))

	rb := &recordingBus{}
	p := NewPublisher(st, rb, 3, nil)
	enqueue(t, st, "poison-1", "stage1.input", []byte("not json"))

	require.NoError(t, p.drainOnce(ctx))

	rec, err := st.GetFile(ctx, "build.log")
	require.NoError(t, err)
	assert.Equal(t, store.StateDeadLettered, rec.State)
	assert.True(t, rec.LastError.Valid)
}

func TestPublisher_StartStop(t *testing.T) {
	st := openStore(t)
	rb := &recordingBus{}
	p := NewPublisher(st, rb, 3, nil)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	id, raw := envelopeBytes(t, "stage1.input", "x")
	enqueue(t, st, id, "stage1.input", raw)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rb.topics()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"stage1.input"}, rb.topics())

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, "down", p.Healthcheck().Status)
}
