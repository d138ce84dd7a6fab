package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/aires/ai"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/store"
)

// stubAnalyzer returns canned results or errors per call.
type stubAnalyzer struct {
	result *ai.Result
	err    error
	calls  int
}

func (s *stubAnalyzer) Analyze(context.Context, batch.Stage, string) (*ai.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func goodResult(confidence float64) *ai.Result {
	return &ai.Result{
		Finding: &ai.StageFinding{
			Confidence: confidence,
			Summary:    "stub analysis",
			Details:    map[string]any{"k": "v"},
		},
		Model: "stub-model",
		Raw:   `{"confidence": 0.8, "summary": "stub analysis"}`,
	}
}

// pipelineFixture creates a store with one batch sitting in pipelining.
func pipelineFixture(t *testing.T) (*store.Store, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.ClaimFile(ctx, "build.log", "/in/build.log", "sum")
	require.NoError(t, err)

	b := &batch.ErrorBatch{
		BatchID:    "batch-1",
		SourceFile: "build.log",
		DetectedAt: time.Now().UTC(),
		Checksum:   "sum",
		Errors: []batch.CompilerError{{
			Code: "CS0103", Message: "unknown name", Severity: batch.SeverityError,
			Location: batch.Location{FilePath: "a.cs", Line: 1},
		}},
	}
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := st.TransitionTx(ctx, tx, "build.log", store.StateParsing); err != nil {
			return err
		}
		if err := st.SaveBatchTx(ctx, tx, "build.log", b); err != nil {
			return err
		}
		return st.TransitionTx(ctx, tx, "build.log", store.StatePipelining)
	}))
	return st, "batch-1"
}

func stageEnv(t *testing.T, s batch.Stage, batchID string) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.StageInputTopic(s), bus.TypeStageInput, batchID, "corr-1",
		bus.StageRequest{BatchID: batchID, Stage: string(s)})
	require.NoError(t, err)
	return env
}

func addFinding(t *testing.T, st *store.Store, batchID string, s batch.Stage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := st.SaveFindingTx(ctx, tx, &batch.Finding{
			Stage: s, BatchID: batchID, ProducedAt: time.Now().UTC(),
			Confidence: 0.7, Summary: string(s),
		})
		return err
	}))
}

func outboxTopics(t *testing.T, st *store.Store, batchID string) []string {
	t.Helper()
	recs, err := st.OutboxByBatch(context.Background(), batchID)
	require.NoError(t, err)
	topics := make([]string, len(recs))
	for i, r := range recs {
		topics[i] = r.Topic
	}
	return topics
}

func TestWorker_Handle_PersistsFindingAndHandsOff(t *testing.T) {
	st, batchID := pipelineFixture(t)
	stub := &stubAnalyzer{result: goodResult(0.8)}
	w := NewWorker(batch.StageDocs, st, bus.NewMemory(nil), stub, 3, nil)

	require.NoError(t, w.handle(context.Background(), stageEnv(t, batch.StageDocs, batchID)))

	f, err := st.GetFinding(context.Background(), batchID, batch.StageDocs)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.InDelta(t, 0.8, f.Confidence, 0.001)
	assert.Equal(t, "stub-model", f.Model)

	assert.Equal(t, []string{"stage1.output", "stage2.input"}, outboxTopics(t, st, batchID))
}

func TestWorker_Handle_FinalStageRequestsBooklet(t *testing.T) {
	st, batchID := pipelineFixture(t)
	for _, s := range []batch.Stage{batch.StageDocs, batch.StageContext, batch.StagePattern} {
		addFinding(t, st, batchID, s)
	}
	stub := &stubAnalyzer{result: goodResult(0.9)}
	w := NewWorker(batch.StageSynth, st, bus.NewMemory(nil), stub, 3, nil)

	require.NoError(t, w.handle(context.Background(), stageEnv(t, batch.StageSynth, batchID)))

	assert.Equal(t, []string{"stage4.output", bus.TopicBookletRequested},
		outboxTopics(t, st, batchID))
}

func TestWorker_Handle_SkipsWhenFindingExists(t *testing.T) {
	st, batchID := pipelineFixture(t)
	addFinding(t, st, batchID, batch.StageDocs)
	stub := &stubAnalyzer{result: goodResult(0.8)}
	w := NewWorker(batch.StageDocs, st, bus.NewMemory(nil), stub, 3, nil)

	require.NoError(t, w.handle(context.Background(), stageEnv(t, batch.StageDocs, batchID)))

	assert.Zero(t, stub.calls)
	assert.Empty(t, outboxTopics(t, st, batchID))
}

func TestWorker_Handle_RetryableRequeuesWithDelay(t *testing.T) {
	st, batchID := pipelineFixture(t)
	stub := &stubAnalyzer{err: ai.NewError(ai.KindTimeout, fmt.Errorf("deadline"))}
	w := NewWorker(batch.StageDocs, st, bus.NewMemory(nil), stub, 3, nil)

	require.NoError(t, w.handle(context.Background(), stageEnv(t, batch.StageDocs, batchID)))

	rec, err := st.GetFileByBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)

	recs, err := st.OutboxByBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "stage1.input", recs[0].Topic)
	assert.True(t, recs[0].NextAttemptAt.After(recs[0].CreatedAt))

	var env bus.Envelope
	require.NoError(t, json.Unmarshal(recs[0].Payload, &env))
	var req bus.StageRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, string(batch.StageDocs), req.Stage)
}

func TestWorker_Handle_SuccessResetsRetryBudget(t *testing.T) {
	st, batchID := pipelineFixture(t)
	ctx := context.Background()
	addFinding(t, st, batchID, batch.StageDocs)

	// The docs stage burned two attempts before succeeding; the context
	// stage must still start with a full budget.
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		return st.SetAttemptsTx(ctx, tx, "build.log", 2)
	}))

	stub := &stubAnalyzer{result: goodResult(0.8)}
	w := NewWorker(batch.StageContext, st, bus.NewMemory(nil), stub, 3, nil)
	require.NoError(t, w.handle(ctx, stageEnv(t, batch.StageContext, batchID)))

	rec, err := st.GetFileByBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Zero(t, rec.Attempts)
}

func TestWorker_Handle_RetryBudgetExhaustedDeadLetters(t *testing.T) {
	st, batchID := pipelineFixture(t)
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		return st.SetAttemptsTx(ctx, tx, "build.log", 3)
	}))

	stub := &stubAnalyzer{err: ai.NewError(ai.KindBackendUnavailable, fmt.Errorf("down"))}
	w := NewWorker(batch.StageDocs, st, bus.NewMemory(nil), stub, 3, nil)

	require.NoError(t, w.handle(ctx, stageEnv(t, batch.StageDocs, batchID)))

	recs, err := st.OutboxByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, bus.TopicBatchFailed, recs[0].Topic)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal(recs[0].Payload, &env))
	var msg bus.BatchFailed
	require.NoError(t, env.Decode(&msg))
	assert.True(t, msg.DeadLetter)
	assert.Equal(t, bus.ReasonBackendUnavailable, msg.Reason)
}

func TestWorker_Handle_PermanentErrorFailsImmediately(t *testing.T) {
	st, batchID := pipelineFixture(t)
	stub := &stubAnalyzer{err: ai.NewError(ai.KindSchemaMismatch, fmt.Errorf("not json"))}
	w := NewWorker(batch.StageDocs, st, bus.NewMemory(nil), stub, 3, nil)

	require.NoError(t, w.handle(context.Background(), stageEnv(t, batch.StageDocs, batchID)))

	recs, err := st.OutboxByBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, bus.TopicBatchFailed, recs[0].Topic)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal(recs[0].Payload, &env))
	var msg bus.BatchFailed
	require.NoError(t, env.Decode(&msg))
	assert.False(t, msg.DeadLetter)
	assert.Equal(t, bus.ReasonSchemaMismatch, msg.Reason)

	// The record stays non-terminal; the orchestrator owns the transition.
	rec, err := st.GetFileByBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePipelining, rec.State)
}

func TestWorker_Handle_WrongStageIsTerminal(t *testing.T) {
	st, batchID := pipelineFixture(t)
	w := NewWorker(batch.StageDocs, st, bus.NewMemory(nil), &stubAnalyzer{result: goodResult(0.5)}, 3, nil)

	env := stageEnv(t, batch.StageContext, batchID)
	err := w.handle(context.Background(), env)
	assert.ErrorIs(t, err, bus.ErrTerminal)
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	b := &batch.ErrorBatch{
		BatchID:    "batch-1",
		SourceFile: "build.log",
		Errors: []batch.CompilerError{{
			Code: "E0382", Message: "borrow of moved value", Severity: batch.SeverityError,
			Location: batch.Location{FilePath: "main.rs", Line: 7, Column: 20},
		}},
	}
	priors := []batch.Finding{{
		Stage: batch.StageDocs, Confidence: 0.8, Summary: "docs summary",
		Details: map[string]any{"b": 2, "a": 1},
	}}

	first := buildPrompt(batch.StageContext, b, priors)
	second := buildPrompt(batch.StageContext, b, priors)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "E0382")
	assert.Contains(t, first, "docs summary")
	// Detail keys render sorted.
	assert.Less(t, strings.Index(first, "- a: 1"), strings.Index(first, "- b: 2"))
}

func TestClampPrompt(t *testing.T) {
	small := "short prompt"
	assert.Equal(t, small, clampPrompt(small))

	big := strings.Repeat("x", maxPromptChars) + "HEAD-END" + strings.Repeat("y", maxPromptChars) + "TAIL-END"
	got := clampPrompt(big)
	assert.LessOrEqual(t, len(got), maxPromptChars)
	assert.Contains(t, got, truncationMarker)
	assert.True(t, strings.HasPrefix(got, "xxx"))
	assert.True(t, strings.HasSuffix(got, "TAIL-END"))
}
