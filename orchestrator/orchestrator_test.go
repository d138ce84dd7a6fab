package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/aires/archive"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/booklet"
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/store"
)

type fixtureEnv struct {
	orch      *Orchestrator
	store     *store.Store
	inputDir  string
	outputDir string
	srcPath   string
}

// newFixture seeds one batch in pipelining with a real input file on disk.
func newFixture(t *testing.T, findings []batch.Stage) *fixtureEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	inputDir := t.TempDir()
	outputDir := t.TempDir()
	srcPath := filepath.Join(inputDir, "build.log")
	require.NoError(t, os.WriteFile(srcPath, []byte("CS0103 at Program.cs(14,21)\n"), 0o644))

	_, err = st.ClaimFile(ctx, "build.log", srcPath, "sum")
	require.NoError(t, err)

	b := &batch.ErrorBatch{
		BatchID:    "batch-1",
		SourceFile: "build.log",
		DetectedAt: time.Now().UTC(),
		Checksum:   "sum",
		Errors: []batch.CompilerError{{
			Code: "CS0103", Message: "unknown name", Severity: batch.SeverityError,
			Location: batch.Location{FilePath: "Program.cs", Line: 14, Column: 21},
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

	for _, s := range findings {
		s := s
		require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
			_, err := st.SaveFindingTx(ctx, tx, &batch.Finding{
				Stage: s, BatchID: "batch-1", ProducedAt: time.Now().UTC(),
				Confidence: 0.8, Summary: "finding for " + string(s),
			})
			return err
		}))
	}

	orch := New(st, bus.NewMemory(nil),
		booklet.NewAssembler(outputDir, nil),
		archive.New(inputDir, nil), 2, nil)

	return &fixtureEnv{orch: orch, store: st, inputDir: inputDir, outputDir: outputDir, srcPath: srcPath}
}

func bookletEnv(t *testing.T) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.TopicBookletRequested, bus.TypeBookletRequested,
		"batch-1", "corr-1", bus.BookletRequest{BatchID: "batch-1"})
	require.NoError(t, err)
	return env
}

func failureEnv(t *testing.T, msg bus.BatchFailed) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.TopicBatchFailed, bus.TypeBatchFailed,
		msg.BatchID, "corr-1", msg)
	require.NoError(t, err)
	return env
}

func TestHandleBookletRequest_CompletesBatch(t *testing.T) {
	f := newFixture(t, batch.Stages())
	ctx := context.Background()

	require.NoError(t, f.orch.handleBookletRequest(ctx, bookletEnv(t)))

	rec, err := f.store.GetFile(ctx, "build.log")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, rec.State)
	require.True(t, rec.BookletPath.Valid)

	data, err := os.ReadFile(rec.BookletPath.String)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Research Booklet: CS0103")

	// Input moved to processed/.
	_, err = os.Stat(f.srcPath)
	assert.True(t, os.IsNotExist(err))
	moved := filepath.Join(f.inputDir, archive.ProcessedDir,
		time.Now().UTC().Format("2006-01-02"), "build.log")
	_, err = os.Stat(moved)
	assert.NoError(t, err)

	completed, failed := f.orch.Stats()
	assert.Equal(t, int64(1), completed)
	assert.Zero(t, failed)
}

func TestHandleBookletRequest_IncompleteFindingsFails(t *testing.T) {
	f := newFixture(t, batch.Stages()[:2])
	ctx := context.Background()

	require.NoError(t, f.orch.handleBookletRequest(ctx, bookletEnv(t)))

	rec, err := f.store.GetFile(ctx, "build.log")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, rec.State)
	require.True(t, rec.LastError.Valid)
	assert.Contains(t, rec.LastError.String, bus.ReasonAssemblyError)

	// Partial research still lands in a failure booklet.
	require.True(t, rec.BookletPath.Valid)
	data, err := os.ReadFile(rec.BookletPath.String)
	require.NoError(t, err)
	assert.Contains(t, string(data), "incomplete")
	assert.Contains(t, string(data), "finding for docs")
}

func TestHandleBookletRequest_UnknownBatchIsTerminal(t *testing.T) {
	f := newFixture(t, batch.Stages())
	env, err := bus.NewEnvelope(bus.TopicBookletRequested, bus.TypeBookletRequested,
		"no-such", "corr-1", bus.BookletRequest{BatchID: "no-such"})
	require.NoError(t, err)

	err = f.orch.handleBookletRequest(context.Background(), env)
	assert.ErrorIs(t, err, bus.ErrTerminal)
}

func TestHandleBookletRequest_TerminalRecordAcks(t *testing.T) {
	f := newFixture(t, batch.Stages())
	ctx := context.Background()
	require.NoError(t, f.orch.handleBookletRequest(ctx, bookletEnv(t)))

	// Redelivery after completion is a no-op.
	require.NoError(t, f.orch.handleBookletRequest(ctx, bookletEnv(t)))

	completed, _ := f.orch.Stats()
	assert.Equal(t, int64(1), completed)
}

func TestHandleFailure_MarksFailedWithBooklet(t *testing.T) {
	f := newFixture(t, batch.Stages()[:1])
	ctx := context.Background()

	msg := bus.BatchFailed{
		BatchID: "batch-1", FileName: "build.log", Stage: "context",
		Reason: bus.ReasonTimeout, Detail: "stage 2 timed out",
	}
	require.NoError(t, f.orch.handleFailure(ctx, failureEnv(t, msg)))

	rec, err := f.store.GetFile(ctx, "build.log")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, rec.State)
	assert.Equal(t, bus.ReasonTimeout+": stage 2 timed out", rec.LastError.String)

	// The failure booklet names the stage that gave up.
	require.True(t, rec.BookletPath.Valid)
	data, err := os.ReadFile(rec.BookletPath.String)
	require.NoError(t, err)
	assert.Contains(t, string(data), "failed_stage: context")

	// Input moved to failed/ with its reason sibling.
	moved := filepath.Join(f.inputDir, archive.FailedDir,
		time.Now().UTC().Format("2006-01-02"), "build.log")
	_, err = os.Stat(moved)
	assert.NoError(t, err)
	reason, err := os.ReadFile(moved + ".reason.txt")
	require.NoError(t, err)
	assert.Contains(t, string(reason), bus.ReasonTimeout)

	_, failed := f.orch.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestHandleFailure_DeadLetterState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg := bus.BatchFailed{
		BatchID: "batch-1", FileName: "build.log",
		Reason: bus.ReasonMaxAttempts, Detail: "retry budget exhausted",
		DeadLetter: true,
	}
	require.NoError(t, f.orch.handleFailure(ctx, failureEnv(t, msg)))

	rec, err := f.store.GetFile(ctx, "build.log")
	require.NoError(t, err)
	assert.Equal(t, store.StateDeadLettered, rec.State)
}

func TestHandleFailure_AlreadyTerminalOnlyArchives(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Publisher already dead-lettered the record.
	require.NoError(t, f.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return f.store.TransitionTx(ctx, tx, "build.log", store.StateDeadLettered)
	}))

	msg := bus.BatchFailed{
		BatchID: "batch-1", FileName: "build.log",
		Reason: bus.ReasonPoisonMessage, DeadLetter: true,
	}
	require.NoError(t, f.orch.handleFailure(ctx, failureEnv(t, msg)))

	rec, err := f.store.GetFile(ctx, "build.log")
	require.NoError(t, err)
	assert.Equal(t, store.StateDeadLettered, rec.State)

	moved := filepath.Join(f.inputDir, archive.FailedDir,
		time.Now().UTC().Format("2006-01-02"), "build.log")
	_, err = os.Stat(moved)
	assert.NoError(t, err)

	_, failed := f.orch.Stats()
	assert.Zero(t, failed, "already-terminal records do not re-count")
}

func TestHandleFailure_UnknownBatchDropped(t *testing.T) {
	f := newFixture(t, nil)
	msg := bus.BatchFailed{BatchID: "ghost", Reason: bus.ReasonUnparsable}
	assert.NoError(t, f.orch.handleFailure(context.Background(), failureEnv(t, msg)))
}
