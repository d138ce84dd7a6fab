package watcher

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
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/store"
)

func fixture(t *testing.T) (*Watcher, *store.Store, string) {
	t.Helper()
	inputDir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w := New(Config{
		InputDir:     inputDir,
		Patterns:     []string{"*.log", "*.txt"},
		PollInterval: 10 * time.Millisecond,
		StableFor:    0,
	}, st, archive.New(inputDir, nil), nil)
	return w, st, inputDir
}

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// scanUntilClaimed drives the scan loop by hand: the first pass starts
// the stability window, a later pass claims.
func scanUntilClaimed(w *Watcher) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		w.scan(ctx)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestScan_ClaimsStableFile(t *testing.T) {
	w, st, dir := fixture(t)
	writeInput(t, dir, "build.log", "main.c:1:1: error: boom\n")

	scanUntilClaimed(w)

	rec, err := st.GetFile(context.Background(), "build.log")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StateParsing, rec.State)
	assert.NotEmpty(t, rec.Checksum)
	assert.True(t, rec.BatchID.Valid == false || rec.BatchID.String == "")

	// The parse request is in the outbox, not yet on the wire.
	recs, err := st.DueOutbox(context.Background(), time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, bus.TopicParseRequested, recs[0].Topic)

	_, claimed, _ := w.Stats()
	assert.Equal(t, int64(1), claimed)
}

func TestScan_IgnoresNonMatchingAndHidden(t *testing.T) {
	w, st, dir := fixture(t)
	writeInput(t, dir, "notes.md", "not a log")
	writeInput(t, dir, ".hidden.log", "main.c:1:1: error: boom\n")

	scanUntilClaimed(w)

	for _, name := range []string{"notes.md", ".hidden.log"} {
		rec, err := st.GetFile(context.Background(), name)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
}

func TestScan_UnstableFileWaits(t *testing.T) {
	w, st, dir := fixture(t)
	w.config.StableFor = time.Hour
	writeInput(t, dir, "build.log", "main.c:1:1: error: boom\n")

	scanUntilClaimed(w)

	rec, err := st.GetFile(context.Background(), "build.log")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestScan_DuplicateContentSkipped(t *testing.T) {
	w, st, dir := fixture(t)
	path := writeInput(t, dir, "build.log", "main.c:1:1: error: boom\n")
	scanUntilClaimed(w)

	// While the record is in flight the file is its own pending input,
	// not a duplicate: no counter, no archive.
	scanUntilClaimed(w)
	_, _, dupes := w.Stats()
	assert.Zero(t, dupes)
	_, err := os.Stat(path)
	assert.NoError(t, err)

	// Once the record is terminal the same content is a re-drop: counted
	// once and archived out of the input directory.
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		return st.TransitionTx(ctx, tx, "build.log", store.StateCompleted)
	}))
	scanUntilClaimed(w)

	_, _, dupes = w.Stats()
	assert.Equal(t, int64(1), dupes)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "duplicate must leave the input directory")

	counts, err := st.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.StateCompleted])
	assert.Zero(t, counts[store.StateParsing])
}

func TestScan_ChangedContentAfterTerminalGetsVersionedName(t *testing.T) {
	w, st, dir := fixture(t)
	path := writeInput(t, dir, "build.log", "main.c:1:1: error: boom\n")
	scanUntilClaimed(w)

	// Finish the first record, then change the file's content.
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx *sqlx.Tx) error {
		return st.TransitionTx(ctx, tx, "build.log", store.StateFailed)
	}))
	require.NoError(t, os.WriteFile(path, []byte("main.c:2:1: error: different\n"), 0o644))

	scanUntilClaimed(w)

	rec, err := st.GetFile(ctx, "build.log.v2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StateParsing, rec.State)
}

func TestScan_InFlightCapDefersClaims(t *testing.T) {
	w, st, dir := fixture(t)
	w.config.MaxInFlight = 1
	writeInput(t, dir, "a.log", "main.c:1:1: error: one\n")
	scanUntilClaimed(w)

	writeInput(t, dir, "b.log", "main.c:2:1: error: two\n")
	scanUntilClaimed(w)

	rec, err := st.GetFile(context.Background(), "b.log")
	require.NoError(t, err)
	assert.Nil(t, rec, "second file must wait for the first to finish")
}

func TestDrain_StopsClaiming(t *testing.T) {
	w, st, dir := fixture(t)
	w.Drain()
	writeInput(t, dir, "build.log", "main.c:1:1: error: boom\n")

	scanUntilClaimed(w)

	rec, err := st.GetFile(context.Background(), "build.log")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStart_SecondInstanceLosesLock(t *testing.T) {
	w, st, dir := fixture(t)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(time.Second) })

	other := New(w.config, st, nil, nil)
	err := other.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")
	_ = dir
}

func TestStart_MissingDirectoryFails(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w := New(Config{
		InputDir:     "/definitely/not/here",
		Patterns:     []string{"*.log"},
		PollInterval: time.Second,
		StableFor:    time.Second,
	}, st, nil, nil)
	assert.Error(t, w.Start(context.Background()))
}
