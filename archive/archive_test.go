package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("error log content\n"), 0o644))
	return path
}

func TestMoveProcessed(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, nil)
	src := writeSource(t, dir, "build.log")

	dest, err := a.MoveProcessed(src)
	require.NoError(t, err)

	wantDir := filepath.Join(dir, ProcessedDir, time.Now().UTC().Format(dateLayout))
	assert.Equal(t, wantDir, filepath.Dir(dest))
	assert.Equal(t, "build.log", filepath.Base(dest))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source must be gone")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "error log content\n", string(data))
}

func TestMoveFailed_WritesReasonFile(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, nil)
	src := writeSource(t, dir, "build.log")

	dest, err := a.MoveFailed(src, "Timeout: stage 2 timed out")
	require.NoError(t, err)
	assert.Contains(t, dest, FailedDir)

	reason, err := os.ReadFile(dest + ".reason.txt")
	require.NoError(t, err)
	assert.Equal(t, "Timeout: stage 2 timed out\n", string(reason))
}

func TestMove_CollisionGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, nil)

	first, err := a.MoveProcessed(writeSource(t, dir, "build.log"))
	require.NoError(t, err)
	second, err := a.MoveProcessed(writeSource(t, dir, "build.log"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Regexp(t, `build_[a-z0-9]{8}\.log$`, second)
	for _, p := range []string{first, second} {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestMove_MissingSourceTolerated(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, nil)

	// A redelivered completion event finds the file already archived.
	_, err := a.MoveProcessed(filepath.Join(dir, "gone.log"))
	assert.NoError(t, err)
}

func datedDir(t *testing.T, root string, age time.Duration) string {
	t.Helper()
	day := time.Now().UTC().Add(-age).Format(dateLayout)
	path := filepath.Join(root, day)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "old.log"), []byte("x"), 0o644))
	return path
}

func TestCleaner_PrunesExpiredDirectories(t *testing.T) {
	root := t.TempDir()
	old := datedDir(t, root, 40*24*time.Hour)
	recent := datedDir(t, root, 24*time.Hour)
	keeper := filepath.Join(root, "not-a-date")
	require.NoError(t, os.MkdirAll(keeper, 0o755))

	c := NewCleaner([]string{root}, 30, nil)
	c.prune()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired directory must be removed")
	for _, p := range []string{recent, keeper} {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestCleaner_ZeroRetentionDisablesPruning(t *testing.T) {
	root := t.TempDir()
	old := datedDir(t, root, 400*24*time.Hour)

	c := NewCleaner([]string{root}, 0, nil)
	c.prune()

	_, err := os.Stat(old)
	assert.NoError(t, err)
}

func TestCleaner_SetRetentionDaysTakesEffect(t *testing.T) {
	root := t.TempDir()
	old := datedDir(t, root, 10*24*time.Hour)

	c := NewCleaner([]string{root}, 30, nil)
	c.prune()
	_, err := os.Stat(old)
	require.NoError(t, err)

	c.SetRetentionDays(5)
	c.prune()
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestCleaner_MissingRootIgnored(t *testing.T) {
	c := NewCleaner([]string{"/no/such/root"}, 30, nil)
	c.prune()
	assert.Empty(t, c.lastErr)
}

func TestCleaner_StartStop(t *testing.T) {
	c := NewCleaner([]string{t.TempDir()}, 30, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	assert.Equal(t, "ok", c.Healthcheck().Status)
	require.NoError(t, c.Stop(time.Second))
	assert.Equal(t, "down", c.Healthcheck().Status)
}
