// Package archive moves finished input files out of the watched
// directory and prunes old archives on a retention schedule.
package archive

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Archive subdirectory names under the input directory.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// dateLayout names the per-day archive subdirectories.
const dateLayout = "2006-01-02"

// Archiver files completed and failed inputs under dated directories.
type Archiver struct {
	inputDir string
	logger   *slog.Logger
}

// New creates an archiver rooted at the input directory.
func New(inputDir string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{inputDir: inputDir, logger: logger}
}

// MoveProcessed moves a successfully processed input file to
// processed/YYYY-MM-DD/. Returns the destination path.
func (a *Archiver) MoveProcessed(srcPath string) (string, error) {
	return a.move(srcPath, ProcessedDir)
}

// MoveFailed moves a failed input file to failed/YYYY-MM-DD/ and writes
// a .reason.txt sibling describing the failure. Returns the destination
// path of the moved file.
func (a *Archiver) MoveFailed(srcPath, reason string) (string, error) {
	dest, err := a.move(srcPath, FailedDir)
	if err != nil {
		return "", err
	}
	reasonPath := dest + ".reason.txt"
	if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0o644); err != nil {
		a.logger.Warn("Failed to write failure reason file",
			"path", reasonPath, "error", err)
	}
	return dest, nil
}

func (a *Archiver) move(srcPath, kind string) (string, error) {
	dir := filepath.Join(a.inputDir, kind, time.Now().UTC().Format(dateLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(srcPath))
	if _, err := os.Stat(dest); err == nil {
		dest = collisionName(dest)
	}

	if err := os.Rename(srcPath, dest); err != nil {
		if os.IsNotExist(err) {
			// Already moved by an earlier delivery of the same event.
			return dest, nil
		}
		return "", fmt.Errorf("archive %s: %w", srcPath, err)
	}
	a.logger.Debug("Archived input file", "from", srcPath, "to", dest)
	return dest, nil
}

// collisionName appends a short ULID-derived suffix before the extension
// so same-named archives never overwrite each other.
func collisionName(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	id := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy())
	return fmt.Sprintf("%s_%s%s", base, shortID(id), ext)
}

func shortID(id ulid.ULID) string {
	s := id.String()
	return strings.ToLower(s[len(s)-8:])
}

// jitterDelay spreads retention runs so multiple directories never prune
// at the same instant.
func jitterDelay() time.Duration {
	return time.Duration(rand.Int64N(int64(time.Minute)))
}
