package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/c360studio/aires/batch"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the state database. Transactions are short; the connection
// pool is bounded by config.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the state database, applies pending migrations, and
// returns a ready store. The DSN follows the driver's syntax; file-backed
// and :memory: databases are both supported.
func Open(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		return nil, fmt.Errorf("db connection string is required")
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}

	// Writers from multiple goroutines need WAL and a busy timeout to
	// avoid spurious SQLITE_BUSY failures.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a transaction, committing on nil and rolling back
// on error. Nested use is not supported.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ErrAlreadyClaimed is returned by ClaimFile when the file name is known.
var ErrAlreadyClaimed = errors.New("file already claimed")

// ClaimFile atomically claims an input file by inserting its record with
// state=claimed. The file_name primary key makes concurrent claims lose
// cleanly with ErrAlreadyClaimed.
func (s *Store) ClaimFile(ctx context.Context, fileName, sourcePath, checksum string) (*FileRecord, error) {
	now := time.Now().UTC()
	rec := &FileRecord{
		FileName:   fileName,
		Checksum:   checksum,
		State:      StateClaimed,
		SourcePath: sourcePath,
		DetectedAt: now,
		ClaimedAt:  sql.NullTime{Time: now, Valid: true},
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO file_processing_records
			(file_name, checksum, state, source_path, detected_at, claimed_at, attempts)
		VALUES (:file_name, :checksum, :state, :source_path, :detected_at, :claimed_at, 0)`,
		rec)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("claim file %s: %w", fileName, err)
	}
	return rec, nil
}

// GetFile returns the record for a file name, or nil when unknown.
func (s *Store) GetFile(ctx context.Context, fileName string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM file_processing_records WHERE file_name = ?`, fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file record %s: %w", fileName, err)
	}
	return &rec, nil
}

// GetFileByBatch returns the record owning a batch, or nil when unknown.
func (s *Store) GetFileByBatch(ctx context.Context, batchID string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM file_processing_records WHERE batch_id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file record for batch %s: %w", batchID, err)
	}
	return &rec, nil
}

// TransitionTx moves a file record to a new state inside an existing
// transaction, enforcing the state machine. Terminal transitions stamp
// completed_at.
func (s *Store) TransitionTx(ctx context.Context, tx *sqlx.Tx, fileName string, to FileState) error {
	var from FileState
	err := tx.GetContext(ctx, &from,
		`SELECT state FROM file_processing_records WHERE file_name = ?`, fileName)
	if err != nil {
		return fmt.Errorf("read state for %s: %w", fileName, err)
	}
	if !CanTransition(from, to) {
		return &TransitionError{FileName: fileName, From: from, To: to}
	}

	if to.Terminal() {
		_, err = tx.ExecContext(ctx, `
			UPDATE file_processing_records
			SET state = ?, completed_at = ?
			WHERE file_name = ?`,
			to, time.Now().UTC(), fileName)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE file_processing_records SET state = ? WHERE file_name = ?`,
			to, fileName)
	}
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", fileName, to, err)
	}
	return nil
}

// SetLastErrorTx records the most recent failure reason on the record.
func (s *Store) SetLastErrorTx(ctx context.Context, tx *sqlx.Tx, fileName, lastError string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE file_processing_records SET last_error = ? WHERE file_name = ?`,
		lastError, fileName)
	if err != nil {
		return fmt.Errorf("set last error for %s: %w", fileName, err)
	}
	return nil
}

// SetBookletPathTx records where the assembled booklet was written.
func (s *Store) SetBookletPathTx(ctx context.Context, tx *sqlx.Tx, fileName, path string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE file_processing_records SET booklet_path = ? WHERE file_name = ?`,
		path, fileName)
	if err != nil {
		return fmt.Errorf("set booklet path for %s: %w", fileName, err)
	}
	return nil
}

// SetAttemptsTx updates the per-stage attempt counter on the record.
func (s *Store) SetAttemptsTx(ctx context.Context, tx *sqlx.Tx, fileName string, attempts int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE file_processing_records SET attempts = ? WHERE file_name = ?`,
		attempts, fileName)
	if err != nil {
		return fmt.Errorf("set attempts for %s: %w", fileName, err)
	}
	return nil
}

// SaveBatchTx persists a parsed error batch and links it to its file
// record inside an existing transaction.
func (s *Store) SaveBatchTx(ctx context.Context, tx *sqlx.Tx, fileName string, b *batch.ErrorBatch) error {
	errorsJSON, err := json.Marshal(b.Errors)
	if err != nil {
		return fmt.Errorf("marshal batch errors: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO error_batches
			(batch_id, file_name, source_file, checksum, detected_at, truncated, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, fileName, b.SourceFile, b.Checksum, b.DetectedAt, b.Truncated, errorsJSON)
	if err != nil {
		return fmt.Errorf("save batch %s: %w", b.BatchID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE file_processing_records SET batch_id = ? WHERE file_name = ?`,
		b.BatchID, fileName)
	if err != nil {
		return fmt.Errorf("link batch %s to %s: %w", b.BatchID, fileName, err)
	}
	return nil
}

// GetBatch loads a persisted error batch, or nil when unknown.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*batch.ErrorBatch, error) {
	var row struct {
		BatchID    string    `db:"batch_id"`
		FileName   string    `db:"file_name"`
		SourceFile string    `db:"source_file"`
		Checksum   string    `db:"checksum"`
		DetectedAt time.Time `db:"detected_at"`
		Truncated  bool      `db:"truncated"`
		ErrorsJSON []byte    `db:"errors_json"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM error_batches WHERE batch_id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}

	var compilerErrors []batch.CompilerError
	if err := json.Unmarshal(row.ErrorsJSON, &compilerErrors); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s errors: %w", batchID, err)
	}
	return &batch.ErrorBatch{
		BatchID:    row.BatchID,
		SourceFile: row.SourceFile,
		DetectedAt: row.DetectedAt,
		Errors:     compilerErrors,
		Checksum:   row.Checksum,
		Truncated:  row.Truncated,
	}, nil
}

// CountByState returns file record counts grouped by state.
func (s *Store) CountByState(ctx context.Context) (map[FileState]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT state, COUNT(*) AS n FROM file_processing_records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[FileState]int)
	for rows.Next() {
		var state FileState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// FilesInState returns every record currently in the given state, oldest
// first.
func (s *Store) FilesInState(ctx context.Context, state FileState) ([]FileRecord, error) {
	var recs []FileRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM file_processing_records
		WHERE state = ? ORDER BY detected_at`, state)
	if err != nil {
		return nil, fmt.Errorf("list files in state %s: %w", state, err)
	}
	return recs, nil
}

// CountDetectedSince returns how many files were detected at or after t.
func (s *Store) CountDetectedSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM file_processing_records WHERE detected_at >= ?`, t)
	if err != nil {
		return 0, fmt.Errorf("count detected since: %w", err)
	}
	return n, nil
}

// LastError returns the most recent failure reason recorded on any file,
// empty when none.
func (s *Store) LastError(ctx context.Context) (string, error) {
	var msg sql.NullString
	err := s.db.GetContext(ctx, &msg, `
		SELECT last_error FROM file_processing_records
		WHERE last_error IS NOT NULL
		ORDER BY detected_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last error: %w", err)
	}
	return msg.String, nil
}

// isUniqueViolation detects primary-key conflicts from the driver. The
// modernc driver reports SQLITE_CONSTRAINT in the error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "constraint failed")
}
