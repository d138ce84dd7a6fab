// Package store persists pipeline state: file processing records, error
// batches, per-stage findings, and the transactional outbox. All
// cross-component coordination goes through these rows; there are no
// shared in-memory locks.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// FileState is the lifecycle state of one input file.
type FileState string

// File processing states. Completed, Failed and DeadLettered are terminal.
const (
	StateDetected     FileState = "detected"
	StateClaimed      FileState = "claimed"
	StateParsing      FileState = "parsing"
	StatePipelining   FileState = "pipelining"
	StateAssembling   FileState = "assembling"
	StateCompleted    FileState = "completed"
	StateFailed       FileState = "failed"
	StateDeadLettered FileState = "dead_lettered"
)

// Terminal reports whether the state admits no further transitions.
func (s FileState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDeadLettered:
		return true
	}
	return false
}

// validTransitions encodes the file state machine. Any state may fail or
// dead-letter; forward progress is linear. Parsing may complete directly
// for warnings-only batches, which skip the analysis stages.
var validTransitions = map[FileState][]FileState{
	StateDetected:   {StateClaimed, StateFailed, StateDeadLettered},
	StateClaimed:    {StateParsing, StateFailed, StateDeadLettered},
	StateParsing:    {StatePipelining, StateCompleted, StateFailed, StateDeadLettered},
	StatePipelining: {StateAssembling, StateFailed, StateDeadLettered},
	StateAssembling: {StateCompleted, StateFailed, StateDeadLettered},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to FileState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FileRecord is the persisted processing record for one input file.
// FileName is the unique key; re-detections of changed content get a
// versioned key (name.v2, name.v3, ...).
type FileRecord struct {
	FileName    string         `db:"file_name"`
	Checksum    string         `db:"checksum"`
	State       FileState      `db:"state"`
	BatchID     sql.NullString `db:"batch_id"`
	DetectedAt  time.Time      `db:"detected_at"`
	ClaimedAt   sql.NullTime   `db:"claimed_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
	BookletPath sql.NullString `db:"booklet_path"`
	// SourcePath is the absolute path of the watched file at claim time.
	SourcePath string `db:"source_path"`
}

// OutboxRecord is a pending or published bus message. Rows are inserted
// in the same transaction as the state change that produced them and
// published asynchronously in creation order.
type OutboxRecord struct {
	MessageID     string       `db:"message_id"`
	BatchID       string       `db:"batch_id"`
	Topic         string       `db:"topic"`
	Payload       []byte       `db:"payload"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   sql.NullTime `db:"published_at"`
	Attempts      int          `db:"attempts"`
	NextAttemptAt time.Time    `db:"next_attempt_at"`
}

// TransitionError signals an illegal state machine move. It indicates a
// logic bug or a duplicate delivery racing a terminal transition.
type TransitionError struct {
	FileName string
	From     FileState
	To       FileState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s → %s for %s", e.From, e.To, e.FileName)
}
