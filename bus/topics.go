package bus

import (
	"fmt"

	"github.com/c360studio/aires/batch"
)

// Pipeline topics. All messages for one batch are serialized by the
// stage ordering itself: stage N+1 input is only ever published after
// stage N output commits.
const (
	TopicParseRequested   = "parse.requested"
	TopicParseCompleted   = "parse.completed"
	TopicBookletRequested = "booklet.requested"
	TopicBatchFailed      = "batch.failed"
	TopicDeadLetter       = "dead.letter"
)

// StageInputTopic returns the input topic for a stage (stage1.input ...).
func StageInputTopic(s batch.Stage) string {
	return fmt.Sprintf("stage%d.input", s.Index())
}

// StageOutputTopic returns the output topic for a stage. The synth output
// topic is where the orchestrator detects pipeline completion.
func StageOutputTopic(s batch.Stage) string {
	return fmt.Sprintf("stage%d.output", s.Index())
}

// Topics lists every pipeline topic, used for stream provisioning and
// queue-depth metrics.
func Topics() []string {
	topics := []string{
		TopicParseRequested,
		TopicParseCompleted,
		TopicBookletRequested,
		TopicBatchFailed,
		TopicDeadLetter,
	}
	for _, s := range batch.Stages() {
		topics = append(topics, StageInputTopic(s), StageOutputTopic(s))
	}
	return topics
}

// Message type identifiers carried in envelope Type.
const (
	TypeParseRequested   = "parse_requested"
	TypeParseCompleted   = "parse_completed"
	TypeStageInput       = "stage_input"
	TypeStageOutput      = "stage_output"
	TypeBookletRequested = "booklet_requested"
	TypeBatchFailed      = "batch_failed"
	TypeDeadLetter       = "dead_letter"
)

// ParseRequested asks the parser to ingest a claimed input file. The
// watcher pre-allocates the batch ID so the whole trace shares it.
type ParseRequested struct {
	BatchID  string `json:"batch_id"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
	Checksum string `json:"checksum"`
}

// ParseCompleted announces a persisted error batch.
type ParseCompleted struct {
	BatchID  string `json:"batch_id"`
	FileName string `json:"file_name"`
	Errors   int    `json:"errors"`
}

// StageRequest asks a stage worker to analyze a batch.
type StageRequest struct {
	BatchID string `json:"batch_id"`
	Stage   string `json:"stage"`
}

// StageResult announces a persisted finding.
type StageResult struct {
	BatchID    string  `json:"batch_id"`
	Stage      string  `json:"stage"`
	Confidence float64 `json:"confidence"`
}

// BookletRequest asks the orchestrator to assemble the booklet.
type BookletRequest struct {
	BatchID string `json:"batch_id"`
}

// BatchFailed reports a stage or parse failure to the orchestrator.
// Reason values are stable identifiers (UNPARSABLE, SchemaMismatch, ...).
type BatchFailed struct {
	BatchID  string `json:"batch_id"`
	FileName string `json:"file_name"`
	Stage    string `json:"stage,omitempty"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	// DeadLetter marks failures that exhausted their retry budget.
	DeadLetter bool `json:"dead_letter,omitempty"`
}

// Failure reason identifiers.
const (
	ReasonUnparsable         = "UNPARSABLE"
	ReasonSchemaMismatch     = "SchemaMismatch"
	ReasonTimeout            = "Timeout"
	ReasonRateLimited        = "RateLimited"
	ReasonBackendUnavailable = "BackendUnavailable"
	ReasonHTTPError          = "HttpError"
	ReasonAssemblyError      = "ASSEMBLY_ERROR"
	ReasonPoisonMessage      = "PoisonMessage"
	ReasonMaxAttempts        = "MaxAttemptsExceeded"
)
