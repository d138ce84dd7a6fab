// Package batch defines the core value types flowing through the AIRES
// pipeline: compiler errors, error batches, per-stage research findings,
// and the assembled research booklet.
package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a single compiler diagnostic.
type Severity string

// Severity levels after vendor normalization.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Location identifies where in a source file a diagnostic was reported.
type Location struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	// Column is 0 when the build tool did not report one.
	Column int `json:"column,omitempty"`
}

// CompilerError is a single parsed diagnostic from raw build output.
type CompilerError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Location Location `json:"location"`
	RawLine  string   `json:"raw_line"`
}

// ErrorBatch is one input file's worth of diagnostics, processed as a unit.
// It is immutable after creation.
type ErrorBatch struct {
	BatchID    string          `json:"batch_id"`
	SourceFile string          `json:"source_file"`
	DetectedAt time.Time       `json:"detected_at"`
	Errors     []CompilerError `json:"errors"`
	// Checksum is the content hash of the source file, used for dedup.
	Checksum string `json:"checksum"`
	// Truncated is set when the input exceeded the per-batch error cap.
	Truncated bool `json:"truncated,omitempty"`
}

// NewErrorBatch creates a batch from parsed diagnostics. The error list
// must be non-empty.
func NewErrorBatch(sourceFile, checksum string, errors []CompilerError) (*ErrorBatch, error) {
	if len(errors) == 0 {
		return nil, fmt.Errorf("error batch requires at least one diagnostic")
	}
	return &ErrorBatch{
		BatchID:    uuid.New().String(),
		SourceFile: sourceFile,
		DetectedAt: time.Now().UTC(),
		Errors:     errors,
		Checksum:   checksum,
	}, nil
}

// PrimaryErrorCode returns the code of the first diagnostic.
func (b *ErrorBatch) PrimaryErrorCode() string {
	if len(b.Errors) == 0 {
		return ""
	}
	return b.Errors[0].Code
}

// HasErrors reports whether at least one diagnostic has error severity.
// Batches without any true error are archived without pipelining.
func (b *ErrorBatch) HasErrors() bool {
	for _, e := range b.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Stage identifies one AI analysis step in the pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	StageDocs    Stage = "docs"
	StageContext Stage = "context"
	StagePattern Stage = "pattern"
	StageSynth   Stage = "synth"
)

// Stages lists all pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageDocs, StageContext, StagePattern, StageSynth}
}

// ParseStage converts a string into a Stage. Returns an error for
// unrecognized values so poison payloads are caught at the boundary.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageDocs, StageContext, StagePattern, StageSynth:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Next returns the following stage and true, or "" and false for the
// final stage.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageDocs:
		return StageContext, true
	case StageContext:
		return StagePattern, true
	case StagePattern:
		return StageSynth, true
	}
	return "", false
}

// Index returns the 1-based position of the stage in the pipeline.
func (s Stage) Index() int {
	switch s {
	case StageDocs:
		return 1
	case StageContext:
		return 2
	case StagePattern:
		return 3
	case StageSynth:
		return 4
	}
	return 0
}

// Finding is the structured output of a single stage for a single batch.
// It is immutable once persisted; (BatchID, Stage) is the identity.
type Finding struct {
	Stage      Stage     `json:"stage"`
	BatchID    string    `json:"batch_id"`
	ProducedAt time.Time `json:"produced_at"`
	// Confidence is the stage's [0,1] self-assessment.
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	// RawModelResponse preserves the unmodified model output for audit.
	RawModelResponse string `json:"raw_model_response,omitempty"`
	// Model is the model identifier that produced this finding.
	Model string `json:"model,omitempty"`
}

// Booklet is the final Markdown artifact merging all findings for a batch.
type Booklet struct {
	BookletID   string    `json:"booklet_id"`
	BatchID     string    `json:"batch_id"`
	GeneratedAt time.Time `json:"generated_at"`
	FileName    string    `json:"file_name"`
	Content     string    `json:"content"`
	// Failed marks failure booklets, which file under failed/ in the
	// output tree.
	Failed bool `json:"failed,omitempty"`
	// Findings holds the findings in stage order; failure booklets may
	// carry fewer than the full set.
	Findings []Finding `json:"findings"`
}

// Confidence returns the booklet confidence: the minimum across findings.
func (b *Booklet) Confidence() float64 {
	if len(b.Findings) == 0 {
		return 0
	}
	min := b.Findings[0].Confidence
	for _, f := range b.Findings[1:] {
		if f.Confidence < min {
			min = f.Confidence
		}
	}
	return min
}
