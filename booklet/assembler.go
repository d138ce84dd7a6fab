// Package booklet renders and writes the Markdown research booklets
// that are the pipeline's final output. Writes are atomic: content
// lands under a dotted temp name and renames into place.
package booklet

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/aires/batch"
)

// dateLayout names the per-day output subdirectories; timeLayout prefixes
// booklet file names.
const (
	dateLayout = "2006-01-02"
	timeLayout = "15-04-05"
)

// failedSubdir holds failure booklets inside the output tree.
const failedSubdir = "failed"

// frontMatter is the YAML metadata block at the top of every booklet.
type frontMatter struct {
	BatchID          string            `yaml:"batch_id"`
	GeneratedAt      time.Time         `yaml:"generated_at"`
	SourceFile       string            `yaml:"source_file"`
	PrimaryErrorCode string            `yaml:"primary_error_code"`
	Confidence       float64           `yaml:"confidence"`
	StageModels      map[string]string `yaml:"stage_models,omitempty"`
	Failed           bool              `yaml:"failed,omitempty"`
	FailedStage      string            `yaml:"failed_stage,omitempty"`
	FailureReason    string            `yaml:"failure_reason,omitempty"`
}

// Assembler builds booklets from findings and writes them to the output
// directory tree.
type Assembler struct {
	outputDir string
	logger    *slog.Logger
}

// NewAssembler creates an assembler writing under outputDir.
func NewAssembler(outputDir string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{outputDir: outputDir, logger: logger}
}

// Assemble merges the four findings into a booklet. Findings must be in
// stage order and complete; partial batches go through AssembleFailure.
func (a *Assembler) Assemble(b *batch.ErrorBatch, findings []batch.Finding) (*batch.Booklet, error) {
	want := len(batch.Stages())
	if len(findings) != want {
		return nil, fmt.Errorf("booklet requires %d findings, have %d", want, len(findings))
	}
	for i, s := range batch.Stages() {
		if findings[i].Stage != s {
			return nil, fmt.Errorf("finding %d is for stage %s, want %s", i, findings[i].Stage, s)
		}
	}

	bk := &batch.Booklet{
		BookletID:   ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String(),
		BatchID:     b.BatchID,
		GeneratedAt: time.Now().UTC(),
		Findings:    findings,
	}
	bk.FileName = fileName(bk.GeneratedAt, b.PrimaryErrorCode(), bk.BookletID)

	content, err := render(b, bk, "", "", "")
	if err != nil {
		return nil, err
	}
	bk.Content = content
	return bk, nil
}

// AssembleFailure builds a failure booklet carrying whatever findings
// completed before the batch failed, so partial research is not lost.
// failedStage names the pipeline stage that gave up; empty means the
// failure happened outside the stage pipeline.
func (a *Assembler) AssembleFailure(b *batch.ErrorBatch, findings []batch.Finding, failedStage, reason, detail string) (*batch.Booklet, error) {
	bk := &batch.Booklet{
		BookletID:   ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String(),
		BatchID:     b.BatchID,
		GeneratedAt: time.Now().UTC(),
		Failed:      true,
		Findings:    findings,
	}
	bk.FileName = fileName(bk.GeneratedAt, b.PrimaryErrorCode(), bk.BookletID)

	content, err := render(b, bk, failedStage, reason, detail)
	if err != nil {
		return nil, err
	}
	bk.Content = content
	return bk, nil
}

// Write persists the booklet atomically under outputDir/YYYY-MM-DD/
// (failure booklets under outputDir/failed/YYYY-MM-DD/) and returns the
// final path. Name collisions get an extra short suffix rather than
// overwriting.
func (a *Assembler) Write(bk *batch.Booklet) (string, error) {
	root := a.outputDir
	if bk.Failed {
		root = filepath.Join(root, failedSubdir)
	}
	dir := filepath.Join(root, bk.GeneratedAt.Format(dateLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create booklet directory: %w", err)
	}

	dest := filepath.Join(dir, bk.FileName)
	if _, err := os.Stat(dest); err == nil {
		suffixed := strings.TrimSuffix(bk.FileName, ".md") + "_" + shortID() + ".md"
		dest = filepath.Join(dir, suffixed)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dest)+".tmp")
	if err := os.WriteFile(tmp, []byte(bk.Content), 0o644); err != nil {
		return "", fmt.Errorf("write booklet temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize booklet: %w", err)
	}

	a.logger.Info("Booklet written",
		"path", dest,
		"batch_id", bk.BatchID,
		"confidence", bk.Confidence())
	return dest, nil
}

// render produces the full Markdown document: YAML front matter followed
// by the booklet body.
func render(b *batch.ErrorBatch, bk *batch.Booklet, failedStage, failureReason, failureDetail string) (string, error) {
	fm := frontMatter{
		BatchID:          bk.BatchID,
		GeneratedAt:      bk.GeneratedAt,
		SourceFile:       b.SourceFile,
		PrimaryErrorCode: b.PrimaryErrorCode(),
		Confidence:       bk.Confidence(),
		StageModels:      stageModels(bk.Findings),
		Failed:           failureReason != "",
		FailedStage:      failedStage,
		FailureReason:    failureReason,
	}
	fmBytes, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fmBytes)
	sb.WriteString("---\n\n")

	if failureReason != "" {
		fmt.Fprintf(&sb, "# Research Booklet (incomplete): %s\n\n", b.PrimaryErrorCode())
		if failedStage != "" {
			fmt.Fprintf(&sb, "> Processing failed at stage `%s`, reason `%s`.", failedStage, failureReason)
		} else {
			fmt.Fprintf(&sb, "> Processing failed, reason `%s`.", failureReason)
		}
		if failureDetail != "" {
			fmt.Fprintf(&sb, " %s", failureDetail)
		}
		sb.WriteString("\n\n")
	} else {
		fmt.Fprintf(&sb, "# Research Booklet: %s\n\n", b.PrimaryErrorCode())
	}

	writeSummary(&sb, bk)
	writeErrorBatch(&sb, b)
	writeFindings(&sb, bk)
	writeRecommendedActions(&sb, bk)

	sb.WriteString("## Confidence\n\n")
	fmt.Fprintf(&sb, "Overall confidence: **%.2f** (minimum across stages)\n\n", bk.Confidence())

	sb.WriteString("## Metadata\n\n")
	fmt.Fprintf(&sb, "- Batch: `%s`\n", bk.BatchID)
	fmt.Fprintf(&sb, "- Booklet: `%s`\n", bk.BookletID)
	fmt.Fprintf(&sb, "- Source file: `%s`\n", b.SourceFile)
	fmt.Fprintf(&sb, "- Detected: %s\n", b.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "- Generated: %s\n", bk.GeneratedAt.Format(time.RFC3339))

	return sb.String(), nil
}

func writeSummary(sb *strings.Builder, bk *batch.Booklet) {
	sb.WriteString("## Summary\n\n")
	if f := findingFor(bk, batch.StageSynth); f != nil {
		sb.WriteString(f.Summary)
		sb.WriteString("\n\n")
		return
	}
	sb.WriteString("No synthesis was produced for this batch.\n\n")
}

func writeErrorBatch(sb *strings.Builder, b *batch.ErrorBatch) {
	sb.WriteString("## Error Batch\n\n")
	if b.Truncated {
		sb.WriteString("> Input exceeded the per-batch diagnostic cap; the batch is truncated.\n\n")
	}
	sb.WriteString("| # | Severity | Code | Location | Message |\n")
	sb.WriteString("|---|----------|------|----------|---------|\n")
	for i, e := range b.Errors {
		loc := fmt.Sprintf("%s:%d", e.Location.FilePath, e.Location.Line)
		if e.Location.Column > 0 {
			loc = fmt.Sprintf("%s:%d", loc, e.Location.Column)
		}
		fmt.Fprintf(sb, "| %d | %s | `%s` | `%s` | %s |\n",
			i+1, e.Severity, e.Code, loc, escapeCell(e.Message))
	}
	sb.WriteString("\n")
}

func writeFindings(sb *strings.Builder, bk *batch.Booklet) {
	titles := map[batch.Stage]string{
		batch.StageDocs:    "Documentation Research",
		batch.StageContext: "Project Context",
		batch.StagePattern: "Known Patterns",
		batch.StageSynth:   "Synthesis",
	}
	for _, s := range batch.Stages() {
		f := findingFor(bk, s)
		if f == nil {
			continue
		}
		fmt.Fprintf(sb, "## %s\n\n", titles[s])
		fmt.Fprintf(sb, "_Confidence: %.2f", f.Confidence)
		if f.Model != "" {
			fmt.Fprintf(sb, " · Model: %s", f.Model)
		}
		sb.WriteString("_\n\n")
		sb.WriteString(f.Summary)
		sb.WriteString("\n\n")
	}
}

func writeRecommendedActions(sb *strings.Builder, bk *batch.Booklet) {
	f := findingFor(bk, batch.StageSynth)
	if f == nil {
		return
	}
	actions, ok := f.Details["actions"].([]any)
	if !ok || len(actions) == 0 {
		return
	}
	sb.WriteString("## Recommended Actions\n\n")
	for i, a := range actions {
		if s, ok := a.(string); ok {
			fmt.Fprintf(sb, "%d. %s\n", i+1, s)
		}
	}
	sb.WriteString("\n")
}

func findingFor(bk *batch.Booklet, s batch.Stage) *batch.Finding {
	for i := range bk.Findings {
		if bk.Findings[i].Stage == s {
			return &bk.Findings[i]
		}
	}
	return nil
}

func stageModels(findings []batch.Finding) map[string]string {
	if len(findings) == 0 {
		return nil
	}
	models := make(map[string]string, len(findings))
	for _, f := range findings {
		if f.Model != "" {
			models[string(f.Stage)] = f.Model
		}
	}
	return models
}

// unsafeNameChars strips anything outside [A-Za-z0-9_-] from error codes
// before they become file name components.
var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// fileName builds HH-MM-SS_<code>_<shortId>.md.
func fileName(t time.Time, code, bookletID string) string {
	code = unsafeNameChars.ReplaceAllString(code, "")
	if code == "" {
		code = "unknown"
	}
	short := strings.ToLower(bookletID[len(bookletID)-8:])
	return fmt.Sprintf("%s_%s_%s.md", t.Format(timeLayout), code, short)
}

func shortID() string {
	id := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()
	return strings.ToLower(id[len(id)-8:])
}

// escapeCell keeps multi-line messages inside one table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
