package stage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/aires/batch"
)

// responseContract is appended to every system prompt so each backend
// returns the same structured shape regardless of stage.
const responseContract = `Respond with a single JSON object and nothing else:
{
  "confidence": <number between 0 and 1>,
  "summary": "<one-paragraph summary of your analysis>",
  "details": { <structured supporting material, keys of your choosing> }
}`

// systemPrompts carries the default per-stage instructions. Operators
// can override any of them through stage configuration.
var systemPrompts = map[batch.Stage]string{
	batch.StageDocs: `You are a compiler documentation researcher. Given a batch of
compiler or build errors, identify each error code and explain what the
official documentation for that toolchain says about it: the exact meaning,
the conditions that trigger it, and any documented remedies. Cite the
toolchain and version assumptions you are making. ` + responseContract,

	batch.StageContext: `You are a codebase analyst. Given a batch of compiler errors
and documentation research about them, interpret the errors in the context
of the file paths, symbols, and messages present in the diagnostics. Infer
what the affected code is likely doing and which project-level change most
plausibly introduced the errors. ` + responseContract,

	batch.StagePattern: `You are a debugging pattern matcher. Given compiler errors
plus documentation and context research, match the failure against known
error patterns: common root causes for this combination of codes, typical
mistakes that produce it, and how experienced developers usually resolve
it. Rank root-cause hypotheses by likelihood. ` + responseContract,

	batch.StageSynth: `You are a senior engineer writing a remediation plan. Given
compiler errors and three layers of prior research (documentation, project
context, known patterns), synthesize a concrete, ordered plan to fix the
build: the most likely root cause, the specific edits to attempt first,
and how to verify the fix. Be direct and actionable. ` + responseContract,
}

// SystemPrompt returns the default system prompt for a stage.
func SystemPrompt(s batch.Stage) string {
	return systemPrompts[s]
}

// maxPromptChars bounds the user prompt as a cheap token proxy.
const maxPromptChars = 48_000

// truncationMarker replaces the middle of oversized prompts; the head
// (diagnostics) and tail (task line) carry the most signal.
const truncationMarker = "\n\n[... middle of prompt elided to fit the model context ...]\n\n"

// buildPrompt composes the user prompt deterministically: the same batch
// and the same prior findings always produce byte-identical prompts, so
// retried calls are reproducible.
func buildPrompt(s batch.Stage, b *batch.ErrorBatch, priors []batch.Finding) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Error batch %s\n\n", b.BatchID)
	fmt.Fprintf(&sb, "Source file: %s\n", b.SourceFile)
	fmt.Fprintf(&sb, "Diagnostics: %d", len(b.Errors))
	if b.Truncated {
		sb.WriteString(" (truncated)")
	}
	sb.WriteString("\n\n")

	for i, e := range b.Errors {
		fmt.Fprintf(&sb, "%d. [%s] %s at %s:%d", i+1, e.Severity, e.Code,
			e.Location.FilePath, e.Location.Line)
		if e.Location.Column > 0 {
			fmt.Fprintf(&sb, ":%d", e.Location.Column)
		}
		fmt.Fprintf(&sb, "\n   %s\n", e.Message)
	}

	for _, f := range priors {
		fmt.Fprintf(&sb, "\n## Prior research: %s stage (confidence %.2f)\n\n%s\n",
			f.Stage, f.Confidence, f.Summary)
		if len(f.Details) > 0 {
			sb.WriteString("\nDetails:\n")
			sb.WriteString(renderDetails(f.Details))
		}
	}

	fmt.Fprintf(&sb, "\n## Task\n\n%s\n", taskLine(s))
	return clampPrompt(sb.String())
}

// clampPrompt keeps oversized prompts under maxPromptChars by cutting
// from the middle, preserving the diagnostics head and the task tail.
func clampPrompt(prompt string) string {
	if len(prompt) <= maxPromptChars {
		return prompt
	}
	keep := maxPromptChars - len(truncationMarker)
	head := keep * 2 / 3
	tail := keep - head
	return prompt[:head] + truncationMarker + prompt[len(prompt)-tail:]
}

// renderDetails serializes finding details with sorted keys so prompt
// bytes are stable across runs.
func renderDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(details[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", k, v)
	}
	return sb.String()
}

func taskLine(s batch.Stage) string {
	switch s {
	case batch.StageDocs:
		return "Research the official documentation for every error code above."
	case batch.StageContext:
		return "Interpret these errors in the context of the affected project."
	case batch.StagePattern:
		return "Match this failure against known error patterns and rank root causes."
	case batch.StageSynth:
		return "Synthesize a concrete remediation plan from all research above."
	}
	return ""
}
