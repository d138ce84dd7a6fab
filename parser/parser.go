// Package parser converts raw build output into typed error batches.
// Recognizers for individual build-tool formats are registered in order;
// the first recognizer that claims the content parses it.
package parser

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/aires/batch"
)

// DefaultMaxErrors caps the number of diagnostics kept per batch. Inputs
// beyond the cap are truncated with a warning rather than rejected.
const DefaultMaxErrors = 500

// ErrUnparsable is returned when no recognizer matches any line of the
// input. The sentinel is matched by reason string on the bus, so keep it
// stable.
var ErrUnparsable = fmt.Errorf("no recognizer matched build output")

// ErrorParser recognizes one build-tool output format.
type ErrorParser interface {
	// Name identifies the recognizer in logs and metrics.
	Name() string

	// CanParse reports whether this recognizer claims the content.
	CanParse(content string) bool

	// Parse extracts diagnostics from the content. Lines that do not
	// match are skipped; Parse only fails on structural problems.
	Parse(content string) ([]batch.CompilerError, error)
}

// Result carries the parsed diagnostics plus line accounting.
type Result struct {
	Errors         []batch.CompilerError
	Recognizer     string
	TotalLines     int
	MatchedLines   int
	DiscardedLines int
	Truncated      bool
}

// Registry queries recognizers in registration order.
type Registry struct {
	parsers   []ErrorParser
	maxErrors int
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxErrors overrides the per-batch diagnostic cap.
func WithMaxErrors(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxErrors = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry with the default recognizer chain:
// MSBuild, GCC/Clang, Rust, Go. Order matters: the MSBuild format is the
// most specific and must be tried before the GCC fallback.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		parsers: []ErrorParser{
			&MSBuildParser{},
			&GCCParser{},
			&RustParser{},
			&GoBuildParser{},
		},
		maxErrors: DefaultMaxErrors,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends a custom recognizer to the chain.
func (r *Registry) Register(p ErrorParser) {
	r.parsers = append(r.parsers, p)
}

// Parse runs the recognizer chain over the content.
// Invalid UTF-8 and fully unrecognized content fail with ErrUnparsable
// semantics; severities are normalized by the recognizers themselves.
func (r *Registry) Parse(content string) (*Result, error) {
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("build output is not valid UTF-8: %w", ErrUnparsable)
	}

	totalLines := countLines(content)

	for _, p := range r.parsers {
		if !p.CanParse(content) {
			continue
		}

		errors, err := p.Parse(content)
		if err != nil {
			return nil, fmt.Errorf("recognizer %s: %w", p.Name(), err)
		}
		if len(errors) == 0 {
			// Claimed but produced nothing; try the next recognizer.
			continue
		}

		res := &Result{
			Errors:         errors,
			Recognizer:     p.Name(),
			TotalLines:     totalLines,
			MatchedLines:   len(errors),
			DiscardedLines: totalLines - len(errors),
		}

		if len(res.Errors) > r.maxErrors {
			r.logger.Warn("Truncating oversized error batch",
				"recognizer", p.Name(),
				"parsed", len(res.Errors),
				"cap", r.maxErrors)
			res.Errors = res.Errors[:r.maxErrors]
			res.Truncated = true
		}

		return res, nil
	}

	return nil, ErrUnparsable
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

// normalizeSeverity maps vendor severity words onto the three canonical
// levels. Unknown words degrade to info so they never fake an error.
func normalizeSeverity(s string) batch.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "fatal", "fatal error", "err":
		return batch.SeverityError
	case "warning", "warn":
		return batch.SeverityWarning
	default:
		return batch.SeverityInfo
	}
}
