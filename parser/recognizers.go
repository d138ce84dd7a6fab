package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/aires/batch"
)

// Pre-compiled line patterns for the built-in recognizers.
var (
	// gccPattern: file:line:col: severity: message
	// The optional trailing code group catches compiler codes embedded in
	// the message, e.g. "error: CS0246: 'Foo' not found".
	gccPattern = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s*(error|warning|note|info|fatal error)\s*:\s*(?:([A-Z]{1,4}\d{3,5})\s*:?\s*)?(.+)$`)

	// msbuildPattern: file(line,col): severity CODE: message
	msbuildPattern = regexp.MustCompile(`^\s*(.+?)\((\d+)(?:,(\d+))?\)\s*:\s*(error|warning|info)\s+([A-Z]{1,4}\d{3,5})\s*:\s*(.+)$`)

	// rustHeaderPattern: error[E0308]: mismatched types
	rustHeaderPattern = regexp.MustCompile(`^(error|warning)(?:\[(E\d{4})\])?:\s*(.+)$`)
	// rustLocPattern:  --> src/main.rs:4:5
	rustLocPattern = regexp.MustCompile(`^\s*-->\s*(.+?):(\d+):(\d+)\s*$`)

	// goBuildPattern: file:line:col: message (no severity word, no code)
	goBuildPattern = regexp.MustCompile(`^(.+?\.go):(\d+)(?::(\d+))?:\s*(.+)$`)
)

// GCCParser recognizes GCC/Clang style diagnostics, which is also the
// shape most wrapped compiler front-ends (including csc under MSBuild
// verbose logs) emit.
type GCCParser struct{}

// Name identifies the recognizer.
func (p *GCCParser) Name() string { return "gcc" }

// CanParse claims content containing at least one GCC-style line.
func (p *GCCParser) CanParse(content string) bool {
	return anyLineMatches(content, gccPattern)
}

// Parse extracts GCC-style diagnostics line by line.
func (p *GCCParser) Parse(content string) ([]batch.CompilerError, error) {
	var out []batch.CompilerError
	for _, line := range strings.Split(content, "\n") {
		m := gccPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code := m[5]
		if code == "" {
			code = syntheticCode("GCC", m[6])
		}
		out = append(out, batch.CompilerError{
			Code:     code,
			Message:  strings.TrimSpace(m[6]),
			Severity: normalizeSeverity(m[4]),
			Location: batch.Location{
				FilePath: m[1],
				Line:     mustAtoi(m[2]),
				Column:   mustAtoi(m[3]),
			},
			RawLine: line,
		})
	}
	return out, nil
}

// MSBuildParser recognizes MSBuild/csc "file(line,col): error CODE:" lines.
type MSBuildParser struct{}

// Name identifies the recognizer.
func (p *MSBuildParser) Name() string { return "msbuild" }

// CanParse claims content containing at least one MSBuild-style line.
func (p *MSBuildParser) CanParse(content string) bool {
	return anyLineMatches(content, msbuildPattern)
}

// Parse extracts MSBuild-style diagnostics line by line.
func (p *MSBuildParser) Parse(content string) ([]batch.CompilerError, error) {
	var out []batch.CompilerError
	for _, line := range strings.Split(content, "\n") {
		m := msbuildPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, batch.CompilerError{
			Code:     m[5],
			Message:  strings.TrimSpace(m[6]),
			Severity: normalizeSeverity(m[4]),
			Location: batch.Location{
				FilePath: strings.TrimSpace(m[1]),
				Line:     mustAtoi(m[2]),
				Column:   mustAtoi(m[3]),
			},
			RawLine: line,
		})
	}
	return out, nil
}

// RustParser recognizes cargo/rustc two-line diagnostics: a header line
// with the code followed by a "-->" location line.
type RustParser struct{}

// Name identifies the recognizer.
func (p *RustParser) Name() string { return "rust" }

// CanParse claims content with a rustc header and a location arrow.
func (p *RustParser) CanParse(content string) bool {
	return strings.Contains(content, "-->") && anyLineMatches(content, rustHeaderPattern)
}

// Parse pairs header lines with the location lines that follow them.
func (p *RustParser) Parse(content string) ([]batch.CompilerError, error) {
	var out []batch.CompilerError
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		m := rustHeaderPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code := m[2]
		if code == "" {
			code = syntheticCode("RUST", m[3])
		}
		ce := batch.CompilerError{
			Code:     code,
			Message:  strings.TrimSpace(m[3]),
			Severity: normalizeSeverity(m[1]),
			RawLine:  line,
		}
		// Location is on one of the next few lines.
		for j := i + 1; j < len(lines) && j <= i+3; j++ {
			if lm := rustLocPattern.FindStringSubmatch(lines[j]); lm != nil {
				ce.Location = batch.Location{
					FilePath: lm[1],
					Line:     mustAtoi(lm[2]),
					Column:   mustAtoi(lm[3]),
				}
				break
			}
		}
		out = append(out, ce)
	}
	return out, nil
}

// GoBuildParser recognizes `go build` diagnostics, which carry no
// severity word and no error code. Every matched line is an error.
type GoBuildParser struct{}

// Name identifies the recognizer.
func (p *GoBuildParser) Name() string { return "gobuild" }

// CanParse claims content containing at least one go-build-style line.
func (p *GoBuildParser) CanParse(content string) bool {
	return anyLineMatches(content, goBuildPattern)
}

// Parse extracts go build diagnostics line by line.
func (p *GoBuildParser) Parse(content string) ([]batch.CompilerError, error) {
	var out []batch.CompilerError
	for _, line := range strings.Split(content, "\n") {
		m := goBuildPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, batch.CompilerError{
			Code:     syntheticCode("GO", m[4]),
			Message:  strings.TrimSpace(m[4]),
			Severity: batch.SeverityError,
			Location: batch.Location{
				FilePath: m[1],
				Line:     mustAtoi(m[2]),
				Column:   mustAtoi(m[3]),
			},
			RawLine: line,
		})
	}
	return out, nil
}

func anyLineMatches(content string, re *regexp.Regexp) bool {
	for _, line := range strings.Split(content, "\n") {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func mustAtoi(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

// syntheticCode derives a stable pseudo-code for tools that do not emit
// one, so downstream grouping and booklet filenames stay meaningful.
func syntheticCode(prefix, message string) string {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "undefined") || strings.Contains(msg, "undeclared") || strings.Contains(msg, "not found"):
		return prefix + "-UNDEF"
	case strings.Contains(msg, "cannot use") || strings.Contains(msg, "type") || strings.Contains(msg, "mismatch"):
		return prefix + "-TYPE"
	case strings.Contains(msg, "import"):
		return prefix + "-IMPORT"
	case strings.Contains(msg, "syntax"):
		return prefix + "-SYNTAX"
	default:
		return prefix + "-ERR"
	}
}
