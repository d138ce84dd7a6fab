package ai

import (
	"regexp"
	"strings"
)

// Patterns for digging a JSON object out of chatty model output.
var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	bareJSONPattern   = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingCommaRe   = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response. Models wrap
// JSON in markdown fences, add // comments, and leave trailing commas;
// all are stripped before schema validation.
func ExtractJSON(content string) string {
	raw := ""
	if m := fencedJSONPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if m := bareJSONPattern.FindString(content); m != "" {
		raw = m
	}
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")
	return trailingCommaRe.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line while
// respecting string values (URLs contain //).
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
