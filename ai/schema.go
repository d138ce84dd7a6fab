package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// findingSchemaJSON is the contract every stage response must satisfy.
// Stages may add arbitrary keys under details.
const findingSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["confidence", "summary"],
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "summary": {"type": "string", "minLength": 1},
    "details": {"type": "object"}
  }
}`

var findingSchema = jsonschema.MustCompileString("finding.json", findingSchemaJSON)

// StageFinding is the decoded, schema-valid stage response.
type StageFinding struct {
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
}

// ParseFinding extracts and validates the structured finding from raw
// model output. Any failure is a non-retryable SchemaMismatch: the model
// answered, just not in contract.
func ParseFinding(content string) (*StageFinding, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, NewError(KindSchemaMismatch, fmt.Errorf("no JSON object in model response"))
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, NewError(KindSchemaMismatch, fmt.Errorf("model response is not valid JSON: %w", err))
	}
	if err := findingSchema.Validate(decoded); err != nil {
		return nil, NewError(KindSchemaMismatch, fmt.Errorf("model response violates finding schema: %w", err))
	}

	var finding StageFinding
	if err := json.NewDecoder(strings.NewReader(raw)).Decode(&finding); err != nil {
		return nil, NewError(KindSchemaMismatch, fmt.Errorf("decode finding: %w", err))
	}
	return &finding, nil
}
