// Package plan detects multi-step change plans in finalized assistant
// replies and drives the clarification round that gates their execution.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind classifies a finalized assistant reply.
type Kind string

const (
	KindPlainAnswer Kind = "plain_answer"
	KindChangePlan  Kind = "change_plan"
)

// Envelope is the structured classification a plan-aware backend appends to
// its reply as a trailing single-line JSON object.  It replaces marker
// scraping wherever the backend supports it.
type Envelope struct {
	Kind      Kind     `json:"kind"`
	PlanID    string   `json:"planId,omitempty"`
	Questions []string `json:"questions,omitempty"`
}

const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"enum": ["plain_answer", "change_plan"]},
		"planId": {"type": "string", "minLength": 1},
		"questions": {
			"type": "array",
			"items": {"type": "string"},
			"maxItems": 5
		}
	}
}`

var envelopeSchema = jsonschema.MustCompileString("envelope.json", envelopeSchemaJSON)

// Validate checks cross-field invariants the schema cannot express.
func (e *Envelope) Validate() error {
	if e.Kind == KindChangePlan && e.PlanID == "" {
		return fmt.Errorf("envelope: change_plan requires a planId")
	}
	return nil
}

// ParseEnvelope looks for a structured envelope on the last non-blank line
// of a finalized reply.  It returns (nil, false) when no valid envelope is
// present, and the caller then falls back to marker scraping.  Invalid
// envelopes are treated as absent, never as errors.
func ParseEnvelope(reply string) (*Envelope, bool) {
	line := lastNonBlankLine(reply)
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}

	var raw any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}
	if err := envelopeSchema.Validate(raw); err != nil {
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, false
	}
	if err := env.Validate(); err != nil {
		return nil, false
	}
	return &env, true
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
