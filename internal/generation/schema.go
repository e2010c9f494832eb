package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformedOutput marks model output that is not valid JSON for its schema.
// The loop records it as a failed iteration instead of aborting.
var ErrMalformedOutput = errors.New("malformed model output")

const draftSchemaJSON = `{
  "type": "object",
  "required": ["question", "answer_scheme"],
  "properties": {
    "question": {"type": "string", "minLength": 1},
    "answer_scheme": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "question_type": {"type": "string"},
    "key_concepts": {"type": "array", "items": {"type": "string"}}
  }
}`

const critiqueSchemaJSON = `{
  "type": "object",
  "required": ["overall_quality", "ready_for_faculty"],
  "properties": {
    "overall_quality": {"type": "string", "enum": ["poor", "fair", "good", "excellent"]},
    "issues_found": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["issue"],
        "properties": {
          "issue": {"type": "string"},
          "severity": {"type": "string", "enum": ["minor", "major", "critical"]},
          "suggestion": {"type": "string"}
        }
      }
    },
    "refined_question": {"type": "string"},
    "ready_for_faculty": {"type": "boolean"}
  }
}`

var (
	draftSchema    = mustSchema(draftSchemaJSON)
	critiqueSchema = mustSchema(critiqueSchemaJSON)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

type draftOutput struct {
	Question     string          `json:"question"`
	AnswerScheme json.RawMessage `json:"answer_scheme"`
	QuestionType string          `json:"question_type"`
	KeyConcepts  []string        `json:"key_concepts"`
}

type critiqueIssue struct {
	Issue      string `json:"issue"`
	Severity   string `json:"severity"`
	Suggestion string `json:"suggestion"`
}

type critiqueOutput struct {
	OverallQuality  string          `json:"overall_quality"`
	IssuesFound     []critiqueIssue `json:"issues_found"`
	RefinedQuestion string          `json:"refined_question"`
	ReadyForFaculty bool            `json:"ready_for_faculty"`
}

// validate checks raw model output against schema and returns the cleaned bytes.
func validate(schema *gojsonschema.Schema, raw string) ([]byte, error) {
	data := []byte(stripFences(raw))
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(msgs, "; "))
	}
	return data, nil
}

func parseDraft(raw string) (draftOutput, string, error) {
	var out draftOutput
	data, err := validate(draftSchema, raw)
	if err != nil {
		return out, "", err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, "", fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var scheme string
	var lines []string
	switch {
	case len(out.AnswerScheme) == 0:
	case json.Unmarshal(out.AnswerScheme, &scheme) == nil:
	case json.Unmarshal(out.AnswerScheme, &lines) == nil:
		scheme = strings.Join(lines, "\n")
	}
	return out, strings.TrimSpace(scheme), nil
}

func parseCritique(raw string) (critiqueOutput, error) {
	var out critiqueOutput
	data, err := validate(critiqueSchema, raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence some models emit despite JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
