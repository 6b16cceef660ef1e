package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/crimson-sun/edgewatch/internal/model"
)

const toolName = "report_suspicious_activity"

const toolDescription = "Reports distinct suspicious entities or behaviors found in HTTP request logs."

// toolSchema is both the tool's parameter schema and the validator for the
// arguments the model sends back.
const toolSchema = `{
  "type": "object",
  "properties": {
    "threats": {
      "type": "array",
      "description": "A list of distinct suspicious entities and reasoning.",
      "items": {
        "type": "object",
        "properties": {
          "entity_type": {
            "type": "string",
            "description": "The kind of suspicious entity (IP, UserAgent, ASN, URI_Pattern, RequestPattern)."
          },
          "entity_value": {
            "type": "string",
            "minLength": 1,
            "description": "The exact value of the suspicious entity (e.g., IP address, UserAgent string)."
          },
          "reason": {
            "type": "string",
            "description": "Concise reason why this entity is suspicious."
          },
          "suggested_action": {
            "type": "string",
            "description": "Recommended WAF action (e.g., block, challenge)."
          },
          "confidence_score": {
            "type": "number",
            "minimum": 0,
            "maximum": 1,
            "description": "A float between 0 and 1 representing the confidence level."
          }
        },
        "required": ["entity_type", "entity_value", "reason", "suggested_action", "confidence_score"]
      }
    }
  },
  "required": ["threats"]
}`

var compiledSchema = mustSchema(toolSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("analyzer: invalid tool schema: %v", err))
	}
	return s
}

type toolArgs struct {
	Threats []model.Finding `json:"threats"`
}

// decodeFindings validates raw tool arguments and decodes them.
func decodeFindings(args string) ([]model.Finding, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewStringLoader(args))
	if err != nil {
		return nil, fmt.Errorf("tool arguments are not JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("tool arguments fail schema: %s", strings.Join(msgs, "; "))
	}

	var parsed toolArgs
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	for i := range parsed.Threats {
		f := &parsed.Threats[i]
		f.EntityType = model.NormalizeEntityType(f.EntityType)
		f.EntityValue = strings.TrimSpace(f.EntityValue)
		f.SuggestedAction = strings.ToLower(strings.TrimSpace(f.SuggestedAction))
		f.Count = 0
	}
	return parsed.Threats, nil
}
