package edgewatch

import "github.com/crimson-sun/edgewatch/internal/model"

// Finding is one suspicious entity reported for a batch of records.
// This is the stable public type; internal representations may evolve
// independently without breaking consumers.
type Finding struct {
	EntityType      string  `json:"entity_type"`      // IP, UserAgent, ASN, URI_Pattern, RequestPattern
	EntityValue     string  `json:"entity_value"`     // the offending value
	Reason          string  `json:"reason"`           // model's explanation
	SuggestedAction string  `json:"suggested_action"` // block, challenge, ...
	Confidence      float64 `json:"confidence"`       // 0..1
	Count           int     `json:"count,omitempty"`  // >0 when duplicates were collapsed
}

// Rule is a WAF custom rule generated from a finding.
type Rule struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	Expression  string `json:"expression"`
	HCL         string `json:"hcl"` // tfvars list element, ready to paste
}

func findingFromModel(f model.Finding) Finding {
	return Finding{
		EntityType:      f.EntityType,
		EntityValue:     f.EntityValue,
		Reason:          f.Reason,
		SuggestedAction: f.SuggestedAction,
		Confidence:      f.ConfidenceScore,
		Count:           f.Count,
	}
}

func (f Finding) toModel() model.Finding {
	return model.Finding{
		EntityType:      f.EntityType,
		EntityValue:     f.EntityValue,
		Reason:          f.Reason,
		SuggestedAction: f.SuggestedAction,
		ConfidenceScore: f.Confidence,
		Count:           f.Count,
	}
}
