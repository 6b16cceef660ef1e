package model

import "strings"

// Entity types reported by the analyzer.
const (
	EntityIP             = "IP"
	EntityUserAgent      = "UserAgent"
	EntityASN            = "ASN"
	EntityURIPattern     = "URI_Pattern"
	EntityRequestPattern = "RequestPattern"
)

// Finding is the analyzer's verdict about one suspicious entity in a batch.
type Finding struct {
	EntityType      string  `json:"entity_type"`      // IP, UserAgent, ASN, URI_Pattern, RequestPattern
	EntityValue     string  `json:"entity_value"`
	Reason          string  `json:"reason"`
	SuggestedAction string  `json:"suggested_action"` // block, challenge
	ConfidenceScore float64 `json:"confidence_score"`
	Count           int     `json:"count,omitempty"` // duplicates collapsed into this finding
}

// NormalizeEntityType maps the spellings models use ("user-agent", "ip",
// "Uri Pattern") onto the canonical entity constants. Unknown types are
// returned trimmed but otherwise unchanged.
func NormalizeEntityType(s string) string {
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch key {
	case "ip", "ipaddress", "sourceip":
		return EntityIP
	case "useragent", "ua":
		return EntityUserAgent
	case "asn", "asnum":
		return EntityASN
	case "uripattern", "uri", "path":
		return EntityURIPattern
	case "requestpattern":
		return EntityRequestPattern
	default:
		return strings.TrimSpace(s)
	}
}
