package dedup

import (
	"testing"

	"github.com/crimson-sun/edgewatch/internal/model"
)

func finding(typ, value string, conf float64) model.Finding {
	return model.Finding{
		EntityType:      typ,
		EntityValue:     value,
		Reason:          "reason " + value,
		SuggestedAction: "block",
		ConfidenceScore: conf,
	}
}

func TestFindingsEmpty(t *testing.T) {
	if result := Findings(nil); result != nil {
		t.Fatalf("expected nil, got %v", result)
	}
}

func TestFindingsNoDuplicates(t *testing.T) {
	in := []model.Finding{
		finding("IP", "203.0.113.1", 0.9),
		finding("IP", "203.0.113.2", 0.8),
		finding("ASN", "64500", 0.7),
	}
	result := Findings(in)
	if len(result) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(result))
	}
	for _, f := range result {
		if f.Count != 0 {
			t.Fatalf("expected Count=0 for non-deduped finding, got %d", f.Count)
		}
	}
}

func TestFindingsKeepsHighestConfidence(t *testing.T) {
	in := []model.Finding{
		finding("IP", "203.0.113.1", 0.6),
		finding("ip", "203.0.113.1 ", 0.95),
		finding("IP", "203.0.113.1", 0.7),
	}
	result := Findings(in)
	if len(result) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(result))
	}
	if result[0].ConfidenceScore != 0.95 {
		t.Errorf("confidence = %v, want 0.95", result[0].ConfidenceScore)
	}
	if result[0].Count != 3 {
		t.Errorf("count = %d, want 3", result[0].Count)
	}
}

func TestFindingsPreservesFirstOccurrenceOrder(t *testing.T) {
	in := []model.Finding{
		finding("UserAgent", "sqlmap/1.7", 0.9),
		finding("IP", "198.51.100.3", 0.9),
		finding("UserAgent", "sqlmap/1.7", 0.9),
	}
	result := Findings(in)
	if len(result) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(result))
	}
	if result[0].EntityType != "UserAgent" || result[1].EntityType != "IP" {
		t.Errorf("unexpected order: %+v", result)
	}
}

func TestFindingsNormalizesUnicode(t *testing.T) {
	// "é" precomposed vs "e" + combining acute.
	in := []model.Finding{
		finding("UserAgent", "caf\u00e9-bot", 0.8),
		finding("UserAgent", "cafe\u0301-bot", 0.9),
	}
	if result := Findings(in); len(result) != 1 {
		t.Fatalf("expected NFC-equivalent values to collapse, got %d", len(result))
	}
}

func TestSameValueDifferentTypeKept(t *testing.T) {
	in := []model.Finding{
		finding("ASN", "13335", 0.9),
		finding("URI_Pattern", "13335", 0.9),
	}
	if result := Findings(in); len(result) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(result))
	}
}
