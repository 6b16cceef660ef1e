package analyzer

import (
	"strings"
	"testing"

	"github.com/crimson-sun/edgewatch/internal/model"
)

func TestCompactTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("é", 20)
	in := []model.Record{
		{Raw: []byte(`{}`), Fields: []model.Field{{Name: "ClientRequestUserAgent", Value: long}, {Name: "ClientASN", Value: 13335}}},
		{Raw: []byte(`{}`), Fields: []model.Field{{Name: "ClientIP", Value: "192.0.2.1"}}},
	}

	out := compact(in, 8)
	if got := out[0].String("ClientRequestUserAgent"); got != strings.Repeat("é", 8)+"..." {
		t.Errorf("truncated value = %q", got)
	}
	if out[0].String("ClientASN") != "13335" {
		t.Errorf("non-string field changed: %v", out[0].Fields[1])
	}
	if in[0].String("ClientRequestUserAgent") != long {
		t.Error("input record was modified")
	}
	if out[1].Raw == nil {
		t.Error("unchanged record should be passed through as is")
	}
}

func TestCompactNoChangeReturnsInput(t *testing.T) {
	in := []model.Record{{Fields: []model.Field{{Name: "ClientIP", Value: "192.0.2.1"}}}}
	out := compact(in, 64)
	if &out[0] != &in[0] {
		t.Error("expected the input slice back when nothing is truncated")
	}
	if out := compact(in, 0); &out[0] != &in[0] {
		t.Error("limit 0 should disable compaction")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"GET /", 3},
		{`"ClientRequestUserAgent": "Mozilla/5.0"`, 10},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.in); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
