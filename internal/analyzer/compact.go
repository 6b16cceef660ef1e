package analyzer

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/crimson-sun/edgewatch/internal/model"
)

// DefaultMaxValueRunes is the longest string field value sent to the model.
const DefaultMaxValueRunes = 512

// compact returns the records with every string field longer than maxRunes
// cut to maxRunes and suffixed with "...". Records are copied only when a
// value changes; Raw is dropped from copies since prompts use Fields only.
func compact(records []model.Record, maxRunes int) []model.Record {
	if maxRunes <= 0 {
		return records
	}
	out := records
	copied := false
	for i, rec := range records {
		var fields []model.Field
		for j, f := range rec.Fields {
			s, ok := f.Value.(string)
			if !ok || utf8.RuneCountInString(s) <= maxRunes {
				continue
			}
			if fields == nil {
				fields = append([]model.Field(nil), rec.Fields...)
			}
			fields[j].Value = truncate(s, maxRunes)
		}
		if fields == nil {
			continue
		}
		if !copied {
			out = append([]model.Record(nil), records...)
			copied = true
		}
		out[i] = model.Record{Fields: fields}
	}
	return out
}

func truncate(s string, maxRunes int) string {
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// estimateTokens approximates the prompt size. Each whitespace-separated word
// counts the larger of 1.3 tokens and one token per 4 bytes. Only used for
// logging.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	tokens := 0.0
	for _, w := range strings.Fields(s) {
		tokens += math.Max(1.3, float64(len(w))/4)
	}
	return int(math.Ceil(tokens))
}
