package dedup

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/crimson-sun/edgewatch/internal/model"
)

// group accumulates findings with the same dedup key.
type group struct {
	finding model.Finding
	count   int
}

// Key identifies a finding by entity type and NFC-normalized value, so
// visually identical user agents collapse together.
func Key(f model.Finding) string {
	return model.NormalizeEntityType(f.EntityType) + "\x00" + norm.NFC.String(strings.TrimSpace(f.EntityValue))
}

// Findings collapses findings about the same entity. The finding with the
// highest confidence represents the group; results are in first-occurrence
// order. Count is set on merged findings only.
func Findings(findings []model.Finding) []model.Finding {
	if len(findings) == 0 {
		return nil
	}

	// Ordered map: preserve first-occurrence order.
	var order []*group
	groups := make(map[string]*group)

	for _, f := range findings {
		key := Key(f)
		if g, exists := groups[key]; exists {
			g.count++
			if f.ConfidenceScore > g.finding.ConfidenceScore {
				g.finding = f
			}
			continue
		}
		g := &group{finding: f, count: 1}
		groups[key] = g
		order = append(order, g)
	}

	result := make([]model.Finding, 0, len(order))
	for _, g := range order {
		f := g.finding
		if g.count > 1 {
			f.Count = g.count
		}
		result = append(result, f)
	}
	return result
}
