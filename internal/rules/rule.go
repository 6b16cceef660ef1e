package rules

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/crimson-sun/edgewatch/internal/model"
)

// Rule is one WAF custom rule entry of the tfvars rule list.
type Rule struct {
	Action      string
	Description string
	Enabled     bool
	Expression  string
}

var allowedActions = map[string]bool{
	"block":             true,
	"challenge":         true,
	"managed_challenge": true,
	"js_challenge":      true,
	"log":               true,
}

// BuildRule turns a finding into a rule scoped to host (empty host means
// every host). It reports false for entity types that have no rule form or
// values that cannot be expressed safely.
func BuildRule(f model.Finding, host string) (Rule, bool) {
	value := norm.NFC.String(strings.TrimSpace(f.EntityValue))
	if value == "" {
		return Rule{}, false
	}
	typ := model.NormalizeEntityType(f.EntityType)

	var match string
	switch typ {
	case model.EntityIP:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return Rule{}, false
		}
		value = addr.String()
		match = fmt.Sprintf("(ip.src eq %s)", value)
	case model.EntityUserAgent:
		match = fmt.Sprintf("(http.user_agent contains %s)", strconv.Quote(value))
	case model.EntityASN:
		asn := strings.TrimPrefix(strings.ToUpper(value), "AS")
		if _, err := strconv.ParseUint(asn, 10, 32); err != nil {
			return Rule{}, false
		}
		value = asn
		match = fmt.Sprintf("(ip.geoip.asnum eq %s)", value)
	default:
		return Rule{}, false
	}

	action := strings.ToLower(strings.TrimSpace(f.SuggestedAction))
	if !allowedActions[action] {
		action = "block"
	}

	expr := match
	desc := fmt.Sprintf("AI Generated: %s %s '%s'", capitalize(action), typ, value)
	if host != "" {
		expr = fmt.Sprintf("(http.host eq %s) and %s", strconv.Quote(host), match)
		desc += " on " + host
	}
	return Rule{
		Action:      action,
		Description: desc,
		Enabled:     true,
		Expression:  expr,
	}, true
}

// HCL renders the rule as a list element of a tfvars file.
func (r Rule) HCL() string {
	var b strings.Builder
	b.WriteString("  {\n")
	fmt.Fprintf(&b, "    action            = %s\n", hclString(r.Action))
	fmt.Fprintf(&b, "    description       = %s\n", hclString(r.Description))
	fmt.Fprintf(&b, "    enabled           = %t\n", r.Enabled)
	fmt.Fprintf(&b, "    expression        = %s\n", hclString(r.Expression))
	b.WriteString("    action_parameters = null\n")
	b.WriteString("    logging           = null\n")
	b.WriteString("  },")
	return b.String()
}

// hclString quotes s as an HCL string literal. HCL treats "${" and "%{" as
// template sequences, so both are escaped by doubling.
func hclString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`, "${", "$${", "%{", "%%{")
	return `"` + r.Replace(s) + `"`
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
