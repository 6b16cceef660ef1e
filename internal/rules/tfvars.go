// Package rules turns findings into WAF custom rules and maintains them in
// the rule list of a Terraform variables file.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/crimson-sun/edgewatch/internal/model"
)

const DefaultMinConfidence = 0.7

// listNames are the rule list variables looked up, in order.
var listNames = []string{"baseline_waf_rules", "waf_rules"}

var descriptionRe = regexp.MustCompile(`description\s*=\s*"((?:[^"\\]|\\.)*)"`)

// ErrNoRuleList is returned when the file has no rule list assignment.
var ErrNoRuleList = errors.New("no waf_rules or baseline_waf_rules list found")

// Option configures a TFVarsSink.
type Option func(*TFVarsSink)

// WithHost scopes every generated rule to one hostname.
func WithHost(host string) Option {
	return func(s *TFVarsSink) { s.host = host }
}

// WithMinConfidence skips findings below the threshold. Default: 0.7.
func WithMinConfidence(c float64) Option {
	return func(s *TFVarsSink) { s.minConfidence = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *TFVarsSink) { s.logger = l }
}

// TFVarsSink upserts rules into a tfvars file. Upsert is idempotent: a rule
// whose description is already present is never added again.
type TFVarsSink struct {
	path          string
	host          string
	minConfidence float64
	logger        *slog.Logger
	mu            sync.Mutex
}

// NewTFVarsSink creates a sink writing to path.
func NewTFVarsSink(path string, opts ...Option) *TFVarsSink {
	s := &TFVarsSink{
		path:          path,
		minConfidence: DefaultMinConfidence,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "rules", "file", path)
	return s
}

// Upsert adds a rule for every qualifying finding not already in the file.
func (s *TFVarsSink) Upsert(_ context.Context, findings []model.Finding) error {
	var candidates []Rule
	for _, f := range findings {
		if f.ConfidenceScore < s.minConfidence {
			continue
		}
		r, ok := BuildRule(f, s.host)
		if !ok {
			s.logger.Debug("no rule form for finding", "entity_type", f.EntityType, "entity_value", f.EntityValue)
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		content = []byte(listNames[1] + " = [\n]\n")
	} else if err != nil {
		return fmt.Errorf("rules: read %s: %w", s.path, err)
	}

	updated, added, err := insertRules(string(content), candidates)
	if err != nil {
		return fmt.Errorf("rules: %s: %w", s.path, err)
	}
	if added == 0 {
		s.logger.Debug("no new rules", "candidates", len(candidates))
		return nil
	}
	if err := writeAtomic(s.path, []byte(updated)); err != nil {
		return fmt.Errorf("rules: write %s: %w", s.path, err)
	}
	s.logger.Info("rules added", "added", added, "skipped", len(candidates)-added)
	return nil
}

func (s *TFVarsSink) Close() error { return nil }

// insertRules appends rules whose description is not yet in the list.
func insertRules(content string, rules []Rule) (string, int, error) {
	open, closeIdx, ok := findList(content)
	if !ok {
		return "", 0, ErrNoRuleList
	}
	body := content[open+1 : closeIdx]

	seen := make(map[string]bool)
	for _, m := range descriptionRe.FindAllStringSubmatch(body, -1) {
		seen[m[1]] = true
	}

	var blocks []string
	for _, r := range rules {
		quoted := hclString(r.Description)
		key := quoted[1 : len(quoted)-1]
		if seen[key] {
			continue
		}
		seen[key] = true
		blocks = append(blocks, r.HCL())
	}
	if len(blocks) == 0 {
		return content, 0, nil
	}

	head := strings.TrimRight(content[:closeIdx], " \t\r\n")
	if !strings.HasSuffix(head, "[") && !strings.HasSuffix(head, ",") {
		head += ","
	}
	var b strings.Builder
	b.WriteString(head)
	b.WriteString("\n")
	b.WriteString(strings.Join(blocks, "\n"))
	b.WriteString("\n")
	b.WriteString(content[closeIdx:])
	return b.String(), len(blocks), nil
}

// findList locates the rule list and returns the indexes of its opening and
// matching closing bracket. Brackets inside string literals are ignored.
func findList(content string) (open, closeIdx int, ok bool) {
	for _, name := range listNames {
		re := regexp.MustCompile(`(?m)^\s*` + name + `\s*=\s*\[`)
		loc := re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		open = loc[1] - 1
		if c := matchBracket(content, open); c >= 0 {
			return open, c, true
		}
	}
	return 0, 0, false
}

func matchBracket(s string, open int) int {
	depth := 0
	inString := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '#':
			// Line comment.
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// writeAtomic replaces path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
