// Package normalize turns fetched text into a canonical form so that layout and
// boilerplate churn does not register as a policy change.
package normalize

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

var (
	lineEndings    = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\u2028", "\n", "\u2029", "\n", "\u0085", "\n")
	excessBlankRun = regexp.MustCompile(`\n{3,}`)
)

// Normalizer applies the fixed normalization steps. It is safe for concurrent use.
type Normalizer struct {
	rules  []Rule
	logger *zap.Logger

	mu     sync.Mutex
	custom map[string]*regexp.Regexp
}

// New builds a Normalizer with the default rules plus any extra patterns.
func New(extraPatterns []string, logger *zap.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	extra, err := CompileRules("configured", extraPatterns)
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		rules:  append(DefaultRules(), extra...),
		logger: logger,
		custom: make(map[string]*regexp.Regexp),
	}, nil
}

// Rules returns the globally configured rules.
func (n *Normalizer) Rules() []Rule {
	return append([]Rule(nil), n.rules...)
}

// Normalize cleans raw text with boilerplate removal enabled. Custom rules are
// read from the source metadata key policy.MetaCustomRules.
func (n *Normalizer) Normalize(raw string, meta map[string]any) string {
	return n.NormalizeWith(raw, meta, true)
}

// NormalizeWith runs the pipeline: unify line endings, drop boilerplate lines
// (when enabled), collapse horizontal whitespace, squeeze blank-line runs to a
// single blank line and trim leading/trailing blank lines.
func (n *Normalizer) NormalizeWith(raw string, meta map[string]any, removeBoilerplate bool) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := lineEndings.Replace(raw)

	lines := strings.Split(text, "\n")
	var custom []*regexp.Regexp
	if removeBoilerplate {
		custom = n.customRules(meta)
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		collapsed := collapseSpace(line)
		if removeBoilerplate && collapsed != "" && n.isBoilerplate(collapsed, custom) {
			continue
		}
		out = append(out, collapsed)
	}

	text = strings.Join(out, "\n")
	text = excessBlankRun.ReplaceAllString(text, "\n\n")
	return strings.Trim(text, "\n")
}

// Matches every rule against the collapsed line so a second pass over
// normalized output sees exactly what the first pass saw.
func (n *Normalizer) isBoilerplate(line string, custom []*regexp.Regexp) bool {
	for _, r := range n.rules {
		if r.Pattern.MatchString(line) {
			return true
		}
	}
	for _, re := range custom {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func (n *Normalizer) customRules(meta map[string]any) []*regexp.Regexp {
	patterns := policy.Source{Metadata: meta}.MetaStrings(policy.MetaCustomRules)
	if len(patterns) == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, ok := n.custom[p]
		if !ok {
			compiled, err := regexp.Compile(p)
			if err != nil {
				n.logger.Warn("skipping invalid custom normalization rule", zap.String("pattern", p), zap.Error(err))
				n.custom[p] = nil
				continue
			}
			n.custom[p] = compiled
			re = compiled
		}
		if re != nil {
			out = append(out, re)
		}
	}
	return out
}

func collapseSpace(line string) string {
	return strings.Join(strings.Fields(line), " ")
}
