package normalize

import (
	"fmt"
	"regexp"
)

// Rule is a named boilerplate pattern. A line whose whitespace-collapsed form
// matches Pattern is dropped.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules returns the built-in boilerplate rules.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "copyright", Pattern: regexp.MustCompile(`(?i)^(?:©|\(c\)|copyright\b).*$`)},
		{Name: "rights_reserved", Pattern: regexp.MustCompile(`(?i)^.*\ball rights reserved\.?$`)},
		{Name: "last_updated", Pattern: regexp.MustCompile(
			`(?i)^(?:page\s+)?(?:last\s+(?:updated|modified|reviewed)|updated\s+on)\b.*$`)},
		{Name: "page_number", Pattern: regexp.MustCompile(
			`(?i)^(?:page\s+\d+(?:\s*(?:of|/)\s*\d+)?|\d+\s*(?:of|/)\s*\d+|-\s*\d+\s*-)$`)},
		{Name: "nav_item", Pattern: regexp.MustCompile(
			`(?i)^(?:home|menu|search|skip to (?:main )?content|back to top|print(?: this page)?|share(?: this page)?)$`)},
		{Name: "breadcrumb", Pattern: regexp.MustCompile(`(?i)^home(?:\s*[|>»/›]\s*[^|>»/›]+)+$`)},
		{Name: "contact_header", Pattern: regexp.MustCompile(
			`(?i)^(?:contact us|contact information|contact details|get in touch):?$`)},
		{Name: "legal_disclaimer", Pattern: regexp.MustCompile(
			`(?i)^(?:disclaimer|legal notice)\s*:.*$|^(?:this (?:website|site) uses cookies|we use cookies)\b.*$`)},
	}
}

// CompileRules compiles user-supplied patterns into rules, named by position.
func CompileRules(prefix string, patterns []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %s rule %d %q: %w", prefix, i, p, err)
		}
		rules = append(rules, Rule{Name: fmt.Sprintf("%s_%d", prefix, i), Pattern: re})
	}
	return rules, nil
}
