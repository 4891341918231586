package verify

import (
	"regexp"
)

// MinCodeLength is the shortest match accepted as a code.
const MinCodeLength = 4

// Rule is one code pattern. When the pattern has a capture group, the first
// group is the code; otherwise the whole match is.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules are evaluated in order; the first rule that yields a code of
// at least MinCodeLength digits wins.
var DefaultRules = []Rule{
	{Name: "six_digits", Pattern: regexp.MustCompile(`\b\d{6}\b`)},
	{Name: "four_digits", Pattern: regexp.MustCompile(`\b\d{4}\b`)},
	{Name: "code_label", Pattern: regexp.MustCompile(`(?i)code[:\s]+(\d+)`)},
	{Name: "verification_label", Pattern: regexp.MustCompile(`(?i)verification[:\s]+(\d+)`)},
}

// ExtractCode applies rules in order. A match shorter than MinCodeLength is
// skipped and the next rule is tried.
func ExtractCode(text string, rules []Rule) (string, bool) {
	for _, rule := range rules {
		m := rule.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		code := m[0]
		if len(m) > 1 && m[1] != "" {
			code = m[1]
		}
		if len(code) < MinCodeLength {
			continue
		}
		return code, true
	}
	return "", false
}
