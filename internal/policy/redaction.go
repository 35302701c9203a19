package policy

import (
	"regexp"
	"sort"
)

type redactionRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Cards run before phones so long digit runs are not masked as phone numbers.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in chat text
// before it reaches the logs.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllString(out, rule.mask)
	}
	return out, out != input
}

func RedactText(input string) string {
	out, _ := RedactPII(input)
	return out
}

// RedactDetails copies collected visitor details with every value masked.
func RedactDetails(details map[string]string) map[string]string {
	out := make(map[string]string, len(details))
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = RedactText(details[k])
	}
	return out
}
