package dlp

import (
	"fmt"
	"sort"
	"strings"
)

var builtinRules = map[string]Rule{
	"email": {
		Name:        "email",
		Pattern:     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:email]",
	},
	"ssn": {
		Name:        "ssn",
		Pattern:     `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:ssn]",
	},
	"credit_card": {
		Name:        "credit_card",
		Pattern:     `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:credit-card]",
	},
	"api_key": {
		Name:        "api_key",
		Pattern:     `(?i)\b(?:api[_-]?key|apikey|api[_-]?secret|bearer[_-]?token)[:=\s]+[a-z0-9_\-]{16,}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:api-key]",
	},
	"private_key": {
		Name:    "private_key",
		Pattern: `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`,
		Action:  ActionBlock,
	},
}

// Builtin returns the named builtin rule. Names are case-insensitive.
func Builtin(name string) (Rule, bool) {
	rule, ok := builtinRules[strings.ToLower(strings.TrimSpace(name))]
	return rule, ok
}

// BuiltinNames lists the builtin rules in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinRules))
	for name := range builtinRules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveRules expands builtin rule names and appends custom rules. An empty
// selection with no custom rules selects email and ssn.
func ResolveRules(names []string, custom []Rule) ([]Rule, error) {
	if len(names) == 0 && len(custom) == 0 {
		names = []string{"email", "ssn"}
	}
	rules := make([]Rule, 0, len(names)+len(custom))
	for _, name := range names {
		rule, ok := Builtin(name)
		if !ok {
			return nil, fmt.Errorf("dlp: unknown builtin rule %q (known: %s)", name, strings.Join(BuiltinNames(), ", "))
		}
		rules = append(rules, rule)
	}
	return append(rules, custom...), nil
}
