package gateway

import "regexp"

// patternRule is one member of the fixed suspicious-pattern family tested
// against the serialized request context.
type patternRule struct {
	name        string
	description string
	re          *regexp.Regexp
}

// suspiciousPatterns covers the injection classes the gateway screens for.
// These are cheap heuristics over untrusted request fields, not a parser;
// anything that matches is denied outright.
var suspiciousPatterns = []patternRule{
	{
		name:        "sql_injection",
		description: "SQL injection attempt",
		re: regexp.MustCompile(`(?i)(union[\s(]+select|select\s+[\w*,\s]+\s+from\s|insert\s+into\s|delete\s+from\s|drop\s+table|update\s+\w+\s+set\s|'\s*or\s+'|or\s+1\s*=\s*1|;\s*--|--\s*$)`),
	},
	{
		name:        "xss",
		description: "cross-site scripting attempt",
		re: regexp.MustCompile(`(?i)(<\s*script|<\s*/\s*script|javascript\s*:|vbscript\s*:|on(?:load|error|click|focus|mouseover)\s*=|<\s*iframe|document\s*\.\s*cookie)`),
	},
	{
		name:        "path_traversal",
		description: "path traversal attempt",
		re: regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e%5c|%252e%252e%252f|%c0%af|%c1%9c)`),
	},
	{
		name:        "command_injection",
		description: "command injection attempt",
		re: regexp.MustCompile(`(?i)([;&|]\s*(?:rm|cat|ls|id|wget|curl|bash|sh|nc|chmod|powershell)\b|\$\([^)]*\)|\x60[^\x60]*\x60|\$\{[^}]*\})`),
	},
	{
		name:        "ldap_injection",
		description: "LDAP injection attempt",
		re: regexp.MustCompile(`(?i)(\*\)\s*\(|\)\s*\(\s*[&|]|\(\s*[&|]\s*\(|\b(?:objectclass|objectcategory)\s*=)`),
	},
	{
		name:        "header_injection",
		description: "header injection attempt",
		re: regexp.MustCompile(`(?i)(\r|\n|%0d%0a|%0d|%0a)`),
	},
}

// scanPatterns tests the serialized request context against every pattern,
// returning the first match.
func scanPatterns(serialized string) (patternRule, bool) {
	for _, p := range suspiciousPatterns {
		if p.re.MatchString(serialized) {
			return p, true
		}
	}
	return patternRule{}, false
}
