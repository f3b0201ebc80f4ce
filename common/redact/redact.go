// Package redact strips credentials (end entity enrollment passwords, CA
// token authentication codes, API tokens) from strings and structured data
// before they reach logs, audit rows or notification rooms.
package redact

import "strings"

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

var sensitiveWords = []string{
	"password", "passwd", "pin", "auth_code", "authentication_code",
	"token", "secret", "credential", "apikey", "api_key",
}

// String replaces each occurrence of the given values in s. Values shorter
// than four characters are ignored; they match too much unrelated text.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Map returns a copy of m in which non-empty string values under sensitive
// keys are replaced. Nested maps are copied and redacted as well; m itself is
// never modified.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = Map(val)
		case string:
			if val != "" && IsSensitiveKey(k) {
				out[k] = Placeholder
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

// IsSensitiveKey reports whether a field name suggests it carries a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
