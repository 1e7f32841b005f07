package serverpool

import "strings"

// MaskedSecretValue replaces sensitive values in user-facing output.
const MaskedSecretValue = "**********"

var sensitiveKeyMarkers = []string{"token", "secret", "password", "key", "auth", "credential", "cookie"}

// IsSensitiveKey reports whether an env var or header name likely holds a secret.
func IsSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Redacted returns a copy of c safe to show to operators. Env values are
// always masked since they are commonly credentials.
func (c ServerConfig) Redacted() ServerConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.Env = maskValues(c.Env, func(string) bool { return true })
	out.Headers = maskValues(c.Headers, IsSensitiveKey)
	if strings.TrimSpace(c.AccessToken) != "" {
		out.AccessToken = MaskedSecretValue
	}
	return out
}

func maskValues(values map[string]string, sensitive func(string) bool) map[string]string {
	if len(values) == 0 {
		return nil
	}
	masked := make(map[string]string, len(values))
	for key, value := range values {
		if sensitive(key) && strings.TrimSpace(value) != "" {
			masked[key] = MaskedSecretValue
			continue
		}
		masked[key] = value
	}
	return masked
}
