package identity

import "strings"

// NormalizeProvider canonicalizes a provider name ("Google " -> "google").
func NormalizeProvider(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeSubject trims a provider-issued subject ID.
// Subjects are opaque and compared exactly; case is preserved.
func NormalizeSubject(s string) string {
	return strings.TrimSpace(s)
}

// linkKey is the map key used by in-process indexes of provider links.
func linkKey(provider, subject string) string {
	return provider + "\x00" + subject
}
