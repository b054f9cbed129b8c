package models

import "strings"

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// so a caller id containing ':' cannot address another caller's bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// ProviderKey names a provider budget bucket for one window period. Bands
// share the bucket; only the cap checked against it changes.
func ProviderKey(provider string, w Window) string {
	return "provider:" + SanitizeKeySegment(provider) + ":" + w.Label()
}

// TierKey names a caller budget bucket.
func TierKey(tier QuotaTier, callerID string, w Window) string {
	return "tier:" + string(tier) + ":" + SanitizeKeySegment(callerID) + ":" + w.Label()
}

// IsTierKey reports whether key was built by TierKey.
func IsTierKey(key string) bool {
	return strings.HasPrefix(key, "tier:")
}
