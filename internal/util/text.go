package util

import (
	"strings"
)

// =========================
// Utility: Suspicious Artifact Detector
// =========================

// suspiciousMarkers flag URLs worth submitting to the threat-verdict service.
var suspiciousMarkers = []string{"script", "eval", "javascript:", ".php?id="}

func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range suspiciousMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// NormalizeHostname lowercases a tenant hostname and strips scheme, port
// and trailing dots so that tenant scoping can compare by equality.
func NormalizeHostname(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	// host:port only; bare IPv6 literals carry several colons
	if strings.Count(h, ":") == 1 {
		h = h[:strings.Index(h, ":")]
	}
	return strings.TrimSuffix(h, ".")
}
