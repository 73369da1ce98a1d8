package llm

import "strings"

// credentialErrorMarkers are substrings that indicate a failure attributable
// to the credential itself (auth or quota), as opposed to a generic transient
// failure. Only credential-attributable failures should be reported to the
// Rotator.
var credentialErrorMarkers = []string{
	"api key",
	"unauthenticated",
	"unauthorized",
	"permission denied",
	"permission_denied",
	"quota",
	"rate limit",
	"resource exhausted",
	"resource_exhausted",
	"401",
	"403",
	"429",
}

// IsCredentialError reports whether err looks like an auth or quota failure
// tied to the credential used for the call.
func IsCredentialError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), credentialErrorMarkers...)
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
