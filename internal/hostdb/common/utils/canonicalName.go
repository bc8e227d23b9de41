package utils

import (
	"strings"

	"golang.org/x/net/idna"
)

// lookupProfile maps names the way a stub resolver would before querying,
// but keeps underscores legal so SRV owners like _http._tcp survive.
var lookupProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
	idna.Transitional(false),
)

// CanonicalDNSName returns a DNS name in canonical form:
// - Trimmed of surrounding whitespace
// - IDNA-mapped to its ASCII (punycode) form when possible
// - Lowercased
// - No trailing dot
func CanonicalDNSName(name string) string {
	name = strings.TrimSpace(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	if name == "" {
		return ""
	}
	if ascii, err := lookupProfile.ToASCII(name); err == nil {
		name = ascii
	}
	return strings.ToLower(name)
}
