package collector

import (
	"errors"
	"strings"
)

// RFC 5321 length ceilings.
const (
	maxEmailLength  = 254
	maxLocalLength  = 64
	maxDomainLength = 255
)

// suspiciousFragments are rejected anywhere in the address: markup and quote
// characters, path traversal, and URI schemes that have no business in an
// email column.
var suspiciousFragments = []string{"<", ">", `"`, "'", "..", "javascript:", "data:"}

// Normalize strictly validates an address and returns its canonical form:
// trimmed and case-folded. Folding covers the local part as well so that
// dedup treats A@x.com and a@X.com as the same recipient.
func Normalize(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email is empty")
	}

	lowered := strings.ToLower(email)
	for _, frag := range suspiciousFragments {
		if strings.Contains(lowered, frag) {
			return "", errors.New("email contains a suspicious character sequence")
		}
	}

	if strings.Count(email, "@") != 1 {
		return "", errors.New("email must contain exactly one @")
	}
	if strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return "", errors.New("email cannot start or end with @")
	}

	at := strings.Index(lowered, "@")
	local, domain := lowered[:at], lowered[at+1:]

	if !strings.Contains(domain, ".") {
		return "", errors.New("domain must contain a dot")
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", errors.New("domain cannot start or end with a dot")
	}

	if len(lowered) > maxEmailLength {
		return "", errors.New("email exceeds 254 characters")
	}
	if len(local) > maxLocalLength {
		return "", errors.New("local part exceeds 64 characters")
	}
	if len(domain) > maxDomainLength {
		return "", errors.New("domain exceeds 255 characters")
	}

	return lowered, nil
}
