package mt

import "regexp"

// DenyRule names a pattern of secret material that must never be stored.
type DenyRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Denylist is scanned against the canonical payload before anything is
// persisted. Rules only match secret-shaped strings, not plain word lists.
type Denylist []DenyRule

var defaultDenylist = Denylist{
	{"hex_private_key", regexp.MustCompile(`(?i)(?:^|[^0-9a-z])(?:0x)?[0-9a-f]{64}(?:[^0-9a-z]|$)`)},
	{"pem_private_key", regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----`)},
	{"seed_phrase", regexp.MustCompile(`(?i)(?:seed[_ -]?phrase|mnemonic|recovery[_ -]?phrase)["']?\s*[:=]\s*["']?(?:[a-z]+\s+){11,23}[a-z]+`)},
	{"extended_private_key", regexp.MustCompile(`\b[xt]prv[1-9A-HJ-NP-Za-km-z]{100,}`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"api_secret_key", regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_-]{20,}`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`)},
}

// DefaultDenylist returns the built-in rules.
func DefaultDenylist() Denylist { return defaultDenylist }

// Scan returns the name of the first rule that matches b.
func (d Denylist) Scan(b []byte) (string, bool) {
	for _, r := range d {
		if r.Pattern.Match(b) {
			return r.Name, true
		}
	}
	return "", false
}
