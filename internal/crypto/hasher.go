package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// IdentifierHasher maps raw identifiers (IP addresses, SMTP logins) to
// keyed HMAC-SHA256 digests. Equal inputs under the same secret give equal
// digests, which is all the quota correlation needs.
type IdentifierHasher struct {
	secret []byte
}

// NewIdentifierHasher returns a hasher bound to secret. An empty secret is refused.
func NewIdentifierHasher(secret string) (*IdentifierHasher, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &IdentifierHasher{secret: []byte(secret)}, nil
}

// Hash returns the hex digest of raw. Empty input yields an empty digest,
// meaning "not supplied".
func (h *IdentifierHasher) Hash(raw string) string {
	if raw == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashIP canonicalises ip before hashing so "::ffff:10.0.0.1" and "10.0.0.1"
// land in the same bucket. Unparseable input is hashed as trimmed text.
func (h *IdentifierHasher) HashIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if addr, err := netip.ParseAddr(ip); err == nil {
		ip = addr.Unmap().String()
	}
	return h.Hash(ip)
}

// HashSMTPIdentity hashes an SMTP login case-insensitively.
func (h *IdentifierHasher) HashSMTPIdentity(login string) string {
	return h.Hash(strings.ToLower(strings.TrimSpace(login)))
}
