package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// MinHMACKeyBytes is the smallest key accepted by CheckHMACKey.
	MinHMACKeyBytes = 32

	fingerprintLen = 12
)

// Fingerprint returns a short, stable, non-reversible identifier for tok.
// Empty input yields "" so "no token" stays distinguishable in logs.
func Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// HashRefresh returns the storage digest of a refresh token.
// With an empty key it falls back to plain SHA-256 (dev mode).
func HashRefresh(tok string, key []byte) string {
	if len(key) == 0 {
		sum := sha256.Sum256([]byte(tok))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(tok))
	return hex.EncodeToString(m.Sum(nil))
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CheckHMACKey enforces the minimum key size. A nil key is allowed (dev mode).
func CheckHMACKey(key []byte) error {
	if len(key) == 0 {
		return nil
	}
	if len(key) < MinHMACKeyBytes {
		return ErrHMACKeyTooShort
	}
	return nil
}
