package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Hash returns the base64 SHA-256 digest of plaintext's UTF-8 bytes.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyHash reports whether plaintext hashes to expected. A mismatch is
// advisory; callers decide what to do with it.
func VerifyHash(plaintext, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(plaintext)), []byte(expected)) == 1
}
