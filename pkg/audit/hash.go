package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent computes the SHA-256 hash of the content and returns it as a
// hex-encoded string. Empty content hashes to the digest of the empty string
// so that trails over empty text still chain.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashText is a convenience function that hashes a string and returns the
// hex-encoded SHA-256 hash.
func HashText(text string) string {
	return HashContent([]byte(text))
}
