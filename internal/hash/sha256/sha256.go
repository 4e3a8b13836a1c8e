// Package sha256 provides the content fingerprint used to key policy versions.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// HexLength is the length of a hex-encoded SHA-256 digest.
const HexLength = 64

// Hasher implements policy.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a lowercase hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString hashes text as UTF-8.
func SumString(text string) string {
	return Sum([]byte(text))
}

// Valid reports whether s looks like a digest produced by this package:
// exactly 64 lowercase hex characters.
func Valid(s string) bool {
	if len(s) != HexLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
