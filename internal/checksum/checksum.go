// Package checksum provides SHA-256 content addressing. Digests are the
// compare-and-swap identity for whole documents and individual sections;
// timestamps are never used as a correctness signal.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumString returns the hex-encoded SHA-256 digest of s.
func SumString(s string) string {
	return Sum([]byte(s))
}

// Prefix returns the first n characters of digest, used for snapshot file
// naming. Digests shorter than n are returned whole.
func Prefix(digest string, n int) string {
	if len(digest) <= n {
		return digest
	}
	return digest[:n]
}
