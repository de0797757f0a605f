// Package util provides shared utility functions.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// NewChecksum returns the hash used to fingerprint transferred files.
func NewChecksum() hash.Hash {
	return sha256.New()
}

// ChecksumHex returns the hex-encoded sha256 digest of data.
func ChecksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumHex finalizes h into a hex string.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
