package admission

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the content address of a payload: the hex SHA-256 of
// its bytes. Equal payloads always share a fingerprint.
func Fingerprint(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}
