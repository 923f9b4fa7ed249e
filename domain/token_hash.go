package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken derives the storage key for a raw bearer string. Stores index
// records by this hash so the raw secret never touches the backing store.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
