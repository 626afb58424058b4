package download

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of a download token. 32 bytes gives 256 bits,
// encoded as 64 hex characters.
const tokenBytes = 32

// GenerateToken returns a new opaque download token
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate download token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
