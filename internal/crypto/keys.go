package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateKey generates a random 32-byte secret in hex format.
// Usage: run during initial setup or rotation and store the result as
// ENCRYPTION_SECRET or HASH_SECRET.
//
// Example:
//
//	key, _ := crypto.GenerateKey()
//	fmt.Println("ENCRYPTION_SECRET=" + key)
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
