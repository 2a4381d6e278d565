// internal/twofactor/code.go
package twofactor

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/argon2"
)

const codeDigits = 6

// generateCode returns a uniformly random six digit code without a leading zero.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}

// hashCode derives a salted Argon2id hash so a cache dump never reveals a
// pending code.
func hashCode(code string) (hash, salt []byte, err error) {
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	return deriveKey(code, salt), salt, nil
}

func matchCode(code string, salt, hash []byte) bool {
	return subtle.ConstantTimeCompare(deriveKey(code, salt), hash) == 1
}

func deriveKey(code string, salt []byte) []byte {
	return argon2.IDKey([]byte(code), salt, 1, 64*1024, 4, 32)
}
