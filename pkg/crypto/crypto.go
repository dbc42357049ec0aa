package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret returns a bcrypt hash of secret. Used for backup codes, which
// are stored only in hashed form.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret reports whether candidate matches the bcrypt hash.
func VerifySecret(hashed, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(candidate)) == nil
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("crypto: negative length %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("crypto: read random bytes: %w", err)
	}
	return buf, nil
}

// RandomInt returns a uniform integer in [0, max).
func RandomInt(max int64) (int64, error) {
	if max <= 0 {
		return 0, fmt.Errorf("crypto: max must be positive, got %d", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, fmt.Errorf("crypto: draw random int: %w", err)
	}
	return n.Int64(), nil
}

// ConstantTimeEqual compares two strings without leaking timing on content.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
