package mfa

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/imovtec/twofactor/pkg/crypto"
)

const (
	// CodeLength is the number of digits in a verification code.
	CodeLength = 6

	codeSpace       = 1_000_000
	backupCodeBytes = 4
)

// GenerateCode returns a six digit, zero padded code drawn uniformly from
// [000000, 999999].
func GenerateCode() (string, error) {
	n, err := crypto.RandomInt(codeSpace)
	if err != nil {
		return "", fmt.Errorf("mfa: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

// GenerateBackupCodes returns n single-use codes of eight upper case hex
// characters. n <= 0 yields an empty slice.
func GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	codes := make([]string, n)
	for i := range codes {
		buf, err := crypto.RandomBytes(backupCodeBytes)
		if err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(buf))
	}
	return codes, nil
}

// NormalizeBackupCode trims and upper-cases user input before comparison.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HashBackupCodes hashes every code for storage.
func HashBackupCodes(codes []string) ([]string, error) {
	hashed := make([]string, len(codes))
	for i, code := range codes {
		h, err := crypto.HashSecret(NormalizeBackupCode(code))
		if err != nil {
			return nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		hashed[i] = h
	}
	return hashed, nil
}

// MatchBackupCode returns the index of the hash matching candidate, or -1.
func MatchBackupCode(hashes []string, candidate string) int {
	normalized := NormalizeBackupCode(candidate)
	if normalized == "" {
		return -1
	}
	for i, h := range hashes {
		if crypto.VerifySecret(h, normalized) {
			return i
		}
	}
	return -1
}
