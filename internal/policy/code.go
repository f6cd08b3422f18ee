package policy

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var codeAlphabets = map[CodeMode]string{
	CodeModeMix:    "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789",
	CodeModeNumber: "0123456789",
	CodeModeWord:   "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz",
	CodeModeUpper:  "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	CodeModeLower:  "abcdefghijklmnopqrstuvwxyz",
}

// GenerateCode returns length characters drawn uniformly from the alphabet of
// mode. Unknown modes fall back to the mixed alphabet.
//
// Precondition: length > 0.
func GenerateCode(mode CodeMode, length int) (string, error) {
	alphabet, ok := codeAlphabets[mode]
	if !ok {
		alphabet = codeAlphabets[CodeModeMix]
	}
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}
	base := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("drawing code character: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Alphabet returns the character set of mode.
func Alphabet(mode CodeMode) string {
	if a, ok := codeAlphabets[mode]; ok {
		return a
	}
	return codeAlphabets[CodeModeMix]
}
