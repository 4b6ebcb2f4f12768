package giftcard

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// codeAlphabet leaves out I, O, 0 and 1. Its 32 symbols map one-to-one onto
// five random bits.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength   = 16
	codeGroup    = 4
	maxCodeTries = 8
)

// NewCode returns a code formatted XXXX-XXXX-XXXX-XXXX.
func NewCode() (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random code: %w", err)
	}
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && i%codeGroup == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[r&31])
	}
	return b.String(), nil
}

// NewPIN returns four random digits.
func NewPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("read random pin: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// NormalizeCode upper-cases a code and restores the dash grouping when a
// cashier typed it without dashes.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	plain := strings.ReplaceAll(code, "-", "")
	if len(plain) != codeLength {
		return code
	}
	var b strings.Builder
	for i := 0; i < codeLength; i += codeGroup {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(plain[i : i+codeGroup])
	}
	return b.String()
}

func maskCode(code string) string {
	if len(code) <= codeGroup {
		return code
	}
	return "****-" + code[len(code)-codeGroup:]
}
