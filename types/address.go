package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("types: invalid contract address")
	ErrInvalidHash    = errors.New("types: invalid transaction hash")
)

// NormalizeAddress canonicalizes an EVM address to lowercase 0x-prefixed
// form. Every boundary of the service runs addresses through this before
// comparing or persisting them.
func NormalizeAddress(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToLower(s), nil
}

// NormalizeHash canonicalizes a 32-byte transaction hash to lowercase
// 0x-prefixed form.
func NormalizeHash(h string) (string, error) {
	s := strings.TrimSpace(h)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if len(s) != 2+2*common.HashLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, h)
	}
	for _, c := range s[2:] {
		if !isHexChar(c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidHash, h)
		}
	}
	return strings.ToLower(s), nil
}

// SameAddress reports whether two addresses refer to the same account,
// ignoring case and 0x prefixes.
func SameAddress(a, b string) bool {
	na, err := NormalizeAddress(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeAddress(b)
	if err != nil {
		return false
	}
	return na == nb
}

func isHexChar(c rune) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}
