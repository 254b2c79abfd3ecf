package proof

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress  = errors.New("invalid hex address")
	ErrNegativeReward  = errors.New("reward must not be negative")
	ErrInvalidDecimals = errors.New("token decimals out of range")
)

var hash32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParseAddress accepts a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, ErrInvalidAddress
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// ActionHash is keccak256 of the UTF-8 action name, as the contract computes it.
func ActionHash(actionName string) common.Hash {
	return crypto.Keccak256Hash([]byte(actionName))
}

// IsHash32 reports whether s is a 0x-prefixed 32-byte hex string.
func IsHash32(s string) bool {
	return hash32Pattern.MatchString(s)
}

// EvidenceHash passes a well-formed 32-byte hash through unchanged and hashes
// anything else. An empty raw value falls back to the action id.
func EvidenceHash(raw, actionID string) common.Hash {
	raw = strings.TrimSpace(raw)
	if IsHash32(raw) {
		return common.HexToHash(raw)
	}
	if raw == "" {
		raw = actionID
	}
	return crypto.Keccak256Hash([]byte(raw))
}

// ScaleAmount returns reward * 10^decimals using integer arithmetic only.
func ScaleAmount(reward int64, decimals uint8) (*big.Int, error) {
	if reward < 0 {
		return nil, ErrNegativeReward
	}
	if decimals > 77 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return unit.Mul(unit, big.NewInt(reward)), nil
}
