package types

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrAmountOverflow is returned when a balance leaves the u128 range.
var ErrAmountOverflow = errors.New("amount exceeds 128 bits")

// MaxAmount is the largest representable balance, 2^128-1.
var MaxAmount = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Amount returns v as a uint256 value.
func Amount(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// CheckAmount verifies that v fits in 128 bits.
func CheckAmount(v *uint256.Int) error {
	if v.BitLen() > 128 {
		return ErrAmountOverflow
	}
	return nil
}
