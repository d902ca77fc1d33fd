// Package types defines the identifiers and wire records shared by every
// multivm component.
//
// Three address flavors coexist in one account model:
// - Handles: human-readable native identifiers such as "alice.multivm"
// - EVM addresses: 20-byte addresses derived from secp256k1 public keys
// - Solana addresses: 32-byte addresses rendered in base58
//
// Records in this package carry no encoding logic beyond text forms; the
// canonical binary encoding and hashing live in pkg/codec.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	HashSize          = 32
	EvmAddressSize    = 20
	SolanaAddressSize = 32
	SignatureSize     = 65
)

var (
	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")

	// ErrInvalidEvmAddress is returned when an EVM address cannot be parsed.
	ErrInvalidEvmAddress = errors.New("invalid evm address: must be 20 bytes")

	// ErrInvalidSolanaAddress is returned when a Solana address cannot be parsed.
	ErrInvalidSolanaAddress = errors.New("invalid solana address: must be 32 bytes")
)

// Hash represents a 32-byte digest.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash used by genesis.
var ZeroHash Hash

// HashFromHex parses a hex-encoded hash, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// String returns the hex-encoded representation.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ImageID identifies a guest program image by the hash of its bytes.
type ImageID = Hash

// EvmAddress is a 20-byte Ethereum-style address.
type EvmAddress [EvmAddressSize]byte

// ParseEvmAddress parses a hex-encoded address, with or without a 0x prefix.
func ParseEvmAddress(s string) (EvmAddress, error) {
	var a EvmAddress
	data, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil || len(data) != EvmAddressSize {
		return a, fmt.Errorf("%w: %q", ErrInvalidEvmAddress, s)
	}
	copy(a[:], data)
	return a, nil
}

// EvmAddressFromBytes creates an address from a byte slice.
func EvmAddressFromBytes(b []byte) (EvmAddress, error) {
	var a EvmAddress
	if len(b) != EvmAddressSize {
		return a, ErrInvalidEvmAddress
	}
	copy(a[:], b)
	return a, nil
}

// String returns the lowercase 0x-prefixed hex form.
func (a EvmAddress) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero returns true if the address is all zeros.
func (a EvmAddress) IsZero() bool {
	return a == EvmAddress{}
}

// SolanaAddress is a 32-byte Solana-style address.
type SolanaAddress [SolanaAddressSize]byte

// ParseSolanaAddress parses a base58-encoded address.
func ParseSolanaAddress(s string) (SolanaAddress, error) {
	var a SolanaAddress
	data, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != SolanaAddressSize {
		return a, ErrInvalidSolanaAddress
	}
	copy(a[:], data)
	return a, nil
}

// String returns the base58-encoded representation.
func (a SolanaAddress) String() string {
	return base58.Encode(a[:])
}

// IsZero returns true if the address is all zeros.
func (a SolanaAddress) IsZero() bool {
	return a == SolanaAddress{}
}
