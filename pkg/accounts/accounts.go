// Package accounts implements the account directory: account records plus an
// alias index mapping native handles, EVM addresses and Solana addresses to
// immutable internal ids.
//
// # Layout
//
// Records and aliases live in the ContentStore keyspace:
// - accounts.<internal_id>: the CBOR-encoded Account record
// - accounts_aliases.<scheme>.<alias>: the internal id, 8 bytes big endian
// - account_counter: the next internal id to allocate
//
// Every account carries an EVM address. Accounts created from a secp256k1
// public key use the key's Ethereum address; all others get one synthesized
// from their handle or Solana address.
//
// The directory works over the small KV interface rather than a Store so
// that the system program can drive it through its sandbox storage callbacks
// while the node reads committed state directly.
package accounts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/fortiblox/multivm/internal/types"
)

var (
	// ErrAccountNotFound is returned when no account matches an id.
	ErrAccountNotFound = fmt.Errorf("%w: account not found", types.ErrAccountResolution)

	// ErrAliasExists is returned when an alias is already registered.
	ErrAliasExists = fmt.Errorf("%w: alias already registered", types.ErrAccountResolution)

	// ErrNotExecutable is returned when a contract operation targets a plain account.
	ErrNotExecutable = fmt.Errorf("%w: account is not executable", types.ErrAccountResolution)

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", types.ErrResourceExhaustion)
)

// ExecutableKind selects the dispatch target of a contract account.
type ExecutableKind uint8

// Executable kinds.
const (
	ExecNative ExecutableKind = iota + 1
	ExecEvm
	ExecSolana
)

// String returns the kind name.
func (k ExecutableKind) String() string {
	switch k {
	case ExecNative:
		return "native"
	case ExecEvm:
		return "evm"
	case ExecSolana:
		return "solana"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Executable describes the code an account runs. Image is set for native and
// Solana images; EVM contracts keep their bytecode in EVM state.
type Executable struct {
	Kind  ExecutableKind `cbor:"kind"`
	Image types.ImageID  `cbor:"image"`
}

// NativeImage returns a native executable descriptor.
func NativeImage(id types.ImageID) *Executable {
	return &Executable{Kind: ExecNative, Image: id}
}

// SolanaImage returns a Solana executable descriptor.
func SolanaImage(id types.ImageID) *Executable {
	return &Executable{Kind: ExecSolana, Image: id}
}

// EvmContract returns an EVM executable descriptor.
func EvmContract() *Executable {
	return &Executable{Kind: ExecEvm}
}

// Account is one ledger account. InternalID never changes and is never
// reused.
type Account struct {
	InternalID uint64               `cbor:"internal_id"`
	EvmAddress types.EvmAddress     `cbor:"evm_address"`
	Handle     *string              `cbor:"handle,omitempty"`
	Solana     *types.SolanaAddress `cbor:"solana,omitempty"`
	PublicKey  []byte               `cbor:"public_key,omitempty"`
	Executable *Executable          `cbor:"executable,omitempty"`
	Balance    uint256.Int          `cbor:"balance"`
	Nonce      uint64               `cbor:"nonce"`
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Handle != nil {
		h := *a.Handle
		c.Handle = &h
	}
	if a.Solana != nil {
		s := *a.Solana
		c.Solana = &s
	}
	if a.Executable != nil {
		e := *a.Executable
		c.Executable = &e
	}
	c.PublicKey = append([]byte(nil), a.PublicKey...)
	return &c
}

// IDs returns every alias of the account, native handle first.
func (a *Account) IDs() []types.AccountID {
	ids := make([]types.AccountID, 0, 3)
	if a.Handle != nil {
		ids = append(ids, types.HandleID(*a.Handle))
	}
	ids = append(ids, types.EvmID(a.EvmAddress))
	if a.Solana != nil {
		ids = append(ids, types.SolanaID(*a.Solana))
	}
	return ids
}

// PrimaryID returns the preferred id of the account: the native handle if
// present, otherwise the EVM address.
func (a *Account) PrimaryID() types.AccountID {
	return a.IDs()[0]
}

// Owner returns the storage scope name of the account.
func (a *Account) Owner() string {
	if a.Handle != nil {
		return *a.Handle
	}
	if a.Solana != nil {
		return a.Solana.String()
	}
	return a.EvmAddress.String()
}

// IsExecutable reports whether the account runs code.
func (a *Account) IsExecutable() bool {
	return a.Executable != nil
}

// IsSystem reports whether this is the system account.
func (a *Account) IsSystem() bool {
	return a.Handle != nil && *a.Handle == types.SystemHandle
}

// SynthesizeEvmAddress derives a deterministic EVM address for accounts that
// have no secp256k1 key.
func SynthesizeEvmAddress(seed []byte) types.EvmAddress {
	var addr types.EvmAddress
	copy(addr[:], crypto.Keccak256([]byte("multivm:account:"), seed)[12:])
	return addr
}
