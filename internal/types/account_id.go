package types

import (
	"errors"
	"fmt"
	"strings"
)

// SystemHandle is the handle of the privileged system account.
const SystemHandle = "multivm"

// Handle constraints.
const (
	MinHandleLen  = 2
	MaxHandleLen  = 64
	handleCharset = "abcdefghijklmnopqrstuvwxyz0123456789_-."
)

// Alias schemes used in alias keys.
const (
	SchemeHandle = "multivm"
	SchemeEvm    = "evm"
	SchemeSolana = "solana"
)

// ErrInvalidHandle is returned when a handle violates the handle rules.
var ErrInvalidHandle = errors.New("invalid handle")

// AccountIDKind discriminates the AccountID union.
type AccountIDKind uint8

// Account id kinds.
const (
	KindHandle AccountIDKind = iota + 1
	KindEvm
	KindSolana
)

// AccountID is a closed union over the three ways to name an account.
// Exactly one of the payload fields is meaningful, selected by Kind.
// The zero value is invalid.
type AccountID struct {
	Kind   AccountIDKind
	Handle string
	Evm    EvmAddress
	Solana SolanaAddress
}

// HandleID names an account by native handle.
func HandleID(handle string) AccountID {
	return AccountID{Kind: KindHandle, Handle: handle}
}

// EvmID names an account by EVM address.
func EvmID(addr EvmAddress) AccountID {
	return AccountID{Kind: KindEvm, Evm: addr}
}

// SolanaID names an account by Solana address.
func SolanaID(addr SolanaAddress) AccountID {
	return AccountID{Kind: KindSolana, Solana: addr}
}

// SystemID returns the id of the system account.
func SystemID() AccountID {
	return HandleID(SystemHandle)
}

// IsSystem reports whether id names the system account.
func (id AccountID) IsSystem() bool {
	return id.Kind == KindHandle && id.Handle == SystemHandle
}

// Scheme returns the alias scheme for this id.
func (id AccountID) Scheme() string {
	switch id.Kind {
	case KindHandle:
		return SchemeHandle
	case KindEvm:
		return SchemeEvm
	case KindSolana:
		return SchemeSolana
	default:
		return ""
	}
}

// Alias returns the alias text of this id within its scheme.
func (id AccountID) Alias() string {
	switch id.Kind {
	case KindHandle:
		return id.Handle
	case KindEvm:
		return id.Evm.String()
	case KindSolana:
		return id.Solana.String()
	default:
		return ""
	}
}

// String returns "<scheme>:<alias>" for EVM and Solana ids and the bare handle
// for native ids.
func (id AccountID) String() string {
	if id.Kind == KindHandle {
		return id.Handle
	}
	return id.Scheme() + ":" + id.Alias()
}

// Validate checks that the id is well formed.
func (id AccountID) Validate() error {
	switch id.Kind {
	case KindHandle:
		return ValidateHandle(id.Handle)
	case KindEvm, KindSolana:
		return nil
	default:
		return fmt.Errorf("%w: unknown account id kind %d", ErrProtocolCorruption, id.Kind)
	}
}

// ParseAccountID parses the String form of an AccountID.
func ParseAccountID(s string) (AccountID, error) {
	switch {
	case strings.HasPrefix(s, SchemeEvm+":"):
		addr, err := ParseEvmAddress(strings.TrimPrefix(s, SchemeEvm+":"))
		if err != nil {
			return AccountID{}, err
		}
		return EvmID(addr), nil
	case strings.HasPrefix(s, SchemeSolana+":"):
		addr, err := ParseSolanaAddress(strings.TrimPrefix(s, SchemeSolana+":"))
		if err != nil {
			return AccountID{}, err
		}
		return SolanaID(addr), nil
	case strings.HasPrefix(s, "0x") && len(s) == 2+2*EvmAddressSize:
		addr, err := ParseEvmAddress(s)
		if err != nil {
			return AccountID{}, err
		}
		return EvmID(addr), nil
	default:
		if err := ValidateHandle(s); err != nil {
			return AccountID{}, err
		}
		return HandleID(s), nil
	}
}

// ValidateHandle checks length and charset of a native handle.
func ValidateHandle(h string) error {
	if len(h) < MinHandleLen || len(h) > MaxHandleLen {
		return fmt.Errorf("%w: %q length must be between %d and %d", ErrInvalidHandle, h, MinHandleLen, MaxHandleLen)
	}
	for _, c := range h {
		if !strings.ContainsRune(handleCharset, c) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidHandle, h, c)
		}
	}
	return nil
}
