package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/store"
)

// KV is the storage the directory runs on. Get reports absence with a false
// second result.
type KV interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
}

// StoreKV adapts a store.Store to KV.
type StoreKV struct {
	Store store.Store
}

// Get implements KV.
func (s StoreKV) Get(key []byte) ([]byte, bool, error) {
	v, err := s.Store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements KV.
func (s StoreKV) Set(key, value []byte) error {
	return s.Store.Put(key, value)
}

// CreateRequest describes a new account. At most one of PublicKey and Evm
// may be set; when neither is, the EVM address is synthesized.
type CreateRequest struct {
	Handle     string
	PublicKey  []byte
	Evm        *types.EvmAddress
	Solana     *types.SolanaAddress
	Executable *Executable
	Balance    uint256.Int
}

// Directory resolves and mutates accounts.
type Directory struct {
	kv KV
}

// NewDirectory creates a directory over kv.
func NewDirectory(kv KV) *Directory {
	return &Directory{kv: kv}
}

// Lookup returns the internal id an alias maps to.
func (d *Directory) Lookup(id types.AccountID) (uint64, bool, error) {
	raw, ok, err := d.kv.Get(store.AliasKey(id.Scheme(), id.Alias()))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("%w: alias %s has %d-byte value", types.ErrProtocolCorruption, id, len(raw))
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Resolve returns the account named by id.
func (d *Directory) Resolve(id types.AccountID) (*Account, error) {
	internalID, ok, err := d.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acc, err := d.Get(internalID)
	if errors.Is(err, ErrAccountNotFound) {
		// An alias without a record means the index is broken.
		return nil, fmt.Errorf("%w: alias %s points at missing account %d", types.ErrProtocolCorruption, id, internalID)
	}
	return acc, err
}

// Get returns the account with the given internal id.
func (d *Directory) Get(internalID uint64) (*Account, error) {
	raw, ok, err := d.kv.Get(store.AccountKey(internalID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: internal id %d", ErrAccountNotFound, internalID)
	}
	var acc Account
	if err := codec.Unmarshal(raw, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Exists reports whether id is registered.
func (d *Directory) Exists(id types.AccountID) (bool, error) {
	_, ok, err := d.Lookup(id)
	return ok, err
}

// Create registers a new account and all of its aliases. It fails with
// ErrAliasExists if any alias is taken, before anything is written.
func (d *Directory) Create(req CreateRequest) (*Account, error) {
	if err := types.CheckAmount(&req.Balance); err != nil {
		return nil, err
	}

	acc := &Account{
		Solana:     req.Solana,
		Executable: req.Executable,
		Balance:    req.Balance,
	}
	if req.Handle != "" {
		if err := types.ValidateHandle(req.Handle); err != nil {
			return nil, err
		}
		h := req.Handle
		acc.Handle = &h
	}

	switch {
	case req.Evm != nil && len(req.PublicKey) > 0:
		return nil, fmt.Errorf("%w: both public key and evm address given", types.ErrProtocolCorruption)
	case req.Evm != nil:
		acc.EvmAddress = *req.Evm
	case len(req.PublicKey) > 0:
		addr, err := codec.AddressFromPublicKey(req.PublicKey)
		if err != nil {
			return nil, err
		}
		acc.EvmAddress = addr
		acc.PublicKey = append([]byte(nil), req.PublicKey...)
	case acc.Handle != nil:
		acc.EvmAddress = SynthesizeEvmAddress([]byte(*acc.Handle))
	case acc.Solana != nil:
		acc.EvmAddress = SynthesizeEvmAddress(acc.Solana[:])
	default:
		return nil, fmt.Errorf("%w: account needs a handle, key or address", types.ErrProtocolCorruption)
	}

	ids := acc.IDs()
	for _, id := range ids {
		taken, err := d.Exists(id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: %s", ErrAliasExists, id)
		}
	}

	next, err := d.nextID()
	if err != nil {
		return nil, err
	}
	acc.InternalID = next

	if err := d.put(acc); err != nil {
		return nil, err
	}
	idBuf := encodeID(acc.InternalID)
	for _, id := range ids {
		if err := d.kv.Set(store.AliasKey(id.Scheme(), id.Alias()), idBuf); err != nil {
			return nil, fmt.Errorf("write alias %s: %w", id, err)
		}
	}
	if err := d.kv.Set(store.KeyAccountCounter, encodeID(next+1)); err != nil {
		return nil, fmt.Errorf("write account counter: %w", err)
	}
	return acc, nil
}

// Update rewrites an existing account record. Aliases cannot change.
func (d *Directory) Update(acc *Account) error {
	if _, ok, err := d.kv.Get(store.AccountKey(acc.InternalID)); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: internal id %d", ErrAccountNotFound, acc.InternalID)
	}
	if err := types.CheckAmount(&acc.Balance); err != nil {
		return err
	}
	return d.put(acc)
}

// Transfer moves amount from one account to another and persists both.
func (d *Directory) Transfer(from, to *Account, amount *uint256.Int) error {
	if from.Balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.PrimaryID(), from.Balance.Dec(), amount.Dec())
	}
	if from.InternalID == to.InternalID {
		return nil
	}
	credited, overflow := new(uint256.Int).AddOverflow(&to.Balance, amount)
	if overflow || types.CheckAmount(credited) != nil {
		return types.ErrAmountOverflow
	}
	from.Balance.Sub(&from.Balance, amount)
	to.Balance = *credited

	if err := d.Update(from); err != nil {
		return err
	}
	return d.Update(to)
}

// CodeKey returns the key holding the image of an executable account.
func CodeKey(acc *Account) ([]byte, error) {
	if acc.Executable == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, acc.PrimaryID())
	}
	return store.CodeKey(acc.Owner()), nil
}

func (d *Directory) nextID() (uint64, error) {
	raw, ok, err := d.kv.Get(store.KeyAccountCounter)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: account counter has %d bytes", types.ErrProtocolCorruption, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (d *Directory) put(acc *Account) error {
	raw, err := codec.Marshal(acc)
	if err != nil {
		return err
	}
	if err := d.kv.Set(store.AccountKey(acc.InternalID), raw); err != nil {
		return fmt.Errorf("write account %d: %w", acc.InternalID, err)
	}
	return nil
}

func encodeID(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}
