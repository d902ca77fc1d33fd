package store

import (
	"strconv"
	"strings"
)

// Key prefixes. Keys are dot-joined path strings.
const (
	PrefixAccounts         = "accounts."
	PrefixAliases          = "accounts_aliases."
	PrefixCommittedStorage = "committed_storage."
	PrefixContractsCode    = "contracts_code."
	PrefixTxIndex          = "tx_index."
	PrefixBlock            = "block_"
)

// Well-known singleton keys.
var (
	// KeyLatestBlock points at the height of the latest persisted block.
	KeyLatestBlock = []byte("latest_block")

	// KeyAccountCounter holds the last allocated internal account id.
	KeyAccountCounter = []byte("account_counter")
)

// AccountKey returns the key of an account record.
func AccountKey(internalID uint64) []byte {
	return []byte(PrefixAccounts + strconv.FormatUint(internalID, 10))
}

// AliasKey returns the key mapping an alias to an internal id.
func AliasKey(scheme, alias string) []byte {
	return []byte(PrefixAliases + scheme + "." + alias)
}

// StorageKey returns the key of a contract storage slot owned by owner.
func StorageKey(owner string, key []byte) []byte {
	out := make([]byte, 0, len(PrefixCommittedStorage)+len(owner)+1+len(key))
	out = append(out, PrefixCommittedStorage...)
	out = append(out, owner...)
	out = append(out, '.')
	return append(out, key...)
}

// CodeKey returns the key of the image deployed by handle.
func CodeKey(handle string) []byte {
	return []byte(PrefixContractsCode + handle)
}

// EvmCodeKey returns the key of an EVM contract's runtime code.
func EvmCodeKey(internalID uint64) []byte {
	return []byte(PrefixAccounts + strconv.FormatUint(internalID, 10) + ".evm_code")
}

// EvmStorageKey returns the key of an EVM contract's storage map.
func EvmStorageKey(internalID uint64) []byte {
	return []byte(PrefixAccounts + strconv.FormatUint(internalID, 10) + ".evm_storage")
}

// BlockKey returns the key of the block at height h.
func BlockKey(h uint64) []byte {
	return []byte(PrefixBlock + strconv.FormatUint(h, 10))
}

// TxIndexKey returns the key mapping a transaction hash to its block height.
func TxIndexKey(hash string) []byte {
	return []byte(PrefixTxIndex + hash)
}

// IsStateKey reports whether key belongs to ledger state, as opposed to
// block history and indexes.
func IsStateKey(key []byte) bool {
	k := string(key)
	switch {
	case strings.HasPrefix(k, PrefixBlock),
		strings.HasPrefix(k, PrefixTxIndex),
		k == string(KeyLatestBlock):
		return false
	}
	return true
}
