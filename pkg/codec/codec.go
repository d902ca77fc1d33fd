// Package codec implements the canonical serialization and hashing of call
// contexts, commitments, receipts and transactions.
//
// Every record is encoded with Core Deterministic CBOR (RFC 8949 §4.2.1):
// the same value always yields the same bytes, so hashes computed by a guest
// and by the host agree. Call, request and response hashes are SHA-256 over
// those bytes; image ids are BLAKE3-256 over the raw image.
package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/multivm/internal/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build decoder: %v", err))
	}
}

// Marshal encodes v canonically.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// MustMarshal encodes v and panics on failure. Only for values whose types
// are known to encode, such as the records of internal/types.
func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal decodes data into v. Malformed input is protocol corruption.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", types.ErrProtocolCorruption, v, err)
	}
	return nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) types.Hash {
	return types.Hash(sha256.Sum256(data))
}

// HashValue returns Hash(Marshal(v)).
func HashValue(v interface{}) (types.Hash, error) {
	b, err := Marshal(v)
	if err != nil {
		return types.Hash{}, err
	}
	return Hash(b), nil
}

// CallHash hashes a call context. It identifies the input of one invocation.
func CallHash(ctx *types.ContractCallContext) types.Hash {
	return Hash(MustMarshal(ctx))
}

// RequestHash hashes a serialized cross-call request.
func RequestHash(req []byte) types.Hash {
	return Hash(req)
}

// ResponseHash hashes a callee's response slot.
func ResponseHash(r types.Result) types.Hash {
	return Hash(MustMarshal(r))
}

// ImageID returns the content id of a guest program image.
func ImageID(image []byte) types.ImageID {
	return types.ImageID(blake3.Sum256(image))
}

// TxHash returns the identifying hash of a transaction. EVM transactions use
// the Ethereum transaction hash so that wallets can track them.
func TxHash(tx *types.Transaction) (types.Hash, error) {
	switch tx.Kind {
	case types.TxNative:
		if tx.Native == nil {
			return types.Hash{}, fmt.Errorf("%w: native transaction without body", types.ErrProtocolCorruption)
		}
		return HashValue(&tx.Native.Tx)
	case types.TxEvm:
		return types.Hash(crypto.Keccak256Hash(tx.Evm)), nil
	case types.TxSolana:
		return Hash(tx.Solana), nil
	default:
		return types.Hash{}, fmt.Errorf("%w: unknown transaction kind %d", types.ErrProtocolCorruption, tx.Kind)
	}
}
