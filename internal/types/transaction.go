package types

import "fmt"

// TxKind discriminates the Transaction union.
type TxKind uint8

// Transaction kinds.
const (
	TxNative TxKind = iota + 1
	TxEvm
	TxSolana
)

// String returns the kind name used in logs and metrics.
func (k TxKind) String() string {
	switch k {
	case TxNative:
		return "native"
	case TxEvm:
		return "evm"
	case TxSolana:
		return "solana"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// NativeTransaction is the signed body of a native transaction. Calls run in
// order against Receiver.
type NativeTransaction struct {
	Receiver     AccountID      `cbor:"receiver"`
	Calls        []ContractCall `cbor:"calls"`
	Signer       AccountID      `cbor:"signer"`
	OriginHeight uint64         `cbor:"origin_height"`
	OriginHash   Hash           `cbor:"origin_hash"`
	Deadline     uint64         `cbor:"deadline"`
	Nonce        uint64         `cbor:"nonce"`
}

// SignedTransaction carries a native transaction, its recoverable secp256k1
// signature and unsigned contract images shipped alongside it.
type SignedTransaction struct {
	Tx          NativeTransaction   `cbor:"tx"`
	Signature   [SignatureSize]byte `cbor:"signature"`
	Attachments [][]byte            `cbor:"attachments,omitempty"`
}

// Transaction is a closed union over the three transaction flavors.
type Transaction struct {
	Kind   TxKind             `cbor:"kind"`
	Native *SignedTransaction `cbor:"native,omitempty"`
	Evm    []byte             `cbor:"evm,omitempty"`
	Solana []byte             `cbor:"solana,omitempty"`
}

// NativeTx wraps a signed native transaction.
func NativeTx(tx *SignedTransaction) Transaction {
	return Transaction{Kind: TxNative, Native: tx}
}

// EvmTx wraps a raw EVM transaction.
func EvmTx(raw []byte) Transaction {
	return Transaction{Kind: TxEvm, Evm: raw}
}

// SolanaTx wraps a raw Solana transaction.
func SolanaTx(raw []byte) Transaction {
	return Transaction{Kind: TxSolana, Solana: raw}
}

// Validate checks that the payload matches the kind.
func (t Transaction) Validate() error {
	switch t.Kind {
	case TxNative:
		if t.Native == nil {
			return fmt.Errorf("%w: native transaction without body", ErrProtocolCorruption)
		}
	case TxEvm:
		if len(t.Evm) == 0 {
			return fmt.Errorf("%w: empty evm transaction", ErrProtocolCorruption)
		}
	case TxSolana:
		if len(t.Solana) == 0 {
			return fmt.Errorf("%w: empty solana transaction", ErrProtocolCorruption)
		}
	default:
		return fmt.Errorf("%w: unknown transaction kind %d", ErrProtocolCorruption, t.Kind)
	}
	return nil
}
