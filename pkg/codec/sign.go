package codec

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fortiblox/multivm/internal/types"
)

// SigningHash returns the digest a native transaction signer signs.
func SigningHash(tx *types.NativeTransaction) (types.Hash, error) {
	return HashValue(tx)
}

// Sign signs tx with key and returns the signed envelope.
func Sign(tx types.NativeTransaction, key *ecdsa.PrivateKey, attachments ...[]byte) (*types.SignedTransaction, error) {
	digest, err := SigningHash(&tx)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	signed := &types.SignedTransaction{Tx: tx, Attachments: attachments}
	copy(signed.Signature[:], sig)
	return signed, nil
}

// RecoverSigner recovers the EVM address of the key that signed tx.
func RecoverSigner(tx *types.SignedTransaction) (types.EvmAddress, error) {
	digest, err := SigningHash(&tx.Tx)
	if err != nil {
		return types.EvmAddress{}, err
	}
	pub, err := crypto.SigToPub(digest[:], tx.Signature[:])
	if err != nil {
		return types.EvmAddress{}, fmt.Errorf("%w: recover signer: %v", types.ErrProtocolCorruption, err)
	}
	return types.EvmAddress(crypto.PubkeyToAddress(*pub)), nil
}

// AddressFromPublicKey derives the EVM address of a secp256k1 public key in
// compressed (33 bytes) or uncompressed (65 bytes) form.
func AddressFromPublicKey(pub []byte) (types.EvmAddress, error) {
	var (
		key *ecdsa.PublicKey
		err error
	)
	switch len(pub) {
	case 33:
		key, err = crypto.DecompressPubkey(pub)
	case 65:
		key, err = crypto.UnmarshalPubkey(pub)
	default:
		err = fmt.Errorf("unexpected public key length %d", len(pub))
	}
	if err != nil {
		return types.EvmAddress{}, fmt.Errorf("%w: public key: %v", types.ErrProtocolCorruption, err)
	}
	return types.EvmAddress(crypto.PubkeyToAddress(*key)), nil
}

// CompressedPublicKey returns the 33-byte form of key's public key.
func CompressedPublicKey(key *ecdsa.PrivateKey) []byte {
	return crypto.CompressPubkey(&key.PublicKey)
}
