package blockstore

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/store"
)

// StateRoot computes the state root of st: the root of a binary Merkle tree
// whose leaves are the state key/value pairs in key order. Block history and
// indexes are not state. An empty state has the zero root.
//
// Tree structure:
// - Leaf: BLAKE3(0x00 || len(key) || key || value)
// - Node: BLAKE3(0x01 || left || right)
// - An unpaired node is paired with the zero hash
func StateRoot(st store.Store) (types.Hash, error) {
	var leaves []types.Hash
	err := st.Iterate(nil, func(key, value []byte) error {
		if store.IsStateKey(key) {
			leaves = append(leaves, leafHash(key, value))
		}
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return MerkleRoot(leaves), nil
}

// MerkleRoot folds leaf hashes into a root.
func MerkleRoot(level []types.Hash) types.Hash {
	if len(level) == 0 {
		return types.Hash{}
	}
	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func leafHash(key, value []byte) types.Hash {
	h := blake3.New()
	var n [9]byte
	n[0] = 0x00
	binary.BigEndian.PutUint64(n[1:], uint64(len(key)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(key)
	_, _ = h.Write(value)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func nodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+2*types.HashSize)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[1+types.HashSize:], right[:])
	return blake3.Sum256(buf)
}
