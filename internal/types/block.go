package types

// Block is one produced batch of transactions. Height is the parent height
// plus one; genesis has height 0 and zero hashes.
type Block struct {
	Height     uint64           `cbor:"height"`
	Hash       Hash             `cbor:"hash"`
	ParentHash Hash             `cbor:"parent_hash"`
	PreRoot    Hash             `cbor:"pre_root"`
	PostRoot   Hash             `cbor:"post_root"`
	Timestamp  uint64           `cbor:"timestamp"`
	Txs        []Transaction    `cbor:"txs"`
	TxHashes   []Hash           `cbor:"tx_hashes"`
	Responses  map[Hash]Result  `cbor:"responses"`
	Receipts   map[Hash]Receipt `cbor:"receipts"`
	// Failed holds transactions that hit an infrastructure failure, with the
	// error message. Their effects were discarded.
	Failed map[Hash]string `cbor:"failed,omitempty"`
}

// IsGenesis reports whether b is the genesis block.
func (b *Block) IsGenesis() bool {
	return b.Height == 0
}
