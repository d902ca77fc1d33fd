// Package blockstore persists produced blocks and the pointers that chain
// them.
//
// Blocks are CBOR-encoded and zstd-compressed under block_<height>. The
// latest_block pointer, the block itself, the tx_index entries of its
// transactions and the state writes the block produced are applied in one
// store batch, so a reader never sees a pointer to a block whose state is
// missing or the other way round.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/store"
)

var (
	// ErrBlockNotFound is returned when a block doesn't exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrTransactionNotFound is returned when a transaction is not indexed.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNoGenesis is returned when the store holds no chain yet.
	ErrNoGenesis = errors.New("genesis block not created")

	// ErrInvalidHeight is returned for a block that does not extend the
	// latest block.
	ErrInvalidHeight = errors.New("invalid block height")

	// ErrClosed is returned when operating on a closed blockstore.
	ErrClosed = errors.New("blockstore closed")
)

// Config holds blockstore configuration options.
type Config struct {
	// EncoderLevel is the zstd compression level of stored blocks.
	EncoderLevel zstd.EncoderLevel

	Logger *zap.Logger
}

// DefaultConfig returns the default blockstore configuration.
func DefaultConfig() Config {
	return Config{EncoderLevel: zstd.SpeedDefault}
}

// Blockstore reads and writes blocks in a store.Store.
type Blockstore struct {
	st     store.Store
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *zap.Logger

	mu     sync.RWMutex
	latest *types.Block
	closed bool
}

// Open creates a Blockstore over st and loads the latest block, if any.
func Open(st store.Store, cfg Config) (*Blockstore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	level := cfg.EncoderLevel
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	s := &Blockstore{
		st:     st,
		enc:    enc,
		dec:    dec,
		logger: logger.Named("blockstore"),
	}
	if err := s.loadLatest(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Blockstore) loadLatest() error {
	raw, err := s.st.Get(store.KeyLatestBlock)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read latest block pointer: %w", err)
	}
	if len(raw) != 8 {
		return fmt.Errorf("%w: latest block pointer has %d bytes", types.ErrProtocolCorruption, len(raw))
	}
	b, err := s.read(binary.BigEndian.Uint64(raw))
	if err != nil {
		return fmt.Errorf("load latest block: %w", err)
	}
	s.latest = b
	return nil
}

// Latest returns the latest block, or ErrNoGenesis.
func (s *Blockstore) Latest() (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.latest == nil {
		return nil, ErrNoGenesis
	}
	return s.latest, nil
}

// LatestHeight returns the height of the latest block and whether one
// exists.
func (s *Blockstore) LatestHeight() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return 0, false
	}
	return s.latest.Height, true
}

// GetBlock retrieves a block by height.
func (s *Blockstore) GetBlock(height uint64) (*types.Block, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return s.read(height)
}

func (s *Blockstore) read(height uint64) (*types.Block, error) {
	data, err := s.st.Get(store.BlockKey(height))
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// TxHeight returns the height of the block that included a transaction.
func (s *Blockstore) TxHeight(hash types.Hash) (uint64, error) {
	raw, err := s.st.Get(store.TxIndexKey(hash.String()))
	if store.IsNotFound(err) {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: tx index entry has %d bytes", types.ErrProtocolCorruption, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Genesis stores the height-0 block over the state written by state (the
// genesis accounts) if the chain is empty, and returns the genesis block
// either way. Genesis has zero hashes; its post-state root commits to the
// genesis accounts.
func (s *Blockstore) Genesis(state *store.Overlay, timestamp uint64) (*types.Block, error) {
	if _, err := s.Latest(); err == nil {
		state.Discard()
		return s.GetBlock(0)
	} else if !errors.Is(err, ErrNoGenesis) {
		return nil, err
	}

	root, err := StateRoot(state)
	if err != nil {
		return nil, err
	}
	genesis := &types.Block{
		Height:    0,
		PostRoot:  root,
		Timestamp: timestamp,
		Responses: map[types.Hash]types.Result{},
		Receipts:  map[types.Hash]types.Receipt{},
	}
	if err := s.Persist(genesis, state.Batch()); err != nil {
		return nil, err
	}
	state.Discard()
	s.logger.Info("genesis created", zap.Stringer("state_root", root))
	return genesis, nil
}

// Persist writes b together with the state writes in batch, the tx index
// entries of b and the latest_block pointer, all in one atomic store write.
// b must extend the latest block.
func (s *Blockstore) Persist(b *types.Block, batch *store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	switch {
	case s.latest == nil && b.Height != 0:
		return fmt.Errorf("%w: first block must be genesis, got %d", ErrInvalidHeight, b.Height)
	case s.latest != nil && b.Height != s.latest.Height+1:
		return fmt.Errorf("%w: %d does not follow %d", ErrInvalidHeight, b.Height, s.latest.Height)
	case s.latest != nil && b.ParentHash != s.latest.Hash:
		return fmt.Errorf("%w: parent %s is not latest %s", ErrInvalidHeight, b.ParentHash, s.latest.Hash)
	}

	data, err := s.encode(b)
	if err != nil {
		return err
	}
	if batch == nil {
		batch = store.NewBatch()
	}
	height := encodeHeight(b.Height)
	batch.Put(store.BlockKey(b.Height), data)
	for _, h := range b.TxHashes {
		batch.Put(store.TxIndexKey(h.String()), height)
	}
	batch.Put(store.KeyLatestBlock, height)
	if err := s.st.Write(batch); err != nil {
		return fmt.Errorf("persist block %d: %w", b.Height, err)
	}
	s.latest = b

	s.logger.Debug("block persisted",
		zap.Uint64("height", b.Height),
		zap.Stringer("hash", b.Hash),
		zap.Int("txs", len(b.Txs)),
		zap.Int("bytes", len(data)))
	return nil
}

func (s *Blockstore) encode(b *types.Block) ([]byte, error) {
	raw, err := codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode block: %w", err)
	}
	return s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (s *Blockstore) decode(data []byte) (*types.Block, error) {
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress block: %v", types.ErrProtocolCorruption, err)
	}
	var b types.Block
	if err := codec.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Close releases the codec resources. The underlying store stays open.
func (s *Blockstore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dec.Close()
	return s.enc.Close()
}

// BlockHash is the content hash of b: the hash of its encoding with the
// Hash field zeroed.
func BlockHash(b *types.Block) (types.Hash, error) {
	c := *b
	c.Hash = types.Hash{}
	return codec.HashValue(&c)
}

func encodeHeight(h uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h)
	return buf
}
