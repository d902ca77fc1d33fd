// Package builder produces blocks.
//
// A block is built from a batch of pending transactions in arrival order.
// Each transaction runs over its own overlay of the block's state: a
// transaction that fails outside any contract (bad signature, missing
// account, corrupt payload) is recorded as failed and its writes are
// dropped, without affecting the transactions around it. The block's state
// writes are persisted together with the block itself.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/blockstore"
	"github.com/fortiblox/multivm/pkg/bootstrap"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/executor"
	"github.com/fortiblox/multivm/pkg/store"
)

// ErrNotReady is returned when no genesis block exists yet.
var ErrNotReady = errors.New("builder not ready")

// Config holds builder configuration.
type Config struct {
	// Prover certifies outcomes when proving is not skipped. Nil means
	// TraceProver.
	Prover Prover

	// Clock supplies block timestamps. Nil means time.Now.
	Clock func() time.Time

	// OnTransactionComplete is called after each transaction with its
	// outcome, or with the error that failed it.
	OnTransactionComplete func(hash types.Hash, tx *types.Transaction, out *executor.Outcome, err error)

	Logger *zap.Logger
}

// Builder turns transaction batches into persisted blocks. Produce is
// serialized; the builder is the single writer of the state store.
type Builder struct {
	mu sync.Mutex

	state     store.Store
	blocks    *blockstore.Blockstore
	bootstrap *bootstrap.Bootstrapper

	config Config
	logger *zap.Logger
}

// New creates a Builder writing to state and blocks.
func New(state store.Store, blocks *blockstore.Blockstore, b *bootstrap.Bootstrapper, cfg Config) *Builder {
	if cfg.Prover == nil {
		cfg.Prover = TraceProver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		state:     state,
		blocks:    blocks,
		bootstrap: b,
		config:    cfg,
		logger:    logger.Named("builder"),
	}
}

// Produce executes pending in order and persists the resulting block on top
// of the latest one. With skipProof set, receipts carry no certificates.
//
// The context is checked between transactions. If it is cancelled, nothing
// of the batch is persisted and the context error is returned.
func (b *Builder) Produce(ctx context.Context, pending []types.Transaction, skipProof bool) (*types.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent, err := b.blocks.Latest()
	if errors.Is(err, blockstore.ErrNoGenesis) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	timestamp := uint64(b.config.Clock().Unix())
	if timestamp < parent.Timestamp {
		timestamp = parent.Timestamp
	}
	block := &types.Block{
		Height:     parent.Height + 1,
		ParentHash: parent.Hash,
		PreRoot:    parent.PostRoot,
		Timestamp:  timestamp,
		Txs:        make([]types.Transaction, 0, len(pending)),
		TxHashes:   make([]types.Hash, 0, len(pending)),
		Responses:  make(map[types.Hash]types.Result, len(pending)),
		Receipts:   make(map[types.Hash]types.Receipt, len(pending)),
		Failed:     make(map[types.Hash]string),
	}
	env := types.Environment{BlockHeight: block.Height, Timestamp: timestamp}

	blockState := store.NewOverlay(b.state)
	defer blockState.Discard()

	seen := make(map[types.Hash]struct{}, len(pending))
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx := &pending[i]
		hash, err := codec.TxHash(tx)
		if err != nil {
			return nil, fmt.Errorf("hash transaction %d: %w", i, err)
		}
		if _, dup := seen[hash]; dup {
			b.logger.Warn("duplicate transaction skipped", zap.Stringer("tx", hash))
			continue
		}
		seen[hash] = struct{}{}

		out, err := b.apply(ctx, blockState, tx, env, skipProof)
		block.Txs = append(block.Txs, *tx)
		block.TxHashes = append(block.TxHashes, hash)
		if err != nil {
			block.Failed[hash] = err.Error()
			b.logger.Warn("transaction failed",
				zap.Stringer("tx", hash),
				zap.Stringer("kind", tx.Kind),
				zap.Bool("rejected", bootstrap.IsRejection(err)),
				zap.Error(err))
		} else {
			block.Responses[hash] = out.Commitment.Response
			block.Receipts[hash] = out.Receipt()
		}
		if b.config.OnTransactionComplete != nil {
			b.config.OnTransactionComplete(hash, tx, out, err)
		}
	}

	block.PostRoot, err = blockstore.StateRoot(blockState)
	if err != nil {
		return nil, fmt.Errorf("compute state root: %w", err)
	}
	block.Hash, err = blockstore.BlockHash(block)
	if err != nil {
		return nil, fmt.Errorf("hash block: %w", err)
	}
	if err := b.blocks.Persist(block, blockState.Batch()); err != nil {
		return nil, err
	}

	b.logger.Info("block produced",
		zap.Uint64("height", block.Height),
		zap.Stringer("hash", block.Hash),
		zap.Int("txs", len(block.Txs)),
		zap.Int("failed", len(block.Failed)),
		zap.Stringer("state_root", block.PostRoot),
		zap.Duration("elapsed", time.Since(start)))
	return block, nil
}

// apply runs one transaction over its own overlay and folds the overlay into
// blockState on success.
func (b *Builder) apply(ctx context.Context, blockState *store.Overlay, tx *types.Transaction, env types.Environment, skipProof bool) (*executor.Outcome, error) {
	txState := store.NewOverlay(blockState)
	out, err := b.bootstrap.Bootstrap(ctx, txState, *tx, env)
	if err != nil {
		txState.Discard()
		return nil, err
	}
	if !skipProof {
		if err := prove(b.config.Prover, out); err != nil {
			txState.Discard()
			return nil, fmt.Errorf("prove: %w", err)
		}
	}
	if err := txState.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction state: %w", err)
	}
	return out, nil
}
