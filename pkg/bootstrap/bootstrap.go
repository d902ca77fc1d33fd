// Package bootstrap turns a transaction into the top-level invocation of
// the system program.
//
// Native transactions are checked here before anything runs: the deadline,
// the signer's identity against the recovered signature and the hashes of
// the images they carry. EVM transactions are decoded only to learn their
// sender; the system program does the rest. The signer's nonce is consumed
// once the system program has run, whether it returned Ok or Err.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/executor"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/store"
)

var (
	// ErrExpired is returned for a native transaction past its deadline.
	ErrExpired = fmt.Errorf("%w: transaction expired", types.ErrProtocolCorruption)

	// ErrSignerMismatch is returned when the signature does not belong to
	// the declared signer.
	ErrSignerMismatch = fmt.Errorf("%w: signature does not match signer", types.ErrProtocolCorruption)

	// ErrDuplicateAttachment is returned when an image is attached twice.
	ErrDuplicateAttachment = fmt.Errorf("%w: duplicate attachment", types.ErrProtocolCorruption)
)

// Config configures a Bootstrapper.
type Config struct {
	Logger *zap.Logger
}

// Bootstrapper prepares and runs transactions.
type Bootstrapper struct {
	dispatcher *executor.Dispatcher
	logger     *zap.Logger
}

// New creates a Bootstrapper over dispatcher.
func New(dispatcher *executor.Dispatcher, cfg Config) *Bootstrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bootstrapper{dispatcher: dispatcher, logger: logger.Named("bootstrap")}
}

// Bootstrap runs tx over state and returns its single top-level outcome.
// A returned error means the transaction failed before or outside any
// contract; its effects on state must be discarded by the caller.
func (b *Bootstrapper) Bootstrap(ctx context.Context, state store.Store, tx types.Transaction, env types.Environment) (*executor.Outcome, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	var (
		signer      types.AccountID
		nonce       *uint64
		attachments map[types.ImageID][]byte
		err         error
	)
	switch tx.Kind {
	case types.TxNative:
		signer, attachments, err = b.prepareNative(state, tx.Native, env)
		if err != nil {
			return nil, err
		}
		nonce = &tx.Native.Tx.Nonce
		stripped := *tx.Native
		stripped.Attachments = nil
		tx = types.NativeTx(&stripped)
	case types.TxEvm:
		etx, from, err := system.DecodeEvmTransaction(tx.Evm)
		if err != nil {
			return nil, err
		}
		signer = types.EvmID(from)
		n := etx.Nonce()
		nonce = &n
	case types.TxSolana:
		signer = types.SystemID()
	}

	b.logger.Debug("bootstrapping transaction",
		zap.Stringer("kind", tx.Kind),
		zap.Stringer("signer", signer),
		zap.Int("attachments", len(attachments)))

	inv := executor.Invocation{
		Call: types.ContractCallContext{
			Contract: types.SystemID(),
			Call: types.ContractCall{
				Method: system.ActionExecuteTransaction.String(),
				Gas:    system.Gas,
			},
			Sender: signer,
			Signer: signer,
			Env:    env,
		},
		Attachments: attachments,
		State:       state,
	}
	out, err := b.dispatcher.ExecuteAction(ctx, inv, system.ExecuteTransaction(tx, env))
	if err != nil {
		return nil, err
	}
	if nonce != nil {
		if err := consumeNonce(state, signer, *nonce); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// consumeNonce advances the signer past nonce once the transaction has run,
// whatever its result, so the signed bytes cannot be executed again. A nonce
// the system program rejected as stale is left alone.
func consumeNonce(state store.Store, signer types.AccountID, nonce uint64) error {
	dir := accounts.NewDirectory(accounts.StoreKV{Store: state})
	acc, err := dir.Resolve(signer)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if acc.Nonce != nonce {
		return nil
	}
	acc.Nonce++
	return dir.Update(acc)
}

// prepareNative verifies a native transaction and indexes its attachments by
// image id.
func (b *Bootstrapper) prepareNative(state store.Store, stx *types.SignedTransaction, env types.Environment) (types.AccountID, map[types.ImageID][]byte, error) {
	tx := &stx.Tx
	deadline := tx.Deadline
	if deadline == 0 {
		deadline = types.DefaultDeadline
	}
	if tx.OriginHeight+deadline < env.BlockHeight {
		return types.AccountID{}, nil, fmt.Errorf("%w: origin %d + deadline %d < height %d",
			ErrExpired, tx.OriginHeight, deadline, env.BlockHeight)
	}

	acc, err := accounts.NewDirectory(accounts.StoreKV{Store: state}).Resolve(tx.Signer)
	if err != nil {
		return types.AccountID{}, nil, err
	}
	recovered, err := codec.RecoverSigner(stx)
	if err != nil {
		return types.AccountID{}, nil, err
	}
	if recovered != acc.EvmAddress {
		return types.AccountID{}, nil, fmt.Errorf("%w: %s signed, %s expected",
			ErrSignerMismatch, recovered, acc.EvmAddress)
	}

	attachments := make(map[types.ImageID][]byte, len(stx.Attachments))
	for _, image := range stx.Attachments {
		id := codec.ImageID(image)
		if _, dup := attachments[id]; dup {
			return types.AccountID{}, nil, fmt.Errorf("%w: %s", ErrDuplicateAttachment, id)
		}
		attachments[id] = image
	}
	return tx.Signer, attachments, nil
}

// IsRejection reports whether err rejects a transaction outright rather
// than signalling a broken node.
func IsRejection(err error) bool {
	return errors.Is(err, types.ErrProtocolCorruption) ||
		errors.Is(err, types.ErrAccountResolution) ||
		errors.Is(err, types.ErrResourceExhaustion)
}
