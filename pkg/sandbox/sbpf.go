package sandbox

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/svm"
	"github.com/fortiblox/multivm/pkg/svm/loader"
	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

// SolanaBlobSize is the size of an account blob that was never written.
const SolanaBlobSize = 1024

// SolanaContext is the argument layout of a call into a Solana-flavored
// contract: the accounts whose blobs the program may touch and the opaque
// instruction data.
type SolanaContext struct {
	Accounts        []types.SolanaAddress `cbor:"accounts"`
	InstructionData []byte                `cbor:"instruction_data"`
}

type sbpfEngine struct {
	cache  *lru.Cache[types.ImageID, any]
	logger *zap.Logger
}

func (e *sbpfEngine) load(id types.ImageID, image []byte) (*sbpf.Program, error) {
	if v, ok := e.cache.Get(id); ok {
		if prog, ok := v.(*sbpf.Program); ok {
			return prog, nil
		}
	}
	prog, err := loader.Load(image)
	if err != nil {
		return nil, fmt.Errorf("%w: load sbpf image: %v", types.ErrProtocolCorruption, err)
	}
	e.cache.Add(id, prog)
	return prog, nil
}

func (e *sbpfEngine) validate(_ context.Context, id types.ImageID, image []byte) error {
	_, err := e.load(id, image)
	return err
}

// run loads every listed account blob (keyed by its base58 address, zero
// filled when absent), executes the program over them and writes all blobs
// back. Each address may be listed once. The program's return data is the output.
func (e *sbpfEngine) run(_ context.Context, id types.ImageID, image []byte, env *Env) ([]byte, error) {
	prog, err := e.load(id, image)
	if err != nil {
		return nil, err
	}
	cctx, err := env.Context()
	if err != nil {
		return nil, err
	}
	var sol SolanaContext
	if err := codec.Unmarshal(cctx.Call.Args, &sol); err != nil {
		return nil, types.NewContractError(types.CodeInvalidArgs, "solana context: %v", err)
	}

	ix := svm.Instruction{Data: sol.InstructionData}
	if cctx.Contract.Kind == types.KindSolana {
		ix.ProgramID = cctx.Contract.Solana
	}
	seen := make(map[types.SolanaAddress]struct{}, len(sol.Accounts))
	for _, addr := range sol.Accounts {
		if _, dup := seen[addr]; dup {
			return nil, types.NewContractError(types.CodeInvalidArgs, "account %s listed twice", addr)
		}
		seen[addr] = struct{}{}
		blob, found, err := env.Get([]byte(addr.String()))
		if err != nil {
			return nil, err
		}
		if !found {
			blob = make([]byte, SolanaBlobSize)
		}
		ix.Accounts = append(ix.Accounts, &svm.AccountInfo{
			Key:        addr,
			Data:       blob,
			IsWritable: true,
			IsSigner:   cctx.Signer.Kind == types.KindSolana && cctx.Signer.Solana == addr,
		})
	}

	res, err := svm.Execute(prog, ix, env.Gas())
	if res != nil && len(res.Logs) > 0 {
		e.logger.Debug("sbpf program logs", zap.Stringer("image", id), zap.Strings("logs", res.Logs))
	}
	if err != nil {
		if errors.Is(err, types.ErrResourceExhaustion) {
			return nil, err
		}
		return nil, types.Abortf("sbpf: %v", err)
	}

	for _, acc := range ix.Accounts {
		if err := env.Set([]byte(types.SolanaAddress(acc.Key).String()), acc.Data); err != nil {
			return nil, err
		}
	}
	return res.ReturnData, nil
}
