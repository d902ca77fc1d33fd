package system

import (
	"errors"

	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/codec"
)

// executeNative checks the signer nonce and runs the calls in order. The
// response is the last call's output. The bootstrapper consumes the nonce.
func (p *program) executeNative(stx *types.SignedTransaction, env types.Environment) ([]byte, error) {
	tx := stx.Tx
	signer, err := p.dir.Resolve(tx.Signer)
	if err != nil {
		return nil, err
	}
	if tx.Nonce != signer.Nonce {
		return nil, types.NewContractError(types.CodeInvalidArgs,
			"nonce %d does not match account nonce %d", tx.Nonce, signer.Nonce)
	}

	ctx := types.ContractCallContext{
		Contract: tx.Receiver,
		Sender:   tx.Signer,
		Signer:   tx.Signer,
		Env:      env,
	}
	var out []byte
	for _, call := range tx.Calls {
		ctx.Call = call
		if out, err = p.processCall(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// processCall runs a system method inline or forwards the call to its
// receiver.
func (p *program) processCall(ctx types.ContractCallContext) ([]byte, error) {
	if ctx.Contract.IsSystem() {
		return p.method(ctx, false)
	}
	return p.contractCall(ctx)
}

// contractCall cross-calls the receiver and charges the call's gas budget
// from the signer. The output is the callee's serialized commitment.
func (p *program) contractCall(ctx types.ContractCallContext) ([]byte, error) {
	raw, child, err := p.env.CrossCallRaw(ctx.Contract, ctx.Call)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("contract call finished",
		zap.Stringer("receiver", ctx.Contract),
		zap.String("method", ctx.Call.Method),
		zap.Bool("ok", child.Response.IsOk()))

	if ctx.Signer.IsSystem() {
		return raw, nil
	}
	signer, err := p.dir.Resolve(ctx.Signer)
	if err != nil {
		return nil, err
	}
	fee := types.Amount(ctx.Call.Gas)
	if signer.Balance.Lt(&fee) {
		return nil, types.NewContractError(types.CodeResourceExhaustion,
			"%s cannot pay %d gas (balance %s)", ctx.Signer, ctx.Call.Gas, signer.Balance.Dec())
	}
	signer.Balance.Sub(&signer.Balance, &fee)
	if err := p.dir.Update(signer); err != nil {
		return nil, err
	}
	return raw, nil
}

// method runs one of the system account's own methods. Views only get
// account_info.
func (p *program) method(ctx types.ContractCallContext, view bool) ([]byte, error) {
	if view && ctx.Call.Method != MethodAccountInfo {
		return nil, types.NewContractError(types.CodeMethodNotFound, "%s is not a view", ctx.Call.Method)
	}
	switch ctx.Call.Method {
	case MethodCreateAccount:
		return p.createAccount(ctx)
	case MethodDeployContract:
		return p.deployContract(ctx)
	case MethodAccountInfo:
		return p.accountInfo(ctx)
	case MethodTransfer:
		return p.transfer(ctx)
	default:
		return nil, types.NewContractError(types.CodeMethodNotFound, "system has no method %q", ctx.Call.Method)
	}
}

func (p *program) createAccount(ctx types.ContractCallContext) ([]byte, error) {
	var args CreateAccountArgs
	if err := decodeArgs(ctx.Call, &args); err != nil {
		return nil, err
	}
	caller, err := p.dir.Resolve(ctx.Sender)
	if err != nil {
		return nil, err
	}
	if !caller.IsSystem() {
		if caller.Balance.Lt(CreationFee) {
			return nil, types.NewContractError(types.CodeResourceExhaustion,
				"%s cannot pay the account creation fee", ctx.Sender)
		}
		caller.Balance.Sub(&caller.Balance, CreationFee)
		if err := p.dir.Update(caller); err != nil {
			return nil, err
		}
	}

	acc, err := p.dir.Create(accounts.CreateRequest{
		Handle:    args.Handle,
		PublicKey: args.PublicKey,
		Balance:   *CreationFee,
	})
	if errors.Is(err, types.ErrInvalidHandle) {
		return nil, types.NewContractError(types.CodeInvalidArgs, "%v", err)
	}
	if err != nil {
		return nil, err
	}
	p.logger.Info("account created", zap.Stringer("account", acc.PrimaryID()), zap.Uint64("internal_id", acc.InternalID))
	return codec.Marshal(acc)
}

func (p *program) deployContract(ctx types.ContractCallContext) ([]byte, error) {
	var args DeployContractArgs
	if err := decodeArgs(ctx.Call, &args); err != nil {
		return nil, err
	}
	acc, err := p.dir.Resolve(ctx.Signer)
	if err != nil {
		return nil, err
	}
	switch args.VM {
	case VMNative, "":
		acc.Executable = accounts.NativeImage(args.ImageID)
	case VMSolana:
		acc.Executable = accounts.SolanaImage(args.ImageID)
	default:
		return nil, types.NewContractError(types.CodeInvalidArgs, "unknown vm %q", args.VM)
	}
	if acc.IsSystem() {
		return nil, types.NewContractError(types.CodeInvalidArgs, "the system account cannot be redeployed")
	}
	if err := p.env.Deploy(acc.PrimaryID(), args.ImageID); err != nil {
		return nil, err
	}
	if err := p.dir.Update(acc); err != nil {
		return nil, err
	}
	p.logger.Info("contract deployed",
		zap.Stringer("account", acc.PrimaryID()),
		zap.Stringer("image", args.ImageID),
		zap.Stringer("vm", acc.Executable.Kind))
	return nil, nil
}

func (p *program) accountInfo(ctx types.ContractCallContext) ([]byte, error) {
	var id types.AccountID
	if err := decodeArgs(ctx.Call, &id); err != nil {
		return nil, err
	}
	acc, err := p.dir.Resolve(id)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, types.Abortf("account %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return codec.Marshal(acc)
}

func (p *program) transfer(ctx types.ContractCallContext) ([]byte, error) {
	var args TransferArgs
	if err := decodeArgs(ctx.Call, &args); err != nil {
		return nil, err
	}
	from, err := p.dir.Resolve(ctx.Sender)
	if err != nil {
		return nil, err
	}
	to, err := p.dir.Resolve(args.To)
	if err != nil {
		return nil, err
	}
	if err := p.dir.Transfer(from, to, &args.Amount); err != nil {
		return nil, err
	}
	return nil, nil
}
