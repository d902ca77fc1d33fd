package system

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/store"
)

// evmGasLimit bounds one EVM execution. EVM gas is not converted into
// sandbox gas.
const evmGasLimit uint64 = 30_000_000

// DecodeEvmTransaction parses a raw legacy or typed EVM transaction and
// recovers its sender. Undecodable bytes and bad signatures are protocol
// corruption.
func DecodeEvmTransaction(raw []byte) (*gethtypes.Transaction, types.EvmAddress, error) {
	var tx gethtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, types.EvmAddress{}, fmt.Errorf("%w: decode evm transaction: %v", types.ErrProtocolCorruption, err)
	}
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(types.ChainID))
	from, err := gethtypes.Sender(signer, &tx)
	if err != nil {
		return nil, types.EvmAddress{}, fmt.Errorf("%w: evm signature: %v", types.ErrProtocolCorruption, err)
	}
	return &tx, types.EvmAddress(from), nil
}

// executeEvm checks the sender nonce and runs a raw EVM transaction: a deploy
// when it has no recipient, a value transfer when it carries no data, a call
// otherwise.
func (p *program) executeEvm(raw []byte, env types.Environment) ([]byte, error) {
	tx, from, err := DecodeEvmTransaction(raw)
	if err != nil {
		return nil, err
	}
	caller, err := p.dir.Resolve(types.EvmID(from))
	if err != nil {
		return nil, err
	}
	if tx.Nonce() != caller.Nonce {
		return nil, types.NewContractError(types.CodeInvalidArgs,
			"nonce %d does not match account nonce %d", tx.Nonce(), caller.Nonce)
	}

	switch {
	case tx.To() == nil:
		return p.evmDeploy(from, tx.Nonce(), tx.Data(), env)
	case len(tx.Data()) == 0:
		return p.evmTransfer(caller, types.EvmAddress(*tx.To()), tx.Value())
	default:
		return p.evmTransactionCall(from, types.EvmAddress(*tx.To()), tx.Data(), env)
	}
}

func (p *program) evmTransfer(caller *accounts.Account, to types.EvmAddress, value *big.Int) ([]byte, error) {
	amount, overflow := uint256.FromBig(value)
	if overflow {
		return nil, types.NewContractError(types.CodeInvalidArgs, "value overflows 256 bits")
	}
	receiver, err := p.dir.Resolve(types.EvmID(to))
	if errors.Is(err, accounts.ErrAccountNotFound) {
		receiver, err = p.dir.Create(accounts.CreateRequest{Evm: &to})
	}
	if err != nil {
		return nil, err
	}
	if err := p.dir.Transfer(caller, receiver, amount); err != nil {
		return nil, err
	}
	return nil, nil
}

// evmTransactionCall runs calldata against an EVM contract, or decodes it as
// a ContractCall for a native contract.
func (p *program) evmTransactionCall(from, to types.EvmAddress, data []byte, env types.Environment) ([]byte, error) {
	target, err := p.dir.Resolve(types.EvmID(to))
	if err != nil {
		return nil, err
	}
	if target.Executable == nil {
		return nil, fmt.Errorf("%w: %s", accounts.ErrNotExecutable, to)
	}
	switch target.Executable.Kind {
	case accounts.ExecEvm:
		h, err := p.newEVM()
		if err != nil {
			return nil, err
		}
		return h.call(from, to, data, env, true)
	case accounts.ExecNative, accounts.ExecSolana:
		var call types.ContractCall
		if err := codec.Unmarshal(data, &call); err != nil {
			return nil, types.NewContractError(types.CodeInvalidArgs, "calldata is not a contract call: %v", err)
		}
		return p.contractCall(types.ContractCallContext{
			Contract: target.PrimaryID(),
			Call:     call,
			Sender:   types.EvmID(from),
			Signer:   types.EvmID(from),
			Env:      env,
		})
	default:
		return nil, fmt.Errorf("%w: executable kind %s", types.ErrAccountResolution, target.Executable.Kind)
	}
}

// evmCall runs a call dispatched to an EVM contract account.
func (p *program) evmCall(ctx types.ContractCallContext) ([]byte, error) {
	caller, err := p.dir.Resolve(ctx.Sender)
	if err != nil {
		return nil, err
	}
	contract, err := p.dir.Resolve(ctx.Contract)
	if err != nil {
		return nil, err
	}
	h, err := p.newEVM()
	if err != nil {
		return nil, err
	}
	return h.call(caller.EvmAddress, contract.EvmAddress, ctx.Call.Args, ctx.Env, true)
}

func (p *program) evmView(call EvmViewCall, env types.Environment) ([]byte, error) {
	var from types.EvmAddress
	if call.From != nil {
		from = *call.From
	}
	h, err := p.newEVM()
	if err != nil {
		return nil, err
	}
	return h.call(from, call.To, call.Input, env, false)
}

func (p *program) evmDeploy(from types.EvmAddress, nonce uint64, code []byte, env types.Environment) ([]byte, error) {
	h, err := p.newEVM()
	if err != nil {
		return nil, err
	}
	origin := common.Address(from)
	h.statedb.SetNonce(origin, nonce, tracing.NonceChangeUnspecified)

	_, addr, _, err := runtime.Create(code, h.config(origin, env))
	if h.err != nil {
		return nil, h.err
	}
	if err != nil {
		return nil, evmFailure(err, nil)
	}
	h.markCreated(addr)
	if err := h.commit(); err != nil {
		return nil, err
	}
	p.logger.Info("evm contract deployed", zap.Stringer("address", types.EvmAddress(addr)))
	return addr.Bytes(), nil
}

// evmContract is an EVM contract account loaded into the scratch state.
type evmContract struct {
	id      uint64
	nonce   uint64
	code    []byte
	storage map[types.Hash]types.Hash
}

// evmHost runs go-ethereum over a scratch state that pulls contracts from the
// system scope on first touch and writes the touched slots back afterwards.
type evmHost struct {
	p         *program
	statedb   *state.StateDB
	contracts map[common.Address]*evmContract
	missing   map[common.Address]struct{}
	dirty     map[common.Address]map[common.Hash]struct{}
	created   []common.Address
	err       error
}

func (p *program) newEVM() (*evmHost, error) {
	h := &evmHost{
		p:         p,
		contracts: make(map[common.Address]*evmContract),
		missing:   make(map[common.Address]struct{}),
		dirty:     make(map[common.Address]map[common.Hash]struct{}),
	}
	db := evmDatabase{Database: state.NewDatabaseForTesting(), reader: evmReader{h}}
	statedb, err := state.New(gethtypes.EmptyRootHash, db)
	if err != nil {
		return nil, fmt.Errorf("create evm state: %w", err)
	}
	h.statedb = statedb
	return h, nil
}

// contract returns the EVM contract at addr, loading it on first use. Non
// contract addresses yield nil.
func (h *evmHost) contract(addr common.Address) (*evmContract, error) {
	if c, ok := h.contracts[addr]; ok {
		return c, nil
	}
	if _, ok := h.missing[addr]; ok {
		return nil, nil
	}
	acc, err := h.p.dir.Resolve(types.EvmID(types.EvmAddress(addr)))
	if errors.Is(err, accounts.ErrAccountNotFound) {
		h.missing[addr] = struct{}{}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if acc.Executable == nil || acc.Executable.Kind != accounts.ExecEvm {
		h.missing[addr] = struct{}{}
		return nil, nil
	}

	code, _, err := h.p.env.Get(store.EvmCodeKey(acc.InternalID))
	if err != nil {
		return nil, err
	}
	storage := make(map[types.Hash]types.Hash)
	raw, found, err := h.p.env.Get(store.EvmStorageKey(acc.InternalID))
	if err != nil {
		return nil, err
	}
	if found {
		if err := codec.Unmarshal(raw, &storage); err != nil {
			return nil, err
		}
	}
	c := &evmContract{id: acc.InternalID, nonce: acc.Nonce, code: code, storage: storage}
	h.contracts[addr] = c
	return c, nil
}

// fail keeps the first load error. go-ethereum only records reader errors on
// the StateDB, so the host returns it once the run is over.
func (h *evmHost) fail(err error) error {
	if h.err == nil {
		h.err = err
	}
	return err
}

// evmDatabase hands the StateDB a reader backed by the host.
type evmDatabase struct {
	state.Database
	reader evmReader
}

func (d evmDatabase) Reader(common.Hash) (state.Reader, error) {
	return d.reader, nil
}

type evmReader struct {
	h *evmHost
}

func (r evmReader) Account(addr common.Address) (*gethtypes.StateAccount, error) {
	c, err := r.h.contract(addr)
	if err != nil {
		return nil, r.h.fail(err)
	}
	if c == nil {
		return nil, nil
	}
	return &gethtypes.StateAccount{
		Nonce:    c.nonce,
		Balance:  new(uint256.Int),
		Root:     gethtypes.EmptyRootHash,
		CodeHash: crypto.Keccak256(c.code),
	}, nil
}

func (r evmReader) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	c, err := r.h.contract(addr)
	if err != nil {
		return common.Hash{}, r.h.fail(err)
	}
	if c == nil {
		return common.Hash{}, nil
	}
	return common.Hash(c.storage[types.Hash(slot)]), nil
}

func (r evmReader) Code(addr common.Address, _ common.Hash) ([]byte, error) {
	c, err := r.h.contract(addr)
	if err != nil {
		return nil, r.h.fail(err)
	}
	if c == nil {
		return nil, nil
	}
	return c.code, nil
}

func (r evmReader) CodeSize(addr common.Address, codeHash common.Hash) (int, error) {
	code, err := r.Code(addr, codeHash)
	return len(code), err
}

func (h *evmHost) hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnOpcode: func(_ uint64, op byte, _, _ uint64, scope tracing.OpContext, _ []byte, _ int, _ error) {
			if vm.OpCode(op) != vm.SSTORE {
				return
			}
			stack := scope.StackData()
			if len(stack) == 0 {
				return
			}
			addr := scope.Address()
			slots, ok := h.dirty[addr]
			if !ok {
				slots = make(map[common.Hash]struct{})
				h.dirty[addr] = slots
			}
			slots[common.Hash(stack[len(stack)-1].Bytes32())] = struct{}{}
		},
		OnEnter: func(_ int, typ byte, _ common.Address, to common.Address, _ []byte, _ uint64, _ *big.Int) {
			if op := vm.OpCode(typ); op == vm.CREATE || op == vm.CREATE2 {
				h.markCreated(to)
			}
		},
	}
}

func (h *evmHost) markCreated(addr common.Address) {
	for _, a := range h.created {
		if a == addr {
			return
		}
	}
	h.created = append(h.created, addr)
}

func (h *evmHost) config(origin common.Address, env types.Environment) *runtime.Config {
	random := common.Hash{}
	return &runtime.Config{
		Origin:      origin,
		GasLimit:    evmGasLimit,
		BlockNumber: new(big.Int).SetUint64(env.BlockHeight),
		Time:        env.Timestamp,
		Random:      &random,
		State:       h.statedb,
		EVMConfig:   vm.Config{Tracer: h.hooks()},
	}
}

// call runs input against to. With apply set, touched state is written back.
func (h *evmHost) call(from, to types.EvmAddress, input []byte, env types.Environment, apply bool) ([]byte, error) {
	ret, _, err := runtime.Call(common.Address(to), input, h.config(common.Address(from), env))
	if h.err != nil {
		return nil, h.err
	}
	if err != nil {
		return nil, evmFailure(err, ret)
	}
	if apply {
		if err := h.commit(); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func evmFailure(err error, ret []byte) error {
	if errors.Is(err, vm.ErrExecutionReverted) {
		return types.Abortf("evm execution reverted: 0x%x", ret)
	}
	return types.Abortf("evm: %v", err)
}

// commit registers contracts created during the run and writes code,
// storage and nonces of every touched contract.
func (h *evmHost) commit() error {
	for _, addr := range h.created {
		if _, known := h.contracts[addr]; known {
			continue
		}
		code := h.statedb.GetCode(addr)
		if len(code) == 0 {
			continue
		}
		evm := types.EvmAddress(addr)
		acc, err := h.p.dir.Create(accounts.CreateRequest{Evm: &evm, Executable: accounts.EvmContract()})
		if err != nil {
			return err
		}
		if err := h.p.env.Set(store.EvmCodeKey(acc.InternalID), code); err != nil {
			return err
		}
		h.contracts[addr] = &evmContract{id: acc.InternalID, code: code, storage: make(map[types.Hash]types.Hash)}
		if _, ok := h.dirty[addr]; !ok {
			h.dirty[addr] = make(map[common.Hash]struct{})
		}
	}

	addrs := make([]common.Address, 0, len(h.dirty))
	for addr := range h.dirty {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	for _, addr := range addrs {
		c, ok := h.contracts[addr]
		if !ok {
			continue
		}
		for slot := range h.dirty[addr] {
			v := h.statedb.GetState(addr, slot)
			if v == (common.Hash{}) {
				delete(c.storage, types.Hash(slot))
			} else {
				c.storage[types.Hash(slot)] = types.Hash(v)
			}
		}
		raw, err := codec.Marshal(c.storage)
		if err != nil {
			return err
		}
		if err := h.p.env.Set(store.EvmStorageKey(c.id), raw); err != nil {
			return err
		}

		acc, err := h.p.dir.Get(c.id)
		if err != nil {
			return err
		}
		if n := h.statedb.GetNonce(addr); n != acc.Nonce {
			acc.Nonce = n
			if err := h.p.dir.Update(acc); err != nil {
				return err
			}
		}
	}
	return nil
}
