package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
)

// Env is the guest's whole view of the outside world. Engines hand it to
// guest code; every method that crosses into the host is metered and traced.
//
// A callback failure is recorded as fatal: the guest still gets the error,
// but the run fails regardless of what the guest does with it.
type Env struct {
	input    []byte
	host     Host
	contract types.AccountID
	gas      *GasMeter
	logger   *zap.Logger

	steps      []TraceStep
	crossCalls []types.CrossCallHash
	events     []types.Event
	fatal      error
}

func newEnv(req Request, gas *GasMeter, logger *zap.Logger) *Env {
	return &Env{
		input:    req.Input,
		host:     req.Host,
		contract: req.Contract,
		gas:      gas,
		logger:   logger,
	}
}

// Input returns the raw input bytes.
func (e *Env) Input() []byte {
	return e.input
}

// Context decodes the input as a call context.
func (e *Env) Context() (*types.ContractCallContext, error) {
	var c types.ContractCallContext
	if err := codec.Unmarshal(e.input, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Logger returns a logger scoped to the running contract.
func (e *Env) Logger() *zap.Logger {
	return e.logger.With(zap.Stringer("contract", e.contract))
}

// ChargeGas charges amount against the call's budget.
func (e *Env) ChargeGas(amount uint64) error {
	return e.gas.Charge(amount)
}

// GasUsed returns the gas spent so far.
func (e *Env) GasUsed() uint64 {
	return e.gas.Used()
}

// Gas returns the meter backing this run.
func (e *Env) Gas() *GasMeter {
	return e.gas
}

// invoke performs one raw callback round trip.
func (e *Env) invoke(name string, req []byte) ([]byte, error) {
	if e.fatal != nil {
		return nil, e.fatal
	}
	if err := e.gas.Charge(GasHostCall + GasPerByte*uint64(len(req))); err != nil {
		return nil, err
	}
	fn, ok := e.host[name]
	if !ok {
		e.fatal = fmt.Errorf("%w: %s", ErrMissingCallback, name)
		return nil, e.fatal
	}
	resp, err := fn(req)
	if err != nil {
		e.fatal = fmt.Errorf("%s callback: %w", name, err)
		return nil, e.fatal
	}
	e.steps = append(e.steps, TraceStep{
		Callback: name,
		Request:  codec.RequestHash(req),
		Response: codec.Hash(resp),
	})
	return resp, nil
}

// call marshals req, invokes the callback and decodes into resp when set.
func (e *Env) call(name string, req, resp interface{}) ([]byte, error) {
	raw, err := codec.Marshal(req)
	if err != nil {
		e.fatal = err
		return nil, err
	}
	out, err := e.invoke(name, raw)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		if err := codec.Unmarshal(out, resp); err != nil {
			e.fatal = fmt.Errorf("%s response: %w", name, err)
			return nil, e.fatal
		}
	}
	return out, nil
}

// Get reads key from the contract's storage scope.
func (e *Env) Get(key []byte) ([]byte, bool, error) {
	var resp GetStorageResponse
	if _, err := e.call(CallbackGetStorage, &GetStorageRequest{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Set writes key in the contract's storage scope. Writes become durable only
// if the run ends in a successful commitment.
func (e *Env) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if err := e.gas.Charge(GasPerByte * uint64(len(value))); err != nil {
		return err
	}
	_, err := e.call(CallbackSetStorage, &SetStorageRequest{Key: key, Value: value, Hash: codec.Hash(value)}, nil)
	return err
}

// KV adapts the environment's storage to a (value, found, error) store.
type KV struct{ Env *Env }

// Get implements accounts.KV.
func (kv KV) Get(key []byte) ([]byte, bool, error) { return kv.Env.Get(key) }

// Set implements accounts.KV.
func (kv KV) Set(key, value []byte) error { return kv.Env.Set(key, value) }

// CrossCallRaw invokes contract and returns the child's serialized commitment
// together with its decoded form. The (request, response) hash pair is
// recorded in issue order.
func (e *Env) CrossCallRaw(contract types.AccountID, call types.ContractCall) ([]byte, *types.Commitment, error) {
	if err := e.gas.Charge(GasCrossCall); err != nil {
		return nil, nil, err
	}
	req := &CrossCallRequest{
		Contract: contract,
		Method:   call.Method,
		Args:     call.Args,
		Gas:      call.Gas,
		Deposit:  call.Deposit,
	}
	reqBytes, err := codec.Marshal(req)
	if err != nil {
		e.fatal = err
		return nil, nil, err
	}
	raw, err := e.invoke(CallbackCrossCall, reqBytes)
	if err != nil {
		return nil, nil, err
	}
	var child types.Commitment
	if err := codec.Unmarshal(raw, &child); err != nil {
		e.fatal = fmt.Errorf("cross call response: %w", err)
		return nil, nil, e.fatal
	}
	e.crossCalls = append(e.crossCalls, types.CrossCallHash{
		Request:  codec.RequestHash(reqBytes),
		Response: codec.ResponseHash(child.Response),
	})
	return raw, &child, nil
}

// CrossCall invokes contract and returns its response.
func (e *Env) CrossCall(contract types.AccountID, call types.ContractCall) (types.Result, error) {
	_, child, err := e.CrossCallRaw(contract, call)
	if err != nil {
		return types.Result{}, err
	}
	return child.Response, nil
}

// Deploy installs the attached image with id as the code of account.
func (e *Env) Deploy(account types.AccountID, id types.ImageID) error {
	_, err := e.call(CallbackDeploy, &DeployRequest{Account: account, ImageID: id}, nil)
	return err
}

// Emit records an event attributed to the running contract.
func (e *Env) Emit(topic string, data []byte) error {
	if err := e.gas.Charge(GasEvent + GasPerByte*uint64(len(data))); err != nil {
		return err
	}
	e.events = append(e.events, types.Event{Emitter: e.contract, Topic: topic, Data: data})
	return nil
}
