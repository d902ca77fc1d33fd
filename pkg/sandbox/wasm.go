package sandbox

import (
	"bytes"
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
)

// WebAssembly guest ABI.
//
// The guest exports "memory" and a nullary "run". It imports from "env":
//
//	input_size() i32                      length of the input
//	input_read(ptr i32)                   copy the input to ptr
//	storage_read(kptr, klen i32) i32      -1 when absent, else value length
//	buffer_read(ptr i32)                  copy the last returned value to ptr
//	storage_write(kptr, klen, vptr, vlen i32)
//	cross_call(ptr, len i32) i32          CBOR CrossCallRequest in, CBOR Result buffered
//	emit(tptr, tlen, dptr, dlen i32)
//	set_output(ptr, len i32)
//	abort(ptr, len i32)                   end with an aborted ContractError
//	charge_gas(amount i64)
const (
	wasmHostModule = "env"
	wasmEntry      = "run"
)

type wasmCallKey struct{}

// wasmCall is the per-invocation state reachable from host functions.
type wasmCall struct {
	env    *Env
	buffer []byte
	output []byte
}

func callFrom(ctx context.Context) *wasmCall {
	call, ok := ctx.Value(wasmCallKey{}).(*wasmCall)
	if !ok {
		panic(fmt.Errorf("%w: host function called outside a sandbox run", types.ErrProtocolCorruption))
	}
	return call
}

type wasmEngine struct {
	rt    wazero.Runtime
	cache *lru.Cache[types.ImageID, any]
}

func newWasmEngine(ctx context.Context, cache *lru.Cache[types.ImageID, any]) (*wasmEngine, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true))

	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	b := rt.NewHostModuleBuilder(wasmHostModule)
	export := func(name string, fn api.GoModuleFunc, params, results []api.ValueType) {
		b.NewFunctionBuilder().WithGoModuleFunction(fn, params, results).Export(name)
	}

	export("input_size", func(ctx context.Context, _ api.Module, stack []uint64) {
		stack[0] = api.EncodeU32(uint32(len(callFrom(ctx).env.Input())))
	}, nil, []api.ValueType{i32})

	export("input_read", func(ctx context.Context, m api.Module, stack []uint64) {
		write(m, api.DecodeU32(stack[0]), callFrom(ctx).env.Input())
	}, []api.ValueType{i32}, nil)

	export("storage_read", func(ctx context.Context, m api.Module, stack []uint64) {
		call := callFrom(ctx)
		v, found, err := call.env.Get(read(m, stack[0], stack[1]))
		if err != nil {
			panic(err)
		}
		if !found {
			stack[0] = api.EncodeI32(-1)
			return
		}
		call.buffer = v
		stack[0] = api.EncodeU32(uint32(len(v)))
	}, []api.ValueType{i32, i32}, []api.ValueType{i32})

	export("buffer_read", func(ctx context.Context, m api.Module, stack []uint64) {
		write(m, api.DecodeU32(stack[0]), callFrom(ctx).buffer)
	}, []api.ValueType{i32}, nil)

	export("storage_write", func(ctx context.Context, m api.Module, stack []uint64) {
		if err := callFrom(ctx).env.Set(read(m, stack[0], stack[1]), read(m, stack[2], stack[3])); err != nil {
			panic(err)
		}
	}, []api.ValueType{i32, i32, i32, i32}, nil)

	export("cross_call", func(ctx context.Context, m api.Module, stack []uint64) {
		call := callFrom(ctx)
		var req CrossCallRequest
		if err := codec.Unmarshal(read(m, stack[0], stack[1]), &req); err != nil {
			panic(types.Abortf("malformed cross call request: %v", err))
		}
		res, err := call.env.CrossCall(req.Contract, req.Call())
		if err != nil {
			panic(err)
		}
		call.buffer = codec.MustMarshal(&res)
		stack[0] = api.EncodeU32(uint32(len(call.buffer)))
	}, []api.ValueType{i32, i32}, []api.ValueType{i32})

	export("emit", func(ctx context.Context, m api.Module, stack []uint64) {
		if err := callFrom(ctx).env.Emit(string(read(m, stack[0], stack[1])), read(m, stack[2], stack[3])); err != nil {
			panic(err)
		}
	}, []api.ValueType{i32, i32, i32, i32}, nil)

	export("set_output", func(ctx context.Context, m api.Module, stack []uint64) {
		callFrom(ctx).output = read(m, stack[0], stack[1])
	}, []api.ValueType{i32, i32}, nil)

	export("abort", func(_ context.Context, m api.Module, stack []uint64) {
		panic(types.Abortf("%s", read(m, stack[0], stack[1])))
	}, []api.ValueType{i32, i32}, nil)

	export("charge_gas", func(ctx context.Context, _ api.Module, stack []uint64) {
		if err := callFrom(ctx).env.ChargeGas(stack[0]); err != nil {
			panic(err)
		}
	}, []api.ValueType{i64}, nil)

	if _, err := b.Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return &wasmEngine{rt: rt, cache: cache}, nil
}

func read(m api.Module, ptr, n uint64) []byte {
	b, ok := m.Memory().Read(api.DecodeU32(ptr), api.DecodeU32(n))
	if !ok {
		panic(types.Abortf("guest memory read out of range: %d+%d", uint32(ptr), uint32(n)))
	}
	return bytes.Clone(b)
}

func write(m api.Module, ptr uint32, data []byte) {
	if !m.Memory().Write(ptr, data) {
		panic(types.Abortf("guest memory write out of range: %d+%d", ptr, len(data)))
	}
}

func (w *wasmEngine) compile(ctx context.Context, id types.ImageID, image []byte) (wazero.CompiledModule, error) {
	if v, ok := w.cache.Get(id); ok {
		if cm, ok := v.(wazero.CompiledModule); ok {
			return cm, nil
		}
	}
	cm, err := w.rt.CompileModule(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: compile wasm: %v", types.ErrProtocolCorruption, err)
	}
	if prev, ok, _ := w.cache.PeekOrAdd(id, cm); ok {
		if prevCM, ok := prev.(wazero.CompiledModule); ok {
			_ = cm.Close(ctx)
			return prevCM, nil
		}
	}
	return cm, nil
}

func (w *wasmEngine) validate(ctx context.Context, id types.ImageID, image []byte) error {
	cm, err := w.compile(ctx, id, image)
	if err != nil {
		return err
	}
	if _, ok := cm.ExportedFunctions()[wasmEntry]; !ok {
		return fmt.Errorf("%w: wasm module exports no %q function", types.ErrProtocolCorruption, wasmEntry)
	}
	return nil
}

func (w *wasmEngine) run(ctx context.Context, id types.ImageID, image []byte, env *Env) ([]byte, error) {
	cm, err := w.compile(ctx, id, image)
	if err != nil {
		return nil, err
	}
	call := &wasmCall{env: env}
	ctx = context.WithValue(ctx, wasmCallKey{}, call)

	mod, err := w.rt.InstantiateModule(ctx, cm, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, types.Abortf("instantiate: %v", err)
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(wasmEntry)
	if fn == nil {
		return nil, types.NewContractError(types.CodeMethodNotFound, "module exports no %q function", wasmEntry)
	}
	if _, err := fn.Call(ctx); err != nil {
		return nil, err
	}
	return call.output, nil
}

func (w *wasmEngine) close(ctx context.Context) error {
	return w.rt.Close(ctx)
}
