// Package testprograms registers small builtin guest programs used by tests
// and local networks: a fungible token, a constant-product AMM and a
// counter. They are clients of the runtime and exercise cross calls,
// storage and contract errors the way deployed contracts do.
package testprograms

import (
	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/sandbox"
)

// Builtin program names.
const (
	TokenName   = "token"
	AMMName     = "amm"
	CounterName = "counter"
)

func init() {
	sandbox.RegisterBuiltin(TokenName, contract(tokenMethods))
	sandbox.RegisterBuiltin(AMMName, contract(ammMethods))
	sandbox.RegisterBuiltin(CounterName, contract(counterMethods))
}

// TokenImage returns the image of the token program.
func TokenImage() []byte { return sandbox.BuiltinImage(TokenName) }

// AMMImage returns the image of the AMM program.
func AMMImage() []byte { return sandbox.BuiltinImage(AMMName) }

// CounterImage returns the image of the counter program.
func CounterImage() []byte { return sandbox.BuiltinImage(CounterName) }

type method func(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error)

func contract(methods map[string]method) sandbox.Program {
	return sandbox.ProgramFunc(func(env *sandbox.Env) ([]byte, error) {
		ctx, err := env.Context()
		if err != nil {
			return nil, err
		}
		m, ok := methods[ctx.Call.Method]
		if !ok {
			return nil, types.NewContractError(types.CodeMethodNotFound, "no method %q", ctx.Call.Method)
		}
		return m(env, ctx)
	})
}

func args(ctx *types.ContractCallContext, v interface{}) error {
	if err := codec.Unmarshal(ctx.Call.Args, v); err != nil {
		return types.NewContractError(types.CodeInvalidArgs, "%s: %v", ctx.Call.Method, err)
	}
	return nil
}

// load decodes the value at key into v and reports whether it was present.
func load(env *sandbox.Env, key string, v interface{}) (bool, error) {
	raw, found, err := env.Get([]byte(key))
	if err != nil || !found {
		return false, err
	}
	return true, codec.Unmarshal(raw, v)
}

func save(env *sandbox.Env, key string, v interface{}) error {
	raw, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return env.Set([]byte(key), raw)
}

// Encode marshals call arguments. It panics on values that cannot encode.
func Encode(v interface{}) []byte {
	return codec.MustMarshal(v)
}
