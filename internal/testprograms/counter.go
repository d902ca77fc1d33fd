package testprograms

import (
	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/sandbox"
)

const counterKey = "root"

var counterMethods = map[string]method{
	"init": func(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
		return nil, save(env, counterKey, uint64(0))
	},
	"get": func(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
		v, err := counterValue(env)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(v)
	},
	"add": func(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
		v, err := counterValue(env)
		if err != nil {
			return nil, err
		}
		return nil, save(env, counterKey, v+1)
	},
	// add_then_abort stages an increment and then rejects the call.
	"add_then_abort": func(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
		v, err := counterValue(env)
		if err != nil {
			return nil, err
		}
		if err := save(env, counterKey, v+1); err != nil {
			return nil, err
		}
		return nil, types.Abortf("counter rejected after write")
	},
}

func counterValue(env *sandbox.Env) (uint64, error) {
	var v uint64
	found, err := load(env, counterKey, &v)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, types.Abortf("counter is not initialized")
	}
	return v, nil
}
