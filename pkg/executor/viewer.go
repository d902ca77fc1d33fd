package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/sandbox"
	"github.com/fortiblox/multivm/pkg/store"
)

// ViewKind discriminates the View union.
type ViewKind uint8

// View kinds.
const (
	ViewNative ViewKind = iota + 1
	ViewEvm
)

// View is a read-only call: a native call context or an EVM call.
type View struct {
	Kind   ViewKind                   `cbor:"kind"`
	Native *types.ContractCallContext `cbor:"native,omitempty"`
	Evm    *system.EvmViewCall        `cbor:"evm,omitempty"`
	Env    types.Environment          `cbor:"env"`
}

// NativeView wraps a native call context.
func NativeView(ctx types.ContractCallContext) View {
	return View{Kind: ViewNative, Native: &ctx, Env: ctx.Env}
}

// EvmView wraps an EVM call.
func EvmView(call system.EvmViewCall, env types.Environment) View {
	return View{Kind: ViewEvm, Evm: &call, Env: env}
}

// Viewer runs calls with the same resolution as the Dispatcher but with
// read-only bridges: whatever the guest writes is dropped.
type Viewer struct {
	d     *Dispatcher
	state store.Store
}

// NewViewer creates a Viewer over committed state.
func NewViewer(runner *sandbox.Runner, state store.Store, cfg Config) *Viewer {
	d := NewDispatcher(runner, cfg)
	d.readOnly = true
	d.logger = d.logger.Named("view")
	return &Viewer{d: d, state: state}
}

// View runs v and returns its response.
func (v *Viewer) View(ctx context.Context, view View) (types.Result, error) {
	var (
		out *Outcome
		err error
	)
	switch view.Kind {
	case ViewNative:
		if view.Native == nil {
			return types.Result{}, fmt.Errorf("%w: native view without context", types.ErrProtocolCorruption)
		}
		out, err = v.d.Execute(ctx, Invocation{Call: *view.Native, State: v.state})
	case ViewEvm:
		if view.Evm == nil {
			return types.Result{}, fmt.Errorf("%w: evm view without call", types.ErrProtocolCorruption)
		}
		call := types.ContractCallContext{
			Contract: types.SystemID(),
			Sender:   types.SystemID(),
			Signer:   types.SystemID(),
			Env:      view.Env,
		}
		out, err = v.d.ExecuteAction(ctx, Invocation{Call: call, State: v.state}, system.EvmView(*view.Evm, view.Env))
	default:
		return types.Result{}, fmt.Errorf("%w: unknown view kind %d", types.ErrProtocolCorruption, view.Kind)
	}
	if err != nil {
		v.d.logger.Debug("view failed", zap.Error(err))
		return types.Result{}, err
	}
	return out.Commitment.Response, nil
}
