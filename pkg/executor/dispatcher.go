// Package executor dispatches contract calls to their execution backend.
//
// A Dispatcher resolves the target of a call to one of a closed set of
// targets (the system program, a native image, an EVM contract hosted by the
// system program, a Solana image), runs it in the sandbox with a storage
// bridge scoped to the callee, and serves the callee's cross calls by
// recursing. Each invocation's writes are layered on its caller's and reach
// the caller only when the invocation commits successfully.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/bridge"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/sandbox"
	"github.com/fortiblox/multivm/pkg/store"
)

var (
	// ErrCodeNotFound is returned when an executable account has no code.
	ErrCodeNotFound = fmt.Errorf("%w: contract code not found", types.ErrAccountResolution)

	// ErrImageNotAttached is returned when a deployment names an image the
	// transaction did not carry.
	ErrImageNotAttached = fmt.Errorf("%w: image not attached", types.ErrAccountResolution)

	// ErrImageMismatch is returned when image bytes do not hash to their id.
	ErrImageMismatch = fmt.Errorf("%w: image id mismatch", types.ErrProtocolCorruption)
)

// Config configures a Dispatcher.
type Config struct {
	Logger *zap.Logger
}

// Invocation is the explicit context of one call: what to run, the images
// the enclosing transaction attached, the nesting depth and the state the
// call runs over (the committed store at the top, the caller's view below).
type Invocation struct {
	Call        types.ContractCallContext
	Attachments map[types.ImageID][]byte
	Depth       int
	State       store.Store
}

// Dispatcher executes invocations.
type Dispatcher struct {
	runner   *sandbox.Runner
	logger   *zap.Logger
	readOnly bool
}

// NewDispatcher creates a Dispatcher over runner.
func NewDispatcher(runner *sandbox.Runner, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runner: runner, logger: logger.Named("executor")}
}

// targetKind is the closed set of things a call can resolve to.
type targetKind uint8

const (
	targetSystem targetKind = iota + 1
	targetNative
	targetEvm
	targetSolana
)

func (k targetKind) String() string {
	switch k {
	case targetSystem:
		return "system"
	case targetNative:
		return "native"
	case targetEvm:
		return "evm"
	case targetSolana:
		return "solana"
	default:
		return fmt.Sprintf("target(%d)", uint8(k))
	}
}

type target struct {
	kind  targetKind
	image []byte
	input []byte
	scope bridge.Scope
	gas   uint64
}

// Execute resolves inv.Call.Contract and runs it. Contract failures come
// back inside the Outcome's commitment; the error is reserved for
// infrastructure failures, which unwind through every enclosing invocation.
func (d *Dispatcher) Execute(ctx context.Context, inv Invocation) (*Outcome, error) {
	t, err := d.resolve(inv)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, inv, t)
}

// ExecuteAction runs the system program with an explicit action. The
// bootstrapper and the viewer use it for whole transactions and EVM views.
func (d *Dispatcher) ExecuteAction(ctx context.Context, inv Invocation, action system.Action) (*Outcome, error) {
	input, err := codec.Marshal(&action)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, inv, &target{
		kind:  targetSystem,
		image: system.Image(),
		input: input,
		scope: bridge.SystemScope(),
		gas:   system.Gas,
	})
}

func (d *Dispatcher) resolve(inv Invocation) (*target, error) {
	call := inv.Call
	if call.Contract.IsSystem() {
		action := system.Call(call)
		if d.readOnly {
			action = system.View(call)
		}
		return systemTarget(targetSystem, action)
	}

	acc, err := accounts.NewDirectory(accounts.StoreKV{Store: inv.State}).Resolve(call.Contract)
	if err != nil {
		return nil, err
	}
	if acc.Executable == nil {
		return nil, fmt.Errorf("%w: %s", accounts.ErrNotExecutable, call.Contract)
	}

	switch acc.Executable.Kind {
	case accounts.ExecNative, accounts.ExecSolana:
		image, err := loadImage(inv.State, acc)
		if err != nil {
			return nil, err
		}
		input, err := codec.Marshal(&call)
		if err != nil {
			return nil, err
		}
		kind := targetNative
		if acc.Executable.Kind == accounts.ExecSolana {
			kind = targetSolana
		}
		return &target{
			kind:  kind,
			image: image,
			input: input,
			scope: bridge.ScopeOf(acc),
			gas:   call.Call.Gas,
		}, nil
	case accounts.ExecEvm:
		return systemTarget(targetEvm, system.EvmCall(call))
	default:
		return nil, fmt.Errorf("%w: %s has executable kind %s", types.ErrAccountResolution, call.Contract, acc.Executable.Kind)
	}
}

func systemTarget(kind targetKind, action system.Action) (*target, error) {
	input, err := codec.Marshal(&action)
	if err != nil {
		return nil, err
	}
	return &target{
		kind:  kind,
		image: system.Image(),
		input: input,
		scope: bridge.SystemScope(),
		gas:   system.Gas,
	}, nil
}

// loadImage reads the deployed image of acc and checks it against the
// image id the account records.
func loadImage(state store.Store, acc *accounts.Account) ([]byte, error) {
	key, err := accounts.CodeKey(acc)
	if err != nil {
		return nil, err
	}
	image, err := state.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, acc.PrimaryID())
	}
	if err != nil {
		return nil, err
	}
	if id := codec.ImageID(image); id != acc.Executable.Image {
		return nil, fmt.Errorf("%w: %s stores %s, account records %s", ErrImageMismatch, acc.PrimaryID(), id, acc.Executable.Image)
	}
	return image, nil
}

// run executes t under a fresh bridge over inv.State. The bridge commits
// into inv.State only when the run ends in a successful commitment.
func (d *Dispatcher) run(ctx context.Context, inv Invocation, t *target) (*Outcome, error) {
	b := bridge.New(inv.State, t.scope, d.readOnly)
	var children []*Outcome

	host := b.Host()
	host[sandbox.CallbackCrossCall] = func(req []byte) ([]byte, error) {
		var r sandbox.CrossCallRequest
		if err := codec.Unmarshal(req, &r); err != nil {
			return nil, err
		}
		child, err := d.Execute(ctx, Invocation{
			Call:        nestedContext(inv.Call, &r),
			Attachments: inv.Attachments,
			Depth:       inv.Depth + 1,
			State:       b.View(),
		})
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		return codec.Marshal(&child.Commitment)
	}
	if t.kind == targetSystem {
		host[sandbox.CallbackDeploy] = d.deployCallback(ctx, inv, b)
	}

	sess, err := d.runner.Run(ctx, sandbox.Request{
		Image:    t.image,
		Input:    t.input,
		Host:     host,
		Gas:      t.gas,
		Contract: inv.Call.Contract,
	})
	if err != nil {
		b.Discard()
		d.logger.Debug("invocation failed",
			zap.Stringer("contract", inv.Call.Contract),
			zap.Int("depth", inv.Depth),
			zap.Error(err))
		return nil, err
	}

	ok := sess.Commitment.Response.IsOk()
	if ok {
		if err := b.Commit(); err != nil {
			return nil, fmt.Errorf("commit %s: %w", inv.Call.Contract, err)
		}
	} else {
		b.Discard()
	}
	d.logger.Debug("invocation finished",
		zap.Stringer("contract", inv.Call.Contract),
		zap.String("method", inv.Call.Call.Method),
		zap.Stringer("target", t.kind),
		zap.Int("depth", inv.Depth),
		zap.Bool("ok", ok),
		zap.Uint64("gas", sess.GasUsed),
		zap.Int("children", len(children)))

	return &Outcome{
		Call:       inv.Call,
		Trace:      sess.Trace,
		Commitment: sess.Commitment,
		GasUsed:    sess.GasUsed,
		Children:   children,
	}, nil
}

// nestedContext derives the context of a cross call. The system program is
// a front door: calls it forwards keep its own sender.
func nestedContext(parent types.ContractCallContext, r *sandbox.CrossCallRequest) types.ContractCallContext {
	next := parent.Nested(r.Contract, r.Call())
	if parent.Contract.IsSystem() {
		next.Sender = parent.Sender
	}
	return next
}

// deployCallback installs an attached image as the code of an account. Only
// the system program gets this callback.
func (d *Dispatcher) deployCallback(ctx context.Context, inv Invocation, b *bridge.Bridge) sandbox.HostFunc {
	return func(req []byte) ([]byte, error) {
		var r sandbox.DeployRequest
		if err := codec.Unmarshal(req, &r); err != nil {
			return nil, err
		}
		image, ok := inv.Attachments[r.ImageID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrImageNotAttached, r.ImageID)
		}
		if id := codec.ImageID(image); id != r.ImageID {
			return nil, fmt.Errorf("%w: attachment hashes to %s, not %s", ErrImageMismatch, id, r.ImageID)
		}
		if err := d.runner.Validate(ctx, image); err != nil {
			return nil, fmt.Errorf("%w: image %s: %v", types.ErrProtocolCorruption, r.ImageID, err)
		}
		acc, err := accounts.NewDirectory(accounts.StoreKV{Store: b.View()}).Resolve(r.Account)
		if err != nil {
			return nil, err
		}
		if err := b.Write(store.CodeKey(acc.Owner()), image); err != nil {
			return nil, err
		}
		d.logger.Info("contract code staged",
			zap.Stringer("account", r.Account),
			zap.Stringer("image", r.ImageID),
			zap.Int("size", len(image)))
		return nil, nil
	}
}
