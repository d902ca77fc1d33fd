// Package system implements the system program: the builtin guest behind
// the privileged "multivm" account. It creates accounts, deploys contracts,
// drives native and EVM transactions, and hosts the EVM engine that runs
// EVM-flavored contracts.
//
// The system program reaches state only through its sandbox storage
// callbacks, which the dispatcher serves with raw (unprefixed) keys.
package system

import (
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/sandbox"
)

// Name is the builtin program name of the system program.
const Name = "system"

// Gas is the budget of every system program invocation. Calls dispatched by
// the system program carry their own budgets.
const Gas uint64 = 50_000_000

// Method names served by the system account.
const (
	MethodCreateAccount  = "create_account"
	MethodDeployContract = "deploy_contract"
	MethodAccountInfo    = "account_info"
	MethodTransfer       = "transfer"
)

// VM names accepted by deploy_contract.
const (
	VMNative = "native"
	VMSolana = "solana"
)

// OneToken is 10^18 base units.
var OneToken = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))

// CreationFee is moved from the creator to every account created through
// create_account.
var CreationFee = new(uint256.Int).Mul(uint256.NewInt(1000), OneToken)

// Image returns the image bytes of the system program.
func Image() []byte {
	return sandbox.BuiltinImage(Name)
}

// ImageID returns the image id of the system program.
func ImageID() types.ImageID {
	return codec.ImageID(Image())
}

func init() {
	sandbox.RegisterBuiltin(Name, sandbox.ProgramFunc(run))
}

// ActionKind discriminates the Action union.
type ActionKind uint8

// Action kinds.
const (
	ActionExecuteTransaction ActionKind = iota + 1
	ActionCall
	ActionEvmCall
	ActionView
	ActionEvmView
)

func (k ActionKind) String() string {
	switch k {
	case ActionExecuteTransaction:
		return "execute_transaction"
	case ActionCall:
		return "call"
	case ActionEvmCall:
		return "evm_call"
	case ActionView:
		return "view"
	case ActionEvmView:
		return "evm_view"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// EvmViewCall is a read-only call into an EVM contract.
type EvmViewCall struct {
	From  *types.EvmAddress `cbor:"from,omitempty"`
	To    types.EvmAddress  `cbor:"to"`
	Input []byte            `cbor:"input"`
}

// Action is the input of the system program.
type Action struct {
	Kind    ActionKind                 `cbor:"kind"`
	Tx      *types.Transaction         `cbor:"tx,omitempty"`
	Context *types.ContractCallContext `cbor:"context,omitempty"`
	EvmView *EvmViewCall               `cbor:"evm_view,omitempty"`
	Env     types.Environment          `cbor:"env"`
}

// ExecuteTransaction builds the action that runs a whole transaction.
func ExecuteTransaction(tx types.Transaction, env types.Environment) Action {
	return Action{Kind: ActionExecuteTransaction, Tx: &tx, Env: env}
}

// Call builds the action for a call whose target is the system account.
func Call(ctx types.ContractCallContext) Action {
	return Action{Kind: ActionCall, Context: &ctx, Env: ctx.Env}
}

// EvmCall builds the action for a call into an EVM contract.
func EvmCall(ctx types.ContractCallContext) Action {
	return Action{Kind: ActionEvmCall, Context: &ctx, Env: ctx.Env}
}

// View builds the action for a read-only call to the system account.
func View(ctx types.ContractCallContext) Action {
	return Action{Kind: ActionView, Context: &ctx, Env: ctx.Env}
}

// EvmView builds the action for a read-only EVM call.
func EvmView(call EvmViewCall, env types.Environment) Action {
	return Action{Kind: ActionEvmView, EvmView: &call, Env: env}
}

// CreateAccountArgs are the arguments of create_account.
type CreateAccountArgs struct {
	Handle    string `cbor:"handle"`
	PublicKey []byte `cbor:"public_key"`
}

// DeployContractArgs are the arguments of deploy_contract. The image itself
// travels as a transaction attachment.
type DeployContractArgs struct {
	ImageID types.ImageID `cbor:"image_id"`
	VM      string        `cbor:"vm"`
}

// TransferArgs are the arguments of transfer.
type TransferArgs struct {
	To     types.AccountID `cbor:"to"`
	Amount uint256.Int     `cbor:"amount"`
}

// program is one run of the system program.
type program struct {
	env    *sandbox.Env
	dir    *accounts.Directory
	logger *zap.Logger
}

func run(env *sandbox.Env) ([]byte, error) {
	var action Action
	if err := codec.Unmarshal(env.Input(), &action); err != nil {
		return nil, err
	}
	p := &program{
		env:    env,
		dir:    accounts.NewDirectory(sandbox.KV{Env: env}),
		logger: env.Logger(),
	}

	switch action.Kind {
	case ActionExecuteTransaction:
		if action.Tx == nil {
			return nil, fmt.Errorf("%w: execute_transaction without transaction", types.ErrProtocolCorruption)
		}
		return p.executeTransaction(*action.Tx, action.Env)
	case ActionCall:
		if action.Context == nil {
			return nil, fmt.Errorf("%w: call without context", types.ErrProtocolCorruption)
		}
		return p.method(*action.Context, false)
	case ActionEvmCall:
		if action.Context == nil {
			return nil, fmt.Errorf("%w: evm call without context", types.ErrProtocolCorruption)
		}
		return p.evmCall(*action.Context)
	case ActionView:
		if action.Context == nil {
			return nil, fmt.Errorf("%w: view without context", types.ErrProtocolCorruption)
		}
		return p.method(*action.Context, true)
	case ActionEvmView:
		if action.EvmView == nil {
			return nil, fmt.Errorf("%w: evm view without call", types.ErrProtocolCorruption)
		}
		return p.evmView(*action.EvmView, action.Env)
	default:
		return nil, fmt.Errorf("%w: unknown system action %d", types.ErrProtocolCorruption, action.Kind)
	}
}

func (p *program) executeTransaction(tx types.Transaction, env types.Environment) ([]byte, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	switch tx.Kind {
	case types.TxNative:
		return p.executeNative(tx.Native, env)
	case types.TxEvm:
		return p.executeEvm(tx.Evm, env)
	default:
		return nil, types.NewContractError(types.CodeUnimplemented, "%s transactions are not supported", tx.Kind)
	}
}

func decodeArgs(call types.ContractCall, v interface{}) error {
	if err := codec.Unmarshal(call.Args, v); err != nil {
		return types.NewContractError(types.CodeInvalidArgs, "%s: %v", call.Method, err)
	}
	return nil
}
