package testprograms

import (
	"github.com/holiman/uint256"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/sandbox"
)

// TokenInit mints Supply to the caller.
type TokenInit struct {
	Symbol string      `cbor:"symbol"`
	Supply uint256.Int `cbor:"supply"`
}

// TokenTransfer moves Amount from the caller to To.
type TokenTransfer struct {
	To     types.AccountID `cbor:"to"`
	Amount uint256.Int     `cbor:"amount"`
}

// TokenApprove lets Spender move up to Amount of the caller's tokens.
type TokenApprove struct {
	Spender types.AccountID `cbor:"spender"`
	Amount  uint256.Int     `cbor:"amount"`
}

// TokenTransferFrom moves Amount from From to the caller, spending From's
// allowance for the caller.
type TokenTransferFrom struct {
	From   types.AccountID `cbor:"from"`
	Amount uint256.Int     `cbor:"amount"`
}

var tokenMethods = map[string]method{
	"init":           tokenInit,
	"symbol":         tokenSymbol,
	"balance_of":     tokenBalanceOf,
	"transfer":       tokenTransfer,
	"approve":        tokenApprove,
	"transfer_from":  tokenTransferFrom,
	"total_supply":   tokenTotalSupply,
	"allowance_of":   tokenAllowanceOf,
	"transfer_batch": tokenTransferBatch,
}

func balanceKey(id types.AccountID) string {
	return "balance." + id.String()
}

func allowanceKey(owner, spender types.AccountID) string {
	return "allowance." + owner.String() + "." + spender.String()
}

func loadAmount(env *sandbox.Env, key string) (*uint256.Int, error) {
	var v uint256.Int
	if _, err := load(env, key, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func tokenInit(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in TokenInit
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	var symbol string
	found, err := load(env, "symbol", &symbol)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, types.Abortf("token %s is already initialized", symbol)
	}
	if err := save(env, "symbol", in.Symbol); err != nil {
		return nil, err
	}
	if err := save(env, "supply", &in.Supply); err != nil {
		return nil, err
	}
	return nil, save(env, balanceKey(ctx.Sender), &in.Supply)
}

func tokenSymbol(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
	var symbol string
	found, err := load(env, "symbol", &symbol)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.Abortf("token is not initialized")
	}
	return codec.Marshal(symbol)
}

func tokenTotalSupply(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
	v, err := loadAmount(env, "supply")
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

func tokenBalanceOf(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var id types.AccountID
	if err := args(ctx, &id); err != nil {
		return nil, err
	}
	v, err := loadAmount(env, balanceKey(id))
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

func tokenAllowanceOf(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in TokenApprove
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	v, err := loadAmount(env, allowanceKey(ctx.Sender, in.Spender))
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

func tokenTransfer(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in TokenTransfer
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	return nil, move(env, ctx.Sender, in.To, &in.Amount)
}

// tokenTransferBatch applies several transfers; any failure rejects all of
// them.
func tokenTransferBatch(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in []TokenTransfer
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	for i := range in {
		if err := move(env, ctx.Sender, in[i].To, &in[i].Amount); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func tokenApprove(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in TokenApprove
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	return nil, save(env, allowanceKey(ctx.Sender, in.Spender), &in.Amount)
}

func tokenTransferFrom(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in TokenTransferFrom
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	key := allowanceKey(in.From, ctx.Sender)
	allowance, err := loadAmount(env, key)
	if err != nil {
		return nil, err
	}
	if allowance.Lt(&in.Amount) {
		return nil, types.Abortf("allowance of %s for %s is %s, needs %s",
			in.From, ctx.Sender, allowance.Dec(), in.Amount.Dec())
	}
	if err := save(env, key, new(uint256.Int).Sub(allowance, &in.Amount)); err != nil {
		return nil, err
	}
	return nil, move(env, in.From, ctx.Sender, &in.Amount)
}

func move(env *sandbox.Env, from, to types.AccountID, amount *uint256.Int) error {
	fromBal, err := loadAmount(env, balanceKey(from))
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return types.Abortf("%s has %s, needs %s", from, fromBal.Dec(), amount.Dec())
	}
	if err := save(env, balanceKey(from), new(uint256.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	toBal, err := loadAmount(env, balanceKey(to))
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return types.Abortf("balance of %s overflows", to)
	}
	return save(env, balanceKey(to), sum)
}
