package testprograms

import (
	"github.com/holiman/uint256"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/sandbox"
)

// Pool is one constant-product pool.
type Pool struct {
	ID          uint64          `cbor:"id"`
	Token0      types.AccountID `cbor:"token0"`
	Token1      types.AccountID `cbor:"token1"`
	Symbol0     string          `cbor:"symbol0"`
	Symbol1     string          `cbor:"symbol1"`
	Reserve0    uint256.Int     `cbor:"reserve0"`
	Reserve1    uint256.Int     `cbor:"reserve1"`
	TotalShares uint256.Int     `cbor:"total_shares"`
}

// AMMState is the whole AMM state, kept under one key.
type AMMState struct {
	Pools  []Pool                            `cbor:"pools"`
	Shares map[string]map[uint64]uint256.Int `cbor:"shares"`
}

// AddPool registers a pool for two token contracts.
type AddPool struct {
	Token0 types.AccountID `cbor:"token0"`
	Token1 types.AccountID `cbor:"token1"`
}

// AddLiquidity deposits both tokens into a pool for shares.
type AddLiquidity struct {
	PoolID  uint64      `cbor:"pool_id"`
	Amount0 uint256.Int `cbor:"amount0"`
	Amount1 uint256.Int `cbor:"amount1"`
}

// Swap trades one side of a pool for the other. Exactly one of the inputs is
// non-zero.
type Swap struct {
	PoolID    uint64      `cbor:"pool_id"`
	Amount0In uint256.Int `cbor:"amount0_in"`
	Amount1In uint256.Int `cbor:"amount1_in"`
}

const ammKey = "root"

var ammMethods = map[string]method{
	"init":             ammInit,
	"add_pool":         ammAddPool,
	"get_pool":         ammGetPool,
	"get_pools":        ammGetPools,
	"get_shares":       ammGetShares,
	"add_liquidity":    ammAddLiquidity,
	"remove_liquidity": ammRemoveLiquidity,
	"swap":             ammSwap,
}

func loadAMM(env *sandbox.Env) (*AMMState, error) {
	st := &AMMState{}
	if _, err := load(env, ammKey, st); err != nil {
		return nil, err
	}
	if st.Shares == nil {
		st.Shares = make(map[string]map[uint64]uint256.Int)
	}
	return st, nil
}

func (st *AMMState) pool(id uint64) (*Pool, error) {
	if id >= uint64(len(st.Pools)) {
		return nil, types.Abortf("pool %d not found", id)
	}
	return &st.Pools[id], nil
}

func ammInit(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
	return nil, save(env, ammKey, &AMMState{Shares: map[string]map[uint64]uint256.Int{}})
}

func ammGetPool(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var id uint64
	if err := args(ctx, &id); err != nil {
		return nil, err
	}
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	p, err := st.pool(id)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(p)
}

func ammGetPools(env *sandbox.Env, _ *types.ContractCallContext) ([]byte, error) {
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(st.Pools)
}

func ammGetShares(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var id types.AccountID
	if err := args(ctx, &id); err != nil {
		return nil, err
	}
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	shares := st.Shares[id.String()]
	if shares == nil {
		shares = map[uint64]uint256.Int{}
	}
	return codec.Marshal(shares)
}

func ammAddPool(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in AddPool
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	symbol0, err := tokenSymbolOf(env, in.Token0)
	if err != nil {
		return nil, err
	}
	symbol1, err := tokenSymbolOf(env, in.Token1)
	if err != nil {
		return nil, err
	}
	id := uint64(len(st.Pools))
	st.Pools = append(st.Pools, Pool{
		ID:      id,
		Token0:  in.Token0,
		Token1:  in.Token1,
		Symbol0: symbol0,
		Symbol1: symbol1,
	})
	if err := save(env, ammKey, st); err != nil {
		return nil, err
	}
	return codec.Marshal(id)
}

// ammAddLiquidity pulls both amounts from the caller. The first deposit
// mints isqrt(amount0*amount1) shares; later ones mint in proportion to the
// smaller side.
func ammAddLiquidity(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in AddLiquidity
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	pool, err := st.pool(in.PoolID)
	if err != nil {
		return nil, err
	}

	if err := pull(env, pool.Token0, ctx.Sender, &in.Amount0); err != nil {
		return nil, err
	}
	if err := pull(env, pool.Token1, ctx.Sender, &in.Amount1); err != nil {
		return nil, err
	}

	var shares uint256.Int
	if pool.TotalShares.IsZero() {
		product, overflow := new(uint256.Int).MulOverflow(&in.Amount0, &in.Amount1)
		if overflow {
			return nil, types.Abortf("liquidity overflows")
		}
		shares.Sqrt(product)
	} else {
		s0 := new(uint256.Int).Div(new(uint256.Int).Mul(&in.Amount0, &pool.TotalShares), &pool.Reserve0)
		s1 := new(uint256.Int).Div(new(uint256.Int).Mul(&in.Amount1, &pool.TotalShares), &pool.Reserve1)
		if s0.Lt(s1) {
			shares.Set(s0)
		} else {
			shares.Set(s1)
		}
	}

	pool.TotalShares.Add(&pool.TotalShares, &shares)
	pool.Reserve0.Add(&pool.Reserve0, &in.Amount0)
	pool.Reserve1.Add(&pool.Reserve1, &in.Amount1)

	owner := ctx.Sender.String()
	if st.Shares[owner] == nil {
		st.Shares[owner] = make(map[uint64]uint256.Int)
	}
	held := st.Shares[owner][pool.ID]
	st.Shares[owner][pool.ID] = *new(uint256.Int).Add(&held, &shares)

	if err := save(env, ammKey, st); err != nil {
		return nil, err
	}
	return codec.Marshal(&shares)
}

func ammRemoveLiquidity(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var id uint64
	if err := args(ctx, &id); err != nil {
		return nil, err
	}
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	pool, err := st.pool(id)
	if err != nil {
		return nil, err
	}
	owner := ctx.Sender.String()
	shares := st.Shares[owner][pool.ID]
	if shares.IsZero() {
		return nil, types.Abortf("%s holds no shares of pool %d", owner, pool.ID)
	}

	amount0 := new(uint256.Int).Div(new(uint256.Int).Mul(&shares, &pool.Reserve0), &pool.TotalShares)
	amount1 := new(uint256.Int).Div(new(uint256.Int).Mul(&shares, &pool.Reserve1), &pool.TotalShares)
	if err := push(env, pool.Token0, ctx.Sender, amount0); err != nil {
		return nil, err
	}
	if err := push(env, pool.Token1, ctx.Sender, amount1); err != nil {
		return nil, err
	}

	delete(st.Shares[owner], pool.ID)
	pool.TotalShares.Sub(&pool.TotalShares, &shares)
	pool.Reserve0.Sub(&pool.Reserve0, amount0)
	pool.Reserve1.Sub(&pool.Reserve1, amount1)
	if err := save(env, ammKey, st); err != nil {
		return nil, err
	}
	return codec.Marshal(&shares)
}

// ammSwap pays out reserve_out*in/(reserve_in+in) of the other token.
func ammSwap(env *sandbox.Env, ctx *types.ContractCallContext) ([]byte, error) {
	var in Swap
	if err := args(ctx, &in); err != nil {
		return nil, err
	}
	st, err := loadAMM(env)
	if err != nil {
		return nil, err
	}
	pool, err := st.pool(in.PoolID)
	if err != nil {
		return nil, err
	}

	zeroFor := !in.Amount0In.IsZero()
	reserveIn, reserveOut := &pool.Reserve0, &pool.Reserve1
	amountIn := &in.Amount0In
	tokenIn, tokenOut := pool.Token0, pool.Token1
	if !zeroFor {
		reserveIn, reserveOut = &pool.Reserve1, &pool.Reserve0
		amountIn = &in.Amount1In
		tokenIn, tokenOut = pool.Token1, pool.Token0
	}
	if amountIn.IsZero() {
		return nil, types.NewContractError(types.CodeInvalidArgs, "swap needs a non-zero input")
	}

	denominator := new(uint256.Int).Add(reserveIn, amountIn)
	amountOut, overflow := new(uint256.Int).MulDivOverflow(reserveOut, amountIn, denominator)
	if overflow {
		return nil, types.Abortf("swap overflows")
	}

	if err := pull(env, tokenIn, ctx.Sender, amountIn); err != nil {
		return nil, err
	}
	if err := push(env, tokenOut, ctx.Sender, amountOut); err != nil {
		return nil, err
	}

	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, amountOut)
	if err := save(env, ammKey, st); err != nil {
		return nil, err
	}
	return codec.Marshal(amountOut)
}

func tokenSymbolOf(env *sandbox.Env, token types.AccountID) (string, error) {
	res, err := env.CrossCall(token, types.NewCall("symbol", nil))
	if err != nil {
		return "", err
	}
	out, err := res.Unwrap()
	if err != nil {
		return "", types.Abortf("symbol of %s: %v", token, err)
	}
	var symbol string
	if err := codec.Unmarshal(out, &symbol); err != nil {
		return "", types.Abortf("symbol of %s: %v", token, err)
	}
	return symbol, nil
}

// pull moves amount of token from owner to the pool.
func pull(env *sandbox.Env, token, owner types.AccountID, amount *uint256.Int) error {
	call := types.NewCall("transfer_from", Encode(&TokenTransferFrom{From: owner, Amount: *amount}))
	return tokenCall(env, token, call)
}

// push moves amount of token from the pool to receiver.
func push(env *sandbox.Env, token, receiver types.AccountID, amount *uint256.Int) error {
	call := types.NewCall("transfer", Encode(&TokenTransfer{To: receiver, Amount: *amount}))
	return tokenCall(env, token, call)
}

func tokenCall(env *sandbox.Env, token types.AccountID, call types.ContractCall) error {
	res, err := env.CrossCall(token, call)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return types.Abortf("%s.%s failed: %s", token, call.Method, res.Err.Message)
	}
	return nil
}
