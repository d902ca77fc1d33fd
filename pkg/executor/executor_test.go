package executor

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/multivm/internal/testprograms"
	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/bridge"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/sandbox"
	"github.com/fortiblox/multivm/pkg/store"
	"github.com/fortiblox/multivm/pkg/svm/loader"
	"github.com/fortiblox/multivm/pkg/svm/sbpf"
)

var alice = types.HandleID("alice")

type fixture struct {
	t      *testing.T
	st     *store.MemoryStore
	runner *sandbox.Runner
	d      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner, err := sandbox.NewRunner(sandbox.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	f := &fixture{
		t:      t,
		st:     store.NewMemoryStore(),
		runner: runner,
		d:      NewDispatcher(runner, Config{}),
	}
	_, err = f.dir().Create(accounts.CreateRequest{Handle: types.SystemHandle})
	require.NoError(t, err)
	_, err = f.dir().Create(accounts.CreateRequest{Handle: "alice", Balance: *uint256.NewInt(1_000_000)})
	require.NoError(t, err)
	return f
}

func (f *fixture) dir() *accounts.Directory {
	return accounts.NewDirectory(accounts.StoreKV{Store: f.st})
}

func (f *fixture) deploy(handle string, image []byte) types.AccountID {
	f.t.Helper()
	_, err := f.dir().Create(accounts.CreateRequest{
		Handle:     handle,
		Executable: accounts.NativeImage(codec.ImageID(image)),
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.st.Put(store.CodeKey(handle), image))
	return types.HandleID(handle)
}

func callContext(contract, sender types.AccountID, method string, args interface{}) types.ContractCallContext {
	var raw []byte
	if args != nil {
		raw = testprograms.Encode(args)
	}
	return types.ContractCallContext{
		Contract: contract,
		Call:     types.NewCall(method, raw),
		Sender:   sender,
		Signer:   sender,
		Env:      types.Environment{BlockHeight: 1, Timestamp: 1700000000},
	}
}

func (f *fixture) call(contract types.AccountID, method string, args interface{}) *Outcome {
	f.t.Helper()
	out, err := f.d.Execute(context.Background(), Invocation{
		Call:  callContext(contract, alice, method, args),
		State: f.st,
	})
	require.NoError(f.t, err)
	return out
}

func (f *fixture) mustOk(contract types.AccountID, method string, args interface{}) []byte {
	f.t.Helper()
	out := f.call(contract, method, args)
	res, err := out.Commitment.Response.Unwrap()
	require.NoError(f.t, err, "%s.%s", contract, method)
	return res
}

func decodeAmount(t *testing.T, raw []byte) uint64 {
	t.Helper()
	var v uint256.Int
	require.NoError(t, codec.Unmarshal(raw, &v))
	return v.Uint64()
}

func TestAbortedCallLeavesNoWrites(t *testing.T) {
	f := newFixture(t)
	counter := f.deploy("counter", testprograms.CounterImage())

	f.mustOk(counter, "init", nil)
	f.mustOk(counter, "add", nil)

	out := f.call(counter, "add_then_abort", nil)
	require.False(t, out.Ok())
	assert.Equal(t, types.CodeAborted, out.Commitment.Response.Err.Code)

	var v uint64
	require.NoError(t, codec.Unmarshal(f.mustOk(counter, "get", nil), &v))
	assert.Equal(t, uint64(1), v)
}

func TestNonExecutableTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Execute(context.Background(), Invocation{
		Call:  callContext(alice, alice, "anything", nil),
		State: f.st,
	})
	require.ErrorIs(t, err, types.ErrAccountResolution)
	assert.ErrorIs(t, err, accounts.ErrNotExecutable)

	_, err = f.d.Execute(context.Background(), Invocation{
		Call:  callContext(types.HandleID("nobody"), alice, "anything", nil),
		State: f.st,
	})
	assert.ErrorIs(t, err, types.ErrAccountResolution)
}

func TestMissingCodeAndImageMismatch(t *testing.T) {
	f := newFixture(t)
	counter := f.deploy("counter", testprograms.CounterImage())

	require.NoError(t, f.st.Put(store.CodeKey("counter"), testprograms.TokenImage()))
	_, err := f.d.Execute(context.Background(), Invocation{
		Call:  callContext(counter, alice, "get", nil),
		State: f.st,
	})
	assert.ErrorIs(t, err, types.ErrProtocolCorruption)

	_, err = f.dir().Create(accounts.CreateRequest{
		Handle:     "ghost",
		Executable: accounts.NativeImage(codec.ImageID(testprograms.CounterImage())),
	})
	require.NoError(t, err)
	_, err = f.d.Execute(context.Background(), Invocation{
		Call:  callContext(types.HandleID("ghost"), alice, "get", nil),
		State: f.st,
	})
	assert.ErrorIs(t, err, ErrCodeNotFound)
	assert.ErrorIs(t, err, types.ErrAccountResolution)
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	counter := f.deploy("counter", testprograms.CounterImage())

	out := f.call(counter, "nope", nil)
	require.False(t, out.Ok())
	assert.Equal(t, types.CodeMethodNotFound, out.Commitment.Response.Err.Code)
}

type ammFixture struct {
	*fixture
	tka, tkb, amm types.AccountID
}

func newAMMFixture(t *testing.T) *ammFixture {
	f := &ammFixture{fixture: newFixture(t)}
	f.tka = f.deploy("tka", testprograms.TokenImage())
	f.tkb = f.deploy("tkb", testprograms.TokenImage())
	f.amm = f.deploy("amm", testprograms.AMMImage())

	supply := *uint256.NewInt(10_000_000)
	f.mustOk(f.tka, "init", &testprograms.TokenInit{Symbol: "AAA", Supply: supply})
	f.mustOk(f.tkb, "init", &testprograms.TokenInit{Symbol: "BBB", Supply: supply})
	f.mustOk(f.tka, "approve", &testprograms.TokenApprove{Spender: f.amm, Amount: supply})
	f.mustOk(f.tkb, "approve", &testprograms.TokenApprove{Spender: f.amm, Amount: supply})
	f.mustOk(f.amm, "init", nil)

	out := f.call(f.amm, "add_pool", &testprograms.AddPool{Token0: f.tka, Token1: f.tkb})
	require.True(t, out.Ok())
	require.Len(t, out.Children, 2)
	return f
}

func (f *ammFixture) pool() testprograms.Pool {
	var p testprograms.Pool
	require.NoError(f.t, codec.Unmarshal(f.mustOk(f.amm, "get_pool", uint64(0)), &p))
	return p
}

func (f *ammFixture) balance(token, owner types.AccountID) uint64 {
	return decodeAmount(f.t, f.mustOk(token, "balance_of", owner))
}

func TestAMMSeedAndSwap(t *testing.T) {
	f := newAMMFixture(t)

	p := f.pool()
	assert.Equal(t, "AAA", p.Symbol0)
	assert.Equal(t, "BBB", p.Symbol1)

	out := f.call(f.amm, "add_liquidity", &testprograms.AddLiquidity{
		PoolID:  0,
		Amount0: *uint256.NewInt(2_085_000),
		Amount1: *uint256.NewInt(1_000),
	})
	require.True(t, out.Ok(), "%+v", out.Commitment.Response.Err)
	assert.Equal(t, uint64(45661), decodeAmount(t, out.Commitment.Response.Ok))

	p = f.pool()
	assert.Equal(t, uint64(2_085_000), p.Reserve0.Uint64())
	assert.Equal(t, uint64(1_000), p.Reserve1.Uint64())
	assert.Equal(t, uint64(2_085_000), f.balance(f.tka, f.amm))

	out = f.call(f.amm, "swap", &testprograms.Swap{PoolID: 0, Amount0In: *uint256.NewInt(100_000)})
	require.True(t, out.Ok(), "%+v", out.Commitment.Response.Err)
	assert.Equal(t, uint64(45), decodeAmount(t, out.Commitment.Response.Ok))

	p = f.pool()
	assert.Equal(t, uint64(2_185_000), p.Reserve0.Uint64())
	assert.Equal(t, uint64(955), p.Reserve1.Uint64())
	assert.Equal(t, uint64(10_000_000-1_000+45), f.balance(f.tkb, alice))
}

func TestAMMSeedSquareRoot(t *testing.T) {
	f := newAMMFixture(t)

	out := f.call(f.amm, "add_liquidity", &testprograms.AddLiquidity{
		PoolID:  0,
		Amount0: *uint256.NewInt(2_085_000),
		Amount1: *uint256.NewInt(1),
	})
	require.True(t, out.Ok())
	assert.Equal(t, uint64(1443), decodeAmount(t, out.Commitment.Response.Ok))
}

func TestCrossCallAudit(t *testing.T) {
	f := newAMMFixture(t)

	out := f.call(f.amm, "add_liquidity", &testprograms.AddLiquidity{
		PoolID:  0,
		Amount0: *uint256.NewInt(2_085_000),
		Amount1: *uint256.NewInt(1_000),
	})
	require.True(t, out.Ok())

	cc := out.Commitment.CrossCalls
	require.Len(t, cc, 2)
	require.Len(t, out.Children, 2)
	assert.Equal(t, 3, out.Count())

	for i, child := range out.Children {
		assert.Equal(t, "transfer_from", child.Call.Call.Method)
		assert.Equal(t, f.amm, child.Call.Sender)
		assert.Equal(t, alice, child.Call.Signer)

		req := &sandbox.CrossCallRequest{
			Contract: child.Call.Contract,
			Method:   child.Call.Call.Method,
			Args:     child.Call.Call.Args,
			Gas:      child.Call.Call.Gas,
			Deposit:  child.Call.Call.Deposit,
		}
		assert.Equal(t, codec.RequestHash(codec.MustMarshal(req)), cc[i].Request)
		assert.Equal(t, codec.ResponseHash(child.Commitment.Response), cc[i].Response)
		assert.Equal(t, codec.CallHash(&child.Call), child.Commitment.CallHash)
	}
	assert.Equal(t, f.tka, out.Children[0].Call.Contract)
	assert.Equal(t, f.tkb, out.Children[1].Call.Contract)

	var order []types.AccountID
	require.NoError(t, out.Walk(func(o *Outcome) error {
		order = append(order, o.Call.Contract)
		return nil
	}))
	assert.Equal(t, []types.AccountID{f.tka, f.tkb, f.amm}, order)

	r := out.Receipt()
	assert.Len(t, r.Children, 2)
	assert.Equal(t, cc, r.CrossCalls)
}

func TestFailedChildRollsBackParent(t *testing.T) {
	f := newAMMFixture(t)

	// tkb allowance is too small, so the second pull fails after the first
	// one succeeded.
	f.mustOk(f.tkb, "approve", &testprograms.TokenApprove{Spender: f.amm, Amount: *uint256.NewInt(10)})
	out := f.call(f.amm, "add_liquidity", &testprograms.AddLiquidity{
		PoolID:  0,
		Amount0: *uint256.NewInt(2_085_000),
		Amount1: *uint256.NewInt(1_000),
	})
	require.False(t, out.Ok())
	require.Len(t, out.Children, 2)
	assert.True(t, out.Children[0].Ok())
	assert.False(t, out.Children[1].Ok())

	assert.Equal(t, uint64(10_000_000), f.balance(f.tka, alice))
	assert.Equal(t, uint64(0), f.balance(f.tka, f.amm))
	pool := f.pool()
	assert.True(t, pool.Reserve0.IsZero())
}

func TestDeployContract(t *testing.T) {
	f := newFixture(t)
	image := testprograms.CounterImage()
	id := codec.ImageID(image)
	deploy := callContext(types.SystemID(), alice, system.MethodDeployContract, &system.DeployContractArgs{ImageID: id, VM: system.VMNative})

	_, err := f.d.Execute(context.Background(), Invocation{Call: deploy, State: f.st})
	assert.ErrorIs(t, err, ErrImageNotAttached)

	_, err = f.d.Execute(context.Background(), Invocation{
		Call:        deploy,
		Attachments: map[types.ImageID][]byte{id: testprograms.TokenImage()},
		State:       f.st,
	})
	assert.ErrorIs(t, err, types.ErrProtocolCorruption)

	acc, err := f.dir().Resolve(alice)
	require.NoError(t, err)
	assert.Nil(t, acc.Executable)

	out, err := f.d.Execute(context.Background(), Invocation{
		Call:        deploy,
		Attachments: map[types.ImageID][]byte{id: image},
		State:       f.st,
	})
	require.NoError(t, err)
	require.True(t, out.Ok(), "%+v", out.Commitment.Response.Err)

	acc, err = f.dir().Resolve(alice)
	require.NoError(t, err)
	require.NotNil(t, acc.Executable)
	assert.Equal(t, id, acc.Executable.Image)

	f.mustOk(alice, "init", nil)
	f.mustOk(alice, "add", nil)
	var v uint64
	require.NoError(t, codec.Unmarshal(f.mustOk(alice, "get", nil), &v))
	assert.Equal(t, uint64(1), v)
}

func TestViewerDropsWrites(t *testing.T) {
	f := newFixture(t)
	counter := f.deploy("counter", testprograms.CounterImage())
	f.mustOk(counter, "init", nil)

	v := NewViewer(f.runner, f.st, Config{})
	for i := 0; i < 2; i++ {
		res, err := v.View(context.Background(), NativeView(callContext(counter, alice, "add", nil)))
		require.NoError(t, err)
		assert.True(t, res.IsOk())
	}

	res, err := v.View(context.Background(), NativeView(callContext(counter, alice, "get", nil)))
	require.NoError(t, err)
	raw, err := res.Unwrap()
	require.NoError(t, err)
	var n uint64
	require.NoError(t, codec.Unmarshal(raw, &n))
	assert.Zero(t, n)
}

func TestViewerSystemMethods(t *testing.T) {
	f := newFixture(t)
	v := NewViewer(f.runner, f.st, Config{})

	res, err := v.View(context.Background(), NativeView(callContext(types.SystemID(), alice, system.MethodAccountInfo, alice)))
	require.NoError(t, err)
	raw, err := res.Unwrap()
	require.NoError(t, err)
	var acc accounts.Account
	require.NoError(t, codec.Unmarshal(raw, &acc))
	assert.Equal(t, uint64(1_000_000), acc.Balance.Uint64())

	res, err = v.View(context.Background(), NativeView(callContext(types.SystemID(), alice, system.MethodTransfer,
		&system.TransferArgs{To: types.SystemID(), Amount: *uint256.NewInt(1)})))
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, types.CodeMethodNotFound, res.Err.Code)

	_, err = v.View(context.Background(), View{Kind: ViewNative})
	assert.ErrorIs(t, err, types.ErrProtocolCorruption)
}

func TestSolanaContract(t *testing.T) {
	f := newFixture(t)
	// Increments the first byte of the first account's data.
	image := loader.Raw(
		sbpf.Encode(sbpf.OpLdxb, 2, 1, 96, 0),
		sbpf.Encode(sbpf.OpAdd64Imm, 2, 0, 0, 1),
		sbpf.Encode(sbpf.OpStxb, 1, 2, 96, 0),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	id := codec.ImageID(image)

	deploy := callContext(types.SystemID(), alice, system.MethodDeployContract, &system.DeployContractArgs{ImageID: id, VM: system.VMSolana})
	out, err := f.d.Execute(context.Background(), Invocation{
		Call:        deploy,
		Attachments: map[types.ImageID][]byte{id: image},
		State:       f.st,
	})
	require.NoError(t, err)
	require.True(t, out.Ok(), "%+v", out.Commitment.Response.Err)

	acc, err := f.dir().Resolve(alice)
	require.NoError(t, err)
	require.NotNil(t, acc.Executable)
	assert.Equal(t, accounts.ExecSolana, acc.Executable.Kind)
	assert.Equal(t, id, acc.Executable.Image)

	addr := types.SolanaAddress{9}
	for i := 0; i < 2; i++ {
		f.mustOk(alice, "", &sandbox.SolanaContext{Accounts: []types.SolanaAddress{addr}})
	}

	blob, err := f.st.Get(bridge.ScopeOf(acc).Key([]byte(addr.String())))
	require.NoError(t, err)
	require.Len(t, blob, sandbox.SolanaBlobSize)
	assert.Equal(t, byte(2), blob[0])
	_, err = f.st.Get([]byte(addr.String()))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeployUnknownVM(t *testing.T) {
	f := newFixture(t)
	image := testprograms.CounterImage()
	id := codec.ImageID(image)
	out, err := f.d.Execute(context.Background(), Invocation{
		Call:        callContext(types.SystemID(), alice, system.MethodDeployContract, &system.DeployContractArgs{ImageID: id, VM: "move"}),
		Attachments: map[types.ImageID][]byte{id: image},
		State:       f.st,
	})
	require.NoError(t, err)
	require.False(t, out.Ok())
	assert.Equal(t, types.CodeInvalidArgs, out.Commitment.Response.Err.Code)
}

// slot0Runtime stores a non-zero calldata word in slot 0 and returns slot 0.
var slot0Runtime = hexutil.MustDecode("0x6000358015600b576000555b60005460005260206000f3")

func TestCallIntoEvmContract(t *testing.T) {
	f := newFixture(t)
	addr := types.EvmAddress(common.HexToAddress("0x00000000000000000000000000000000000000c0"))
	contract, err := f.dir().Create(accounts.CreateRequest{Evm: &addr, Executable: accounts.EvmContract()})
	require.NoError(t, err)
	require.NoError(t, f.st.Put(store.EvmCodeKey(contract.InternalID), slot0Runtime))

	word := common.LeftPadBytes([]byte{0x2a}, 32)
	ctx := callContext(types.EvmID(addr), alice, "", nil)
	ctx.Call.Args = word
	out, err := f.d.Execute(context.Background(), Invocation{Call: ctx, State: f.st})
	require.NoError(t, err)
	require.True(t, out.Ok(), "%+v", out.Commitment.Response.Err)
	assert.Equal(t, word, out.Commitment.Response.Ok)

	raw, err := f.st.Get(store.EvmStorageKey(contract.InternalID))
	require.NoError(t, err)
	var slots map[types.Hash]types.Hash
	require.NoError(t, codec.Unmarshal(raw, &slots))
	assert.Equal(t, types.Hash(common.BytesToHash(word)), slots[types.Hash{}])

	v := NewViewer(f.runner, f.st, Config{})
	res, err := v.View(context.Background(), EvmView(system.EvmViewCall{To: addr}, ctx.Env))
	require.NoError(t, err)
	got, err := res.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, word, got)
}
