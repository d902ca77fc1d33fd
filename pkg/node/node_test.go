package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/multivm/internal/testprograms"
	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/executor"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/store"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, store.BackendBadger, cfg.Store)
	assert.Equal(t, time.Second, cfg.BlockInterval)
	assert.Equal(t, types.ChainID, cfg.ChainID)
	assert.False(t, cfg.SkipProof)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub := hex.EncodeToString(codec.CompressedPublicKey(key))

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name: "valid genesis",
			mutate: func(c *Config) {
				c.Genesis = []GenesisAccount{{Handle: "alice", PublicKey: pub, Balance: "1000"}}
			},
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store = "leveldb" },
			wantErr: true,
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: true,
		},
		{
			name:    "foreign chain",
			mutate:  func(c *Config) { c.ChainID = 1 },
			wantErr: true,
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.BlockInterval = 0 },
			wantErr: true,
		},
		{
			name: "reserved handle",
			mutate: func(c *Config) {
				c.Genesis = []GenesisAccount{{Handle: types.SystemHandle}}
			},
			wantErr: true,
		},
		{
			name: "duplicate handle",
			mutate: func(c *Config) {
				c.Genesis = []GenesisAccount{{Handle: "alice"}, {Handle: "alice"}}
			},
			wantErr: true,
		},
		{
			name: "bad key",
			mutate: func(c *Config) {
				c.Genesis = []GenesisAccount{{Handle: "alice", PublicKey: "02abcd"}}
			},
			wantErr: true,
		},
		{
			name: "bad balance",
			mutate: func(c *Config) {
				c.Genesis = []GenesisAccount{{Handle: "alice", Balance: "-5"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store = "leveldb"
	cfg.CacheSize = -1
	cfg.MaxPending = -1
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"leveldb", "cache size", "max pending"} {
		assert.Contains(t, err.Error(), want)
	}
}

// genesisBalance is ten account creation fees.
var genesisBalance = new(uint256.Int).Mul(system.CreationFee, uint256.NewInt(10))

type testNode struct {
	*Node
	t      *testing.T
	keys   map[string]*ecdsa.PrivateKey
	nonces map[string]uint64
}

func newTestNode(t *testing.T, handles ...string) *testNode {
	t.Helper()
	tn := &testNode{
		t:      t,
		keys:   make(map[string]*ecdsa.PrivateKey),
		nonces: make(map[string]uint64),
	}
	cfg := DefaultConfig()
	cfg.Store = store.BackendMemory
	cfg.GenesisTime = 1700000000
	cfg.Clock = func() time.Time { return time.Unix(1700000100, 0) }
	for _, h := range handles {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		tn.keys[h] = key
		cfg.Genesis = append(cfg.Genesis, GenesisAccount{
			Handle:    h,
			PublicKey: hex.EncodeToString(codec.CompressedPublicKey(key)),
			Balance:   genesisBalance.Dec(),
		})
	}

	n, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	tn.Node = n
	return tn
}

func call(method string, args interface{}) types.ContractCall {
	var raw []byte
	if args != nil {
		raw = testprograms.Encode(args)
	}
	return types.NewCall(method, raw)
}

func (tn *testNode) submit(signer string, receiver types.AccountID, calls []types.ContractCall, attachments ...[]byte) types.Hash {
	tn.t.Helper()
	height, ok := tn.blocks.LatestHeight()
	require.True(tn.t, ok)
	stx, err := codec.Sign(types.NativeTransaction{
		Receiver:     receiver,
		Calls:        calls,
		Signer:       types.HandleID(signer),
		OriginHeight: height,
		Nonce:        tn.nonces[signer],
	}, tn.keys[signer], attachments...)
	require.NoError(tn.t, err)
	tn.nonces[signer]++

	hash, err := tn.AddTx(types.NativeTx(stx))
	require.NoError(tn.t, err)
	return hash
}

func (tn *testNode) produce() *types.Block {
	tn.t.Helper()
	b, err := tn.ProduceBlock(context.Background(), true)
	require.NoError(tn.t, err)
	require.Empty(tn.t, b.Failed)
	return b
}

// child decodes the commitment a contract call returned through the system
// front door.
func child(t *testing.T, b *types.Block, hash types.Hash) types.Commitment {
	t.Helper()
	res, ok := b.Responses[hash]
	require.True(t, ok)
	raw, err := res.Unwrap()
	require.NoError(t, err)
	var c types.Commitment
	require.NoError(t, codec.Unmarshal(raw, &c))
	return c
}

func amount(t *testing.T, raw []byte) uint64 {
	t.Helper()
	var v uint256.Int
	require.NoError(t, codec.Unmarshal(raw, &v))
	return v.Uint64()
}

func TestNewCreatesGenesis(t *testing.T) {
	tn := newTestNode(t, "alice")

	genesis, err := tn.BlockByHeight(0)
	require.NoError(t, err)
	assert.True(t, genesis.IsGenesis())
	assert.Equal(t, uint64(1700000000), genesis.Timestamp)

	sys, err := tn.AccountInfo(types.SystemID())
	require.NoError(t, err)
	assert.True(t, sys.IsSystem())

	alice, err := tn.AccountInfo(types.HandleID("alice"))
	require.NoError(t, err)
	assert.True(t, genesisBalance.Eq(&alice.Balance))
	addr, err := codec.AddressFromPublicKey(alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, addr, alice.EvmAddress)

	_, err = tn.AccountInfo(types.HandleID("bob"))
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
}

func TestReopenKeepsChain(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Store = store.BackendBolt
	cfg.Genesis = []GenesisAccount{{
		Handle:    "alice",
		PublicKey: hex.EncodeToString(codec.CompressedPublicKey(key)),
		Balance:   genesisBalance.Dec(),
	}}

	n, err := New(&cfg)
	require.NoError(t, err)
	tn := &testNode{Node: n, t: t, keys: map[string]*ecdsa.PrivateKey{"alice": key}, nonces: map[string]uint64{}}
	tn.submit("alice", types.SystemID(), []types.ContractCall{
		call(system.MethodCreateAccount, &system.CreateAccountArgs{Handle: "bob"}),
	})
	b := tn.produce()
	require.NoError(t, n.Close())

	n, err = New(&cfg)
	require.NoError(t, err)
	defer n.Close()
	latest, err := n.LatestBlock()
	require.NoError(t, err)
	assert.Equal(t, b.Hash, latest.Hash)
	_, err = n.AccountInfo(types.HandleID("bob"))
	assert.NoError(t, err)
}

func TestBlockChaining(t *testing.T) {
	tn := newTestNode(t, "alice")

	var published []*types.Block
	unsubscribe, err := tn.SubscribeBlocks(func(b *types.Block) { published = append(published, b) })
	require.NoError(t, err)

	const blocks = 5
	var hashes []types.Hash
	for i := 0; i < blocks; i++ {
		hashes = append(hashes, tn.submit("alice", types.SystemID(), []types.ContractCall{
			call(system.MethodCreateAccount, &system.CreateAccountArgs{Handle: "user" + string(rune('a'+i))}),
		}))
		tn.produce()
	}

	for h := uint64(1); h <= blocks; h++ {
		b, err := tn.BlockByHeight(h)
		require.NoError(t, err)
		parent, err := tn.BlockByHeight(h - 1)
		require.NoError(t, err)
		assert.Equal(t, h, b.Height)
		assert.Equal(t, parent.Hash, b.ParentHash)
		assert.Equal(t, parent.PostRoot, b.PreRoot)
		assert.GreaterOrEqual(t, b.Timestamp, parent.Timestamp)

		height, err := tn.TxHeight(hashes[h-1])
		require.NoError(t, err)
		assert.Equal(t, h, height)
	}

	require.Len(t, published, blocks)
	for i, b := range published {
		assert.Equal(t, uint64(i+1), b.Height)
	}
	unsubscribe()
	tn.produce()
	assert.Len(t, published, blocks)

	st := tn.Status()
	assert.Equal(t, uint64(blocks+1), st.Height)
	assert.Equal(t, uint64(blocks+1), st.BlocksProduced)
	assert.Equal(t, uint64(blocks), st.TxsProcessed)
	assert.Zero(t, st.Pending)
	assert.False(t, st.IsRunning)

	assert.Equal(t, float64(blocks+1), testutil.ToFloat64(tn.metrics.blocksProduced))
	assert.Equal(t, float64(blocks+1), testutil.ToFloat64(tn.metrics.height))
	assert.Equal(t, float64(blocks), testutil.ToFloat64(tn.metrics.txs.WithLabelValues("native", statusOk)))
}

func TestAddTxChecks(t *testing.T) {
	tn := newTestNode(t, "alice")

	_, err := tn.AddTx(types.Transaction{Kind: types.TxNative})
	assert.ErrorIs(t, err, types.ErrProtocolCorruption)

	_, err = tn.AddTx(types.EvmTx([]byte{0x01, 0x02}))
	assert.ErrorIs(t, err, types.ErrProtocolCorruption)

	stx, err := codec.Sign(types.NativeTransaction{
		Receiver: types.SystemID(),
		Signer:   types.HandleID("alice"),
	}, tn.keys["alice"])
	require.NoError(t, err)
	tx := types.NativeTx(stx)
	_, err = tn.AddTx(tx)
	require.NoError(t, err)
	_, err = tn.AddTx(tx)
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.Equal(t, 1, tn.PendingCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(tn.metrics.pending))

	tn.config.MaxPending = 1
	next, err := codec.Sign(types.NativeTransaction{
		Receiver: types.SystemID(),
		Signer:   types.HandleID("alice"),
		Nonce:    1,
	}, tn.keys["alice"])
	require.NoError(t, err)
	_, err = tn.AddTx(types.NativeTx(next))
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.ErrorIs(t, err, types.ErrResourceExhaustion)
}

func TestFailedTransactionMetrics(t *testing.T) {
	tn := newTestNode(t, "alice")
	mallory, err := crypto.GenerateKey()
	require.NoError(t, err)

	stx, err := codec.Sign(types.NativeTransaction{
		Receiver: types.SystemID(),
		Calls:    []types.ContractCall{call(system.MethodCreateAccount, &system.CreateAccountArgs{Handle: "eve"})},
		Signer:   types.HandleID("alice"),
	}, mallory)
	require.NoError(t, err)
	forged, err := tn.AddTx(types.NativeTx(stx))
	require.NoError(t, err)

	b, err := tn.ProduceBlock(context.Background(), true)
	require.NoError(t, err)
	assert.Contains(t, b.Failed, forged)
	assert.Equal(t, float64(1), testutil.ToFloat64(tn.metrics.txs.WithLabelValues("native", statusFailed)))
}

func TestCancelledProductionRequeues(t *testing.T) {
	tn := newTestNode(t, "alice")
	tn.submit("alice", types.SystemID(), []types.ContractCall{
		call(system.MethodCreateAccount, &system.CreateAccountArgs{Handle: "bob"}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tn.ProduceBlock(ctx, true)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tn.PendingCount())
	assert.ErrorIs(t, tn.Status().LastError, context.Canceled)

	b := tn.produce()
	assert.Equal(t, uint64(1), b.Height)
	assert.Len(t, b.Txs, 1)
}

func TestStartProducesPeriodically(t *testing.T) {
	tn := newTestNode(t, "alice")
	tn.config.BlockInterval = 10 * time.Millisecond

	produced := make(chan *types.Block, 1)
	_, err := tn.SubscribeBlocks(func(b *types.Block) {
		select {
		case produced <- b:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, tn.Start(context.Background()))
	assert.ErrorIs(t, tn.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, tn.Status().IsRunning)

	tn.submit("alice", types.SystemID(), []types.ContractCall{
		call(system.MethodCreateAccount, &system.CreateAccountArgs{Handle: "bob"}),
	})
	select {
	case b := <-produced:
		assert.Equal(t, uint64(1), b.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("no block produced")
	}

	require.NoError(t, tn.Stop())
	assert.ErrorIs(t, tn.Stop(), ErrNotRunning)
	require.NoError(t, tn.Close())
	_, err = tn.AddTx(types.EvmTx([]byte{1}))
	assert.ErrorIs(t, err, ErrClosed)
}

// TestAMMThroughBlocks deploys two tokens and an AMM through transactions,
// seeds a pool and swaps against it, one step per block.
func TestAMMThroughBlocks(t *testing.T) {
	tn := newTestNode(t, "alice", "tka", "tkb", "amm")
	tka, tkb, amm := types.HandleID("tka"), types.HandleID("tkb"), types.HandleID("amm")

	// Block 1: each contract account deploys its own image.
	deploys := map[string][]byte{
		"tka": testprograms.TokenImage(),
		"tkb": testprograms.TokenImage(),
		"amm": testprograms.AMMImage(),
	}
	var deployTxs []types.Hash
	for handle, image := range deploys {
		deployTxs = append(deployTxs, tn.submit(handle, types.SystemID(), []types.ContractCall{
			call(system.MethodDeployContract, &system.DeployContractArgs{ImageID: codec.ImageID(image), VM: system.VMNative}),
		}, image))
	}
	b := tn.produce()
	for _, h := range deployTxs {
		assert.True(t, b.Responses[h].IsOk(), "%+v", b.Responses[h].Err)
	}
	for handle, image := range deploys {
		acc, err := tn.AccountInfo(types.HandleID(handle))
		require.NoError(t, err)
		require.True(t, acc.IsExecutable())
		assert.Equal(t, codec.ImageID(image), acc.Executable.Image)
	}

	// Block 2: mint, approve the AMM, create the pool.
	supply := *uint256.NewInt(10_000_000)
	setup := []types.Hash{
		tn.submit("alice", tka, []types.ContractCall{
			call("init", &testprograms.TokenInit{Symbol: "AAA", Supply: supply}),
			call("approve", &testprograms.TokenApprove{Spender: amm, Amount: supply}),
		}),
		tn.submit("alice", tkb, []types.ContractCall{
			call("init", &testprograms.TokenInit{Symbol: "BBB", Supply: supply}),
			call("approve", &testprograms.TokenApprove{Spender: amm, Amount: supply}),
		}),
		tn.submit("alice", amm, []types.ContractCall{
			call("init", nil),
			call("add_pool", &testprograms.AddPool{Token0: tka, Token1: tkb}),
		}),
	}
	b = tn.produce()
	for _, h := range setup {
		c := child(t, b, h)
		assert.True(t, c.Response.IsOk(), "%+v", c.Response.Err)
	}

	raw, ok, err := tn.AccountRawStorage(tka, []byte("symbol"))
	require.NoError(t, err)
	require.True(t, ok)
	var symbol string
	require.NoError(t, codec.Unmarshal(raw, &symbol))
	assert.Equal(t, "AAA", symbol)
	_, ok, err = tn.AccountRawStorage(tka, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Block 3: seed the pool.
	seed := tn.submit("alice", amm, []types.ContractCall{
		call("add_liquidity", &testprograms.AddLiquidity{
			PoolID:  0,
			Amount0: *uint256.NewInt(2_085_000),
			Amount1: *uint256.NewInt(1_000),
		}),
	})
	b = tn.produce()
	c := child(t, b, seed)
	require.True(t, c.Response.IsOk(), "%+v", c.Response.Err)
	assert.Equal(t, uint64(45661), amount(t, c.Response.Ok))
	assert.Len(t, c.CrossCalls, 2)

	// Block 4: swap.
	swap := tn.submit("alice", amm, []types.ContractCall{
		call("swap", &testprograms.Swap{PoolID: 0, Amount0In: *uint256.NewInt(100_000)}),
	})
	b = tn.produce()
	c = child(t, b, swap)
	require.True(t, c.Response.IsOk(), "%+v", c.Response.Err)
	assert.Equal(t, uint64(45), amount(t, c.Response.Ok))

	// The pool view reflects both blocks, and repeating it changes nothing.
	view := executor.NativeView(types.ContractCallContext{
		Contract: amm,
		Call:     call("get_pool", uint64(0)),
		Sender:   types.HandleID("alice"),
		Signer:   types.HandleID("alice"),
	})
	res, err := tn.ContractView(context.Background(), view)
	require.NoError(t, err)
	raw, err = res.Unwrap()
	require.NoError(t, err)
	var pool testprograms.Pool
	require.NoError(t, codec.Unmarshal(raw, &pool))
	assert.Equal(t, uint64(2_185_000), pool.Reserve0.Uint64())
	assert.Equal(t, uint64(955), pool.Reserve1.Uint64())

	again, err := tn.ContractView(context.Background(), view)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	res, err = tn.ContractView(context.Background(), executor.NativeView(types.ContractCallContext{
		Contract: tkb,
		Call:     call("balance_of", types.HandleID("alice")),
		Sender:   types.HandleID("alice"),
		Signer:   types.HandleID("alice"),
	}))
	require.NoError(t, err)
	raw, err = res.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000-1_000+45), amount(t, raw))

	latest, err := tn.LatestBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), latest.Height)
}
