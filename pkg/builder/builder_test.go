package builder

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/multivm/internal/testprograms"
	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/blockstore"
	"github.com/fortiblox/multivm/pkg/bootstrap"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/executor"
	"github.com/fortiblox/multivm/pkg/programs/system"
	"github.com/fortiblox/multivm/pkg/sandbox"
	"github.com/fortiblox/multivm/pkg/store"
)

var alice = types.HandleID("alice")

type fixture struct {
	t        *testing.T
	st       *store.MemoryStore
	blocks   *blockstore.Blockstore
	builder  *Builder
	key      *ecdsa.PrivateKey
	outcomes map[types.Hash]*executor.Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner, err := sandbox.NewRunner(sandbox.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	blocks, err := blockstore.Open(st, blockstore.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blocks.Close() })

	genesis := store.NewOverlay(st)
	dir := accounts.NewDirectory(accounts.StoreKV{Store: genesis})
	_, err = dir.Create(accounts.CreateRequest{Handle: types.SystemHandle})
	require.NoError(t, err)
	_, err = dir.Create(accounts.CreateRequest{
		Handle:    "alice",
		PublicKey: codec.CompressedPublicKey(key),
		Balance:   *new(uint256.Int).Mul(system.CreationFee, uint256.NewInt(10)),
	})
	require.NoError(t, err)
	_, err = blocks.Genesis(genesis, 1700000000)
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		st:       st,
		blocks:   blocks,
		key:      key,
		outcomes: make(map[types.Hash]*executor.Outcome),
	}
	clock := time.Unix(1700000100, 0)
	f.builder = New(st, blocks, bootstrap.New(executor.NewDispatcher(runner, executor.Config{}), bootstrap.Config{}), Config{
		Clock: func() time.Time { return clock },
		OnTransactionComplete: func(hash types.Hash, _ *types.Transaction, out *executor.Outcome, _ error) {
			f.outcomes[hash] = out
		},
	})
	return f
}

func (f *fixture) createAccount(handle string, nonce uint64, key *ecdsa.PrivateKey) types.Transaction {
	f.t.Helper()
	stx, err := codec.Sign(types.NativeTransaction{
		Receiver: types.SystemID(),
		Calls: []types.ContractCall{
			types.NewCall(system.MethodCreateAccount, testprograms.Encode(&system.CreateAccountArgs{Handle: handle})),
		},
		Signer:       alice,
		OriginHeight: 1,
		Nonce:        nonce,
	}, key)
	require.NoError(f.t, err)
	return types.NativeTx(stx)
}

func (f *fixture) exists(handle string) bool {
	ok, err := accounts.NewDirectory(accounts.StoreKV{Store: f.st}).Exists(types.HandleID(handle))
	require.NoError(f.t, err)
	return ok
}

func txHash(t *testing.T, tx types.Transaction) types.Hash {
	h, err := codec.TxHash(&tx)
	require.NoError(t, err)
	return h
}

func TestBlockChaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		_, err := f.builder.Produce(ctx, []types.Transaction{f.createAccount("user"+string(rune('a'+i)), i, f.key)}, true)
		require.NoError(t, err)
	}
	empty, err := f.builder.Produce(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), empty.Height)
	assert.Equal(t, empty.PreRoot, empty.PostRoot)

	for h := uint64(1); h <= 4; h++ {
		b, err := f.blocks.GetBlock(h)
		require.NoError(t, err)
		parent, err := f.blocks.GetBlock(h - 1)
		require.NoError(t, err)
		assert.Equal(t, h, b.Height)
		assert.Equal(t, parent.Hash, b.ParentHash)
		assert.Equal(t, parent.PostRoot, b.PreRoot)

		hash, err := blockstore.BlockHash(b)
		require.NoError(t, err)
		assert.Equal(t, hash, b.Hash)
	}
	for _, h := range []string{"usera", "userb", "userc"} {
		assert.True(t, f.exists(h), h)
	}

	root, err := blockstore.StateRoot(f.st)
	require.NoError(t, err)
	assert.Equal(t, empty.PostRoot, root)
}

func TestFailedTransactionIsIsolated(t *testing.T) {
	f := newFixture(t)
	mallory, err := crypto.GenerateKey()
	require.NoError(t, err)

	good1 := f.createAccount("bob", 0, f.key)
	forged := f.createAccount("eve", 1, mallory)
	good2 := f.createAccount("carol", 1, f.key)

	block, err := f.builder.Produce(context.Background(), []types.Transaction{good1, forged, good2}, true)
	require.NoError(t, err)

	require.Len(t, block.TxHashes, 3)
	assert.Equal(t, []types.Hash{txHash(t, good1), txHash(t, forged), txHash(t, good2)}, block.TxHashes)
	require.Len(t, block.Failed, 1)
	assert.Contains(t, block.Failed, txHash(t, forged))
	assert.True(t, block.Responses[txHash(t, good1)].IsOk())
	assert.True(t, block.Responses[txHash(t, good2)].IsOk())
	assert.NotContains(t, block.Responses, txHash(t, forged))

	assert.True(t, f.exists("bob"))
	assert.True(t, f.exists("carol"))
	assert.False(t, f.exists("eve"))

	height, err := f.blocks.TxHeight(txHash(t, forged))
	require.NoError(t, err)
	assert.Equal(t, block.Height, height)
}

func TestContractErrorIsRecorded(t *testing.T) {
	f := newFixture(t)
	stale := f.createAccount("bob", 7, f.key)

	block, err := f.builder.Produce(context.Background(), []types.Transaction{stale}, true)
	require.NoError(t, err)
	assert.Empty(t, block.Failed)
	res := block.Responses[txHash(t, stale)]
	require.NotNil(t, res.Err)
	assert.Equal(t, types.CodeInvalidArgs, res.Err.Code)
	assert.False(t, f.exists("bob"))
}

func TestProofs(t *testing.T) {
	f := newFixture(t)
	tx := f.createAccount("bob", 0, f.key)

	block, err := f.builder.Produce(context.Background(), []types.Transaction{tx}, false)
	require.NoError(t, err)
	r := block.Receipts[txHash(t, tx)]
	assert.NotEmpty(t, r.Certificate)

	out := f.outcomes[txHash(t, tx)]
	require.NotNil(t, out)
	require.NoError(t, TraceProver{}.Verify(out))
	out.Trace.GasUsed++
	assert.ErrorIs(t, TraceProver{}.Verify(out), ErrBadCertificate)

	tx = f.createAccount("carol", 1, f.key)
	block, err = f.builder.Produce(context.Background(), []types.Transaction{tx}, true)
	require.NoError(t, err)
	assert.Empty(t, block.Receipts[txHash(t, tx)].Certificate)
}

func TestCancelledProductionPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.builder.Produce(ctx, []types.Transaction{f.createAccount("bob", 0, f.key)}, true)
	require.ErrorIs(t, err, context.Canceled)

	h, ok := f.blocks.LatestHeight()
	require.True(t, ok)
	assert.Zero(t, h)
	assert.False(t, f.exists("bob"))
}

func TestDuplicateTransactionSkipped(t *testing.T) {
	f := newFixture(t)
	tx := f.createAccount("bob", 0, f.key)

	block, err := f.builder.Produce(context.Background(), []types.Transaction{tx, tx}, true)
	require.NoError(t, err)
	assert.Len(t, block.Txs, 1)
	assert.True(t, block.Responses[txHash(t, tx)].IsOk())
}
