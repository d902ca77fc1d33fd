package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	bdg, err := NewBadgerStore(DefaultBadgerConfig(t.TempDir()))
	require.NoError(t, err)
	blt, err := NewBoltStore(DefaultBoltConfig(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"badger": bdg,
		"bolt":   blt,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreBasics(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get([]byte("missing"))
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.Has([]byte("missing"))
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put([]byte("a"), []byte("1")))
			v, err := s.Get([]byte("a"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v)

			// Present but empty is distinct from absent.
			require.NoError(t, s.Put([]byte("empty"), []byte{}))
			ok, err = s.Has([]byte("empty"))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Flush())
		})
	}
}

func TestStoreBatchAndIterate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := NewBatch()
			b.Put([]byte("accounts.2"), []byte("b"))
			b.Put([]byte("accounts.1"), []byte("a"))
			b.Put([]byte("block_1"), []byte("x"))
			b.Put([]byte("accounts.1"), []byte("a2"))
			require.NoError(t, s.Write(b))

			var keys []string
			var values []string
			err := s.Iterate([]byte(PrefixAccounts), func(k, v []byte) error {
				keys = append(keys, string(k))
				values = append(values, string(v))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"accounts.1", "accounts.2"}, keys)
			assert.Equal(t, []string{"a2", "b"}, values)
		})
	}
}

func TestOverlay(t *testing.T) {
	base := NewMemoryStore()
	require.NoError(t, base.Put([]byte("k1"), []byte("base")))

	o := NewOverlay(base)
	require.NoError(t, o.Put([]byte("k1"), []byte("staged")))
	require.NoError(t, o.Put([]byte("k2"), []byte("new")))

	v, err := o.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("staged"), v)

	v, err = base.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("base"), v, "base must not change before commit")

	var keys []string
	require.NoError(t, o.Iterate([]byte("k"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"k1", "k2"}, keys)

	require.NoError(t, o.Commit())
	assert.Equal(t, 0, o.Pending())
	v, err = base.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestOverlayDiscard(t *testing.T) {
	base := NewMemoryStore()
	o := NewOverlay(base)
	require.NoError(t, o.Put([]byte("k"), []byte("v")))
	o.Discard()

	_, err := o.Get([]byte("k"))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, base.Len())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "accounts.7", string(AccountKey(7)))
	assert.Equal(t, "accounts_aliases.evm.0xab", string(AliasKey("evm", "0xab")))
	assert.Equal(t, "committed_storage.amm.reserve0", string(StorageKey("amm", []byte("reserve0"))))
	assert.Equal(t, "contracts_code.amm", string(CodeKey("amm")))
	assert.Equal(t, "block_12", string(BlockKey(12)))
	assert.Equal(t, "accounts.3.evm_code", string(EvmCodeKey(3)))

	assert.True(t, IsStateKey(AccountKey(1)))
	assert.True(t, IsStateKey(KeyAccountCounter))
	assert.False(t, IsStateKey(BlockKey(1)))
	assert.False(t, IsStateKey(KeyLatestBlock))
	assert.False(t, IsStateKey(TxIndexKey("ab")))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Backend: BackendBadger}.Validate(), ErrConfigInvalid)
	assert.ErrorIs(t, Config{Backend: "rocks"}.Validate(), ErrConfigInvalid)
}

func TestOverlayBatchDoesNotCommit(t *testing.T) {
	base := NewMemoryStore()
	o := NewOverlay(base)
	require.NoError(t, o.Put([]byte("b"), []byte("2")))
	require.NoError(t, o.Put([]byte("a"), []byte("1")))

	b := o.Batch()
	require.Equal(t, 2, b.Len())
	var keys []string
	require.NoError(t, b.Each(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, 2, o.Pending())
	assert.Zero(t, base.Len())

	require.NoError(t, base.Write(b))
	v, err := base.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}
