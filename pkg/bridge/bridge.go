// Package bridge connects a guest's storage callbacks to the content store.
//
// Each invocation gets its own Bridge: a scoped view over its caller's state
// with an uncommitted write layer. Reads see the invocation's own writes
// first; the writes reach the caller's state only through Commit, which the
// dispatcher calls after a successful commitment.
package bridge

import (
	"errors"
	"fmt"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/accounts"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/sandbox"
	"github.com/fortiblox/multivm/pkg/store"
)

// ErrHashMismatch is returned when a SET_STORAGE value does not match its hash.
var ErrHashMismatch = fmt.Errorf("%w: storage value hash mismatch", types.ErrProtocolCorruption)

// Scope decides where a guest's keys live in the store.
type Scope struct {
	// Raw scopes see store keys unchanged. Only the system program and the
	// EVM contracts it hosts run with a raw scope.
	Raw bool
	// Owner prefixes keys as committed_storage.<Owner>.<key>.
	Owner string
}

// SystemScope is the unprefixed scope of the system account.
func SystemScope() Scope {
	return Scope{Raw: true}
}

// OwnerScope is the private scope of a contract.
func OwnerScope(owner string) Scope {
	return Scope{Owner: owner}
}

// ScopeOf returns the scope a contract account runs in.
func ScopeOf(acc *accounts.Account) Scope {
	if acc.IsSystem() || (acc.Executable != nil && acc.Executable.Kind == accounts.ExecEvm) {
		return SystemScope()
	}
	return OwnerScope(acc.Owner())
}

// Key maps a guest key to a store key.
func (s Scope) Key(key []byte) []byte {
	if s.Raw {
		return key
	}
	return store.StorageKey(s.Owner, key)
}

func (s Scope) String() string {
	if s.Raw {
		return "system"
	}
	return s.Owner
}

// Bridge is one invocation's storage view.
type Bridge struct {
	view     *store.Overlay
	scope    Scope
	readOnly bool
}

// New creates a bridge over parent. A read-only bridge accepts writes (so
// guests behave the same as in a transaction) but never commits them.
func New(parent store.Store, scope Scope, readOnly bool) *Bridge {
	return &Bridge{
		view:     store.NewOverlay(parent),
		scope:    scope,
		readOnly: readOnly,
	}
}

// Scope returns the bridge's scope.
func (b *Bridge) Scope() Scope {
	return b.scope
}

// View returns the invocation's state, including uncommitted writes. Nested
// invocations are layered on it.
func (b *Bridge) View() store.Store {
	return b.view
}

// Read returns the value of key in scope. Absent keys report false; a
// present empty value reports true.
func (b *Bridge) Read(key []byte) ([]byte, bool, error) {
	v, err := b.view.Get(b.scope.Key(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Write stages key = value in scope.
func (b *Bridge) Write(key, value []byte) error {
	return b.view.Put(b.scope.Key(key), value)
}

// Pending returns the number of staged keys.
func (b *Bridge) Pending() int {
	return b.view.Pending()
}

// Commit applies staged writes to the parent in one batch. Read-only
// bridges discard instead.
func (b *Bridge) Commit() error {
	if b.readOnly {
		b.view.Discard()
		return nil
	}
	return b.view.Commit()
}

// Discard drops staged writes.
func (b *Bridge) Discard() {
	b.view.Discard()
}

// GetStorage serves the GET_STORAGE callback.
func (b *Bridge) GetStorage(req []byte) ([]byte, error) {
	var r sandbox.GetStorageRequest
	if err := codec.Unmarshal(req, &r); err != nil {
		return nil, err
	}
	v, found, err := b.Read(r.Key)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(&sandbox.GetStorageResponse{Value: v, Found: found})
}

// SetStorage serves the SET_STORAGE callback.
func (b *Bridge) SetStorage(req []byte) ([]byte, error) {
	var r sandbox.SetStorageRequest
	if err := codec.Unmarshal(req, &r); err != nil {
		return nil, err
	}
	if codec.Hash(r.Value) != r.Hash {
		return nil, fmt.Errorf("%w: key %q", ErrHashMismatch, r.Key)
	}
	if err := b.Write(r.Key, r.Value); err != nil {
		return nil, err
	}
	return nil, nil
}

// Host returns the storage callbacks backed by this bridge.
func (b *Bridge) Host() sandbox.Host {
	return sandbox.Host{
		sandbox.CallbackGetStorage: b.GetStorage,
		sandbox.CallbackSetStorage: b.SetStorage,
	}
}
