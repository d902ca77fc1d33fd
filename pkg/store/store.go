// Package store provides the ordered key-value ContentStore behind the
// multivm ledger.
//
// All state lives in one flat keyspace of dot-joined path keys (see keys.go).
// Implementations:
// - MemoryStore: map-backed, for tests and ephemeral nodes
// - BadgerStore: LSM-backed persistent store
// - BoltStore: B+tree-backed persistent store
// - Overlay: an uncommitted write layer over another Store
//
// Multi-key updates go through Write with a Batch so that either every key
// of the batch becomes visible or none does.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrConfigInvalid is returned for an invalid store configuration.
	ErrConfigInvalid = errors.New("invalid store config")
)

// Store is an ordered key-value store.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Has reports whether key exists.
	Has(key []byte) (bool, error)

	// Put stores value at key.
	Put(key, value []byte) error

	// Write applies every operation of the batch atomically.
	Write(b *Batch) error

	// Iterate calls fn for every key with the given prefix in ascending key
	// order. Returning an error from fn stops iteration.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	// Flush persists buffered writes.
	Flush() error

	// Close releases the store.
	Close() error
}

type batchOp struct {
	key   []byte
	value []byte
}

// Batch collects puts to be applied atomically. Later puts to the same key
// win.
type Batch struct {
	ops []batchOp
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put adds a write to the batch.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Each calls fn for every operation in insertion order.
func (b *Batch) Each(fn func(key, value []byte) error) error {
	for _, op := range b.ops {
		if err := fn(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Has implements Store.
func (m *MemoryStore) Has(key []byte) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[string(key)]
	return ok, nil
}

// Put implements Store.
func (m *MemoryStore) Put(key, value []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Write implements Store.
func (m *MemoryStore) Write(b *Batch) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range b.ops {
		m.data[string(op.key)] = op.value
	}
	return nil
}

// Iterate implements Store.
func (m *MemoryStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if m.closed.Load() {
		return ErrClosed
	}

	// Snapshot under the lock so fn may call back into the store.
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	values := make(map[string][]byte)
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
			values[k] = v
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Flush implements Store. Memory stores have nothing to persist.
func (m *MemoryStore) Flush() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// Len returns the number of keys held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
)

// Config selects and configures a Store backend.
type Config struct {
	// Backend is one of "memory", "badger" or "bolt".
	Backend string

	// Path is the directory (badger) or file (bolt) path.
	Path string

	// SyncWrites makes every write durable before returning.
	SyncWrites bool
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{Backend: BackendMemory}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendBadger, BackendBolt:
		if c.Path == "" {
			return fmt.Errorf("%w: %s backend requires a path", ErrConfigInvalid, c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrConfigInvalid, c.Backend)
	}
}

// Open creates the Store described by cfg.
func Open(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendBadger:
		bcfg := DefaultBadgerConfig(cfg.Path)
		bcfg.SyncWrites = cfg.SyncWrites
		return NewBadgerStore(bcfg)
	case BackendBolt:
		bcfg := DefaultBoltConfig(cfg.Path)
		bcfg.NoSync = !cfg.SyncWrites
		return NewBoltStore(bcfg)
	default:
		return NewMemoryStore(), nil
	}
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
