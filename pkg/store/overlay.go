package store

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// Overlay is an uncommitted write layer over a base Store. Reads see the
// overlay's own writes first; the base is only modified by Commit, which
// applies every pending write in one atomic batch.
//
// A block builder gives each transaction its own Overlay so that an
// infrastructure failure in one transaction discards exactly its writes.
type Overlay struct {
	base Store

	mu     sync.RWMutex
	writes map[string][]byte
}

// NewOverlay creates an empty overlay over base.
func NewOverlay(base Store) *Overlay {
	return &Overlay{
		base:   base,
		writes: make(map[string][]byte),
	}
}

// Get implements Store.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	v, ok := o.writes[string(key)]
	o.mu.RUnlock()
	if ok {
		return append([]byte(nil), v...), nil
	}
	return o.base.Get(key)
}

// Has implements Store.
func (o *Overlay) Has(key []byte) (bool, error) {
	o.mu.RLock()
	_, ok := o.writes[string(key)]
	o.mu.RUnlock()
	if ok {
		return true, nil
	}
	return o.base.Has(key)
}

// Put implements Store.
func (o *Overlay) Put(key, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Write implements Store.
func (o *Overlay) Write(b *Batch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range b.ops {
		o.writes[string(op.key)] = op.value
	}
	return nil
}

// Iterate implements Store, merging pending writes over the base in key order.
func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := o.base.Iterate(prefix, func(key, value []byte) error {
		merged[string(key)] = value
		return nil
	})
	if err != nil {
		return err
	}

	o.mu.RLock()
	for k, v := range o.writes {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	o.mu.RUnlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of uncommitted keys.
func (o *Overlay) Pending() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.writes)
}

// Batch returns the pending writes as a batch in key order without
// committing them.
func (o *Overlay) Batch() *Batch {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.batchLocked()
}

func (o *Overlay) batchLocked() *Batch {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := NewBatch()
	for _, k := range keys {
		batch.Put([]byte(k), o.writes[k])
	}
	return batch
}

// Commit writes every pending key to the base store in one batch and clears
// the overlay.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.writes) == 0 {
		return nil
	}
	if err := o.base.Write(o.batchLocked()); err != nil {
		return err
	}
	o.writes = make(map[string][]byte)
	return nil
}

// Discard drops every pending write.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = make(map[string][]byte)
}

// Flush implements Store. Pending writes stay in the overlay until Commit.
func (o *Overlay) Flush() error {
	return nil
}

// Close implements Store by discarding pending writes. The base store is
// left open.
func (o *Overlay) Close() error {
	o.Discard()
	return nil
}

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var _ Store = (*Overlay)(nil)
