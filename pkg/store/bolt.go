package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketState holds every key of the store.
var bucketState = []byte("state")

// BoltConfig holds BoltDB configuration options.
type BoltConfig struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultBoltConfig returns the default BoltDB configuration.
func DefaultBoltConfig(path string) BoltConfig {
	return BoltConfig{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// BoltStore is a BoltDB-backed Store. Each Write runs in one bolt
// read-write transaction.
type BoltStore struct {
	db     *bolt.DB
	closed atomic.Bool
}

// NewBoltStore opens or creates a BoltDB-backed store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get implements Store.
func (s *BoltStore) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get(key)
		if v == nil {
			return ErrNotFound
		}
		// Bolt values are only valid for the life of the transaction.
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Has implements Store.
func (s *BoltStore) Has(key []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketState).Get(key) != nil
		return nil
	})
	return ok, err
}

// Put implements Store.
func (s *BoltStore) Put(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(key, value)
	})
}

// Write implements Store.
func (s *BoltStore) Write(batch *Batch) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		for _, op := range batch.ops {
			if err := b.Put(op.key, op.value); err != nil {
				return fmt.Errorf("put %q: %w", op.key, err)
			}
		}
		return nil
	})
}

// Iterate implements Store.
func (s *BoltStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketState).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(append([]byte{}, k...), append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush implements Store.
func (s *BoltStore) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close implements Store.
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
