package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// kvBucket is the single bucket all application state lives in.
var kvBucket = []byte("kv-state")

// BoltConfig carries the tunables of the bolt backend, mirroring the
// bolt_info block of the replica config.
type BoltConfig struct {
	// Path is the on-disk database file.
	Path string `json:"path"`
}

// BoltStore is a durable Store over bbolt. Every put is its own
// transaction, synced to disk when it commits.
type BoltStore struct {
	db *bolt.DB
}

// A compile time check to ensure BoltStore implements the Store interface.
var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) the bolt database described by cfg.
func OpenBolt(cfg *BoltConfig) (*BoltStore, error) {
	db, err := bolt.Open(cfg.Path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Put stores value under key.
//
// This is part of the Store interface.
func (b *BoltStore) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), value)
	})
}

// Get returns the value stored under key.
//
// This is part of the Store interface.
func (b *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(kvBucket).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Range returns all pairs with min <= key <= max in key order.
//
// This is part of the Store interface.
func (b *BoltStore) Range(min, max string) ([]KV, error) {
	var kvs []KV
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		maxKey := []byte(max)
		for k, v := c.Seek([]byte(min)); k != nil; k, v = c.Next() {
			if bytes.Compare(k, maxKey) > 0 {
				break
			}
			kvs = append(kvs, KV{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kvs, nil
}

// Flush is a no-op: bolt transactions are durable on commit.
//
// This is part of the Store interface.
func (b *BoltStore) Flush() error {
	return nil
}

// Close closes the database file.
//
// This is part of the Store interface.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
