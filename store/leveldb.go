package store

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// DefaultWriteBatchSize is the number of buffered writes after which the
// leveldb backend flushes its batch automatically.
const DefaultWriteBatchSize = 128

// LevelDBConfig carries the tunables of the leveldb backend, mirroring the
// leveldb_info block of the replica config.
type LevelDBConfig struct {
	// Path is the on-disk database directory.
	Path string `json:"path"`

	// WriteBatchSize is the flush threshold for buffered writes. Zero
	// selects DefaultWriteBatchSize.
	WriteBatchSize int `json:"write_batch_size"`
}

// LevelDB is a durable Store over goleveldb. Writes are buffered into a
// batch and flushed every WriteBatchSize puts; reads consult the buffer
// first so a replica always sees its own writes.
type LevelDB struct {
	db *leveldb.DB

	mtx       sync.Mutex
	batch     *leveldb.Batch
	buffered  map[string][]byte
	batchSize int
}

// A compile time check to ensure LevelDB implements the Store interface.
var _ Store = (*LevelDB)(nil)

// OpenLevelDB opens (creating if needed) the leveldb database described by
// cfg.
func OpenLevelDB(cfg *LevelDBConfig) (*LevelDB, error) {
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, err
	}

	batchSize := cfg.WriteBatchSize
	if batchSize <= 0 {
		batchSize = DefaultWriteBatchSize
	}

	return &LevelDB{
		db:        db,
		batch:     new(leveldb.Batch),
		buffered:  make(map[string][]byte),
		batchSize: batchSize,
	}, nil
}

// Put buffers the write and flushes when the batch threshold is reached.
//
// This is part of the Store interface.
func (l *LevelDB) Put(key string, value []byte) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	valueCopy := append([]byte(nil), value...)
	l.batch.Put([]byte(key), valueCopy)
	l.buffered[key] = valueCopy

	if l.batch.Len() >= l.batchSize {
		return l.flushLocked()
	}
	return nil
}

// Get returns the value stored under key, consulting the write buffer
// before the database.
//
// This is part of the Store interface.
func (l *LevelDB) Get(key string) ([]byte, error) {
	l.mtx.Lock()
	if value, ok := l.buffered[key]; ok {
		l.mtx.Unlock()
		return append([]byte(nil), value...), nil
	}
	l.mtx.Unlock()

	value, err := l.db.Get([]byte(key), nil)
	switch {
	case err == leveldb.ErrNotFound:
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, err
	}
	return value, nil
}

// Range returns all pairs with min <= key <= max in key order. Buffered
// writes are flushed first so the iterator sees a consistent view.
//
// This is part of the Store interface.
func (l *LevelDB) Range(min, max string) ([]KV, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	iter := l.db.NewIterator(&util.Range{Start: []byte(min)}, nil)
	defer iter.Release()

	var kvs []KV
	for iter.Next() {
		key := string(iter.Key())
		if key > max {
			break
		}
		kvs = append(kvs, KV{
			Key:   key,
			Value: append([]byte(nil), iter.Value()...),
		})
	}
	return kvs, iter.Error()
}

// Flush writes the buffered batch to disk.
//
// This is part of the Store interface.
func (l *LevelDB) Flush() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.flushLocked()
}

// flushLocked writes and resets the batch. The caller must hold mtx.
func (l *LevelDB) flushLocked() error {
	if l.batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(l.batch, nil); err != nil {
		return err
	}
	l.batch.Reset()
	l.buffered = make(map[string][]byte)
	return nil
}

// Close flushes and closes the database.
//
// This is part of the Store interface.
func (l *LevelDB) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.db.Close()
}
