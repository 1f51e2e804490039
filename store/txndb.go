package store

import (
	"encoding/binary"
	"sync"
)

// txnKeyPrefix namespaces committed transactions inside a shared store.
const txnKeyPrefix = "txn/"

// txnKey returns the store key for the transaction committed at seq. The
// big-endian encoding keeps range scans in sequence order.
func txnKey(seq uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return txnKeyPrefix + string(buf[:])
}

// TxnDB is the committed transaction log backing range queries. It records
// the ordered batch body for every executed sequence, caching the high
// water mark so queries past the log end fail fast.
type TxnDB struct {
	store Store

	mtx    sync.RWMutex
	maxSeq uint64
}

// NewTxnDB wraps a Store as a transaction log. The store may be shared with
// the executor; transaction keys are prefixed.
func NewTxnDB(s Store) *TxnDB {
	return &TxnDB{store: s}
}

// Put records the batch body committed at seq.
func (t *TxnDB) Put(seq uint64, data []byte) error {
	if err := t.store.Put(txnKey(seq), data); err != nil {
		return err
	}

	t.mtx.Lock()
	if seq > t.maxSeq {
		t.maxSeq = seq
	}
	t.mtx.Unlock()
	return nil
}

// Get returns the batch body committed at seq, or ErrKeyNotFound.
func (t *TxnDB) Get(seq uint64) ([]byte, error) {
	t.mtx.RLock()
	maxSeq := t.maxSeq
	t.mtx.RUnlock()
	if seq > maxSeq {
		return nil, ErrKeyNotFound
	}
	return t.store.Get(txnKey(seq))
}

// MaxSeq returns the highest recorded sequence.
func (t *TxnDB) MaxSeq() uint64 {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.maxSeq
}
