package consensus

import (
	"sync/atomic"
)

// poolCapacity returns the smallest power of two strictly greater than
// size.
func poolCapacity(size uint32) uint32 {
	var i uint32
	for i = 0; (1 << i) <= size; i++ {
	}
	return 1 << i
}

// CollectorPool is a double-buffered ring of collectors indexed by sequence
// number. The ring holds capacity*2 slots so that while sequence s is still
// live in slot s&mask, its sibling slot s^capacity already holds s+capacity
// ready for admission. Slot replacement is the only inter-slot operation
// and is a lone atomic store; everything inside a slot is serialised by the
// collector's own mutex.
type CollectorPool struct {
	name     string
	capacity uint32
	mask     uint32
	slots    []atomic.Pointer[Collector]

	newCollector func(seq uint64) *Collector
}

// NewCollectorPool creates a pool sized for size in-flight sequences.
// newCollector builds the collector bound to a given sequence; it is also
// used to populate the initial window starting at sequence zero.
func NewCollectorPool(name string, size uint32,
	newCollector func(seq uint64) *Collector) *CollectorPool {

	capacity := poolCapacity(size * 2)
	p := &CollectorPool{
		name:         name,
		capacity:     capacity,
		mask:         capacity<<1 - 1,
		slots:        make([]atomic.Pointer[Collector], capacity<<1),
		newCollector: newCollector,
	}
	for i := uint64(0); i < uint64(capacity)<<1; i++ {
		p.slots[i].Store(newCollector(i))
	}

	log.Debugf("collector pool %v created, capacity=%d", name, capacity)
	return p
}

// Capacity returns the single-buffer capacity of the pool.
func (p *CollectorPool) Capacity() uint32 {
	return p.capacity
}

// Get returns the collector at seq's slot. The returned reference stays
// stable until the slot is rotated past seq.
func (p *CollectorPool) Get(seq uint64) *Collector {
	return p.slots[uint32(seq)&p.mask].Load()
}

// Rotate is invoked after seq's commit has been absorbed: it replaces the
// sibling slot with a fresh collector for seq+capacity, making that
// sequence admissible. A stale call whose seq no longer matches the slot
// is a no-op, so replayed rotations are harmless.
func (p *CollectorPool) Rotate(seq uint64) {
	idx := uint32(seq) & p.mask
	if p.slots[idx].Load().Seq() != seq {
		log.Debugf("pool %v: stale rotate for seq %d skipped",
			p.name, seq)
		return
	}
	p.slots[idx^p.capacity].Store(p.newCollector(seq + uint64(p.capacity)))
}
