package consensus

import (
	"sync"
	"sync/atomic"

	"github.com/go-errors/errors"
	"github.com/bftnetwork/bftd/stats"
)

// ErrSeqExhausted is returned when the primary has issued every sequence
// number the water mark admits; the caller rejects the batch with an error
// response and the primary stays healthy.
var ErrSeqExhausted = errors.New("sequence numbers exhausted inside the " +
	"water mark")

// Sequencer issues monotonic sequence numbers on the primary, refusing to
// run further than maxInFlight ahead of execution. Backups never call it;
// they read sequences off the primary's pre-prepares.
type Sequencer struct {
	mtx     sync.Mutex
	nextSeq uint64

	maxInFlight uint64

	// executedSeq reports the executor's progress: the last retired
	// sequence.
	executedSeq func() uint64

	// stableSeq mirrors the latest stable checkpoint, maintained by the
	// checkpoint manager as the low water mark.
	stableSeq uint64

	stats stats.Collector
}

// NewSequencer creates a sequencer starting at sequence 1. executedSeq
// must report the executor's last retired sequence.
func NewSequencer(maxInFlight uint64, executedSeq func() uint64,
	statsc stats.Collector) *Sequencer {

	if statsc == nil {
		statsc = stats.NoOp()
	}
	return &Sequencer{
		nextSeq:     1,
		maxInFlight: maxInFlight,
		executedSeq: executedSeq,
		stats:       statsc,
	}
}

// Next issues the next sequence number, or ErrSeqExhausted when the
// distance to the executor's progress exceeds the water mark.
func (s *Sequencer) Next() (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	executed := s.executedSeq()
	s.stats.ObserveSeqGap(s.nextSeq - executed)
	if s.nextSeq-executed > s.maxInFlight {
		return 0, ErrSeqExhausted
	}

	seq := s.nextSeq
	s.nextSeq++
	return seq, nil
}

// SetNext repositions the issue point, used when a replica assumes the
// primary role at a known execution state.
func (s *Sequencer) SetNext(seq uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.nextSeq = seq
}

// AdvanceStable raises the low water mark to the given stable checkpoint.
// The mark never regresses.
func (s *Sequencer) AdvanceStable(seq uint64) {
	for {
		current := atomic.LoadUint64(&s.stableSeq)
		if seq <= current {
			return
		}
		if atomic.CompareAndSwapUint64(&s.stableSeq, current, seq) {
			return
		}
	}
}

// StableSeq returns the current low water mark.
func (s *Sequencer) StableSeq() uint64 {
	return atomic.LoadUint64(&s.stableSeq)
}
