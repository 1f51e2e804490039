package consensus

import (
	"sync"
	"sync/atomic"

	"github.com/bftnetwork/bftd/bftwire"
)

// Status is the per-sequence transaction state. Transitions only ever move
// forward and are applied with CAS on a single atomic word.
type Status uint32

const (
	// StatusNone means no canonical proposal has been absorbed yet.
	StatusNone Status = iota

	// StatusPrePrepared means the canonical proposal is set.
	StatusPrePrepared

	// StatusPrepared means 2f+1 prepare votes were counted.
	StatusPrepared

	// StatusCommitted means 2f+1 commit votes were counted.
	StatusCommitted

	// StatusExecuted means the request was handed to the executor. No
	// further transition is possible.
	StatusExecuted
)

// String returns a human readable status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusPrePrepared:
		return "PrePrepared"
	case StatusPrepared:
		return "Prepared"
	case StatusCommitted:
		return "Committed"
	case StatusExecuted:
		return "Executed"
	default:
		return "Unknown"
	}
}

// VoteResult is the status code a handler reports back to the dispatcher.
type VoteResult uint8

const (
	// VoteInvalid means the message was rejected and dropped; the
	// dispatcher ignores it and continues.
	VoteInvalid VoteResult = iota

	// VoteOK means the message was absorbed without changing state.
	VoteOK

	// VoteStateChanged means absorbing the message advanced the
	// collector's state machine.
	VoteStateChanged
)

// maxSenders bounds the replica ids a vote book can track.
const maxSenders = 256

// senderSet is a fixed bitset of replica ids that contributed a vote.
type senderSet struct {
	bits [maxSenders / 64]uint64
}

// add records id and reports whether it was newly added.
func (s *senderSet) add(id uint32) bool {
	if id >= maxSenders {
		return false
	}
	word, bit := id/64, uint64(1)<<(id%64)
	if s.bits[word]&bit != 0 {
		return false
	}
	s.bits[word] |= bit
	return true
}

// count returns the number of distinct ids recorded.
func (s *senderSet) count() int {
	total := 0
	for _, word := range s.bits {
		for ; word != 0; word &= word - 1 {
			total++
		}
	}
	return total
}

// ClientContext ties one batched sub request back to the client connection
// awaiting its reply.
type ClientContext struct {
	// Reply writes a response request back to the originating client.
	Reply func(resp *bftwire.Request) error

	// SubIndex is the sub request's position inside its batch.
	SubIndex int
}

// VoteInfo is one absorbed message together with the envelope signature it
// arrived under, kept as view-change evidence.
type VoteInfo struct {
	Request   *bftwire.Request
	Signature bftwire.Signature
}

// TransitionPolicy decides whether absorbing one more vote of msgType with
// the given distinct-sender count advances the collector. Implementations
// apply the transition through Collector.Transition so the decision and the
// state change stay a single CAS.
type TransitionPolicy func(msgType bftwire.RequestType, count int,
	c *Collector) bool

// Collector drives a single sequence number through the transaction state
// machine. The status word is a lone atomic; the vote books are guarded by
// a per-collector mutex. A collector accepts at most one canonical
// proposal, and once executed it absorbs nothing further.
type Collector struct {
	seq uint64

	// status holds a Status value. All transitions are CAS.
	status uint32

	// mainState guards the one-shot main request slot: 0 empty, 1 being
	// set, 2 set.
	mainState uint32

	main    *bftwire.Request
	mainSig bftwire.Signature

	// commit is invoked exactly once when the collector reaches the
	// executed state, with the canonical request and any gathered
	// commit certificates. May be nil for vote-only collectors.
	commit func(req *bftwire.Request)

	enableViewChange bool

	mtx           sync.Mutex
	senders       [bftwire.NumRequestTypes]senderSet
	commitCerts   []bftwire.Signature
	preparedProof []VoteInfo
	contexts      []*ClientContext
}

// NewCollector creates a collector for seq. commit, when non-nil, receives
// the canonical request once the sequence commits.
func NewCollector(seq uint64, enableViewChange bool,
	commit func(req *bftwire.Request)) *Collector {

	return &Collector{
		seq:              seq,
		commit:           commit,
		enableViewChange: enableViewChange,
	}
}

// Seq returns the sequence this collector is bound to.
func (c *Collector) Seq() uint64 {
	return c.seq
}

// Status returns the current state.
func (c *Collector) Status() Status {
	return Status(atomic.LoadUint32(&c.status))
}

// Transition atomically moves the status from old to new, reporting whether
// this call performed the move.
func (c *Collector) Transition(old, new Status) bool {
	return atomic.CompareAndSwapUint32(
		&c.status, uint32(old), uint32(new),
	)
}

// MainRequest returns the canonical proposal, or nil while unset.
func (c *Collector) MainRequest() *bftwire.Request {
	if atomic.LoadUint32(&c.mainState) != 2 {
		return nil
	}
	return c.main
}

// SetContextList stores the client contexts awaiting replies for id. A
// mismatched id is a no-op so stale callers cannot cross wires.
func (c *Collector) SetContextList(id uint64,
	contexts []*ClientContext) bool {

	if id != c.seq {
		return false
	}
	c.mtx.Lock()
	c.contexts = contexts
	c.mtx.Unlock()
	return true
}

// FetchContextList removes and returns the stored client contexts for id.
func (c *Collector) FetchContextList(id uint64) []*ClientContext {
	if id != c.seq {
		return nil
	}
	c.mtx.Lock()
	contexts := c.contexts
	c.contexts = nil
	c.mtx.Unlock()
	return contexts
}

// PreparedProof returns a snapshot of the pre-prepare plus the prepare
// votes absorbed while the collector sat in the pre-prepared state. Only
// populated when view change evidence is enabled.
func (c *Collector) PreparedProof() []VoteInfo {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	proof := make([]VoteInfo, len(c.preparedProof))
	copy(proof, c.preparedProof)
	return proof
}

// AddRequest absorbs one consensus message. The main request (the
// pre-prepare) is admitted at most once; votes are deduplicated per
// (type, sender). policy is consulted with the updated distinct-sender
// count and applies any transition itself.
func (c *Collector) AddRequest(req *bftwire.Request, sig bftwire.Signature,
	isMain bool, policy TransitionPolicy) VoteResult {

	if req == nil {
		return VoteInvalid
	}
	if c.Status() == StatusExecuted {
		return VoteInvalid
	}
	if req.Seq != c.seq {
		log.Tracef("collector seq mismatch: got %d, bound to %d",
			req.Seq, c.seq)
		return VoteInvalid
	}

	if isMain {
		return c.addMain(req, sig, policy)
	}
	return c.addVote(req, sig, policy)
}

// addMain admits the canonical proposal with a one-shot CAS guard.
func (c *Collector) addMain(req *bftwire.Request, sig bftwire.Signature,
	policy TransitionPolicy) VoteResult {

	if !atomic.CompareAndSwapUint32(&c.mainState, 0, 1) {
		log.Debugf("duplicate main request for seq %d dropped",
			req.Seq)
		return VoteInvalid
	}
	c.main = req
	c.mainSig = sig
	atomic.StoreUint32(&c.mainState, 2)

	if c.enableViewChange {
		c.mtx.Lock()
		c.preparedProof = append(c.preparedProof, VoteInfo{
			Request:   req,
			Signature: sig,
		})
		c.mtx.Unlock()
	}

	if policy(req.Type, 1, c) {
		return VoteStateChanged
	}
	return VoteOK
}

// addVote records a non-main vote.
func (c *Collector) addVote(req *bftwire.Request, sig bftwire.Signature,
	policy TransitionPolicy) VoteResult {

	c.mtx.Lock()
	if !c.senders[voteBook(req.Type)].add(req.SenderID) {
		// Duplicate votes from the same sender advance no counter.
		c.mtx.Unlock()
		return VoteOK
	}

	// Snapshot prepare votes as view-change evidence while the slot is
	// still gathering its prepared certificate.
	if c.enableViewChange && req.Type == bftwire.TypePrepare &&
		c.Status() == StatusPrePrepared {

		c.preparedProof = append(c.preparedProof, VoteInfo{
			Request:   req,
			Signature: sig,
		})
	}

	// Commit votes may carry a signature over the request hash when
	// quorum certificates are enabled; gather them for the certificate
	// attached to the executed request.
	if req.Type == bftwire.TypeCommit && !req.DataSignature.IsEmpty() {
		c.commitCerts = append(c.commitCerts, req.DataSignature)
	}

	count := c.senders[voteBook(req.Type)].count()
	c.mtx.Unlock()

	if !policy(req.Type, count, c) {
		return VoteOK
	}

	// The commit quorum hands the sequence to the executor exactly once.
	if c.Status() == StatusCommitted {
		c.execute()
	}
	return VoteStateChanged
}

// execute linearises the hand-off to the executor: whichever caller wins
// the final CAS enqueues the canonical request, with the gathered commit
// certificates attached.
func (c *Collector) execute() {
	if !c.Transition(StatusCommitted, StatusExecuted) {
		return
	}

	main := c.MainRequest()
	if main == nil {
		log.Errorf("seq %d committed without a main request", c.seq)
		return
	}

	c.mtx.Lock()
	if len(c.commitCerts) > 0 {
		main.CommittedCerts = append(
			main.CommittedCerts, c.commitCerts...,
		)
	}
	c.mtx.Unlock()

	if c.commit != nil {
		c.commit(main)
	}
}

// voteBook clamps a request type into the vote book array.
func voteBook(t bftwire.RequestType) int {
	if int(t) >= bftwire.NumRequestTypes {
		return 0
	}
	return int(t)
}
