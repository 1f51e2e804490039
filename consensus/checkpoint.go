package consensus

import (
	"bytes"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/bftnetwork/bftd/bftwire"
)

// DefaultCheckpointWindow is the number of commits between frozen block
// digests when the config leaves the water-mark window unset.
const DefaultCheckpointWindow = 5

// CheckpointConfig wires the checkpoint manager to its collaborators.
type CheckpointConfig struct {
	// SelfID is the local replica id stamped on checkpoint broadcasts.
	SelfID uint32

	// Quorum supplies the 2f+1 stabilisation threshold.
	Quorum Quorum

	// Window is the number of commits between block freezes. Zero
	// selects DefaultCheckpointWindow.
	Window uint64

	// Broadcaster carries CHECKPOINT messages to the replica set. Nil
	// disables broadcasting (vote-only operation in tests).
	Broadcaster Broadcaster

	// BroadcastTicker paces the broadcaster task.
	BroadcastTicker ticker.Ticker

	// OnStable is invoked whenever the stable checkpoint advances.
	OnStable func(seq uint64)
}

// checkpointTally gathers CHECKPOINT votes for one sequence, keyed by the
// digest they carry.
type checkpointTally struct {
	senders senderSet
	byHash  map[string]int
}

// CheckpointManager maintains the rolling digest chain over committed
// requests, freezes a block digest every window commits, broadcasts the
// frozen digest, and stabilises checkpoints once 2f+1 replicas agree. The
// chain is single-writer (the executor's completion hook); the broadcaster
// task and vote handlers are concurrent readers.
type CheckpointManager struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg CheckpointConfig

	// stableSeq is the largest stabilised sequence. Monotone.
	stableSeq uint64 // atomic

	chainMtx        sync.Mutex
	lastSeq         uint64
	lastHash        []byte
	lastBlockHash   []byte
	currentBlockSeq uint64

	talliesMtx sync.Mutex
	tallies    map[uint64]*checkpointTally

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewCheckpointManager creates a checkpoint manager.
func NewCheckpointManager(cfg CheckpointConfig) *CheckpointManager {
	if cfg.Window == 0 {
		cfg.Window = DefaultCheckpointWindow
	}
	return &CheckpointManager{
		cfg:     cfg,
		tallies: make(map[uint64]*checkpointTally),
		quit:    make(chan struct{}),
	}
}

// Start launches the broadcaster task when a broadcaster is attached.
func (c *CheckpointManager) Start() error {
	if atomic.AddInt32(&c.started, 1) != 1 {
		return nil
	}

	if c.cfg.Broadcaster != nil && c.cfg.BroadcastTicker != nil {
		c.cfg.BroadcastTicker.Resume()
		c.wg.Add(1)
		go c.broadcastLoop()
	}
	return nil
}

// Stop signals the broadcaster task and blocks until it unwinds.
func (c *CheckpointManager) Stop() error {
	if atomic.AddInt32(&c.shutdown, 1) != 1 {
		return nil
	}

	close(c.quit)
	c.wg.Wait()
	if c.cfg.BroadcastTicker != nil {
		c.cfg.BroadcastTicker.Stop()
	}
	return nil
}

// AddCommitData absorbs a committed request into the digest chain. Commits
// must arrive in strictly increasing sequence order with no gaps; the
// executor's in-order completion hook is the only writer.
func (c *CheckpointManager) AddCommitData(req *bftwire.Request) {
	c.chainMtx.Lock()
	defer c.chainMtx.Unlock()

	if req.Seq != c.lastSeq+1 {
		log.Errorf("checkpoint chain gap: got seq %d, last %d",
			req.Seq, c.lastSeq)
	}
	c.lastSeq++

	requestHash := req.Hash
	if len(requestHash) == 0 {
		requestHash = bftwire.RequestDigest(req.Data)
	}

	info := &bftwire.HashInfo{
		LastHash:      c.lastHash,
		CurrentHash:   requestHash,
		LastBlockHash: c.lastBlockHash,
	}
	digest, err := info.Digest()
	if err != nil {
		log.Errorf("unable to extend checkpoint chain at seq %d: %v",
			c.lastSeq, err)
		return
	}
	c.lastHash = digest

	// Freeze the block digest at every window boundary.
	if c.lastSeq%c.cfg.Window == 0 {
		c.currentBlockSeq = c.lastSeq
		c.lastBlockHash = digest
		log.Debugf("checkpoint block frozen at seq %d, hash %x",
			c.currentBlockSeq, digest)
	}
}

// CheckpointData returns the latest frozen block digest.
func (c *CheckpointManager) CheckpointData() *bftwire.CheckpointData {
	c.chainMtx.Lock()
	defer c.chainMtx.Unlock()

	return &bftwire.CheckpointData{
		Seq:  c.currentBlockSeq,
		Hash: append([]byte(nil), c.lastBlockHash...),
	}
}

// MaxCommittedSeq returns the highest sequence absorbed into the chain.
func (c *CheckpointManager) MaxCommittedSeq() uint64 {
	c.chainMtx.Lock()
	defer c.chainMtx.Unlock()
	return c.lastSeq
}

// StableSeq returns the largest stabilised checkpoint sequence.
func (c *CheckpointManager) StableSeq() uint64 {
	return atomic.LoadUint64(&c.stableSeq)
}

// ProcessCheckpoint absorbs a peer's CHECKPOINT message. Messages at or
// below the current stable checkpoint are ignored. Once 2f+1 distinct
// replicas report the same (seq, hash), the stable checkpoint advances.
func (c *CheckpointManager) ProcessCheckpoint(req *bftwire.Request,
	sig bftwire.Signature) VoteResult {

	data := &bftwire.CheckpointData{}
	if err := data.Decode(bytes.NewReader(req.Data)); err != nil {
		log.Debugf("undecodable checkpoint from %d dropped: %v",
			req.SenderID, err)
		return VoteInvalid
	}

	if data.Seq == 0 || data.Seq <= c.StableSeq() {
		return VoteOK
	}

	c.talliesMtx.Lock()
	tally, ok := c.tallies[data.Seq]
	if !ok {
		tally = &checkpointTally{byHash: make(map[string]int)}
		c.tallies[data.Seq] = tally
	}
	if !tally.senders.add(req.SenderID) {
		c.talliesMtx.Unlock()
		return VoteOK
	}
	hashKey := hex.EncodeToString(data.Hash)
	tally.byHash[hashKey]++
	matching := tally.byHash[hashKey]
	c.talliesMtx.Unlock()

	if matching < c.cfg.Quorum.AgreementSize() {
		return VoteOK
	}

	if !c.advanceStable(data.Seq) {
		return VoteOK
	}

	// Stale tallies can never stabilise anything anymore.
	c.talliesMtx.Lock()
	for seq := range c.tallies {
		if seq <= data.Seq {
			delete(c.tallies, seq)
		}
	}
	c.talliesMtx.Unlock()

	log.Infof("stable checkpoint advanced to seq %d", data.Seq)
	if c.cfg.OnStable != nil {
		c.cfg.OnStable(data.Seq)
	}
	return VoteStateChanged
}

// advanceStable raises the stable checkpoint to seq, reporting whether this
// call moved it. The mark never regresses.
func (c *CheckpointManager) advanceStable(seq uint64) bool {
	for {
		current := atomic.LoadUint64(&c.stableSeq)
		if seq <= current {
			return false
		}
		if atomic.CompareAndSwapUint64(&c.stableSeq, current, seq) {
			return true
		}
	}
}

// broadcastLoop emits a CHECKPOINT message to all peers whenever the
// frozen block digest advances.
//
// NOTE: This MUST be run as a goroutine.
func (c *CheckpointManager) broadcastLoop() {
	defer c.wg.Done()

	var lastSent uint64
	for {
		select {
		case <-c.cfg.BroadcastTicker.Ticks():
			data := c.CheckpointData()
			if data.Seq == lastSent {
				continue
			}

			var buf bytes.Buffer
			if err := data.Encode(&buf); err != nil {
				log.Errorf("unable to encode checkpoint: %v",
					err)
				continue
			}

			req := &bftwire.Request{
				Type:     bftwire.TypeCheckpoint,
				Seq:      data.Seq,
				SenderID: c.cfg.SelfID,
				Data:     buf.Bytes(),
			}
			if err := c.cfg.Broadcaster.Broadcast(req); err != nil {
				log.Errorf("checkpoint broadcast failed: %v",
					err)
				continue
			}
			lastSent = data.Seq

		case <-c.quit:
			return
		}
	}
}
