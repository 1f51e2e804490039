package proxy

import (
	"bytes"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/consensus"
	"github.com/bftnetwork/bftd/stats"
)

const (
	// DefaultBatchNum is the batch size cap when the config leaves it
	// unset.
	DefaultBatchNum = 100

	// DefaultBatchWait is the batch assembly deadline when the config
	// leaves it unset.
	DefaultBatchWait = 100 * time.Millisecond

	// DefaultMaxInFlight is the outstanding-batch cap when the config
	// leaves it unset.
	DefaultMaxInFlight = 2048

	// backpressureTick is how long the batcher sleeps while the
	// outstanding-batch cap is exceeded.
	backpressureTick = 10 * time.Millisecond
)

// Config wires the response manager to its collaborators. All elements
// except Signer, Clock and Stats must be non-nil.
type Config struct {
	// SelfID is the local replica id; it is stamped as ProxyID on every
	// batch so responses find their way back here.
	SelfID uint32

	// Quorum supplies the f+1 response matching threshold.
	Quorum consensus.Quorum

	// Broadcaster routes assembled batches to the primary.
	Broadcaster consensus.Broadcaster

	// SysInfo names the primary of the current view.
	SysInfo *consensus.SystemInfo

	// Signer signs batch bodies so backups can verify them
	// independently of the pre-prepare framing. May be nil in unsigned
	// deployments.
	Signer bftwire.Signer

	// BatchNum caps how many client submissions fold into one batch.
	BatchNum int

	// BatchWait bounds how long a partial batch waits for company.
	BatchWait time.Duration

	// MaxInFlight caps the number of outstanding batches before the
	// batcher applies backpressure.
	MaxInFlight int64

	// Clock drives batching time; tests inject a test clock.
	Clock clock.Clock

	// Benchmark suppresses client replies, turning the manager into a
	// pure load generator sink.
	Benchmark bool

	// Stats is the metrics handle. Nil selects the no-op sink.
	Stats stats.Collector
}

// queueItem is one client submission waiting to be batched.
type queueItem struct {
	ctx *consensus.ClientContext
	req *bftwire.Request
}

// responseSlot tallies RESPONSE messages for one sequence, bucketing by
// response digest until f+1 replicas agree. Sealing is one-shot.
type responseSlot struct {
	mtx     sync.Mutex
	senders map[uint32]struct{}
	byHash  map[string]int
	sealed  bool
}

// Manager is the client-side response manager: it batches client
// submissions toward the primary, matches f+1 identical responses, and
// fans the matched response out to the waiting client connections.
type Manager struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg Config

	// inFlight counts outstanding batches. Used atomically.
	inFlight int64

	// localID is the monotonically assigned batch identifier. Used
	// atomically.
	localID uint64

	batchQueue *queue.ConcurrentQueue

	// contextPool stores the client contexts of outstanding batches,
	// keyed by local id.
	contextPool *consensus.CollectorPool

	slotsMtx sync.Mutex
	slots    map[uint64]*responseSlot

	// outstanding tracks the local ids of batches awaiting resolution,
	// so duplicate rejections or responses release each batch once.
	outstandingMtx sync.Mutex
	outstanding    map[uint64]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewManager creates the response manager.
func NewManager(cfg Config) *Manager {
	if cfg.BatchNum <= 0 {
		cfg.BatchNum = DefaultBatchNum
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = DefaultBatchWait
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NoOp()
	}

	return &Manager{
		cfg:        cfg,
		batchQueue: queue.NewConcurrentQueue(16),
		contextPool: consensus.NewCollectorPool(
			"context", uint32(cfg.MaxInFlight),
			func(seq uint64) *consensus.Collector {
				return consensus.NewCollector(seq, false, nil)
			},
		),
		slots:       make(map[uint64]*responseSlot),
		outstanding: make(map[uint64]struct{}),
		quit:        make(chan struct{}),
	}
}

// Start launches the batcher.
func (m *Manager) Start() error {
	if atomic.AddInt32(&m.started, 1) != 1 {
		return nil
	}

	m.batchQueue.Start()
	m.wg.Add(1)
	go m.batchLoop()
	return nil
}

// Stop signals the batcher and blocks until it unwinds. Queued submissions
// are dropped.
func (m *Manager) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		return nil
	}

	close(m.quit)
	m.wg.Wait()
	m.batchQueue.Stop()
	return nil
}

// InFlight returns the number of outstanding batches.
func (m *Manager) InFlight() int64 {
	return atomic.LoadInt64(&m.inFlight)
}

// Submit enqueues one client submission for batching. ctx carries the
// reply path; it is discarded when the request wants no response.
func (m *Manager) Submit(ctx *consensus.ClientContext,
	req *bftwire.Request) {

	if req.NeedResponse == 0 {
		ctx = nil
	}

	select {
	case m.batchQueue.ChanIn() <- &queueItem{ctx: ctx, req: req}:
	case <-m.quit:
	}
}

// batchLoop assembles submissions into batches: up to BatchNum items, or
// whatever arrived when BatchWait expires, whichever happens first.
//
// NOTE: This MUST be run as a goroutine.
func (m *Manager) batchLoop() {
	defer m.wg.Done()

	for {
		// Backpressure: stall while too many batches are in flight.
		for atomic.LoadInt64(&m.inFlight) > m.cfg.MaxInFlight {
			select {
			case <-m.cfg.Clock.TickAfter(backpressureTick):
			case <-m.quit:
				return
			}
		}

		var pending []*queueItem
		select {
		case item := <-m.batchQueue.ChanOut():
			pending = append(pending, item.(*queueItem))
		case <-m.quit:
			return
		}

		deadline := m.cfg.Clock.TickAfter(m.cfg.BatchWait)
	fill:
		for len(pending) < m.cfg.BatchNum {
			select {
			case item := <-m.batchQueue.ChanOut():
				pending = append(pending, item.(*queueItem))
			case <-deadline:
				break fill
			case <-m.quit:
				return
			}
		}

		if err := m.sendBatch(pending); err != nil {
			log.Errorf("unable to send batch: %v", err)
		}
	}
}

// sendBatch assembles one batch, signs its body, registers the waiting
// client contexts under the batch's local id, and hands it to the primary.
// On send failure every waiting client receives an error response.
func (m *Manager) sendBatch(items []*queueItem) error {
	localID := atomic.AddUint64(&m.localID, 1)

	batch := &bftwire.BatchRequest{
		LocalID:    localID,
		CreateTime: uint64(m.cfg.Clock.Now().UnixNano()),
	}
	var contexts []*consensus.ClientContext
	for i, item := range items {
		batch.Subs = append(batch.Subs, bftwire.SubRequest{
			Data: item.req.Data,
		})
		if item.ctx != nil {
			item.ctx.SubIndex = i
			contexts = append(contexts, item.ctx)
		}
	}

	var buf bytes.Buffer
	if err := batch.Encode(&buf); err != nil {
		return err
	}
	signed, err := batch.SignedBytes()
	if err != nil {
		return err
	}

	req := &bftwire.Request{
		Type:         bftwire.TypeNewTxns,
		SenderID:     m.cfg.SelfID,
		ProxyID:      m.cfg.SelfID,
		NeedResponse: 1,
		Hash:         bftwire.RequestDigest(signed),
		Data:         buf.Bytes(),
	}
	if m.cfg.Signer != nil {
		dataSig, err := m.cfg.Signer.SignMessage(signed)
		if err != nil {
			return err
		}
		req.DataSignature = *dataSig
	}

	m.contextPool.Get(localID).SetContextList(localID, contexts)
	m.outstandingMtx.Lock()
	m.outstanding[localID] = struct{}{}
	m.outstandingMtx.Unlock()
	atomic.AddInt64(&m.inFlight, 1)
	m.cfg.Stats.IncSendBroadcast()

	err = m.cfg.Broadcaster.SendTo(req, m.cfg.SysInfo.PrimaryID())
	if err != nil {
		log.Errorf("batch %d send failed: %v", localID, err)
		m.failBatch(localID)
	}
	return nil
}

// release retires an outstanding batch exactly once, reporting whether
// this call performed the retirement.
func (m *Manager) release(localID uint64) bool {
	m.outstandingMtx.Lock()
	defer m.outstandingMtx.Unlock()

	if _, ok := m.outstanding[localID]; !ok {
		return false
	}
	delete(m.outstanding, localID)
	atomic.AddInt64(&m.inFlight, -1)
	return true
}

// failBatch releases an outstanding batch and delivers an error response to
// every client that was waiting on it.
func (m *Manager) failBatch(localID uint64) {
	if !m.release(localID) {
		return
	}

	contexts := m.takeContexts(localID)
	for _, ctx := range contexts {
		m.reply(ctx, &bftwire.Request{
			Type: bftwire.TypeResponse,
			Ret:  bftwire.RetError,
		})
	}
}

// takeContexts removes and returns the contexts registered under localID,
// recycling the ring slot.
func (m *Manager) takeContexts(
	localID uint64) []*consensus.ClientContext {

	contexts := m.contextPool.Get(localID).FetchContextList(localID)
	m.contextPool.Rotate(localID)
	return contexts
}

// ProcessResponse absorbs one RESPONSE from a replica. An error response
// from the primary releases the batch immediately; success responses seal
// once f+1 distinct replicas produced identical response bytes.
func (m *Manager) ProcessResponse(req *bftwire.Request,
	sig bftwire.Signature) consensus.VoteResult {

	if req.Ret != bftwire.RetOK {
		return m.processReject(req)
	}

	resp := &bftwire.BatchResponse{}
	if err := resp.Decode(bytes.NewReader(req.Data)); err != nil {
		log.Debugf("undecodable response from %d dropped: %v",
			req.SenderID, err)
		return consensus.VoteInvalid
	}

	slot := m.slot(req.Seq)

	slot.mtx.Lock()
	if slot.sealed {
		slot.mtx.Unlock()
		return consensus.VoteOK
	}
	if _, ok := slot.senders[req.SenderID]; ok {
		slot.mtx.Unlock()
		return consensus.VoteOK
	}
	slot.senders[req.SenderID] = struct{}{}

	hashKey := hex.EncodeToString(bftwire.RequestDigest(req.Data))
	slot.byHash[hashKey]++
	matched := slot.byHash[hashKey] >= m.cfg.Quorum.ClientSize()
	if matched {
		slot.sealed = true
	}
	slot.mtx.Unlock()

	if !matched {
		return consensus.VoteOK
	}

	// Sealed: release the slot and the water mark, then fan out.
	m.dropSlot(req.Seq)
	m.release(resp.LocalID)

	if m.cfg.Benchmark {
		return consensus.VoteStateChanged
	}

	contexts := m.takeContexts(resp.LocalID)
	for _, ctx := range contexts {
		if ctx.SubIndex >= len(resp.Payloads) {
			log.Errorf("batch %d: response has %d payloads, "+
				"context wants %d", resp.LocalID,
				len(resp.Payloads), ctx.SubIndex)
			continue
		}
		m.reply(ctx, &bftwire.Request{
			Type: bftwire.TypeResponse,
			Seq:  resp.Seq,
			Ret:  bftwire.RetOK,
			Data: resp.Payloads[ctx.SubIndex],
		})
	}
	return consensus.VoteStateChanged
}

// processReject handles an admission rejection from the primary: the batch
// is released and every waiting client learns about the failure.
func (m *Manager) processReject(req *bftwire.Request) consensus.VoteResult {
	batch := &bftwire.BatchRequest{}
	if err := batch.Decode(bytes.NewReader(req.Data)); err != nil {
		log.Debugf("undecodable rejection dropped: %v", err)
		return consensus.VoteInvalid
	}

	log.Warnf("batch %d rejected by primary %d", batch.LocalID,
		req.SenderID)
	m.failBatch(batch.LocalID)
	return consensus.VoteStateChanged
}

// reply writes one response to a client connection, logging delivery
// failures: the client's timeout is its own recovery path.
func (m *Manager) reply(ctx *consensus.ClientContext,
	resp *bftwire.Request) {

	if ctx.Reply == nil {
		return
	}
	if err := ctx.Reply(resp); err != nil {
		log.Debugf("unable to reply to client: %v", err)
	}
}

// slot returns (creating if needed) the response slot for seq.
func (m *Manager) slot(seq uint64) *responseSlot {
	m.slotsMtx.Lock()
	defer m.slotsMtx.Unlock()

	slot, ok := m.slots[seq]
	if !ok {
		slot = &responseSlot{
			senders: make(map[uint32]struct{}),
			byHash:  make(map[string]int),
		}
		m.slots[seq] = slot
	}
	return slot
}

// dropSlot forgets a sealed sequence.
func (m *Manager) dropSlot(seq uint64) {
	m.slotsMtx.Lock()
	delete(m.slots, seq)
	m.slotsMtx.Unlock()
}

// StartBenchmark floods the batch queue with synthetic submissions drawn
// from dataFunc until the manager stops. The manager must have been
// created with Benchmark set.
func (m *Manager) StartBenchmark(dataFunc func() []byte) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			for i := 0; i < m.cfg.BatchNum; i++ {
				item := &queueItem{
					req: &bftwire.Request{
						Type: bftwire.TypeClientRequest,
						Data: dataFunc(),
					},
				}
				select {
				case m.batchQueue.ChanIn() <- item:
				case <-m.quit:
					return
				}
			}

			select {
			case <-m.cfg.Clock.TickAfter(time.Millisecond):
			case <-m.quit:
				return
			}
		}
	}()
}
