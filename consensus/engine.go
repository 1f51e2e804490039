package consensus

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/go-errors/errors"
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/stats"
)

var (
	// ErrNotPrimary is returned when a client batch lands on a backup.
	ErrNotPrimary = errors.New("this replica is not the primary")

	// ErrPreVerifyFailed is returned when the user predicate rejects a
	// request before it enters consensus.
	ErrPreVerifyFailed = errors.New("request rejected by pre-verify hook")
)

// EngineConfig wires the commitment engine to its collaborators. All
// elements except PreVerify, Signer, Verifier and Stats must be non-nil.
type EngineConfig struct {
	// SelfID is the local replica id.
	SelfID uint32

	// Manager owns the collectors the engine feeds.
	Manager *Manager

	// Broadcaster carries protocol messages to the replica set.
	Broadcaster Broadcaster

	// Signer signs quorum-certificate hashes when NeedQC is set.
	Signer bftwire.Signer

	// Verifier validates batch data signatures on the backup path. Nil
	// disables the check (test rigs without keys).
	Verifier bftwire.Verifier

	// PreVerify is the optional user predicate consulted before a
	// request enters consensus.
	PreVerify func(req *bftwire.Request) bool

	// NeedQC makes commit votes carry a signature over the request hash
	// so a quorum certificate can be assembled at commit time.
	NeedQC bool

	// Stats is the metrics handle. Nil selects the no-op sink.
	Stats stats.Collector
}

// Engine is the commitment state machine driving one replica through the
// three protocol phases. Its handlers are invoked concurrently by the
// dispatch workers and synchronise only through the per-slot collectors
// and their atomic status words.
type Engine struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg EngineConfig

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewEngine creates the commitment engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Stats == nil {
		cfg.Stats = stats.NoOp()
	}
	return &Engine{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the executed-response drain task.
func (e *Engine) Start() error {
	if atomic.AddInt32(&e.started, 1) != 1 {
		return nil
	}

	e.wg.Add(1)
	go e.responseLoop()
	return nil
}

// Stop signals the drain task and blocks until it unwinds.
func (e *Engine) Stop() error {
	if atomic.AddInt32(&e.shutdown, 1) != 1 {
		return nil
	}

	close(e.quit)
	e.wg.Wait()
	return nil
}

// ProcessNewTxns is the primary path: a proxy batch arrives, gets a
// sequence under water-mark admission, and goes out as the canonical
// PRE_PREPARE carrying the full batch body and its data signature. An
// admission failure turns into an error response to the proxy; the primary
// stays healthy.
func (e *Engine) ProcessNewTxns(req *bftwire.Request,
	sig bftwire.Signature) error {

	if e.cfg.Verifier != nil && sig.IsEmpty() {
		log.Debugf("unsigned batch dropped")
		return nil
	}

	if e.cfg.SelfID != e.cfg.Manager.CurrentPrimary() {
		log.Debugf("batch for primary %d landed on replica %d, "+
			"dropped", e.cfg.Manager.CurrentPrimary(), e.cfg.SelfID)
		return ErrNotPrimary
	}

	if e.cfg.PreVerify != nil && !e.cfg.PreVerify(req) {
		log.Debugf("batch rejected by pre-verify hook")
		return ErrPreVerifyFailed
	}

	e.cfg.Stats.IncClientRequest()

	seq, err := e.cfg.Manager.AssignNextSeq()
	if err != nil {
		e.cfg.Stats.IncSeqFail()

		// Reject the batch: the proxy fans the error response out to
		// its waiting clients.
		reject := &bftwire.Request{
			Type:     bftwire.TypeResponse,
			SenderID: e.cfg.SelfID,
			ProxyID:  req.ProxyID,
			Ret:      bftwire.RetError,
			Hash:     req.Hash,
			Data:     req.Data,
		}
		sendErr := e.cfg.Broadcaster.SendTo(reject, req.ProxyID)
		if sendErr != nil {
			log.Errorf("unable to reject batch from proxy %d: %v",
				req.ProxyID, sendErr)
		}
		return err
	}

	req.Type = bftwire.TypePrePrepare
	req.View = e.cfg.Manager.CurrentView()
	req.Seq = seq
	req.SenderID = e.cfg.SelfID
	if len(req.Hash) == 0 {
		req.Hash = bftwire.RequestDigest(req.Data)
	}

	return e.cfg.Broadcaster.Broadcast(req)
}

// ProcessPrePrepare is the backup path: the primary's proposal is
// re-verified, admitted as the collector's canonical request, and answered
// with a stripped PREPARE broadcast on the None -> PrePrepared transition.
func (e *Engine) ProcessPrePrepare(req *bftwire.Request,
	sig bftwire.Signature) error {

	if e.cfg.Verifier != nil && sig.IsEmpty() {
		log.Debugf("unsigned pre-prepare dropped")
		return nil
	}

	if req.SenderID != e.cfg.Manager.CurrentPrimary() {
		log.Debugf("pre-prepare from %d is not from primary %d, "+
			"dropped", req.SenderID, e.cfg.Manager.CurrentPrimary())
		return nil
	}

	// Our own loopback copy was verified on the way out; everyone else's
	// batch body must check out against its independent data signature.
	if req.SenderID != e.cfg.SelfID {
		if e.cfg.PreVerify != nil && !e.cfg.PreVerify(req) {
			log.Debugf("pre-prepare rejected by pre-verify hook")
			return nil
		}
		if err := e.verifyBatchSignature(req); err != nil {
			log.Warnf("pre-prepare seq %d batch signature "+
				"invalid: %v", req.Seq, err)
			e.cfg.Stats.IncVerifyFail()
			return nil
		}
	}

	e.cfg.Stats.IncPropose()

	prepare := bftwire.NewVoteRequest(
		bftwire.TypePrepare, req, e.cfg.SelfID,
	)

	ret := e.cfg.Manager.AddConsensusMsg(sig, req)
	if ret == VoteStateChanged {
		return e.cfg.Broadcaster.Broadcast(prepare)
	}
	return nil
}

// ProcessPrepare absorbs a prepare vote and answers the PrePrepared ->
// Prepared transition with a COMMIT broadcast, signed over the request
// hash when quorum certificates are enabled.
func (e *Engine) ProcessPrepare(req *bftwire.Request,
	sig bftwire.Signature) error {

	e.cfg.Stats.IncPrepare()

	// Prepares never legitimately carry a data signature; scrub it so it
	// cannot masquerade as a commit certificate downstream.
	req.DataSignature = bftwire.Signature{}

	commit := bftwire.NewVoteRequest(bftwire.TypeCommit, req, e.cfg.SelfID)

	ret := e.cfg.Manager.AddConsensusMsg(sig, req)
	if ret != VoteStateChanged {
		return nil
	}

	if e.cfg.NeedQC && e.cfg.Signer != nil {
		qcSig, err := e.cfg.Signer.SignMessage(commit.Hash)
		if err != nil {
			return errors.Errorf("unable to sign commit for "+
				"seq %d: %v", commit.Seq, err)
		}
		commit.DataSignature = *qcSig
	}

	return e.cfg.Broadcaster.Broadcast(commit)
}

// ProcessCommit absorbs a commit vote. The Prepared -> Committed
// transition fires inside the collector, which hands the canonical request
// to the executor.
func (e *Engine) ProcessCommit(req *bftwire.Request,
	sig bftwire.Signature) error {

	e.cfg.Stats.IncCommit()
	e.cfg.Manager.AddConsensusMsg(sig, req)
	return nil
}

// verifyBatchSignature checks the primary's data signature over the
// canonical signed bytes of the carried batch.
func (e *Engine) verifyBatchSignature(req *bftwire.Request) error {
	if e.cfg.Verifier == nil {
		return nil
	}

	batch := &bftwire.BatchRequest{}
	if err := batch.Decode(bytes.NewReader(req.Data)); err != nil {
		return err
	}
	signed, err := batch.SignedBytes()
	if err != nil {
		return err
	}
	return e.cfg.Verifier.VerifyMessage(signed, &req.DataSignature)
}

// responseLoop drains the executor's response queue and routes each
// executed batch back to the proxy that originated it.
//
// NOTE: This MUST be run as a goroutine.
func (e *Engine) responseLoop() {
	defer e.wg.Done()

	responses := e.cfg.Manager.Executor().Responses()
	for {
		select {
		case item := <-responses:
			executed := item.(*ExecutedBatch)
			if err := e.sendResponse(executed); err != nil {
				log.Errorf("unable to respond for seq %d: %v",
					executed.Request.Seq, err)
			}

		case <-e.quit:
			return
		}
	}
}

// sendResponse packages one executed batch as a RESPONSE and sends it to
// the originating proxy.
func (e *Engine) sendResponse(executed *ExecutedBatch) error {
	var buf bytes.Buffer
	if err := executed.Response.Encode(&buf); err != nil {
		return err
	}

	resp := &bftwire.Request{
		Type:     bftwire.TypeResponse,
		Seq:      executed.Request.Seq,
		View:     executed.Request.View,
		SenderID: e.cfg.SelfID,
		ProxyID:  executed.Request.ProxyID,
		Ret:      bftwire.RetOK,
		Data:     buf.Bytes(),
	}
	return e.cfg.Broadcaster.SendTo(resp, resp.ProxyID)
}
