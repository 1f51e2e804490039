package main

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/bftnetwork/bftd/bftsig"
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/consensus"
	"github.com/bftnetwork/bftd/kvexec"
	"github.com/bftnetwork/bftd/proxy"
	"github.com/bftnetwork/bftd/stats"
	"github.com/bftnetwork/bftd/store"
)

const (
	// checkpointBroadcastInterval paces the checkpoint broadcaster.
	checkpointBroadcastInterval = time.Second

	// quorumCheckInterval paces the peer-connectivity health check.
	quorumCheckInterval = 10 * time.Second
)

// clientConn wraps an accepted client connection as a serialised reply
// path. Replies from concurrent workers interleave at frame granularity.
type clientConn struct {
	mtx  sync.Mutex
	conn net.Conn
}

// clientWriteTimeout bounds one reply write so a stalled client cannot
// wedge a dispatch worker.
const clientWriteTimeout = 10 * time.Second

// sendRequest seals resp (signed by signer when non-nil) and writes the
// frame to the client.
func (c *clientConn) sendRequest(resp *bftwire.Request,
	signer bftwire.Signer) error {

	env, err := bftwire.Seal(resp, signer)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	deadline := time.Now().Add(clientWriteTimeout)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = bftwire.WriteMessage(c.conn, env)
	return err
}

// rawEnvelope is one framed envelope awaiting signature verification and
// decoding on the input worker pool.
type rawEnvelope struct {
	env *bftwire.Envelope

	// client is the reply path for directly connected clients, nil for
	// messages that arrived bundled over replica connections.
	client *clientConn
}

// inboundMsg is one decoded, verified envelope queued for dispatch.
type inboundMsg struct {
	req *bftwire.Request
	sig bftwire.Signature

	// client is the reply path for directly connected clients, nil for
	// messages that arrived bundled over replica connections.
	client *clientConn
}

// server is the consensus service: it owns the transport, the peers, the
// commitment engine, the client proxy manager and the checkpoint manager,
// and dispatches every incoming envelope to its handler by message type.
type server struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg    *config
	repCfg *replicaConfig

	keyRing *bftsig.KeyRing
	sysInfo *consensus.SystemInfo

	listener net.Listener
	peers    map[uint32]*peer

	// conns tracks accepted connections so shutdown can unblock their
	// readers.
	connsMtx sync.Mutex
	conns    map[net.Conn]struct{}

	// verifyQueue feeds raw envelopes to the input workers; inputQueue
	// feeds verified messages to the dispatch workers.
	verifyQueue *queue.ConcurrentQueue
	inputQueue  *queue.ConcurrentQueue

	manager       *consensus.Manager
	engine        *consensus.Engine
	checkpointMgr *consensus.CheckpointManager
	proxyMgr      *proxy.Manager
	txnDB         *store.TxnDB

	stats stats.Collector

	healthCheck *healthcheck.Monitor

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure server implements the broadcaster
// capability its subsystems are wired with.
var _ consensus.Broadcaster = (*server)(nil)

// newServer assembles the consensus service around the given state machine
// and backing store.
func newServer(cfg *config, repCfg *replicaConfig, keyRing *bftsig.KeyRing,
	impl consensus.BatchExecutor, txnStore store.Store,
	statsc stats.Collector) (*server, error) {

	if statsc == nil {
		statsc = stats.NoOp()
	}

	s := &server{
		cfg:         cfg,
		repCfg:      repCfg,
		keyRing:     keyRing,
		sysInfo:     consensus.NewSystemInfo(repCfg.Replicas),
		peers:       make(map[uint32]*peer),
		conns:       make(map[net.Conn]struct{}),
		verifyQueue: queue.NewConcurrentQueue(16),
		inputQueue:  queue.NewConcurrentQueue(16),
		txnDB:       store.NewTxnDB(txnStore),
		stats:       statsc,
		quit:        make(chan struct{}),
	}

	quorum := consensus.Quorum{N: len(repCfg.Replicas)}

	if repCfg.EnableCheckpoint {
		s.checkpointMgr = consensus.NewCheckpointManager(
			consensus.CheckpointConfig{
				SelfID:      repCfg.SelfID,
				Quorum:      quorum,
				Window:      uint64(repCfg.CheckpointWaterMark),
				Broadcaster: s,
				BroadcastTicker: ticker.New(
					checkpointBroadcastInterval,
				),
				OnStable: func(seq uint64) {
					s.manager.OnStableCheckpoint(seq)
				},
			},
		)
	}

	s.manager = consensus.NewManager(consensus.ManagerConfig{
		SelfID:           repCfg.SelfID,
		Quorum:           quorum,
		MaxInFlight:      uint32(repCfg.MaxProcessTxn),
		EnableViewChange: repCfg.EnableViewChange,
		SysInfo:          s.sysInfo,
		Impl:             impl,
		Checkpoint:       s.checkpointMgr,
		TxnDB:            s.txnDB,
		Stats:            statsc,
	})

	var verifier bftwire.Verifier
	var signer bftwire.Signer
	if keyRing != nil {
		verifier = keyRing
		signer = keyRing
	}

	s.engine = consensus.NewEngine(consensus.EngineConfig{
		SelfID:      repCfg.SelfID,
		Manager:     s.manager,
		Broadcaster: s,
		Signer:      signer,
		Verifier:    verifier,
		NeedQC:      repCfg.NeedQC,
		Stats:       statsc,
	})

	s.proxyMgr = proxy.NewManager(proxy.Config{
		SelfID:      repCfg.SelfID,
		Quorum:      quorum,
		Broadcaster: s,
		SysInfo:     s.sysInfo,
		Signer:      signer,
		BatchNum:    repCfg.ClientBatchNum,
		BatchWait: time.Duration(repCfg.ClientBatchWaitTimeMs) *
			time.Millisecond,
		MaxInFlight: int64(repCfg.MaxProcessTxn),
		Benchmark:   cfg.Benchmark,
		Stats:       statsc,
	})

	// One long-lived outbound connection per replica, ourselves
	// included: our own broadcasts loop back through it so local votes
	// are counted the same way as everyone else's.
	for _, replica := range repCfg.Replicas {
		addr := net.JoinHostPort(
			replica.IP, fmt.Sprintf("%d", replica.Port),
		)
		s.peers[replica.ID] = newPeer(
			replica.ID, addr, repCfg.TCPBatchNum,
		)
	}

	// Flag quorum loss: consensus cannot make progress when fewer than
	// 2f+1 replicas are reachable.
	quorumCheck := healthcheck.NewObservation(
		"replica quorum",
		func() error {
			connected := 0
			for _, p := range s.peers {
				if p.Connected() {
					connected++
				}
			}
			if connected < quorum.AgreementSize() {
				return fmt.Errorf("only %d of %d replicas "+
					"reachable, need %d", connected,
					len(s.peers), quorum.AgreementSize())
			}
			return nil
		},
		quorumCheckInterval,
		quorumCheckInterval/2,
		time.Second,
		3,
	)
	s.healthCheck = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{quorumCheck},
		Shutdown: func(format string, params ...interface{}) {
			srvrLog.Criticalf(format, params...)
		},
	})

	return s, nil
}

// Start brings up the listener, the peers, every subsystem and the
// dispatch workers.
func (s *server) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	self, err := s.repCfg.self()
	if err != nil {
		return err
	}
	listenAddr := net.JoinHostPort(
		self.IP, fmt.Sprintf("%d", self.Port),
	)
	s.listener, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	srvrLog.Infof("Server listening on %s", s.listener.Addr())

	s.verifyQueue.Start()
	s.inputQueue.Start()

	if err := s.manager.Start(); err != nil {
		return err
	}
	if err := s.engine.Start(); err != nil {
		return err
	}
	if s.checkpointMgr != nil {
		if err := s.checkpointMgr.Start(); err != nil {
			return err
		}
	}
	if err := s.proxyMgr.Start(); err != nil {
		return err
	}
	for _, p := range s.peers {
		if err := p.Start(); err != nil {
			return err
		}
	}
	if err := s.healthCheck.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.acceptLoop()

	inputWorkers := s.repCfg.InputWorkerNum
	if inputWorkers <= 0 {
		inputWorkers = 1
	}
	for i := 0; i < inputWorkers; i++ {
		s.wg.Add(1)
		go s.verifyWorker()
	}

	workers := s.repCfg.WorkerNum
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.dispatchWorker()
	}

	if s.cfg.Benchmark {
		srvrLog.Infof("Benchmark mode enabled")
		s.proxyMgr.StartBenchmark(benchmarkPayload)
	}

	return nil
}

// Stop tears the service down. Queued work is dropped; in-flight responses
// are not preserved.
func (s *server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	if s.listener != nil {
		s.listener.Close()
	}
	close(s.quit)

	s.connsMtx.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMtx.Unlock()

	s.healthCheck.Stop()
	for _, p := range s.peers {
		p.Stop()
	}
	s.proxyMgr.Stop()
	if s.checkpointMgr != nil {
		s.checkpointMgr.Stop()
	}
	s.engine.Stop()
	s.manager.Stop()

	s.wg.Wait()
	s.verifyQueue.Stop()
	s.inputQueue.Stop()
	return nil
}

// WaitForShutdown blocks until all server goroutines have stopped.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}

// Broadcast seals req once and offers the frame to every peer, the local
// loopback included.
//
// This is part of the consensus.Broadcaster interface.
func (s *server) Broadcast(req *bftwire.Request) error {
	frame, err := s.sealFrame(req)
	if err != nil {
		return err
	}

	s.stats.IncSendBroadcast()
	for _, p := range s.peers {
		p.queueFrame(frame)
	}
	return nil
}

// SendTo seals req and offers the frame to a single replica.
//
// This is part of the consensus.Broadcaster interface.
func (s *server) SendTo(req *bftwire.Request, nodeID uint32) error {
	p, ok := s.peers[nodeID]
	if !ok {
		return fmt.Errorf("unknown replica id %d", nodeID)
	}

	frame, err := s.sealFrame(req)
	if err != nil {
		return err
	}
	p.queueFrame(frame)
	return nil
}

// signer returns the envelope signer, or an untyped nil when the replica
// runs without keys.
func (s *server) signer() bftwire.Signer {
	if s.keyRing == nil {
		return nil
	}
	return s.keyRing
}

// sealFrame signs one request and returns its envelope encoding, the
// element a peer bundles for the wire.
func (s *server) sealFrame(req *bftwire.Request) ([]byte, error) {
	env, err := bftwire.Seal(req, s.signer())
	if err != nil {
		return nil, err
	}

	var frame bytes.Buffer
	if err := env.Encode(&frame); err != nil {
		return nil, err
	}
	return frame.Bytes(), nil
}

// acceptLoop accepts inbound connections and spawns a reader for each.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) acceptLoop() {
	defer s.wg.Done()

	for atomic.LoadInt32(&s.shutdown) == 0 {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 0 {
				srvrLog.Errorf("Can't accept connection: %v",
					err)
			}
			return
		}

		srvrLog.Tracef("New inbound connection from %v",
			conn.RemoteAddr())
		s.connsMtx.Lock()
		s.conns[conn] = struct{}{}
		s.connsMtx.Unlock()

		s.wg.Add(1)
		go s.readHandler(conn)
	}
}

// readHandler reads frames off one connection until it drops: single
// envelopes from clients, bundles from fellow replicas. Each full frame is
// read before dispatch.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) readHandler(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMtx.Lock()
		delete(s.conns, conn)
		s.connsMtx.Unlock()
		conn.Close()
	}()

	client := &clientConn{conn: conn}
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		msg, err := bftwire.ReadMessage(conn)
		if err != nil {
			srvrLog.Tracef("connection %v closed: %v",
				conn.RemoteAddr(), err)
			return
		}
		s.stats.IncServerCall()

		switch m := msg.(type) {
		case *bftwire.Envelope:
			s.enqueueEnvelope(m, client)

		case *bftwire.BroadcastBundle:
			for _, frame := range m.Frames {
				env := &bftwire.Envelope{}
				err := env.Decode(bytes.NewReader(frame))
				if err != nil {
					srvrLog.Debugf("undecodable bundled "+
						"envelope dropped: %v", err)
					continue
				}
				s.enqueueEnvelope(env, nil)
			}
		}
	}
}

// enqueueEnvelope hands one framed envelope to the input workers.
func (s *server) enqueueEnvelope(env *bftwire.Envelope, client *clientConn) {
	select {
	case s.verifyQueue.ChanIn() <- &rawEnvelope{env: env, client: client}:
	case <-s.quit:
	}
}

// verifyWorker decodes and signature-checks raw envelopes, then queues the
// survivors for dispatch. Verification failures are counted and dropped,
// never fatal.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) verifyWorker() {
	defer s.wg.Done()

	for {
		select {
		case item := <-s.verifyQueue.ChanOut():
			raw := item.(*rawEnvelope)

			req, err := bftwire.Open(raw.env, nil)
			if err != nil {
				srvrLog.Debugf("undecodable envelope "+
					"dropped: %v", err)
				continue
			}

			if s.keyRing != nil && !clientFacing(req.Type) {
				err := s.keyRing.VerifyMessage(
					raw.env.Payload, &raw.env.Signature,
				)
				if err != nil {
					srvrLog.Debugf("envelope signature "+
						"from %d invalid, dropped: %v",
						raw.env.Signature.SignerID,
						err)
					s.stats.IncVerifyFail()
					continue
				}
			}

			select {
			case s.inputQueue.ChanIn() <- &inboundMsg{
				req:    req,
				sig:    raw.env.Signature,
				client: raw.client,
			}:
			case <-s.quit:
				return
			}

		case <-s.quit:
			return
		}
	}
}

// clientFacing reports whether a request type originates from clients,
// whose keys are not part of the replica key ring.
func clientFacing(t bftwire.RequestType) bool {
	switch t {
	case bftwire.TypeClientRequest, bftwire.TypeQuery,
		bftwire.TypeReplicaState:

		return true
	}
	return false
}

// dispatchWorker pops decoded messages and routes them to their handlers.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) dispatchWorker() {
	defer s.wg.Done()

	for {
		select {
		case item := <-s.inputQueue.ChanOut():
			s.process(item.(*inboundMsg))
		case <-s.quit:
			return
		}
	}
}

// process routes one message by type.
func (s *server) process(msg *inboundMsg) {
	req, sig := msg.req, msg.sig

	if srvrLog.Level() == btclog.LevelTrace {
		srvrLog.Tracef("dispatching message: %v", spew.Sdump(req))
	}

	switch req.Type {
	case bftwire.TypeClientRequest:
		var ctx *consensus.ClientContext
		if msg.client != nil {
			client := msg.client
			ctx = &consensus.ClientContext{
				Reply: func(resp *bftwire.Request) error {
					return client.sendRequest(
						resp, s.signer(),
					)
				},
			}
		}
		s.proxyMgr.Submit(ctx, req)

	case bftwire.TypeNewTxns:
		if err := s.engine.ProcessNewTxns(req, sig); err != nil {
			srvrLog.Debugf("batch not admitted: %v", err)
		}

	case bftwire.TypePrePrepare:
		if err := s.engine.ProcessPrePrepare(req, sig); err != nil {
			srvrLog.Errorf("pre-prepare seq %d failed: %v",
				req.Seq, err)
		}

	case bftwire.TypePrepare:
		if err := s.engine.ProcessPrepare(req, sig); err != nil {
			srvrLog.Errorf("prepare seq %d failed: %v", req.Seq,
				err)
		}

	case bftwire.TypeCommit:
		if err := s.engine.ProcessCommit(req, sig); err != nil {
			srvrLog.Errorf("commit seq %d failed: %v", req.Seq,
				err)
		}

	case bftwire.TypeResponse:
		s.proxyMgr.ProcessResponse(req, sig)

	case bftwire.TypeCheckpoint:
		if s.checkpointMgr != nil {
			s.checkpointMgr.ProcessCheckpoint(req, sig)
		}

	case bftwire.TypeQuery:
		s.handleQuery(msg)

	case bftwire.TypeReplicaState:
		s.handleReplicaState(msg)

	default:
		srvrLog.Debugf("message of unhandled type %v dropped",
			req.Type)
	}
}

// handleQuery answers a committed-transaction range query from the local
// log, truncating at the first gap.
func (s *server) handleQuery(msg *inboundMsg) {
	if msg.client == nil {
		return
	}

	query := &bftwire.QueryRequest{}
	if err := query.Decode(bytes.NewReader(msg.req.Data)); err != nil {
		srvrLog.Debugf("undecodable query dropped: %v", err)
		return
	}

	resp := &bftwire.QueryResponse{}
	for seq := query.MinSeq; seq <= query.MaxSeq; seq++ {
		data, err := s.txnDB.Get(seq)
		if err != nil {
			break
		}
		resp.Txns = append(resp.Txns, bftwire.Txn{
			Seq:  seq,
			Data: data,
		})
	}

	var buf bytes.Buffer
	if err := resp.Encode(&buf); err != nil {
		srvrLog.Errorf("unable to encode query response: %v", err)
		return
	}
	err := msg.client.sendRequest(&bftwire.Request{
		Type:     bftwire.TypeQuery,
		SenderID: s.repCfg.SelfID,
		Data:     buf.Bytes(),
	}, s.signer())
	if err != nil {
		srvrLog.Debugf("unable to send query response: %v", err)
	}
}

// handleReplicaState answers a state query with our view and identity.
func (s *server) handleReplicaState(msg *inboundMsg) {
	if msg.client == nil {
		return
	}

	self, err := s.repCfg.self()
	if err != nil {
		return
	}

	state := s.manager.ReplicaState()
	state.Addr = []byte(net.JoinHostPort(
		self.IP, fmt.Sprintf("%d", self.Port),
	))

	var buf bytes.Buffer
	if err := state.Encode(&buf); err != nil {
		srvrLog.Errorf("unable to encode replica state: %v", err)
		return
	}
	err = msg.client.sendRequest(&bftwire.Request{
		Type:     bftwire.TypeReplicaState,
		SenderID: s.repCfg.SelfID,
		Data:     buf.Bytes(),
	}, s.signer())
	if err != nil {
		srvrLog.Debugf("unable to send replica state: %v", err)
	}
}

// benchmarkPayload generates the synthetic transaction used in benchmark
// mode: a key-value set on a rotating key.
var benchCounter uint64

func benchmarkPayload() []byte {
	n := atomic.AddUint64(&benchCounter, 1)
	req := &kvexec.KVRequest{
		Cmd:   kvexec.CmdSet,
		Key:   []byte(fmt.Sprintf("bench-key-%d", n%1024)),
		Value: []byte(fmt.Sprintf("bench-value-%d", n)),
	}
	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}
