package consensus

import (
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/stats"
	"github.com/bftnetwork/bftd/store"
)

// ManagerConfig wires the transaction manager to its collaborators.
type ManagerConfig struct {
	// SelfID is the local replica id.
	SelfID uint32

	// Quorum supplies the protocol thresholds.
	Quorum Quorum

	// MaxInFlight bounds how far the primary may issue sequences ahead
	// of execution.
	MaxInFlight uint32

	// EnableViewChange turns on prepared-proof evidence gathering.
	EnableViewChange bool

	// SysInfo tracks the view and primary.
	SysInfo *SystemInfo

	// Impl is the application state machine handed to the executor
	// adapter.
	Impl BatchExecutor

	// Checkpoint absorbs committed requests into the digest chain. May
	// be nil when checkpointing is disabled.
	Checkpoint *CheckpointManager

	// TxnDB records committed batches for range queries. May be nil.
	TxnDB *store.TxnDB

	// Stats is the metrics handle. Nil selects the no-op sink.
	Stats stats.Collector
}

// Manager owns the per-sequence collector pool and the flow of consensus
// messages through it, the sequencer, and the executor adapter. It is the
// Go rendering of the transaction bookkeeping that sits between the
// commitment engine and the state machine.
type Manager struct {
	cfg ManagerConfig

	pool      *CollectorPool
	sequencer *Sequencer
	executor  *Executor
}

// NewManager builds the manager and its owned executor adapter, collector
// pool and sequencer.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Stats == nil {
		cfg.Stats = stats.NoOp()
	}

	m := &Manager{cfg: cfg}

	var onCommitted []func(req *bftwire.Request)
	if cfg.Checkpoint != nil {
		onCommitted = append(onCommitted, cfg.Checkpoint.AddCommitData)
	}
	if cfg.TxnDB != nil {
		onCommitted = append(onCommitted, func(req *bftwire.Request) {
			if err := cfg.TxnDB.Put(req.Seq, req.Data); err != nil {
				log.Errorf("unable to record txn %d: %v",
					req.Seq, err)
			}
		})
	}

	m.executor = NewExecutor(ExecutorConfig{
		Impl:        cfg.Impl,
		OnCommitted: onCommitted,
		OnExecuted:  func(seq uint64) { m.pool.Rotate(seq) },
		Stats:       cfg.Stats,
	})

	m.pool = NewCollectorPool(
		"txn", cfg.MaxInFlight, func(seq uint64) *Collector {
			return NewCollector(
				seq, cfg.EnableViewChange, m.executor.Commit,
			)
		},
	)

	m.sequencer = NewSequencer(
		uint64(cfg.MaxInFlight), m.executor.LastExecutedSeq,
		cfg.Stats,
	)

	return m
}

// Start launches the executor adapter.
func (m *Manager) Start() error {
	return m.executor.Start()
}

// Stop tears down the executor adapter.
func (m *Manager) Stop() error {
	return m.executor.Stop()
}

// Executor exposes the adapter for response draining.
func (m *Manager) Executor() *Executor {
	return m.executor
}

// AssignNextSeq issues the next sequence number under water-mark admission.
func (m *Manager) AssignNextSeq() (uint64, error) {
	return m.sequencer.Next()
}

// CurrentView returns the view consensus currently runs under.
func (m *Manager) CurrentView() uint64 {
	return m.cfg.SysInfo.View()
}

// CurrentPrimary returns the primary of the current view.
func (m *Manager) CurrentPrimary() uint32 {
	return m.cfg.SysInfo.PrimaryID()
}

// OnStableCheckpoint records a stabilised checkpoint as the sequencer's
// low water mark.
func (m *Manager) OnStableCheckpoint(seq uint64) {
	m.sequencer.AdvanceStable(seq)
}

// isValidMsg applies the admission filter shared by every consensus
// message: current view, not behind execution.
func (m *Manager) isValidMsg(req *bftwire.Request) bool {
	if req.View != m.CurrentView() {
		log.Debugf("message view %d does not match current view %d, "+
			"dropped", req.View, m.CurrentView())
		return false
	}
	if req.Seq <= m.executor.LastExecutedSeq() {
		return false
	}
	return true
}

// mayChangeStatus is the transition policy: it applies the table of legal
// transitions for one more vote of msgType given the distinct-sender count.
func (m *Manager) mayChangeStatus(msgType bftwire.RequestType, count int,
	c *Collector) bool {

	switch msgType {
	case bftwire.TypePrePrepare:
		return c.Transition(StatusNone, StatusPrePrepared)

	case bftwire.TypePrepare:
		if count >= m.cfg.Quorum.AgreementSize() {
			return c.Transition(StatusPrePrepared, StatusPrepared)
		}

	case bftwire.TypeCommit:
		if count >= m.cfg.Quorum.AgreementSize() {
			return c.Transition(StatusPrepared, StatusCommitted)
		}
	}
	return false
}

// AddConsensusMsg routes a pre-prepare, prepare or commit into its
// sequence's collector. The caller learns whether the message was invalid,
// merely absorbed, or advanced the state machine (and therefore owes a
// broadcast).
func (m *Manager) AddConsensusMsg(sig bftwire.Signature,
	req *bftwire.Request) VoteResult {

	if req == nil || !m.isValidMsg(req) {
		return VoteInvalid
	}

	isMain := req.Type == bftwire.TypePrePrepare
	return m.pool.Get(req.Seq).AddRequest(
		req, sig, isMain, m.mayChangeStatus,
	)
}

// TransactionStatus reports the state of a live sequence.
func (m *Manager) TransactionStatus(seq uint64) Status {
	return m.pool.Get(seq).Status()
}

// PreparedProof returns the view-change evidence gathered for a live
// sequence.
func (m *Manager) PreparedProof(seq uint64) []VoteInfo {
	return m.pool.Get(seq).PreparedProof()
}

// CommittedTxn returns the batch body committed at seq from the
// transaction log.
func (m *Manager) CommittedTxn(seq uint64) ([]byte, error) {
	if m.cfg.TxnDB == nil {
		return nil, store.ErrKeyNotFound
	}
	return m.cfg.TxnDB.Get(seq)
}

// ReplicaState reports this replica's view for state queries.
func (m *Manager) ReplicaState() *bftwire.ReplicaState {
	return &bftwire.ReplicaState{
		View:      m.CurrentView(),
		ReplicaID: m.cfg.SelfID,
	}
}
