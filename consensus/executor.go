package consensus

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/stats"
)

// ExecutedBatch pairs an executed request with the response its execution
// produced, ready to be routed back to the batch's proxy.
type ExecutedBatch struct {
	// Request is the canonical request as ordered, with any commit
	// certificates attached.
	Request *bftwire.Request

	// Response carries the executor outputs. Nil when the executor does
	// not produce responses.
	Response *bftwire.BatchResponse
}

// ExecutorConfig wires the adapter to its collaborators.
type ExecutorConfig struct {
	// Impl is the application state machine.
	Impl BatchExecutor

	// OnCommitted is invoked in strict sequence order with every
	// executed request. Under in-order execution it runs before the
	// execution result is published; under out-of-order dispatch the
	// result is published first and the hooks follow once the request
	// joins the contiguous executed prefix. The checkpoint manager and
	// the committed transaction log hang off this hook.
	OnCommitted []func(req *bftwire.Request)

	// OnExecuted is invoked after a sequence fully retires, carrying the
	// executed sequence number. Collector pool rotation hangs off this
	// hook.
	OnExecuted func(seq uint64)

	// Stats is the metrics handle. Nil selects the no-op sink.
	Stats stats.Collector
}

// Executor adapts the application state machine to the consensus flow: it
// owns the ordered inbox committed requests are enqueued into, executes
// them in strictly increasing sequence order starting at 1 (or as they
// arrive, when the state machine opts into out-of-order dispatch), and
// publishes the results. Execution happens on the adapter's own goroutine; collectors
// only ever touch the inbox.
type Executor struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg ExecutorConfig

	// nextExecuteSeq is the next sequence awaiting execution. It doubles
	// as the water-mark reference the sequencer admits against.
	nextExecuteSeq uint64 // atomic

	outOfOrder   bool
	needResponse bool

	inbox     *queue.ConcurrentQueue
	responses *queue.ConcurrentQueue

	// pending holds committed requests that arrived ahead of their turn.
	pending map[uint64]*bftwire.Request

	// executedAhead tracks out-of-order executions not yet absorbed into
	// the in-order hooks.
	executedAhead map[uint64]*bftwire.Request

	mtx  sync.Mutex
	wg   sync.WaitGroup
	quit chan struct{}
}

// NewExecutor creates the adapter. The executor's optional capabilities
// (out-of-order dispatch, response suppression) are discovered through
// interface assertions on cfg.Impl.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Stats == nil {
		cfg.Stats = stats.NoOp()
	}

	e := &Executor{
		cfg:            cfg,
		nextExecuteSeq: 1,
		needResponse:   true,
		inbox:          queue.NewConcurrentQueue(16),
		responses:      queue.NewConcurrentQueue(16),
		pending:        make(map[uint64]*bftwire.Request),
		executedAhead:  make(map[uint64]*bftwire.Request),
		quit:           make(chan struct{}),
	}
	if ooo, ok := cfg.Impl.(OutOfOrderExecutor); ok {
		e.outOfOrder = ooo.IsOutOfOrder()
	}
	if silent, ok := cfg.Impl.(SilentExecutor); ok {
		e.needResponse = silent.NeedsResponse()
	}
	return e
}

// Start launches the execution loop.
func (e *Executor) Start() error {
	if atomic.AddInt32(&e.started, 1) != 1 {
		return nil
	}

	e.inbox.Start()
	e.responses.Start()

	e.wg.Add(1)
	go e.executeLoop()
	return nil
}

// Stop signals the execution loop and blocks until it unwinds. Pending
// queued work is dropped.
func (e *Executor) Stop() error {
	if atomic.AddInt32(&e.shutdown, 1) != 1 {
		return nil
	}

	close(e.quit)
	e.wg.Wait()
	e.inbox.Stop()
	e.responses.Stop()
	return nil
}

// Commit enqueues a committed request into the ordered inbox. It never
// blocks: the inbox is unbounded and execution happens on the adapter's
// own goroutine.
func (e *Executor) Commit(req *bftwire.Request) {
	select {
	case e.inbox.ChanIn() <- req:
	case <-e.quit:
	}
}

// Responses returns the channel executed batches are published on.
func (e *Executor) Responses() <-chan interface{} {
	return e.responses.ChanOut()
}

// LastExecutedSeq returns the highest retired sequence, zero before any
// execution. The sequencer's water mark and the message admission filter
// both reference this cursor.
func (e *Executor) LastExecutedSeq() uint64 {
	return atomic.LoadUint64(&e.nextExecuteSeq) - 1
}

// executeLoop drains the inbox, holding back requests that arrive ahead of
// their sequence turn.
//
// NOTE: This MUST be run as a goroutine.
func (e *Executor) executeLoop() {
	defer e.wg.Done()

	for {
		select {
		case item := <-e.inbox.ChanOut():
			req := item.(*bftwire.Request)
			if e.outOfOrder {
				e.executeOutOfOrder(req)
				continue
			}
			e.executeInOrder(req)

		case <-e.quit:
			return
		}
	}
}

// executeInOrder parks req until its turn, then executes every consecutive
// pending sequence.
func (e *Executor) executeInOrder(req *bftwire.Request) {
	e.mtx.Lock()
	e.pending[req.Seq] = req
	e.mtx.Unlock()

	for {
		next := atomic.LoadUint64(&e.nextExecuteSeq)

		e.mtx.Lock()
		ready, ok := e.pending[next]
		if ok {
			delete(e.pending, next)
		}
		e.mtx.Unlock()
		if !ok {
			return
		}

		resp := e.runBatch(ready)
		e.retire(ready, resp)
	}
}

// executeOutOfOrder dispatches immediately but still feeds the in-order
// hooks as the contiguous prefix of executed sequences grows.
func (e *Executor) executeOutOfOrder(req *bftwire.Request) {
	resp := e.runBatch(req)
	e.publish(req, resp)

	e.mtx.Lock()
	e.executedAhead[req.Seq] = req
	e.mtx.Unlock()

	for {
		next := atomic.LoadUint64(&e.nextExecuteSeq)

		e.mtx.Lock()
		done, ok := e.executedAhead[next]
		if ok {
			delete(e.executedAhead, next)
		}
		e.mtx.Unlock()
		if !ok {
			return
		}

		e.absorb(done)
	}
}

// runBatch decodes and executes one batch, returning the response or nil
// when responses are suppressed or execution failed.
func (e *Executor) runBatch(req *bftwire.Request) *bftwire.BatchResponse {
	batch := &bftwire.BatchRequest{}
	err := batch.Decode(bytes.NewReader(req.Data))
	if err != nil {
		log.Errorf("seq %d: unable to decode batch: %v", req.Seq, err)
		return nil
	}

	resp, err := e.cfg.Impl.ExecuteBatch(batch)
	if err != nil {
		log.Errorf("seq %d: execution failed: %v", req.Seq, err)
		return nil
	}
	e.cfg.Stats.IncExecuted()

	if resp == nil || !e.needResponse {
		return nil
	}
	resp.LocalID = batch.LocalID
	resp.Seq = req.Seq
	resp.View = req.View
	resp.ProxyID = req.ProxyID
	return resp
}

// retire runs the in-order hooks for req and publishes its response.
func (e *Executor) retire(req *bftwire.Request,
	resp *bftwire.BatchResponse) {

	e.absorb(req)
	e.publish(req, resp)
}

// absorb advances the in-order bookkeeping: committed hooks, the execution
// cursor, then the retirement notification.
func (e *Executor) absorb(req *bftwire.Request) {
	for _, hook := range e.cfg.OnCommitted {
		hook(req)
	}

	atomic.StoreUint64(&e.nextExecuteSeq, req.Seq+1)

	if e.cfg.OnExecuted != nil {
		e.cfg.OnExecuted(req.Seq)
	}
}

// publish places the execution result on the response queue.
func (e *Executor) publish(req *bftwire.Request,
	resp *bftwire.BatchResponse) {

	if resp == nil {
		return
	}
	select {
	case e.responses.ChanIn() <- &ExecutedBatch{
		Request:  req,
		Response: resp,
	}:
	case <-e.quit:
	}
}
