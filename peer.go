package main

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/bftnetwork/bftd/bftwire"
)

const (
	// reconnectDelay is the pause between reconnect attempts of a peer
	// writer. Long-lived peer connections retry indefinitely; the queue
	// provides the backpressure.
	reconnectDelay = 10 * time.Millisecond

	// dialTimeout bounds a single connection attempt to a peer.
	dialTimeout = 3 * time.Second

	// writeTimeout bounds a single bundle write to a peer.
	writeTimeout = 10 * time.Second
)

// peer is one long-lived outbound connection to a fellow replica. Frames
// offered to the peer are queued without bound and written by a dedicated
// writer goroutine, which batches up to tcpBatchNum frames into a single
// bundle to amortise framing cost. Frames offered by the same sender are
// delivered in offer order; a send failure discards the connection and the
// writer re-establishes it lazily, retaining everything still queued.
type peer struct {
	started    int32 // atomic
	disconnect int32 // atomic

	// connected mirrors whether the last write succeeded. Used
	// atomically; consumed by the health monitor.
	connected int32

	id          uint32
	addr        string
	tcpBatchNum int

	conn net.Conn

	// sendQueue is the unbounded queue of serialised envelope frames
	// awaiting delivery to this peer.
	sendQueue *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}
}

// newPeer creates a peer for the replica at addr. The connection is
// established lazily by the writer.
func newPeer(id uint32, addr string, tcpBatchNum int) *peer {
	if tcpBatchNum <= 0 {
		tcpBatchNum = 1
	}
	return &peer{
		id:          id,
		addr:        addr,
		tcpBatchNum: tcpBatchNum,
		sendQueue:   queue.NewConcurrentQueue(16),
		quit:        make(chan struct{}),
	}
}

// Start launches the peer's writer goroutine.
func (p *peer) Start() error {
	if atomic.AddInt32(&p.started, 1) != 1 {
		return nil
	}

	p.sendQueue.Start()
	p.wg.Add(1)
	go p.writeHandler()
	return nil
}

// Stop signals the writer and blocks until it unwinds. Queued frames are
// dropped.
func (p *peer) Stop() {
	if atomic.AddInt32(&p.disconnect, 1) != 1 {
		return
	}

	close(p.quit)
	p.wg.Wait()
	p.sendQueue.Stop()

	if p.conn != nil {
		p.conn.Close()
	}
}

// Connected reports whether the last write to this peer succeeded.
func (p *peer) Connected() bool {
	return atomic.LoadInt32(&p.connected) == 1
}

// queueFrame offers one serialised envelope frame for delivery. It never
// blocks and never fails; delivery is best effort.
func (p *peer) queueFrame(frame []byte) {
	select {
	case p.sendQueue.ChanIn() <- frame:
	case <-p.quit:
	}
}

// writeHandler drains the send queue, bundling consecutive frames.
//
// NOTE: This MUST be run as a goroutine.
func (p *peer) writeHandler() {
	defer p.wg.Done()

	for {
		var frames [][]byte
		select {
		case item := <-p.sendQueue.ChanOut():
			frames = append(frames, item.([]byte))
		case <-p.quit:
			return
		}

		// Opportunistically batch whatever else is already queued.
	batch:
		for len(frames) < p.tcpBatchNum {
			select {
			case item := <-p.sendQueue.ChanOut():
				frames = append(frames, item.([]byte))
			default:
				break batch
			}
		}

		p.writeBundle(frames)
	}
}

// writeBundle writes one bundle, reconnecting and retrying until it is
// delivered or the peer shuts down.
func (p *peer) writeBundle(frames [][]byte) {
	bundle := &bftwire.BroadcastBundle{Frames: frames}

	for atomic.LoadInt32(&p.disconnect) == 0 {
		if p.conn == nil {
			conn, err := net.DialTimeout(
				"tcp", p.addr, dialTimeout,
			)
			if err != nil {
				peerLog.Tracef("peer(%d): connect to %v "+
					"failed: %v", p.id, p.addr, err)
				atomic.StoreInt32(&p.connected, 0)
				if !p.pause(reconnectDelay) {
					return
				}
				continue
			}
			p.conn = conn
			peerLog.Debugf("peer(%d): connected to %v", p.id,
				p.addr)
		}

		deadline := time.Now().Add(writeTimeout)
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			p.conn.Close()
			p.conn = nil
			continue
		}

		_, err := bftwire.WriteMessage(p.conn, bundle)
		if err == nil {
			atomic.StoreInt32(&p.connected, 1)
			return
		}

		peerLog.Debugf("peer(%d): write failed, reconnecting: %v",
			p.id, err)
		atomic.StoreInt32(&p.connected, 0)
		p.conn.Close()
		p.conn = nil
		if !p.pause(reconnectDelay) {
			return
		}
	}
}

// pause sleeps for d unless the peer shuts down first, reporting whether
// the caller should continue.
func (p *peer) pause(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.quit:
		return false
	}
}
