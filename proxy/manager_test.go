package proxy

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/consensus"
)

// stubBroadcaster records direct sends and can be told to fail them.
type stubBroadcaster struct {
	mtx   sync.Mutex
	sends []*bftwire.Request
	fail  bool
}

func (s *stubBroadcaster) Broadcast(req *bftwire.Request) error {
	return s.SendTo(req, 0)
}

func (s *stubBroadcaster) SendTo(req *bftwire.Request,
	nodeID uint32) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.fail {
		return errSendFailed
	}
	s.sends = append(s.sends, req)
	return nil
}

func (s *stubBroadcaster) sent() []*bftwire.Request {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*bftwire.Request, len(s.sends))
	copy(out, s.sends)
	return out
}

var errSendFailed = errors.New("send failed")

// replyRecorder is a client context whose replies are captured.
type replyRecorder struct {
	mtx     sync.Mutex
	replies []*bftwire.Request
}

func (r *replyRecorder) context() *consensus.ClientContext {
	return &consensus.ClientContext{
		Reply: func(resp *bftwire.Request) error {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.replies = append(r.replies, resp)
			return nil
		},
	}
}

func (r *replyRecorder) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.replies)
}

// newTestManager stands up a manager over a stub broadcaster with a test
// clock.
func newTestManager(t *testing.T, batchNum int,
	testClock clock.Clock) (*Manager, *stubBroadcaster) {

	t.Helper()

	bus := &stubBroadcaster{}
	m := NewManager(Config{
		SelfID:      1,
		Quorum:      consensus.Quorum{N: 4},
		Broadcaster: bus,
		SysInfo: consensus.NewSystemInfo([]consensus.ReplicaInfo{
			{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4},
		}),
		BatchNum:    batchNum,
		BatchWait:   50 * time.Millisecond,
		MaxInFlight: 16,
		Clock:       testClock,
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	return m, bus
}

// clientRequest builds one client submission.
func clientRequest(payload string) *bftwire.Request {
	return &bftwire.Request{
		Type:         bftwire.TypeClientRequest,
		NeedResponse: 1,
		Data:         []byte(payload),
	}
}

// TestBatchByCount asserts a full batch flushes immediately without
// waiting out the batch timer.
func TestBatchByCount(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(1000, 0))
	m, bus := newTestManager(t, 2, testClock)

	rec := &replyRecorder{}
	m.Submit(rec.context(), clientRequest("a"))
	m.Submit(rec.context(), clientRequest("b"))

	require.Eventually(t, func() bool {
		return len(bus.sent()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	req := bus.sent()[0]
	require.Equal(t, bftwire.TypeNewTxns, req.Type)
	require.Equal(t, uint32(1), req.ProxyID)
	require.NotEmpty(t, req.Hash)

	batch := &bftwire.BatchRequest{}
	require.NoError(t, batch.Decode(bytes.NewReader(req.Data)))
	require.Equal(t, uint64(1), batch.LocalID)
	require.Len(t, batch.Subs, 2)
	require.Equal(t, []byte("a"), batch.Subs[0].Data)
	require.Equal(t, []byte("b"), batch.Subs[1].Data)

	require.Equal(t, int64(1), m.InFlight())
}

// TestBatchByTimeout asserts a lone submission flushes once the batch wait
// expires.
func TestBatchByTimeout(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	testClock := clock.NewTestClock(start)
	m, bus := newTestManager(t, 10, testClock)

	rec := &replyRecorder{}
	m.Submit(rec.context(), clientRequest("lonely"))

	// March the clock forward until the batcher's deadline fires.
	deadline := start
	require.Eventually(t, func() bool {
		deadline = deadline.Add(50 * time.Millisecond)
		testClock.SetTime(deadline)
		return len(bus.sent()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	batch := &bftwire.BatchRequest{}
	require.NoError(t, batch.Decode(bytes.NewReader(bus.sent()[0].Data)))
	require.Len(t, batch.Subs, 1)
}

// matchedResponse wraps a BatchResponse in a RESPONSE request from the
// given replica.
func matchedResponse(t *testing.T, sender uint32, seq uint64,
	localID uint64, payloads [][]byte) *bftwire.Request {

	t.Helper()

	resp := &bftwire.BatchResponse{
		LocalID:  localID,
		Seq:      seq,
		ProxyID:  1,
		Payloads: payloads,
	}
	var buf bytes.Buffer
	require.NoError(t, resp.Encode(&buf))
	return &bftwire.Request{
		Type:     bftwire.TypeResponse,
		Seq:      seq,
		SenderID: sender,
		Ret:      bftwire.RetOK,
		Data:     buf.Bytes(),
	}
}

// TestResponseMatching asserts the f+1 matching contract: replies reach
// clients exactly once, only after f+1 identical responses from distinct
// replicas.
func TestResponseMatching(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(1000, 0))
	m, bus := newTestManager(t, 2, testClock)

	recA, recB := &replyRecorder{}, &replyRecorder{}
	m.Submit(recA.context(), clientRequest("set a 1"))
	m.Submit(recB.context(), clientRequest("set b 2"))

	require.Eventually(t, func() bool {
		return len(bus.sent()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), m.InFlight())

	payloads := [][]byte{[]byte("ok-a"), []byte("ok-b")}

	// A divergent response from replica 4 counts toward nothing.
	divergent := matchedResponse(t, 4, 1, 1, [][]byte{
		[]byte("bogus"), []byte("bogus"),
	})
	m.ProcessResponse(divergent, bftwire.Signature{})
	require.Zero(t, recA.count())

	// First matching response: below the f+1=2 threshold.
	res := m.ProcessResponse(
		matchedResponse(t, 2, 1, 1, payloads), bftwire.Signature{},
	)
	require.Equal(t, consensus.VoteOK, res)
	require.Zero(t, recA.count())

	// A duplicate from the same replica changes nothing.
	res = m.ProcessResponse(
		matchedResponse(t, 2, 1, 1, payloads), bftwire.Signature{},
	)
	require.Equal(t, consensus.VoteOK, res)
	require.Zero(t, recA.count())

	// The second distinct matching replica seals the sequence.
	res = m.ProcessResponse(
		matchedResponse(t, 3, 1, 1, payloads), bftwire.Signature{},
	)
	require.Equal(t, consensus.VoteStateChanged, res)

	require.Equal(t, 1, recA.count())
	require.Equal(t, 1, recB.count())
	recA.mtx.Lock()
	require.Equal(t, []byte("ok-a"), recA.replies[0].Data)
	recA.mtx.Unlock()
	recB.mtx.Lock()
	require.Equal(t, []byte("ok-b"), recB.replies[0].Data)
	recB.mtx.Unlock()
	require.Zero(t, m.InFlight())

	// A straggler response after sealing produces no second reply.
	res = m.ProcessResponse(
		matchedResponse(t, 4, 1, 1, payloads), bftwire.Signature{},
	)
	require.Equal(t, consensus.VoteOK, res)
	require.Equal(t, 1, recA.count())
}

// TestAdmissionReject asserts an error response from the primary fails the
// batch back to its clients exactly once.
func TestAdmissionReject(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(1000, 0))
	m, bus := newTestManager(t, 1, testClock)

	rec := &replyRecorder{}
	m.Submit(rec.context(), clientRequest("doomed"))

	require.Eventually(t, func() bool {
		return len(bus.sent()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	batchReq := bus.sent()[0]

	reject := &bftwire.Request{
		Type:     bftwire.TypeResponse,
		SenderID: 1,
		ProxyID:  1,
		Ret:      bftwire.RetError,
		Data:     batchReq.Data,
	}
	res := m.ProcessResponse(reject, bftwire.Signature{})
	require.Equal(t, consensus.VoteStateChanged, res)

	require.Equal(t, 1, rec.count())
	rec.mtx.Lock()
	require.Equal(t, bftwire.RetError, rec.replies[0].Ret)
	rec.mtx.Unlock()
	require.Zero(t, m.InFlight())

	// A replayed rejection is a no-op.
	m.ProcessResponse(reject, bftwire.Signature{})
	require.Equal(t, 1, rec.count())
	require.Zero(t, m.InFlight())
}
