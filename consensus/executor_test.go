package consensus

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/bftnetwork/bftd/bftwire"
)

// committedBatch wraps a one-sub batch as the canonical request for seq.
func committedBatch(t *testing.T, seq uint64, payload string) *bftwire.Request {
	t.Helper()

	batch := &bftwire.BatchRequest{
		LocalID: seq,
		Subs:    []bftwire.SubRequest{{Data: []byte(payload)}},
	}
	var buf bytes.Buffer
	require.NoError(t, batch.Encode(&buf))

	return &bftwire.Request{
		Type:    bftwire.TypePrePrepare,
		Seq:     seq,
		ProxyID: 1,
		Hash:    bftwire.RequestDigest(buf.Bytes()),
		Data:    buf.Bytes(),
	}
}

// oooExecutor opts into out-of-order dispatch.
type oooExecutor struct {
	echoExecutor
}

func (oooExecutor) IsOutOfOrder() bool { return true }

// silentExecutor opts out of responses.
type silentExecutor struct {
	echoExecutor

	mtx  sync.Mutex
	seen []uint64
}

func (s *silentExecutor) NeedsResponse() bool { return false }

func (s *silentExecutor) ExecuteBatch(
	batch *bftwire.BatchRequest) (*bftwire.BatchResponse, error) {

	s.mtx.Lock()
	s.seen = append(s.seen, batch.LocalID)
	s.mtx.Unlock()
	return s.echoExecutor.ExecuteBatch(batch)
}

// TestExecutorInOrderHooks commits sequences out of order and asserts the
// in-order hooks observe them gap free.
func TestExecutorInOrderHooks(t *testing.T) {
	t.Parallel()

	var (
		mtx      sync.Mutex
		absorbed []uint64
		rotated  []uint64
	)
	e := NewExecutor(ExecutorConfig{
		Impl: echoExecutor{},
		OnCommitted: []func(req *bftwire.Request){
			func(req *bftwire.Request) {
				mtx.Lock()
				absorbed = append(absorbed, req.Seq)
				mtx.Unlock()
			},
		},
		OnExecuted: func(seq uint64) {
			mtx.Lock()
			rotated = append(rotated, seq)
			mtx.Unlock()
		},
	})
	require.NoError(t, e.Start())
	defer e.Stop()

	// Sequence 2 arrives first and must wait for 1.
	e.Commit(committedBatch(t, 2, "second"))
	e.Commit(committedBatch(t, 1, "first"))
	e.Commit(committedBatch(t, 3, "third"))

	require.Eventually(t, func() bool {
		return e.LastExecutedSeq() == 3
	}, 3*time.Second, 10*time.Millisecond)

	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, []uint64{1, 2, 3}, absorbed)
	require.Equal(t, []uint64{1, 2, 3}, rotated)
}

// TestExecutorOutOfOrder asserts an out-of-order executor dispatches on
// arrival while the in-order hooks still advance gap free.
func TestExecutorOutOfOrder(t *testing.T) {
	t.Parallel()

	absorbed := &mutexSlice{}
	e := NewExecutor(ExecutorConfig{
		Impl: oooExecutor{},
		OnCommitted: []func(req *bftwire.Request){
			func(req *bftwire.Request) {
				absorbed.append(req.Seq)
			},
		},
	})
	require.NoError(t, e.Start())
	defer e.Stop()

	e.Commit(committedBatch(t, 2, "b"))

	// Sequence 2 executes immediately: its response surfaces before
	// sequence 1 even exists.
	select {
	case item := <-e.Responses():
		executed := item.(*ExecutedBatch)
		require.Equal(t, uint64(2), executed.Request.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("out-of-order execution did not dispatch")
	}

	// The in-order cursor held back until 1 lands.
	require.Equal(t, uint64(0), e.LastExecutedSeq())
	e.Commit(committedBatch(t, 1, "a"))

	require.Eventually(t, func() bool {
		return e.LastExecutedSeq() == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []uint64{1, 2}, absorbed.snapshot())
}

// TestExecutorSilent asserts a response-less executor still executes but
// publishes nothing.
func TestExecutorSilent(t *testing.T) {
	t.Parallel()

	impl := &silentExecutor{}
	e := NewExecutor(ExecutorConfig{Impl: impl})
	require.NoError(t, e.Start())
	defer e.Stop()

	e.Commit(committedBatch(t, 1, "quiet"))

	require.Eventually(t, func() bool {
		return e.LastExecutedSeq() == 1
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case <-e.Responses():
		t.Fatal("silent executor published a response")
	case <-time.After(100 * time.Millisecond):
	}

	impl.mtx.Lock()
	defer impl.mtx.Unlock()
	require.Equal(t, []uint64{1}, impl.seen)
}

// mutexSlice is a tiny synchronised uint64 slice for test hooks.
type mutexSlice struct {
	mtx   sync.Mutex
	items []uint64
}

func (m *mutexSlice) append(v uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.items = append(m.items, v)
}

func (m *mutexSlice) snapshot() []uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]uint64, len(m.items))
	copy(out, m.items)
	return out
}
