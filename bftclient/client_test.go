package bftclient

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/bftnetwork/bftd/bftwire"
)

// serveOnce accepts one connection and answers every incoming envelope via
// handler until the connection drops.
func serveOnce(t *testing.T,
	handler func(req *bftwire.Request) *bftwire.Request) string {

	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			msg, err := bftwire.ReadMessage(conn)
			if err != nil {
				return
			}
			env, ok := msg.(*bftwire.Envelope)
			if !ok {
				return
			}
			req, err := bftwire.Open(env, nil)
			if err != nil {
				return
			}

			resp := handler(req)
			if resp == nil {
				continue
			}
			respEnv, err := bftwire.Seal(resp, nil)
			if err != nil {
				return
			}
			if _, err := bftwire.WriteMessage(
				conn, respEnv,
			); err != nil {
				return
			}
		}
	}()

	return listener.Addr().String()
}

// TestUserClientSubmit round-trips a submission against a stub replica.
func TestUserClientSubmit(t *testing.T) {
	t.Parallel()

	addr := serveOnce(t, func(req *bftwire.Request) *bftwire.Request {
		if req.Type != bftwire.TypeClientRequest {
			return nil
		}
		return &bftwire.Request{
			Type: bftwire.TypeResponse,
			Ret:  bftwire.RetOK,
			Data: append([]byte("done:"), req.Data...),
		}
	})

	client := NewUserClient(addr)
	defer client.Close()
	client.SetResponseTimeout(3 * time.Second)

	out, err := client.Submit([]byte("set k v"))
	require.NoError(t, err)
	require.Equal(t, []byte("done:set k v"), out)
}

// TestUserClientRejected asserts an error response surfaces as an error.
func TestUserClientRejected(t *testing.T) {
	t.Parallel()

	addr := serveOnce(t, func(req *bftwire.Request) *bftwire.Request {
		return &bftwire.Request{
			Type: bftwire.TypeResponse,
			Ret:  bftwire.RetError,
		}
	})

	client := NewUserClient(addr)
	defer client.Close()
	client.SetResponseTimeout(3 * time.Second)

	_, err := client.Submit([]byte("doomed"))
	require.Error(t, err)
}

// TestTxnClientQuery round-trips a range query.
func TestTxnClientQuery(t *testing.T) {
	t.Parallel()

	addr := serveOnce(t, func(req *bftwire.Request) *bftwire.Request {
		if req.Type != bftwire.TypeQuery {
			return nil
		}

		query := &bftwire.QueryRequest{}
		if err := query.Decode(
			bytes.NewReader(req.Data),
		); err != nil {
			return nil
		}

		resp := &bftwire.QueryResponse{}
		for seq := query.MinSeq; seq <= query.MaxSeq; seq++ {
			resp.Txns = append(resp.Txns, bftwire.Txn{
				Seq:  seq,
				Data: []byte{byte(seq)},
			})
		}
		var buf bytes.Buffer
		if err := resp.Encode(&buf); err != nil {
			return nil
		}
		return &bftwire.Request{
			Type: bftwire.TypeQuery,
			Data: buf.Bytes(),
		}
	})

	client := NewTxnClient(addr)
	defer client.Close()
	client.SetResponseTimeout(3 * time.Second)

	resp, err := client.Query(1, 3)
	require.NoError(t, err)
	require.Len(t, resp.Txns, 3)
	require.Equal(t, uint64(1), resp.Txns[0].Seq)
}

// TestSendRetriesExhausted asserts a dead endpoint fails after the bounded
// attempts instead of hanging.
func TestSendRetriesExhausted(t *testing.T) {
	t.Parallel()

	// Grab a port and close it again so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	client := New(addr)
	err = client.SendRequest(&bftwire.Request{
		Type: bftwire.TypeClientRequest,
		Data: []byte("x"),
	})
	require.Error(t, err)
}
