package bftclient

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bftnetwork/bftd/bftwire"
)

const (
	// maxSendAttempts is how many times a blocking send retries,
	// reconnecting between attempts. There is deliberately no backoff:
	// the clients target LAN deployments where a reconnect either
	// succeeds immediately or not at all.
	maxSendAttempts = 3

	// defaultDialTimeout bounds connection establishment.
	defaultDialTimeout = 3 * time.Second

	// DefaultResponseTimeout is how long a client waits for its f+1
	// matched response before giving up.
	DefaultResponseTimeout = 10 * time.Second
)

// Client is a blocking framed-envelope connection to a single replica.
// Safe for use by one goroutine at a time per direction.
type Client struct {
	addr string

	signer bftwire.Signer

	mtx       sync.Mutex
	conn      net.Conn
	connected bool

	respTimeout time.Duration
}

// New creates a client for the replica at addr. The connection is
// established lazily on first send.
func New(addr string) *Client {
	return &Client{
		addr:        addr,
		respTimeout: DefaultResponseTimeout,
	}
}

// SetSigner attaches a signer; subsequent sends carry signed envelopes.
func (c *Client) SetSigner(signer bftwire.Signer) {
	c.signer = signer
}

// SetResponseTimeout overrides the response wait deadline.
func (c *Client) SetResponseTimeout(timeout time.Duration) {
	c.respTimeout = timeout
}

// connect (re)establishes the TCP connection.
func (c *Client) connect() error {
	if c.conn != nil {
		c.conn.Close()
	}
	conn, err := net.DialTimeout("tcp", c.addr, defaultDialTimeout)
	if err != nil {
		c.connected = false
		return err
	}
	c.conn = conn
	c.connected = true
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.connected = false
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SendRequest seals req into a signed envelope and writes the frame,
// attempting at most three sends and reconnecting after each failure.
func (c *Client) SendRequest(req *bftwire.Request) error {
	env, err := bftwire.Seal(req, c.signer)
	if err != nil {
		return err
	}

	var frame bytes.Buffer
	if _, err := bftwire.WriteMessage(&frame, env); err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	var lastErr error
	for i := 0; i < maxSendAttempts; i++ {
		if !c.connected {
			if lastErr = c.connect(); lastErr != nil {
				log.Debugf("connect to %v failed: %v", c.addr,
					lastErr)
				continue
			}
		}

		_, lastErr = c.conn.Write(frame.Bytes())
		if lastErr == nil {
			return nil
		}
		c.connected = false
	}
	return fmt.Errorf("unable to send to %v after %d attempts: %v",
		c.addr, maxSendAttempts, lastErr)
}

// RecvRequest reads one envelope frame and decodes the carried request,
// waiting at most the response timeout.
func (c *Client) RecvRequest() (*bftwire.Request, error) {
	c.mtx.Lock()
	conn := c.conn
	c.mtx.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected to %v", c.addr)
	}

	if err := conn.SetReadDeadline(
		time.Now().Add(c.respTimeout),
	); err != nil {
		return nil, err
	}

	msg, err := bftwire.ReadMessage(conn)
	if err != nil {
		c.mtx.Lock()
		c.connected = false
		c.mtx.Unlock()
		return nil, err
	}

	env, ok := msg.(*bftwire.Envelope)
	if !ok {
		return nil, fmt.Errorf("unexpected %T from %v", msg, c.addr)
	}
	return bftwire.Open(env, nil)
}

// UserClient submits transactions through a replica proxy and waits for
// the matched response.
type UserClient struct {
	*Client
}

// NewUserClient creates a user client against the replica at addr.
func NewUserClient(addr string) *UserClient {
	return &UserClient{Client: New(addr)}
}

// Submit sends one transaction payload and blocks until the proxy delivers
// the matched response, an error response, or the timeout expires.
func (u *UserClient) Submit(data []byte) ([]byte, error) {
	req := &bftwire.Request{
		Type:         bftwire.TypeClientRequest,
		NeedResponse: 1,
		Data:         data,
	}
	if err := u.SendRequest(req); err != nil {
		return nil, err
	}

	resp, err := u.RecvRequest()
	if err != nil {
		return nil, err
	}
	if resp.Ret != bftwire.RetOK {
		return nil, fmt.Errorf("request rejected with code %d",
			resp.Ret)
	}
	return resp.Data, nil
}

// SubmitAsync sends one transaction payload without waiting for any
// response.
func (u *UserClient) SubmitAsync(data []byte) error {
	return u.SendRequest(&bftwire.Request{
		Type: bftwire.TypeClientRequest,
		Data: data,
	})
}

// TxnClient fetches committed transactions from a replica.
type TxnClient struct {
	*Client
}

// NewTxnClient creates a transaction query client against addr.
func NewTxnClient(addr string) *TxnClient {
	return &TxnClient{Client: New(addr)}
}

// Query returns the committed transactions in [minSeq, maxSeq], truncated
// at the replica's first gap.
func (t *TxnClient) Query(minSeq, maxSeq uint64) (*bftwire.QueryResponse,
	error) {

	query := &bftwire.QueryRequest{MinSeq: minSeq, MaxSeq: maxSeq}
	var buf bytes.Buffer
	if err := query.Encode(&buf); err != nil {
		return nil, err
	}

	err := t.SendRequest(&bftwire.Request{
		Type: bftwire.TypeQuery,
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	resp, err := t.RecvRequest()
	if err != nil {
		return nil, err
	}

	queryResp := &bftwire.QueryResponse{}
	err = queryResp.Decode(bytes.NewReader(resp.Data))
	if err != nil {
		return nil, err
	}
	return queryResp, nil
}

// StateClient fetches a replica's view and identity.
type StateClient struct {
	*Client
}

// NewStateClient creates a state query client against addr.
func NewStateClient(addr string) *StateClient {
	return &StateClient{Client: New(addr)}
}

// ReplicaState returns the replica's current state.
func (s *StateClient) ReplicaState() (*bftwire.ReplicaState, error) {
	err := s.SendRequest(&bftwire.Request{
		Type: bftwire.TypeReplicaState,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.RecvRequest()
	if err != nil {
		return nil, err
	}

	state := &bftwire.ReplicaState{}
	if err := state.Decode(bytes.NewReader(resp.Data)); err != nil {
		return nil, err
	}
	return state, nil
}
