package bftwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// testSig returns a deterministic non-empty signature for wire tests.
func testSig(signer uint32) Signature {
	return Signature{
		SignerID: signer,
		Sig:      []byte{0x30, 0x06, 0x02, 0x01, byte(signer)},
		HashType: HashTypeSHA256,
	}
}

// TestRequestEncodeDecode asserts that decode(encode(req)) reproduces the
// request for a fully populated message.
func TestRequestEncodeDecode(t *testing.T) {
	t.Parallel()

	req := &Request{
		Type:          TypePrePrepare,
		Seq:           42,
		View:          3,
		SenderID:      1,
		ProxyID:       2,
		Ret:           RetOK,
		NeedResponse:  1,
		Hash:          RequestDigest([]byte("batch body")),
		Data:          []byte("batch body"),
		DataSignature: testSig(1),
		CommittedCerts: []Signature{
			testSig(1), testSig(2), testSig(3),
		},
	}

	var b bytes.Buffer
	require.NoError(t, req.Encode(&b))

	decoded := &Request{}
	require.NoError(t, decoded.Decode(bytes.NewReader(b.Bytes())))
	require.Equal(t, req, decoded)
}

// TestEnvelopeFrameRoundTrip pushes an envelope through the framed
// transport encoding and back.
func TestEnvelopeFrameRoundTrip(t *testing.T) {
	t.Parallel()

	req := &Request{
		Type:     TypeCommit,
		Seq:      7,
		View:     1,
		SenderID: 4,
		Hash:     RequestDigest([]byte("x")),
	}
	env, err := Seal(req, nil)
	require.NoError(t, err)

	var b bytes.Buffer
	_, err = WriteMessage(&b, env)
	require.NoError(t, err)

	msg, err := ReadMessage(&b)
	require.NoError(t, err)

	gotEnv, ok := msg.(*Envelope)
	require.True(t, ok)

	got, err := Open(gotEnv, nil)
	require.NoError(t, err)
	require.Equal(t, req.Type, got.Type)
	require.Equal(t, req.Seq, got.Seq)
	require.Equal(t, req.View, got.View)
	require.Equal(t, req.SenderID, got.SenderID)
	require.Equal(t, req.Hash, got.Hash)
}

// TestBundleRoundTrip asserts bundles reproduce their frames in offer
// order.
func TestBundleRoundTrip(t *testing.T) {
	t.Parallel()

	bundle := &BroadcastBundle{
		Frames: [][]byte{
			[]byte("first"), []byte("second"), []byte("third"),
		},
	}

	var b bytes.Buffer
	_, err := WriteMessage(&b, bundle)
	require.NoError(t, err)

	msg, err := ReadMessage(&b)
	require.NoError(t, err)
	require.Equal(t, bundle, msg)
}

// TestBatchRequestRoundTrip covers the nested sub request list.
func TestBatchRequestRoundTrip(t *testing.T) {
	t.Parallel()

	batch := &BatchRequest{
		LocalID:    9,
		CreateTime: 1234567,
		Subs: []SubRequest{
			{Data: []byte("set a 1"), Signature: testSig(101)},
			{Data: []byte("set b 2"), Signature: testSig(102)},
		},
	}

	var b bytes.Buffer
	require.NoError(t, batch.Encode(&b))

	decoded := &BatchRequest{}
	require.NoError(t, decoded.Decode(bytes.NewReader(b.Bytes())))
	require.Equal(t, batch, decoded)
}

// TestBatchSignedBytesIgnoresCreateTime asserts that the signed encoding is
// independent of the proxy's local clock, so backups can verify a batch
// re-encoded from the wire.
func TestBatchSignedBytesIgnoresCreateTime(t *testing.T) {
	t.Parallel()

	subs := []SubRequest{{Data: []byte("payload")}}
	a := &BatchRequest{LocalID: 1, CreateTime: 100, Subs: subs}
	b := &BatchRequest{LocalID: 1, CreateTime: 999999, Subs: subs}

	aBytes, err := a.SignedBytes()
	require.NoError(t, err)
	bBytes, err := b.SignedBytes()
	require.NoError(t, err)
	require.Equal(t, aBytes, bBytes)

	c := &BatchRequest{LocalID: 2, CreateTime: 100, Subs: subs}
	cBytes, err := c.SignedBytes()
	require.NoError(t, err)
	require.NotEqual(t, aBytes, cBytes)
}

// TestBatchResponseRoundTrip covers the payload list.
func TestBatchResponseRoundTrip(t *testing.T) {
	t.Parallel()

	resp := &BatchResponse{
		LocalID: 4,
		Seq:     11,
		View:    2,
		ProxyID: 3,
		Payloads: [][]byte{
			[]byte("ok"), []byte("value"),
		},
	}

	var b bytes.Buffer
	require.NoError(t, resp.Encode(&b))

	decoded := &BatchResponse{}
	require.NoError(t, decoded.Decode(bytes.NewReader(b.Bytes())))
	require.Equal(t, resp, decoded)
}

// TestCheckpointDataRoundTrip covers checkpoint digests.
func TestCheckpointDataRoundTrip(t *testing.T) {
	t.Parallel()

	data := &CheckpointData{
		Seq:  5,
		Hash: RequestDigest([]byte("chain")),
	}

	var b bytes.Buffer
	require.NoError(t, data.Encode(&b))

	decoded := &CheckpointData{}
	require.NoError(t, decoded.Decode(bytes.NewReader(b.Bytes())))
	require.Equal(t, data, decoded)
}

// TestQueryRoundTrip covers the range query pair.
func TestQueryRoundTrip(t *testing.T) {
	t.Parallel()

	q := &QueryRequest{MinSeq: 1, MaxSeq: 10}
	var b bytes.Buffer
	require.NoError(t, q.Encode(&b))

	decodedQ := &QueryRequest{}
	require.NoError(t, decodedQ.Decode(bytes.NewReader(b.Bytes())))
	require.Equal(t, q, decodedQ)

	resp := &QueryResponse{
		Txns: []Txn{
			{Seq: 1, Data: []byte("a")},
			{Seq: 2, Data: []byte("b")},
		},
	}
	b.Reset()
	require.NoError(t, resp.Encode(&b))

	decodedResp := &QueryResponse{}
	require.NoError(t, decodedResp.Decode(bytes.NewReader(b.Bytes())))
	require.Equal(t, resp, decodedResp)
}

// TestNewVoteRequest asserts votes are stripped of the batch body but keep
// the digest and framing fields.
func TestNewVoteRequest(t *testing.T) {
	t.Parallel()

	src := &Request{
		Type:     TypePrePrepare,
		Seq:      3,
		View:     1,
		SenderID: 1,
		ProxyID:  2,
		Data:     []byte("large batch body"),
	}

	vote := NewVoteRequest(TypePrepare, src, 4)
	require.Equal(t, TypePrepare, vote.Type)
	require.Equal(t, src.Seq, vote.Seq)
	require.Equal(t, src.View, vote.View)
	require.Equal(t, uint32(4), vote.SenderID)
	require.Equal(t, src.ProxyID, vote.ProxyID)
	require.Empty(t, vote.Data)
	require.Equal(t, RequestDigest(src.Data), vote.Hash)

	// A source that already carries a digest keeps it verbatim.
	src.Hash = RequestDigest([]byte("pinned"))
	vote = NewVoteRequest(TypeCommit, src, 4)
	require.Equal(t, src.Hash, vote.Hash)
}

// TestFrameTooLarge asserts the frame guard rejects oversized payloads on
// write.
func TestFrameTooLarge(t *testing.T) {
	t.Parallel()

	env := &Envelope{Payload: make([]byte, MaxFramePayload)}
	var b bytes.Buffer
	_, err := WriteMessage(&b, env)
	require.Error(t, err)
}
