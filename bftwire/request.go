package bftwire

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// RequestType enumerates the protocol roles a Request can play. The values
// are stable wire constants.
type RequestType uint32

const (
	// TypeNone marks an uninitialised request.
	TypeNone RequestType = 0

	// TypeClientRequest is a raw client submission to its proxy replica.
	TypeClientRequest RequestType = 1

	// TypeNewTxns is a proxy-assembled batch handed to the primary.
	TypeNewTxns RequestType = 2

	// TypePrePrepare is the primary's canonical proposal for a sequence
	// number.
	TypePrePrepare RequestType = 3

	// TypePrepare is a backup's vote that it accepted the proposal.
	TypePrepare RequestType = 4

	// TypeCommit is a replica's vote that the proposal is prepared.
	TypeCommit RequestType = 5

	// TypeResponse carries an executed batch response back to the proxy.
	TypeResponse RequestType = 6

	// TypeCheckpoint carries a frozen block digest for stabilisation.
	TypeCheckpoint RequestType = 7

	// TypeReplicaState queries the receiver's view and identity.
	TypeReplicaState RequestType = 8

	// TypeQuery fetches committed transactions by sequence range.
	TypeQuery RequestType = 9

	// NumRequestTypes bounds the per-type vote books kept by the
	// collectors.
	NumRequestTypes = 10
)

// String returns a human readable request type.
func (t RequestType) String() string {
	switch t {
	case TypeClientRequest:
		return "CLIENT_REQUEST"
	case TypeNewTxns:
		return "NEW_TXNS"
	case TypePrePrepare:
		return "PRE_PREPARE"
	case TypePrepare:
		return "PREPARE"
	case TypeCommit:
		return "COMMIT"
	case TypeResponse:
		return "RESPONSE"
	case TypeCheckpoint:
		return "CHECKPOINT"
	case TypeReplicaState:
		return "REPLICA_STATE"
	case TypeQuery:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// Return codes carried in a RESPONSE request.
const (
	// RetOK marks a successfully executed request.
	RetOK uint32 = 0

	// RetError marks an admission rejection, e.g. the primary ran out
	// of sequence numbers inside the water mark.
	RetError uint32 = 1
)

// Request is the inner protocol message carried by every envelope. Not all
// fields are meaningful for all types; votes travel stripped of the batch
// body.
type Request struct {
	// Type is the protocol role of this request.
	Type RequestType

	// Seq is the sequence number the request refers to. Zero until the
	// primary assigns one.
	Seq uint64

	// View is the view the sender believed current when it sent the
	// request.
	View uint64

	// SenderID is the replica id of the sender, or zero for client
	// originated requests.
	SenderID uint32

	// ProxyID is the replica acting as client proxy for the batch, and
	// the destination of the eventual RESPONSE.
	ProxyID uint32

	// Ret is a return code used on RESPONSE requests.
	Ret uint32

	// NeedResponse is set on client submissions that expect a reply.
	NeedResponse uint8

	// Hash is the request digest: on proxy batches the digest of the
	// batch's signed bytes, otherwise the digest of Data. Votes carry
	// only the hash.
	Hash []byte

	// Data is the opaque body: an encoded BatchRequest on proposals, an
	// encoded BatchResponse on responses, an encoded CheckpointData on
	// checkpoints.
	Data []byte

	// DataSignature covers Data independently of the envelope signature
	// so a batch stays verifiable outside its original framing. When
	// quorum certificates are enabled, commit votes reuse this slot for
	// a signature over Hash.
	DataSignature Signature

	// CommittedCerts is the set of commit signatures gathered for the
	// request when quorum certificates are enabled. Filled just before
	// the request is handed to the executor.
	CommittedCerts []Signature
}

// records returns the request's TLV records in canonical order.
func (r *Request) records(reqType *uint32, needResp *uint8) []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(1, reqType),
		tlv.MakePrimitiveRecord(3, &r.Seq),
		tlv.MakePrimitiveRecord(5, &r.View),
		tlv.MakePrimitiveRecord(7, &r.SenderID),
		tlv.MakePrimitiveRecord(9, &r.ProxyID),
		tlv.MakePrimitiveRecord(11, &r.Ret),
		tlv.MakePrimitiveRecord(13, needResp),
		tlv.MakePrimitiveRecord(15, &r.Hash),
		tlv.MakePrimitiveRecord(17, &r.Data),
		tlv.MakeDynamicRecord(
			19, &r.DataSignature,
			signatureRecordSize(&r.DataSignature),
			signatureEncoder, signatureDecoder,
		),
		tlv.MakeDynamicRecord(
			21, &r.CommittedCerts,
			sigListRecordSize(&r.CommittedCerts),
			sigListEncoder, sigListDecoder,
		),
	}
}

// Encode serialises the request as a TLV stream into w.
func (r *Request) Encode(w io.Writer) error {
	reqType := uint32(r.Type)
	stream, err := tlv.NewStream(r.records(&reqType, &r.NeedResponse)...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a request from the TLV stream in r. Unknown odd
// record types are skipped so newer peers can add fields without breaking
// older readers.
func (r *Request) Decode(rd io.Reader) error {
	var reqType uint32
	stream, err := tlv.NewStream(r.records(&reqType, &r.NeedResponse)...)
	if err != nil {
		return err
	}
	if err := stream.Decode(rd); err != nil {
		return err
	}
	r.Type = RequestType(reqType)
	return nil
}

// RequestDigest computes the canonical digest of a request body. Votes and
// the checkpoint hash chain refer to requests exclusively through this
// digest.
func RequestDigest(data []byte) []byte {
	h := chainhash.HashB(data)
	return h[:]
}

// NewVoteRequest derives a stripped vote of the given type from an absorbed
// request: the batch body and its signature are dropped, only the framing
// fields and the digest survive. The digest is computed from the source
// request's data when it did not carry one.
func NewVoteRequest(voteType RequestType, src *Request,
	senderID uint32) *Request {

	hash := src.Hash
	if len(hash) == 0 {
		hash = RequestDigest(src.Data)
	}

	return &Request{
		Type:     voteType,
		Seq:      src.Seq,
		View:     src.View,
		SenderID: senderID,
		ProxyID:  src.ProxyID,
		Hash:     hash,
	}
}
