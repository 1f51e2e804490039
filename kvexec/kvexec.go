package kvexec

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/bftnetwork/bftd/bftwire"
	"github.com/bftnetwork/bftd/consensus"
	"github.com/bftnetwork/bftd/store"
)

// Command enumerates the key-value operations.
type Command uint8

const (
	// CmdSet stores a value under a key.
	CmdSet Command = 1

	// CmdGet reads the value under a key.
	CmdGet Command = 2

	// CmdGetRange reads every pair between two keys inclusive.
	CmdGetRange Command = 3

	// CmdSetWithVersion stores the next version of a key.
	CmdSetWithVersion Command = 4

	// CmdGetWithVersion reads a specific version of a key.
	CmdGetWithVersion Command = 5

	// CmdGetTop reads the newest versions of a key.
	CmdGetTop Command = 6

	// CmdGetHistory reads a version range of a key.
	CmdGetHistory Command = 7
)

// KVRequest is one key-value operation carried as a client sub request
// payload.
type KVRequest struct {
	Cmd     Command
	Key     []byte
	Value   []byte
	MaxKey  []byte
	Version uint64
	MaxVer  uint64
	Top     uint32
}

// Encode serialises the request as a TLV stream into w.
func (k *KVRequest) Encode(w io.Writer) error {
	cmd := uint8(k.Cmd)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &cmd),
		tlv.MakePrimitiveRecord(3, &k.Key),
		tlv.MakePrimitiveRecord(5, &k.Value),
		tlv.MakePrimitiveRecord(7, &k.MaxKey),
		tlv.MakePrimitiveRecord(9, &k.Version),
		tlv.MakePrimitiveRecord(11, &k.MaxVer),
		tlv.MakePrimitiveRecord(13, &k.Top),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises the request from the TLV stream in r.
func (k *KVRequest) Decode(r io.Reader) error {
	var cmd uint8
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &cmd),
		tlv.MakePrimitiveRecord(3, &k.Key),
		tlv.MakePrimitiveRecord(5, &k.Value),
		tlv.MakePrimitiveRecord(7, &k.MaxKey),
		tlv.MakePrimitiveRecord(9, &k.Version),
		tlv.MakePrimitiveRecord(11, &k.MaxVer),
		tlv.MakePrimitiveRecord(13, &k.Top),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}
	k.Cmd = Command(cmd)
	return nil
}

// Status codes returned in a KVResponse.
const (
	// StatusOK marks a successful operation.
	StatusOK uint8 = 0

	// StatusNotFound marks a read of a missing key or version.
	StatusNotFound uint8 = 1

	// StatusError marks any other failure, e.g. a version conflict.
	StatusError uint8 = 2
)

// KVResponse is the executor output for one operation.
type KVResponse struct {
	Status  uint8
	Value   []byte
	Values  [][]byte
	Version uint64
}

// Encode serialises the response as a TLV stream into w.
func (k *KVResponse) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &k.Status),
		tlv.MakePrimitiveRecord(3, &k.Value),
		tlv.MakeDynamicRecord(
			5, &k.Values, valuesRecordSize(&k.Values),
			valuesEncoder, valuesDecoder,
		),
		tlv.MakePrimitiveRecord(7, &k.Version),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises the response from the TLV stream in r.
func (k *KVResponse) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &k.Status),
		tlv.MakePrimitiveRecord(3, &k.Value),
		tlv.MakeDynamicRecord(
			5, &k.Values, nil,
			valuesEncoder, valuesDecoder,
		),
		tlv.MakePrimitiveRecord(7, &k.Version),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// Executor is the key-value state machine plugged into the consensus
// service. It applies each batched operation against the backing store in
// batch order; determinism follows from the store's determinism.
type Executor struct {
	store store.Store
}

// A compile time check to ensure Executor implements the consensus
// executor capability.
var _ consensus.BatchExecutor = (*Executor)(nil)

// NewExecutor creates a key-value executor over s.
func NewExecutor(s store.Store) *Executor {
	return &Executor{store: s}
}

// ExecuteBatch applies every sub request in order and returns the encoded
// per-operation responses.
//
// This is part of the consensus.BatchExecutor interface.
func (e *Executor) ExecuteBatch(
	batch *bftwire.BatchRequest) (*bftwire.BatchResponse, error) {

	resp := &bftwire.BatchResponse{}
	for _, sub := range batch.Subs {
		kvResp := e.executeOne(sub.Data)

		var buf bytes.Buffer
		if err := kvResp.Encode(&buf); err != nil {
			return nil, err
		}
		resp.Payloads = append(resp.Payloads, buf.Bytes())
	}
	return resp, nil
}

// executeOne applies a single operation. Malformed or failing operations
// yield error responses; they never fail the batch, execution must make
// the same progress on every replica.
func (e *Executor) executeOne(data []byte) *KVResponse {
	req := &KVRequest{}
	if err := req.Decode(bytes.NewReader(data)); err != nil {
		log.Debugf("undecodable kv request: %v", err)
		return &KVResponse{Status: StatusError}
	}

	switch req.Cmd {
	case CmdSet:
		if err := e.store.Put(string(req.Key), req.Value); err != nil {
			log.Errorf("set %s failed: %v", req.Key, err)
			return &KVResponse{Status: StatusError}
		}
		return &KVResponse{Status: StatusOK}

	case CmdGet:
		value, err := e.store.Get(string(req.Key))
		switch {
		case err == store.ErrKeyNotFound:
			return &KVResponse{Status: StatusNotFound}
		case err != nil:
			log.Errorf("get %s failed: %v", req.Key, err)
			return &KVResponse{Status: StatusError}
		}
		return &KVResponse{Status: StatusOK, Value: value}

	case CmdGetRange:
		kvs, err := e.store.Range(
			string(req.Key), string(req.MaxKey),
		)
		if err != nil {
			log.Errorf("range [%s, %s] failed: %v", req.Key,
				req.MaxKey, err)
			return &KVResponse{Status: StatusError}
		}
		out := &KVResponse{Status: StatusOK}
		for _, kv := range kvs {
			out.Values = append(out.Values, kv.Value)
		}
		return out

	case CmdSetWithVersion, CmdGetWithVersion, CmdGetTop, CmdGetHistory:
		return e.executeVersioned(req)

	default:
		log.Debugf("unknown kv command %d", req.Cmd)
		return &KVResponse{Status: StatusError}
	}
}

// executeVersioned applies a versioned operation when the backing store
// supports the surface.
func (e *Executor) executeVersioned(req *KVRequest) *KVResponse {
	versioned, ok := e.store.(store.Versioned)
	if !ok {
		return &KVResponse{Status: StatusError}
	}

	switch req.Cmd {
	case CmdSetWithVersion:
		err := versioned.PutWithVersion(
			string(req.Key), req.Value, req.Version,
		)
		if err != nil {
			return &KVResponse{Status: StatusError}
		}
		return &KVResponse{Status: StatusOK}

	case CmdGetWithVersion:
		value, err := versioned.GetWithVersion(
			string(req.Key), req.Version,
		)
		if err != nil {
			return &KVResponse{Status: StatusNotFound}
		}
		return &KVResponse{
			Status:  StatusOK,
			Value:   value.Value,
			Version: value.Version,
		}

	case CmdGetTop:
		values, err := versioned.Top(string(req.Key), int(req.Top))
		if err != nil {
			return &KVResponse{Status: StatusError}
		}
		out := &KVResponse{Status: StatusOK}
		for _, v := range values {
			out.Values = append(out.Values, v.Value)
		}
		return out

	case CmdGetHistory:
		values, err := versioned.History(
			string(req.Key), req.Version, req.MaxVer,
		)
		if err != nil {
			return &KVResponse{Status: StatusError}
		}
		out := &KVResponse{Status: StatusOK}
		for _, v := range values {
			out.Values = append(out.Values, v.Value)
		}
		return out
	}
	return &KVResponse{Status: StatusError}
}

// valuesRecordSize returns a size closure for the values list record.
func valuesRecordSize(items *[][]byte) func() uint64 {
	return func() uint64 {
		var (
			total uint64
			buf   [8]byte
			b     bytes.Buffer
		)
		for _, item := range *items {
			b.Reset()
			if err := tlv.WriteVarInt(
				&b, uint64(len(item)), &buf,
			); err != nil {
				return 0
			}
			total += uint64(b.Len()) + uint64(len(item))
		}
		return total
	}
}

// valuesEncoder encodes a [][]byte as length-prefixed byte strings.
func valuesEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if items, ok := val.(*[][]byte); ok {
		for _, item := range *items {
			err := tlv.WriteVarInt(w, uint64(len(item)), buf)
			if err != nil {
				return err
			}
			if _, err := w.Write(item); err != nil {
				return err
			}
		}
		return nil
	}
	return tlv.NewTypeForEncodingErr(val, "[][]byte")
}

// valuesDecoder decodes length-prefixed byte strings until the record is
// exhausted.
func valuesDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if items, ok := val.(*[][]byte); ok {
		raw := make([]byte, l)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		rd := bytes.NewReader(raw)
		for rd.Len() > 0 {
			itemLen, err := tlv.ReadVarInt(rd, buf)
			if err != nil {
				return err
			}
			if itemLen > uint64(rd.Len()) {
				return tlv.NewTypeForDecodingErr(
					val, "[][]byte", l, itemLen,
				)
			}
			item := make([]byte, itemLen)
			if _, err := io.ReadFull(rd, item); err != nil {
				return err
			}
			*items = append(*items, item)
		}
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "[][]byte", l, l)
}
