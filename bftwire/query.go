package bftwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// QueryRequest asks a replica for the committed transactions in the
// inclusive sequence range [MinSeq, MaxSeq].
type QueryRequest struct {
	MinSeq uint64
	MaxSeq uint64
}

// Encode serialises the query as a TLV stream into w.
func (q *QueryRequest) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &q.MinSeq),
		tlv.MakePrimitiveRecord(3, &q.MaxSeq),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a query from the TLV stream in r.
func (q *QueryRequest) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &q.MinSeq),
		tlv.MakePrimitiveRecord(3, &q.MaxSeq),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// Txn is one committed transaction returned by a range query.
type Txn struct {
	// Seq is the sequence the transaction executed at.
	Seq uint64

	// Data is the batch body as ordered by the primary.
	Data []byte
}

// QueryResponse returns the committed transactions a replica holds for a
// queried range. The range is truncated at the first gap.
type QueryResponse struct {
	Txns []Txn
}

// Encode serialises the response as a TLV stream into w.
func (q *QueryResponse) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			1, &q.Txns, txnListRecordSize(&q.Txns),
			txnListEncoder, txnListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a response from the TLV stream in r.
func (q *QueryResponse) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			1, &q.Txns, nil,
			txnListEncoder, txnListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// ReplicaState reports a replica's current view and identity to a state
// query.
type ReplicaState struct {
	// View is the replica's current view.
	View uint64

	// ReplicaID is the replica's configured id.
	ReplicaID uint32

	// Addr is the replica's advertised ip:port.
	Addr []byte
}

// Encode serialises the state as a TLV stream into w.
func (s *ReplicaState) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &s.View),
		tlv.MakePrimitiveRecord(3, &s.ReplicaID),
		tlv.MakePrimitiveRecord(5, &s.Addr),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises the state from the TLV stream in r.
func (s *ReplicaState) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &s.View),
		tlv.MakePrimitiveRecord(3, &s.ReplicaID),
		tlv.MakePrimitiveRecord(5, &s.Addr),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// txnListRecordSize returns a size closure for a txn list record.
func txnListRecordSize(txns *[]Txn) func() uint64 {
	return func() uint64 {
		var (
			total uint64
			buf   [8]byte
			w     bytes.Buffer
		)
		for i := range *txns {
			w.Reset()
			if err := encodeTxn(&w, &(*txns)[i]); err != nil {
				return 0
			}
			total += uint64(varIntSize(uint64(w.Len()), &buf))
			total += uint64(w.Len())
		}
		return total
	}
}

// encodeTxn serialises a single Txn as a TLV stream into w.
func encodeTxn(w io.Writer, t *Txn) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &t.Seq),
		tlv.MakePrimitiveRecord(3, &t.Data),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// decodeTxn deserialises a single Txn from the TLV stream in r.
func decodeTxn(r io.Reader, t *Txn) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &t.Seq),
		tlv.MakePrimitiveRecord(3, &t.Data),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// txnListEncoder encodes a []Txn as a sequence of length-prefixed txn
// encodings.
func txnListEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if txns, ok := val.(*[]Txn); ok {
		for i := range *txns {
			var b bytes.Buffer
			if err := encodeTxn(&b, &(*txns)[i]); err != nil {
				return err
			}
			err := tlv.WriteVarInt(w, uint64(b.Len()), buf)
			if err != nil {
				return err
			}
			if _, err := w.Write(b.Bytes()); err != nil {
				return err
			}
		}
		return nil
	}
	return tlv.NewTypeForEncodingErr(val, "[]bftwire.Txn")
}

// txnListDecoder decodes a sequence of length-prefixed txns until the
// record is exhausted.
func txnListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if txns, ok := val.(*[]Txn); ok {
		raw := make([]byte, l)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		rd := bytes.NewReader(raw)
		for rd.Len() > 0 {
			txnLen, err := tlv.ReadVarInt(rd, buf)
			if err != nil {
				return err
			}
			if txnLen > uint64(rd.Len()) {
				return tlv.NewTypeForDecodingErr(
					val, "[]bftwire.Txn", l, txnLen,
				)
			}
			txnRaw := make([]byte, txnLen)
			if _, err := io.ReadFull(rd, txnRaw); err != nil {
				return err
			}
			var txn Txn
			err = decodeTxn(bytes.NewReader(txnRaw), &txn)
			if err != nil {
				return err
			}
			*txns = append(*txns, txn)
		}
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "[]bftwire.Txn", l, l)
}
