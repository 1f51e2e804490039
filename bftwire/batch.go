package bftwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// SubRequest is a single client submission folded into a batch. The client
// signature travels with it so any replica can re-validate the submission
// independently of the proxy that batched it.
type SubRequest struct {
	// Data is the client's opaque transaction payload.
	Data []byte

	// Signature is the client's signature over Data. May be empty when
	// the deployment runs without client keys.
	Signature Signature
}

// Encode serialises the sub request as a TLV stream into w.
func (s *SubRequest) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &s.Data),
		tlv.MakeDynamicRecord(
			3, &s.Signature, signatureRecordSize(&s.Signature),
			signatureEncoder, signatureDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a sub request from the TLV stream in r.
func (s *SubRequest) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &s.Data),
		tlv.MakeDynamicRecord(
			3, &s.Signature, nil,
			signatureEncoder, signatureDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// BatchRequest groups client submissions into the unit the primary orders.
// Its encoding with CreateTime zeroed is what DataSignature commits to, so
// backups can verify batch integrity without the proxy's local timing.
type BatchRequest struct {
	// LocalID is the proxy-local identifier used to route the matched
	// response back to the waiting client connections.
	LocalID uint64

	// CreateTime is the proxy's wall clock at batch assembly, in
	// nanoseconds. Excluded from the signed encoding.
	CreateTime uint64

	// Subs are the batched client submissions in arrival order.
	Subs []SubRequest
}

// Encode serialises the batch as a TLV stream into w.
func (b *BatchRequest) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &b.LocalID),
		tlv.MakePrimitiveRecord(3, &b.CreateTime),
		tlv.MakeDynamicRecord(
			5, &b.Subs, subListRecordSize(&b.Subs),
			subListEncoder, subListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a batch from the TLV stream in r.
func (b *BatchRequest) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &b.LocalID),
		tlv.MakePrimitiveRecord(3, &b.CreateTime),
		tlv.MakeDynamicRecord(
			5, &b.Subs, nil,
			subListEncoder, subListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// SignedBytes returns the canonical byte string the batch data signature
// commits to: the batch encoding with CreateTime zeroed.
func (b *BatchRequest) SignedBytes() ([]byte, error) {
	stripped := &BatchRequest{
		LocalID: b.LocalID,
		Subs:    b.Subs,
	}
	var buf bytes.Buffer
	if err := stripped.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BatchResponse carries the executor outputs for one executed batch back to
// the proxy, which splits it into per-client replies.
type BatchResponse struct {
	// LocalID echoes the batch's proxy-local identifier.
	LocalID uint64

	// Seq is the sequence the batch executed at.
	Seq uint64

	// View is the view the batch committed under.
	View uint64

	// ProxyID is the replica the response must be routed to.
	ProxyID uint32

	// Payloads are the executor outputs, one per sub request, in batch
	// order.
	Payloads [][]byte
}

// Encode serialises the batch response as a TLV stream into w.
func (b *BatchResponse) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &b.LocalID),
		tlv.MakePrimitiveRecord(3, &b.Seq),
		tlv.MakePrimitiveRecord(5, &b.View),
		tlv.MakePrimitiveRecord(7, &b.ProxyID),
		tlv.MakeDynamicRecord(
			9, &b.Payloads, bytesListRecordSize(&b.Payloads),
			bytesListEncoder, bytesListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a batch response from the TLV stream in r.
func (b *BatchResponse) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &b.LocalID),
		tlv.MakePrimitiveRecord(3, &b.Seq),
		tlv.MakePrimitiveRecord(5, &b.View),
		tlv.MakePrimitiveRecord(7, &b.ProxyID),
		tlv.MakeDynamicRecord(
			9, &b.Payloads, nil,
			bytesListEncoder, bytesListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// subListRecordSize returns a size closure for a sub request list record.
func subListRecordSize(subs *[]SubRequest) func() uint64 {
	return func() uint64 {
		var (
			total uint64
			buf   [8]byte
			w     bytes.Buffer
		)
		for i := range *subs {
			w.Reset()
			if err := (*subs)[i].Encode(&w); err != nil {
				return 0
			}
			total += uint64(varIntSize(uint64(w.Len()), &buf))
			total += uint64(w.Len())
		}
		return total
	}
}

// subListEncoder encodes a []SubRequest as a sequence of length-prefixed
// sub request encodings.
func subListEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if subs, ok := val.(*[]SubRequest); ok {
		for i := range *subs {
			var b bytes.Buffer
			if err := (*subs)[i].Encode(&b); err != nil {
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
	return tlv.NewTypeForEncodingErr(val, "[]bftwire.SubRequest")
}

// subListDecoder decodes a sequence of length-prefixed sub requests until
// the record is exhausted.
func subListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if subs, ok := val.(*[]SubRequest); ok {
		raw := make([]byte, l)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		rd := bytes.NewReader(raw)
		for rd.Len() > 0 {
			subLen, err := tlv.ReadVarInt(rd, buf)
			if err != nil {
				return err
			}
			if subLen > uint64(rd.Len()) {
				return tlv.NewTypeForDecodingErr(
					val, "[]bftwire.SubRequest", l, subLen,
				)
			}
			subRaw := make([]byte, subLen)
			if _, err := io.ReadFull(rd, subRaw); err != nil {
				return err
			}
			var sub SubRequest
			err = sub.Decode(bytes.NewReader(subRaw))
			if err != nil {
				return err
			}
			*subs = append(*subs, sub)
		}
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "[]bftwire.SubRequest", l, l)
}
