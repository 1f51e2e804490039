package bftwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// signatureRecordSize returns a size closure for a nested signature record.
func signatureRecordSize(s *Signature) func() uint64 {
	return func() uint64 {
		var b bytes.Buffer
		if err := s.Encode(&b); err != nil {
			return 0
		}
		return uint64(b.Len())
	}
}

// signatureEncoder is a tlv.Encoder for a nested Signature record.
func signatureEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if s, ok := val.(*Signature); ok {
		return s.Encode(w)
	}
	return tlv.NewTypeForEncodingErr(val, "bftwire.Signature")
}

// signatureDecoder is a tlv.Decoder for a nested Signature record.
func signatureDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if s, ok := val.(*Signature); ok {
		raw := make([]byte, l)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		return s.Decode(bytes.NewReader(raw))
	}
	return tlv.NewTypeForDecodingErr(val, "bftwire.Signature", l, l)
}

// sigListRecordSize returns a size closure for a signature list record.
func sigListRecordSize(sigs *[]Signature) func() uint64 {
	return func() uint64 {
		var (
			total uint64
			buf   [8]byte
			w     bytes.Buffer
		)
		for i := range *sigs {
			w.Reset()
			if err := (*sigs)[i].Encode(&w); err != nil {
				return 0
			}
			total += uint64(varIntSize(uint64(w.Len()), &buf))
			total += uint64(w.Len())
		}
		return total
	}
}

// sigListEncoder encodes a []Signature as a sequence of length-prefixed
// signature encodings.
func sigListEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if sigs, ok := val.(*[]Signature); ok {
		for i := range *sigs {
			var b bytes.Buffer
			if err := (*sigs)[i].Encode(&b); err != nil {
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
	return tlv.NewTypeForEncodingErr(val, "[]bftwire.Signature")
}

// sigListDecoder decodes a sequence of length-prefixed signatures until the
// record is exhausted.
func sigListDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if sigs, ok := val.(*[]Signature); ok {
		raw := make([]byte, l)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		rd := bytes.NewReader(raw)
		for rd.Len() > 0 {
			sigLen, err := tlv.ReadVarInt(rd, buf)
			if err != nil {
				return err
			}
			if sigLen > uint64(rd.Len()) {
				return tlv.NewTypeForDecodingErr(
					val, "[]bftwire.Signature", l, sigLen,
				)
			}
			sigRaw := make([]byte, sigLen)
			if _, err := io.ReadFull(rd, sigRaw); err != nil {
				return err
			}
			var sig Signature
			err = sig.Decode(bytes.NewReader(sigRaw))
			if err != nil {
				return err
			}
			*sigs = append(*sigs, sig)
		}
		return nil
	}
	return tlv.NewTypeForDecodingErr(val, "[]bftwire.Signature", l, l)
}

// bytesListRecordSize returns a size closure for a [][]byte record.
func bytesListRecordSize(items *[][]byte) func() uint64 {
	return func() uint64 {
		var (
			total uint64
			buf   [8]byte
		)
		for _, item := range *items {
			total += uint64(varIntSize(uint64(len(item)), &buf))
			total += uint64(len(item))
		}
		return total
	}
}

// bytesListEncoder encodes a [][]byte as a sequence of length-prefixed
// byte strings.
func bytesListEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
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

// bytesListDecoder decodes a sequence of length-prefixed byte strings until
// the record is exhausted.
func bytesListDecoder(r io.Reader, val interface{}, buf *[8]byte,
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

// varIntSize returns the number of bytes the BigSize encoding of val
// occupies.
func varIntSize(val uint64, buf *[8]byte) int {
	var b bytes.Buffer
	if err := tlv.WriteVarInt(&b, val, buf); err != nil {
		return 0
	}
	return b.Len()
}
