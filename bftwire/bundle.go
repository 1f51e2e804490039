package bftwire

import (
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// BroadcastBundle batches serialised envelopes into one frame on the
// long-lived replica connections. Each element of Frames is itself a full
// envelope encoding; the receiver re-dispatches them individually.
type BroadcastBundle struct {
	// Frames are the bundled envelope encodings in offer order.
	Frames [][]byte
}

// A compile time check to ensure BroadcastBundle implements the Message
// interface.
var _ Message = (*BroadcastBundle)(nil)

// MsgType returns the wire type of a bundle.
//
// This is part of the Message interface.
func (b *BroadcastBundle) MsgType() MessageType {
	return MsgBundle
}

// Encode serialises the bundle as a TLV stream into w.
//
// This is part of the Message interface.
func (b *BroadcastBundle) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			1, &b.Frames, bytesListRecordSize(&b.Frames),
			bytesListEncoder, bytesListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a bundle from the TLV stream in r.
//
// This is part of the Message interface.
func (b *BroadcastBundle) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			1, &b.Frames, nil,
			bytesListEncoder, bytesListDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}
