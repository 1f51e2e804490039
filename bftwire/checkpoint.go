package bftwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// CheckpointData is the frozen block digest a replica broadcasts when its
// checkpoint window advances. Replicas stabilise a checkpoint once 2f+1 of
// them agree on the same (Seq, Hash) pair.
type CheckpointData struct {
	// Seq is the last sequence absorbed into the frozen block.
	Seq uint64

	// Hash is the rolling digest of the chain up to Seq.
	Hash []byte
}

// Encode serialises the checkpoint data as a TLV stream into w.
func (c *CheckpointData) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &c.Seq),
		tlv.MakePrimitiveRecord(3, &c.Hash),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises checkpoint data from the TLV stream in r.
func (c *CheckpointData) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &c.Seq),
		tlv.MakePrimitiveRecord(3, &c.Hash),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// HashInfo is the preimage of one link in the checkpoint hash chain. The
// chain absorbs each committed request digest together with the previous
// link and the last frozen block digest.
type HashInfo struct {
	// LastHash is the previous chain link.
	LastHash []byte

	// CurrentHash is the digest of the request being absorbed.
	CurrentHash []byte

	// LastBlockHash is the digest frozen at the previous window
	// boundary.
	LastBlockHash []byte
}

// Digest returns the canonical digest of the link: the hash of the TLV
// encoding of its three components.
func (h *HashInfo) Digest() ([]byte, error) {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &h.LastHash),
		tlv.MakePrimitiveRecord(3, &h.CurrentHash),
		tlv.MakePrimitiveRecord(5, &h.LastBlockHash),
	)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return RequestDigest(b.Bytes()), nil
}
