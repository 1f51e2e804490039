package bftwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// HashType identifies the hash algorithm a signature commits to.
type HashType uint8

const (
	// HashTypeSHA256 is the only hash currently produced by replicas.
	HashTypeSHA256 HashType = 1
)

// Signature binds a byte string to a replica identity. SignerID refers to
// the replica id in the configured replica set whose public key validates
// Sig.
type Signature struct {
	// SignerID is the replica id of the signer. A zero id marks the
	// signature as absent.
	SignerID uint32

	// Sig is the DER-encoded ECDSA signature over the hash of the signed
	// bytes.
	Sig []byte

	// HashType is the hash applied to the signed bytes before signing.
	HashType HashType
}

// IsEmpty reports whether the signature slot has never been filled.
func (s *Signature) IsEmpty() bool {
	return s.SignerID == 0 && len(s.Sig) == 0
}

// Encode serialises the signature as a TLV stream into w.
func (s *Signature) Encode(w io.Writer) error {
	hashType := uint8(s.HashType)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &s.SignerID),
		tlv.MakePrimitiveRecord(3, &s.Sig),
		tlv.MakePrimitiveRecord(5, &hashType),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises a signature from the TLV stream in r.
func (s *Signature) Decode(r io.Reader) error {
	var hashType uint8
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &s.SignerID),
		tlv.MakePrimitiveRecord(3, &s.Sig),
		tlv.MakePrimitiveRecord(5, &hashType),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}
	s.HashType = HashType(hashType)
	return nil
}

// Signer is the capability used to place a signature in an envelope before
// it is framed.
type Signer interface {
	// SignMessage signs msg and returns the resulting signature.
	SignMessage(msg []byte) (*Signature, error)
}

// Verifier is the capability used to validate an envelope signature against
// the known public key of its claimed signer.
type Verifier interface {
	// VerifyMessage checks sig over msg. A nil return means the
	// signature is valid.
	VerifyMessage(msg []byte, sig *Signature) error
}

// Envelope is the signed wrapper placed around every request on the wire.
// The payload is an encoded Request; the signature covers the payload bytes
// exactly as framed.
type Envelope struct {
	// Payload is the encoded Request the envelope carries.
	Payload []byte

	// Signature authenticates Payload. It is empty when the sender has
	// no signer attached, which receivers may reject by policy.
	Signature Signature
}

// A compile time check to ensure Envelope implements the Message interface.
var _ Message = (*Envelope)(nil)

// MsgType returns the wire type of an envelope.
//
// This is part of the Message interface.
func (e *Envelope) MsgType() MessageType {
	return MsgEnvelope
}

// Encode serialises the envelope as a TLV stream into w.
//
// This is part of the Message interface.
func (e *Envelope) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &e.Payload),
		tlv.MakeDynamicRecord(
			3, &e.Signature, signatureRecordSize(&e.Signature),
			signatureEncoder, signatureDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode deserialises an envelope from the TLV stream in r.
//
// This is part of the Message interface.
func (e *Envelope) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(1, &e.Payload),
		tlv.MakeDynamicRecord(
			3, &e.Signature, nil,
			signatureEncoder, signatureDecoder,
		),
	)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// Seal encodes req, signs the encoding if signer is non-nil, and returns
// the resulting envelope. This is the only construction path for outbound
// envelopes so the signature always covers the exact payload bytes.
func Seal(req *Request, signer Signer) (*Envelope, error) {
	var b bytes.Buffer
	if err := req.Encode(&b); err != nil {
		return nil, err
	}

	env := &Envelope{Payload: b.Bytes()}
	if signer != nil {
		sig, err := signer.SignMessage(env.Payload)
		if err != nil {
			return nil, err
		}
		env.Signature = *sig
	}
	return env, nil
}

// Open verifies the envelope signature when verifier is non-nil and decodes
// the carried request. The returned request aliases nothing in the
// envelope.
func Open(env *Envelope, verifier Verifier) (*Request, error) {
	if verifier != nil {
		err := verifier.VerifyMessage(env.Payload, &env.Signature)
		if err != nil {
			return nil, err
		}
	}

	req := &Request{}
	if err := req.Decode(bytes.NewReader(env.Payload)); err != nil {
		return nil, err
	}
	return req, nil
}
