package bftwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFramePayload is the maximum number of bytes a single frame may carry
// regardless of other limits imposed by individual messages. Frames larger
// than this are rejected before any allocation happens.
const MaxFramePayload = 32 * 1024 * 1024 // 32MB

// MessageType is the unique 2 byte big-endian integer prepended to every
// frame payload. It indicates which top-level wire structure follows. Only
// two structures ever travel on a connection: a signed Envelope, or a
// BroadcastBundle of pre-framed envelopes used on the long-lived
// replica-to-replica connections.
type MessageType uint16

const (
	// MsgEnvelope is a single signed envelope.
	MsgEnvelope MessageType = 1

	// MsgBundle is a batch of serialised envelopes sent over a long
	// connection to amortise framing cost.
	MsgBundle MessageType = 2
)

// Message is an interface that defines a top-level wire message. The
// interface is general in order to allow implementing types full control
// over the representation of their data.
type Message interface {
	Decode(io.Reader) error
	Encode(io.Writer) error
	MsgType() MessageType
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgEnvelope:
		msg = &Envelope{}
	case MsgBundle:
		msg = &BroadcastBundle{}
	default:
		return nil, fmt.Errorf("unknown message type [%d]", msgType)
	}

	return msg, nil
}

// WriteMessage writes a Message to w prefixed with the u64 little-endian
// frame length and the 2-byte message type, returning the number of bytes
// written. The full frame is assembled in memory first so a partial encode
// never reaches the wire.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	var bw bytes.Buffer
	if err := msg.Encode(&bw); err != nil {
		return 0, err
	}
	payload := bw.Bytes()

	lenp := len(payload) + 2
	if lenp > MaxFramePayload {
		return 0, fmt.Errorf("message payload is too large - encoded "+
			"%d bytes, but maximum frame payload is %d bytes",
			lenp, MaxFramePayload)
	}

	totalBytes := 0

	var header [10]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(lenp))
	binary.BigEndian.PutUint16(header[8:10], uint16(msg.MsgType()))
	n, err := w.Write(header[:])
	totalBytes += n
	if err != nil {
		return totalBytes, err
	}

	n, err = w.Write(payload)
	totalBytes += n

	return totalBytes, err
}

// ReadMessage reads, validates, and parses the next message from r. The
// frame length is read in full before the body is dispatched.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBytes [8]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}

	frameLen := binary.LittleEndian.Uint64(lenBytes[:])
	if frameLen < 2 || frameLen > MaxFramePayload {
		return nil, fmt.Errorf("invalid frame length %d", frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(frame[0:2]))
	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(bytes.NewReader(frame[2:])); err != nil {
		return nil, err
	}

	return msg, nil
}
