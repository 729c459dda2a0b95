package comm

import (
	"encoding/json"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
)

// Structs

// FrameType tells receivers how to interpret a frame's payload.
type FrameType string

// Frame types understood by clients and relays.
const (
	FrameOp            FrameType = "op"
	FramePresence      FrameType = "presence"
	FrameAck           FrameType = "ack"
	FrameResyncRequest FrameType = "resyncRequest"
	FrameSnapshot      FrameType = "snapshot"
	FrameHello         FrameType = "hello"
	FrameWelcome       FrameType = "welcome"
	FrameError         FrameType = "error"
	FrameLeave         FrameType = "leave"
)

// Frame is the unit exchanged over a transport session.
// The header fields are filled in depending on Type:
// op frames mirror the contained operation, ack frames
// carry the acknowledged sequence number in Seq.
type Frame struct {
	Type         FrameType       `json:"type"`
	DocumentID   string          `json:"documentId"`
	OriginID     crdt.PeerID     `json:"originId,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
	LamportClock uint64          `json:"lamportClock,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload opens the handshake on a fresh connection.
// A reconnecting client names the PeerID it held before
// together with the version it has applied.
type HelloPayload struct {
	Token   string       `json:"token"`
	Resume  crdt.PeerID  `json:"resume,omitempty"`
	Version crdt.Version `json:"version,omitempty"`
	Create  bool         `json:"create,omitempty"`
}

// WelcomePayload concludes a successful handshake. Either
// Snapshot is set and replaces the client's replica, or the
// client was resumed and Tail lists the operations it missed.
// Next is the sequence number the relay expects from this
// peer next; everything below it is acknowledged. Durable is
// the last of the peer's operations covered by a persisted
// snapshot.
type WelcomePayload struct {
	PeerID   crdt.PeerID      `json:"peerId"`
	Resumed  bool             `json:"resumed,omitempty"`
	Next     uint64           `json:"next"`
	Durable  uint64           `json:"durable,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
	Tail     []crdt.Operation `json:"tail,omitempty"`
}

// SnapshotPayload transfers authoritative document state:
// an encoded replica covering the relay log up to AtSeq
// plus the operations appended after it.
type SnapshotPayload struct {
	Blob  []byte           `json:"blob,omitempty"`
	AtSeq uint64           `json:"atSeq"`
	Tail  []crdt.Operation `json:"tail,omitempty"`
}

// ResyncPayload is sent in both directions. Clients attach
// their applied version when asking for a snapshot. Relays
// set Expected when a client's own stream has a gap and the
// client has to resend from that sequence number.
type ResyncPayload struct {
	Version  crdt.Version `json:"version,omitempty"`
	Expected uint64       `json:"expected,omitempty"`
}

// AckPayload tells the origin of acknowledged operations how
// far the relay has persisted them.
type AckPayload struct {
	Durable uint64 `json:"durable,omitempty"`
}

// PresencePayload is the wire form of a cursor update.
type PresencePayload struct {
	Anchor crdt.ID `json:"anchor"`
	Offset int     `json:"offset"`
}

// ErrorPayload reports why a relay refused a request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent in ErrorPayload.
const (
	CodeAuth     = "auth"
	CodeNotFound = "not_found"
	CodeProtocol = "protocol"
	CodeInternal = "internal"
)

// Variables

// ErrMalformedFrame is returned when a frame's payload does
// not match its type or header.
var ErrMalformedFrame = errors.New("malformed frame")

// Functions

// NewFrame builds a frame of type t whose payload is the
// JSON encoding of payload. A nil payload is left empty.
func NewFrame(t FrameType, documentID string, payload interface{}) (Frame, error) {

	f := Frame{
		Type:       t,
		DocumentID: documentID,
	}

	if payload == nil {
		return f, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "failed to marshal %s payload", t)
	}
	f.Payload = raw

	return f, nil
}

// NewOpFrame wraps op for broadcast. The header mirrors
// the operation so relays can sequence without decoding.
func NewOpFrame(documentID string, op crdt.Operation) (Frame, error) {

	f, err := NewFrame(FrameOp, documentID, op)
	if err != nil {
		return Frame{}, err
	}

	f.OriginID = op.Origin
	f.Seq = op.Seq
	f.LamportClock = op.Lamport

	return f, nil
}

// NewAckFrame acknowledges all operations of origin up to seq,
// of which the ones up to durable are persisted.
func NewAckFrame(documentID string, origin crdt.PeerID, seq uint64, durable uint64) Frame {

	f, _ := NewFrame(FrameAck, documentID, AckPayload{Durable: durable})
	f.OriginID = origin
	f.Seq = seq

	return f
}

// NewErrorFrame builds an error frame. Marshalling two
// strings cannot fail.
func NewErrorFrame(documentID string, code string, message string) Frame {

	f, _ := NewFrame(FrameError, documentID, ErrorPayload{
		Code:    code,
		Message: message,
	})

	return f
}

// Decode unmarshals the frame's payload into v.
func (f Frame) Decode(v interface{}) error {

	if len(f.Payload) == 0 {
		return errors.Wrapf(ErrMalformedFrame, "%s frame without payload", f.Type)
	}

	if err := json.Unmarshal(f.Payload, v); err != nil {
		return errors.Wrapf(ErrMalformedFrame, "%s payload: %v", f.Type, err)
	}

	return nil
}

// Operation extracts the operation carried by an op frame
// and checks it against the header.
func (f Frame) Operation() (crdt.Operation, error) {

	if f.Type != FrameOp {
		return crdt.Operation{}, errors.Wrapf(ErrMalformedFrame, "expected op frame, got %s", f.Type)
	}

	var op crdt.Operation
	if err := f.Decode(&op); err != nil {
		return crdt.Operation{}, err
	}

	if op.Origin != f.OriginID || op.Seq != f.Seq || op.Lamport != f.LamportClock {
		return crdt.Operation{}, errors.Wrapf(ErrMalformedFrame, "header of op %s does not match payload", op.ID())
	}

	if err := op.Validate(); err != nil {
		return crdt.Operation{}, err
	}

	return op, nil
}
