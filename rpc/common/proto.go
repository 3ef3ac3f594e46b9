package common

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Header carries the routing and correlation fields of a Message.
// Seq is only meaningful if Kind is not RPCKindNone.
type Header struct {
	// RPC shape of the message
	Kind RPCKind `json:"kind"`
	Seq  uint32  `json:"seq,omitempty"`

	// BodyType tags the body and drives pipeline stage routing (e.g. "log", "metrics")
	BodyType string `json:"body_type,omitempty"`

	// Addressing
	Source      uint32 `json:"source"`
	Destination uint32 `json:"destination"`
	Mask        uint32 `json:"mask,omitempty"` // != 0 means group addressing (Destination & Mask)

	// hasSeq records whether Seq was actually present on the wire
	hasSeq bool
}

// Message is the unit routed through the sidecar.
// Peer holds the network address the message was received from or is sent to.
type Message struct {
	Header Header `json:"header"`
	Body   []byte `json:"body,omitempty"`
	Peer   string `json:"peer,omitempty"`
}

// --------------------------------------------------------------------------
// Header Predicates
// --------------------------------------------------------------------------

// IsReq returns true if the header belongs to a Request
func (h Header) IsReq() bool { return h.Kind == RPCKindRequest }

// IsRsp returns true if the header belongs to a Response
func (h Header) IsRsp() bool { return h.Kind == RPCKindResponse }

// IsNtf returns true if the header belongs to a Notification
func (h Header) IsNtf() bool { return h.Kind == RPCKindNotification }

// HasSeq reports whether a sequence number is attached to the header
func (h Header) HasSeq() bool { return h.hasSeq }

// WithSeq returns a copy of the header with the sequence number set
func (h Header) WithSeq(seq uint32) Header {
	h.Seq = seq
	h.hasSeq = true
	return h
}

// WithoutSeq returns a copy of the header with the sequence number cleared
func (h Header) WithoutSeq() Header {
	h.Seq = 0
	h.hasSeq = false
	return h
}

// IsMasked reports whether the header addresses a group of nodes
func (h Header) IsMasked() bool { return h.Mask != 0 }

// Validate checks the header invariant: a sequence number is present iff Kind != None
func (h Header) Validate() error {
	if h.Kind > RPCKindNotification {
		return NewError(ErrCProtocol, fmt.Sprintf("unknown rpc kind %d", h.Kind))
	}
	if h.Kind != RPCKindNone && !h.hasSeq {
		return NewError(ErrCProtocol, fmt.Sprintf("%s without sequence number", h.Kind))
	}
	if h.Kind == RPCKindNone && h.hasSeq {
		return NewError(ErrCProtocol, "sequence number without rpc kind")
	}
	return nil
}

// MarshalJSON keeps the seq presence flag on the wire
func (h Header) MarshalJSON() ([]byte, error) {
	type plain Header
	aux := struct {
		plain
		Seq *uint32 `json:"seq,omitempty"`
	}{plain: plain(h)}
	if h.hasSeq {
		seq := h.Seq
		aux.Seq = &seq
	}
	return json.Marshal(aux)
}

// UnmarshalJSON restores the seq presence flag
func (h *Header) UnmarshalJSON(data []byte) error {
	type plain Header
	var aux struct {
		plain
		Seq *uint32 `json:"seq,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*h = Header(aux.plain)
	if aux.Seq != nil {
		h.Seq = *aux.Seq
		h.hasSeq = true
	} else {
		h.Seq = 0
		h.hasSeq = false
	}
	return nil
}

// String returns a compact representation of the message for logging
func (m *Message) String() string {
	seq := "-"
	if m.Header.hasSeq {
		seq = fmt.Sprintf("%d", m.Header.Seq)
	}
	return fmt.Sprintf("%s(seq=%s type=%q %#08x->%#08x mask=%#08x len=%d)",
		m.Header.Kind, seq, m.Header.BodyType, m.Header.Source, m.Header.Destination, m.Header.Mask, len(m.Body))
}

// Clone returns a copy of the message that shares no memory with the original
func (m *Message) Clone() *Message {
	c := *m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewMessage creates a plain (non rpc) message
func NewMessage(src, dst uint32, bodyType string, body []byte) *Message {
	return &Message{
		Header: Header{
			Kind:        RPCKindNone,
			BodyType:    bodyType,
			Source:      src,
			Destination: dst,
		},
		Body: body,
	}
}

// NewRequest creates a new Request with the given sequence number
func NewRequest(src, dst uint32, seq uint32, bodyType string, body []byte) *Message {
	msg := NewMessage(src, dst, bodyType, body)
	msg.Header.Kind = RPCKindRequest
	msg.Header = msg.Header.WithSeq(seq)
	return msg
}

// NewResponse creates the Response to a Request, swapping source and destination
func NewResponse(req *Message, bodyType string, body []byte) *Message {
	msg := NewMessage(req.Header.Destination, req.Header.Source, bodyType, body)
	msg.Header.Kind = RPCKindResponse
	msg.Header = msg.Header.WithSeq(req.Header.Seq)
	return msg
}

// NewNotification creates a new Notification with the given sequence number
func NewNotification(src, dst uint32, seq uint32, bodyType string, body []byte) *Message {
	msg := NewMessage(src, dst, bodyType, body)
	msg.Header.Kind = RPCKindNotification
	msg.Header = msg.Header.WithSeq(seq)
	return msg
}

// BodyTypeError marks a Response that carries a failure instead of a result.
// The body is the error code followed by the message.
const BodyTypeError = "dproxy.error"

// NewErrorResponse creates the Response reporting err to the sender of req
func NewErrorResponse(req *Message, err error) *Message {
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Msg
	}
	body := append([]byte{byte(CodeOf(err))}, msg...)
	return NewResponse(req, BodyTypeError, body)
}

// AsError returns the failure carried by an error response, nil for any other message
func (m *Message) AsError() error {
	if m.Header.BodyType != BodyTypeError {
		return nil
	}
	if len(m.Body) == 0 {
		return NewError(ErrCUnknown, "empty error response")
	}
	return &Error{Code: ErrCode(m.Body[0]), Msg: string(m.Body[1:])}
}

// --------------------------------------------------------------------------
// RPC Kind Definition
// --------------------------------------------------------------------------

// RPCKind defines the rpc shape of a message
type RPCKind uint8

const (
	RPCKindNone         RPCKind = iota // Not part of an rpc exchange
	RPCKindRequest                     // Expects a Response with the same seq
	RPCKindResponse                    // Answers the Request with the same seq
	RPCKindNotification                // Correlated by seq, but does not answer a Request
)

// String returns the string representation of a RPCKind.
func (k RPCKind) String() string {
	switch k {
	case RPCKindNone:
		return "none"
	case RPCKindRequest:
		return "request"
	case RPCKindResponse:
		return "response"
	case RPCKindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for RPCKind.
func (k RPCKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for RPCKind.
func (k *RPCKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "none":
		*k = RPCKindNone
	case "request":
		*k = RPCKindRequest
	case "response":
		*k = RPCKindResponse
	case "notification":
		*k = RPCKindNotification
	default:
		return NewError(ErrCProtocol, fmt.Sprintf("unknown rpc kind: %s", s))
	}

	return nil
}

// --------------------------------------------------------------------------
// Binary Header Encoding (also used by gob through encoding.BinaryMarshaler)
// --------------------------------------------------------------------------

// headerFlagSeq marks that a sequence number follows the flags byte
const headerFlagSeq byte = 1 << 0

// headerFixedSize is kind + flags + source + destination + mask + body type length
const headerFixedSize = 1 + 1 + 4 + 4 + 4 + 2

// HeaderSize returns the number of bytes AppendHeader will write for h
func HeaderSize(h Header) int {
	size := headerFixedSize + len(h.BodyType)
	if h.hasSeq {
		size += 4
	}
	return size
}

// AppendHeader appends the binary form of h to b:
// - 1 byte: kind
// - 1 byte: flags
// - 4 bytes: seq (only if flags has headerFlagSeq)
// - 4 bytes each: source, destination, mask (big endian)
// - 2 bytes + N bytes: body type
func AppendHeader(b []byte, h Header) []byte {
	var flags byte
	if h.hasSeq {
		flags |= headerFlagSeq
	}
	b = append(b, byte(h.Kind), flags)
	if h.hasSeq {
		b = binary.BigEndian.AppendUint32(b, h.Seq)
	}
	b = binary.BigEndian.AppendUint32(b, h.Source)
	b = binary.BigEndian.AppendUint32(b, h.Destination)
	b = binary.BigEndian.AppendUint32(b, h.Mask)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.BodyType)))
	return append(b, h.BodyType...)
}

// ReadHeader decodes a header written by AppendHeader and returns the number of bytes consumed.
// The decoded header is validated, a malformed header yields a protocol error.
func ReadHeader(b []byte) (Header, int, error) {
	var h Header
	if len(b) < 2 {
		return h, 0, NewError(ErrCProtocol, "header too short")
	}
	h.Kind = RPCKind(b[0])
	flags := b[1]
	pos := 2

	if flags&headerFlagSeq != 0 {
		if len(b) < pos+4 {
			return h, 0, NewError(ErrCProtocol, "header too short for seq")
		}
		h.Seq = binary.BigEndian.Uint32(b[pos:])
		h.hasSeq = true
		pos += 4
	}

	if len(b) < pos+14 {
		return h, 0, NewError(ErrCProtocol, "header too short for addressing")
	}
	h.Source = binary.BigEndian.Uint32(b[pos:])
	h.Destination = binary.BigEndian.Uint32(b[pos+4:])
	h.Mask = binary.BigEndian.Uint32(b[pos+8:])
	typeLen := int(binary.BigEndian.Uint16(b[pos+12:]))
	pos += 14

	if len(b) < pos+typeLen {
		return h, 0, NewError(ErrCProtocol, "header too short for body type")
	}
	h.BodyType = string(b[pos : pos+typeLen])
	pos += typeLen

	if err := h.Validate(); err != nil {
		return h, 0, err
	}
	return h, pos, nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (h Header) MarshalBinary() ([]byte, error) {
	return AppendHeader(make([]byte, 0, HeaderSize(h)), h), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (h *Header) UnmarshalBinary(data []byte) error {
	decoded, n, err := ReadHeader(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return NewError(ErrCProtocol, fmt.Sprintf("%d trailing bytes after header", len(data)-n))
	}
	*h = decoded
	return nil
}
