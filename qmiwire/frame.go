// Package qmiwire implements the QMUX message codec: framing a request or
// response around a service/client/transaction header, and reading or
// writing the TLV (type-length-value) payload carried inside it.
//
// A Message is an immutable view over an owned byte slice. There is no
// refcounting here the way the C original needs it: once a Message is
// built (by New, NewFromRaw, or ResponseNew) ordinary Go garbage collection
// keeps it alive for as long as any caller holds a reference, and GetRaw
// hands back a copy so nothing downstream can mutate a frame another
// goroutine still has in flight.
package qmiwire

import (
	"github.com/openqmi/qmicore/internal/bytesafe"
	"github.com/openqmi/qmicore/qmierr"
)

// Marker is the fixed first byte of every QMUX frame.
const Marker byte = 0x01

// ServiceCTL is the control service id. Unlike every other service, CTL
// uses a 1-byte transaction id instead of 2.
const ServiceCTL byte = 0x00

const (
	ctrlFlagResponse   byte = 0x01
	ctrlFlagIndication byte = 0x02
)

// reservedFlags is the byte written at offset 3 of every frame this module
// builds. The field exists on the wire for peer compatibility; this codec
// does not interpret it on receive.
const reservedFlags byte = 0x80

// resultTLVType is the TLV type carrying the two-uint16 (status, error
// code) pair on every response message, success or failure.
const resultTLVType byte = 0x02

// MessageContext carries the vendor id a message's TLVs should be
// interpreted under. The codec itself is vendor-agnostic; callers that
// decode vendor-specific TLVs thread a MessageContext through to pick the
// right TLV table.
type MessageContext struct {
	VendorID uint16
}

// DefaultMessageContext returns the context for the standard (non-vendor)
// TLV namespace.
func DefaultMessageContext() MessageContext {
	return MessageContext{VendorID: 0}
}

// Message is a decoded or constructed QMUX frame.
type Message struct {
	raw []byte
}

func tidLen(service byte) int {
	if service == ServiceCTL {
		return 1
	}
	return 2
}

func frameHeaderLen(service byte) int {
	// marker(1) + length(2) + flags(1) + service(1) + client(1) + ctrl(1) +
	// tid(1 or 2) + message id(2) + tlv length(2)
	return 7 + tidLen(service) + 4
}

// New builds a zero-TLV request message.
func New(service, clientID byte, tid uint16, messageID uint16) (*Message, error) {
	w, err := NewWriter(service, clientID, tid, messageID)
	if err != nil {
		return nil, err
	}
	return w.Build()
}

// NewFromRaw attempts to decode one frame from the front of buf. It returns
// the decoded message and the number of bytes it consumed. If buf does not
// yet contain a complete frame, it returns (nil, 0, nil): callers read more
// bytes and try again. A malformed frame (bad marker, inconsistent length
// fields) returns a non-nil error instead.
func NewFromRaw(buf []byte) (*Message, int, error) {
	if len(buf) < 1 {
		return nil, 0, nil
	}
	if buf[0] != Marker {
		return nil, 0, qmierr.Newf(qmierr.InvalidMessage, "expected marker 0x%02x, got 0x%02x", Marker, buf[0])
	}
	if len(buf) < 3 {
		return nil, 0, nil
	}
	lengthField, _ := bytesafe.Uint16LE(buf, 1)
	totalLen := int(lengthField) + 1
	if len(buf) < totalLen {
		return nil, 0, nil
	}
	if totalLen < 5 {
		return nil, 0, qmierr.Newf(qmierr.InvalidMessage, "frame length %d too short to contain a service id", totalLen)
	}
	frame := buf[:totalLen]
	service, _ := bytesafe.Uint8(frame, 4)
	hdrLen := frameHeaderLen(service)
	if totalLen < hdrLen {
		return nil, 0, qmierr.Newf(qmierr.InvalidMessage, "frame length %d shorter than header length %d", totalLen, hdrLen)
	}
	tlvLen, _ := bytesafe.Uint16LE(frame, hdrLen-2)
	if hdrLen+int(tlvLen) != totalLen {
		return nil, 0, qmierr.Newf(qmierr.InvalidMessage, "tlv length %d inconsistent with frame length %d", tlvLen, totalLen)
	}
	owned := make([]byte, totalLen)
	copy(owned, frame)
	return &Message{raw: owned}, totalLen, nil
}

// ResponseNew builds a response message that mirrors request's service,
// client id, transaction id and message id, with a result TLV reporting
// success (kind == "") or the given error kind.
func ResponseNew(request *Message, kind qmierr.Kind) (*Message, error) {
	w, err := NewWriter(request.GetService(), request.GetClientID(), request.GetTransactionID(), request.GetMessageID())
	if err != nil {
		return nil, err
	}
	w.setResponse()

	var status, code uint16
	if kind != "" {
		status = 1
		code = errorCodeForKind(kind)
	}
	tok, err := w.TLVInit(resultTLVType)
	if err != nil {
		return nil, err
	}
	tok.AppendUint16(status, LittleEndian)
	tok.AppendUint16(code, LittleEndian)
	if err := w.TLVComplete(tok); err != nil {
		return nil, err
	}
	return w.Build()
}

// errorCodeForKind maps a Kind to this module's own numeric error code
// space. It is not a reproduction of any vendor's official error code
// registry (those tables are generated and out of scope here); it only
// needs to round-trip consistently between ResponseNew and a response
// reader within this codebase.
func errorCodeForKind(kind qmierr.Kind) uint16 {
	switch kind {
	case qmierr.Failed:
		return 1
	case qmierr.WrongState:
		return 2
	case qmierr.Timeout:
		return 3
	case qmierr.InvalidArgs:
		return 4
	case qmierr.InvalidMessage:
		return 5
	case qmierr.TLVNotFound:
		return 6
	case qmierr.TLVTooLong:
		return 7
	case qmierr.Aborted:
		return 8
	case qmierr.Unsupported:
		return 9
	case qmierr.UnexpectedMessage:
		return 10
	default:
		return 0xFFFF
	}
}

// GetService returns the service id the message targets.
func (m *Message) GetService() byte { return m.raw[4] }

// GetClientID returns the client id the message targets.
func (m *Message) GetClientID() byte { return m.raw[5] }

func (m *Message) ctrlFlags() byte { return m.raw[6] }

// IsResponse reports whether this message is a response to a prior request.
func (m *Message) IsResponse() bool { return m.ctrlFlags()&ctrlFlagResponse != 0 }

// IsIndication reports whether this message is an unsolicited indication.
func (m *Message) IsIndication() bool { return m.ctrlFlags()&ctrlFlagIndication != 0 }

// IsRequest reports whether this message is a request awaiting a response.
func (m *Message) IsRequest() bool { return !m.IsResponse() && !m.IsIndication() }

// GetTransactionID returns the transaction id, 1-byte wide for CTL and
// 2-byte wide for every other service.
func (m *Message) GetTransactionID() uint16 {
	if m.GetService() == ServiceCTL {
		return uint16(m.raw[7])
	}
	v, _ := bytesafe.Uint16LE(m.raw, 7)
	return v
}

// GetMessageID returns the service-specific message id.
func (m *Message) GetMessageID() uint16 {
	off := 7 + tidLen(m.GetService())
	v, _ := bytesafe.Uint16LE(m.raw, off)
	return v
}

// GetTLVLength returns the number of bytes occupied by the TLV payload.
func (m *Message) GetTLVLength() uint16 {
	hdrLen := frameHeaderLen(m.GetService())
	v, _ := bytesafe.Uint16LE(m.raw, hdrLen-2)
	return v
}

// GetLength returns the total encoded length of the frame, in bytes.
func (m *Message) GetLength() int { return len(m.raw) }

// GetRaw returns a copy of the encoded frame. Callers that need to send the
// bytes over a transport should use this; mutating the returned slice has
// no effect on m.
func (m *Message) GetRaw() []byte {
	out := make([]byte, len(m.raw))
	copy(out, m.raw)
	return out
}

// Payload returns the message-id and TLV-area bytes, excluding the QMUX
// framing header (marker, length, flags, service, client id, control
// flags, transaction id). Transports that address service/client/
// transaction out of band, such as QRTR's node/port addressing, send and
// receive this instead of a full frame and reconstruct the header from
// their own addressing with NewFromPayload.
func (m *Message) Payload() []byte {
	hdrLen := frameHeaderLen(m.GetService())
	payloadStart := hdrLen - 4 // message id (2) + tlv length (2)
	out := make([]byte, len(m.raw)-payloadStart)
	copy(out, m.raw[payloadStart:])
	return out
}

// NewFromPayload reconstructs a Message from a bare message-id+TLV payload
// (as produced by Payload) plus addressing and control-flag state carried
// out of band by the transport.
func NewFromPayload(service, clientID byte, tid uint16, isResponse, isIndication bool, payload []byte) (*Message, error) {
	if len(payload) < 4 {
		return nil, qmierr.New(qmierr.InvalidMessage, "payload shorter than the message-id+tlv-length header")
	}
	messageID, _ := bytesafe.Uint16LE(payload, 0)
	tlvLen, _ := bytesafe.Uint16LE(payload, 2)
	if int(tlvLen) != len(payload)-4 {
		return nil, qmierr.Newf(qmierr.InvalidMessage, "tlv length %d inconsistent with payload size %d", tlvLen, len(payload)-4)
	}
	w, err := NewWriter(service, clientID, tid, messageID)
	if err != nil {
		return nil, err
	}
	if isResponse {
		w.setResponse()
	}
	if isIndication {
		w.setIndication()
	}
	w.area = append([]byte(nil), payload[4:]...)
	return w.Build()
}

// GetResult reads the result TLV carried by a response message. ok is false
// if the message carries no result TLV (e.g. it is not a response).
func (m *Message) GetResult() (status, code uint16, ok bool) {
	v, found := m.TLVReader().Find(resultTLVType)
	if !found || v.Len() < 4 {
		return 0, 0, false
	}
	c := NewCursor()
	status, _ = v.ReadUint16(c, LittleEndian)
	code, _ = v.ReadUint16(c, LittleEndian)
	return status, code, true
}
