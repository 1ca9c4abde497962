package qmiwire

import (
	"encoding/binary"

	"github.com/openqmi/qmicore/internal/bytesafe"
	"github.com/openqmi/qmicore/qmierr"
)

// Endianness selects the byte order a multi-byte field is written or read
// in. Most QMI TLV fields are little-endian; a handful of vendor TLVs are
// big-endian, hence this is a per-call choice rather than a package-wide
// constant.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// tlvSet accumulates a sequence of encoded TLV entries (type, 2-byte LE
// length, value). It backs both the top-level frame builder (Writer) and
// NestedBuilder, which encodes a TLV-structured value nested inside another
// TLV's value bytes.
type tlvSet struct {
	area []byte
	cur  *TLVToken
}

// TLVToken identifies the TLV currently being written. Appenders write into
// the token's own buffer; nothing is committed to the enclosing set until
// Complete is called with this exact token.
type TLVToken struct {
	typ byte
	buf []byte
}

func (t *tlvSet) init(typ byte) (*TLVToken, error) {
	if t.cur != nil {
		return nil, qmierr.New(qmierr.InvalidArgs, "previous TLV was not completed or reset")
	}
	t.cur = &TLVToken{typ: typ}
	return t.cur, nil
}

func (t *tlvSet) complete(tok *TLVToken) error {
	if tok == nil || tok != t.cur {
		return qmierr.New(qmierr.InvalidArgs, "token does not match the in-progress TLV")
	}
	if len(tok.buf) > 0xFFFF {
		return qmierr.Newf(qmierr.TLVTooLong, "TLV 0x%02x value is %d bytes, exceeds 65535", tok.typ, len(tok.buf))
	}
	entry := make([]byte, 3+len(tok.buf))
	entry[0] = tok.typ
	binary.LittleEndian.PutUint16(entry[1:3], uint16(len(tok.buf)))
	copy(entry[3:], tok.buf)
	if len(t.area)+len(entry) > 0xFFFF {
		return qmierr.Newf(qmierr.TLVTooLong, "tlv area would grow to %d bytes, exceeds 65535", len(t.area)+len(entry))
	}
	t.area = append(t.area, entry...)
	t.cur = nil
	return nil
}

func (t *tlvSet) reset(tok *TLVToken) error {
	if tok == nil || tok != t.cur {
		return qmierr.New(qmierr.InvalidArgs, "token does not match the in-progress TLV")
	}
	t.cur = nil
	return nil
}

// AppendUint8 appends one byte to the TLV value under construction.
func (t *TLVToken) AppendUint8(v uint8) *TLVToken {
	t.buf = append(t.buf, v)
	return t
}

// AppendInt8 appends one signed byte.
func (t *TLVToken) AppendInt8(v int8) *TLVToken { return t.AppendUint8(uint8(v)) }

// AppendUint16 appends a 2-byte integer in the given byte order.
func (t *TLVToken) AppendUint16(v uint16, e Endianness) *TLVToken {
	b := make([]byte, 2)
	if e == BigEndian {
		binary.BigEndian.PutUint16(b, v)
	} else {
		binary.LittleEndian.PutUint16(b, v)
	}
	t.buf = append(t.buf, b...)
	return t
}

// AppendInt16 appends a signed 2-byte integer.
func (t *TLVToken) AppendInt16(v int16, e Endianness) *TLVToken {
	return t.AppendUint16(uint16(v), e)
}

// AppendUint32 appends a 4-byte integer in the given byte order.
func (t *TLVToken) AppendUint32(v uint32, e Endianness) *TLVToken {
	b := make([]byte, 4)
	if e == BigEndian {
		binary.BigEndian.PutUint32(b, v)
	} else {
		binary.LittleEndian.PutUint32(b, v)
	}
	t.buf = append(t.buf, b...)
	return t
}

// AppendInt32 appends a signed 4-byte integer.
func (t *TLVToken) AppendInt32(v int32, e Endianness) *TLVToken {
	return t.AppendUint32(uint32(v), e)
}

// AppendUint64 appends an 8-byte integer in the given byte order.
func (t *TLVToken) AppendUint64(v uint64, e Endianness) *TLVToken {
	b := make([]byte, 8)
	if e == BigEndian {
		binary.BigEndian.PutUint64(b, v)
	} else {
		binary.LittleEndian.PutUint64(b, v)
	}
	t.buf = append(t.buf, b...)
	return t
}

// AppendInt64 appends a signed 8-byte integer.
func (t *TLVToken) AppendInt64(v int64, e Endianness) *TLVToken {
	return t.AppendUint64(uint64(v), e)
}

// AppendSizedUint appends an unsigned integer using exactly width bytes
// (1-8), for the QMI TLVs whose integer fields are narrower than the
// standard 1/2/4/8 sizes dictate (e.g. 3-byte fields).
func (t *TLVToken) AppendSizedUint(v uint64, width int, e Endianness) *TLVToken {
	b := make([]byte, width)
	if e == BigEndian {
		for i := width - 1; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
	} else {
		for i := 0; i < width; i++ {
			b[i] = byte(v)
			v >>= 8
		}
	}
	t.buf = append(t.buf, b...)
	return t
}

// AppendString appends s preceded by a length prefix of lengthPrefix bytes
// (0 for no prefix, 1, or 2).
func (t *TLVToken) AppendString(s string, lengthPrefix int) *TLVToken {
	switch lengthPrefix {
	case 1:
		t.buf = append(t.buf, byte(len(s)))
	case 2:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(len(s)))
		t.buf = append(t.buf, b...)
	}
	t.buf = append(t.buf, s...)
	return t
}

// AppendBytes appends raw bytes, for building a nested TLV value produced
// by a NestedBuilder or any other caller-encoded payload.
func (t *TLVToken) AppendBytes(b []byte) *TLVToken {
	t.buf = append(t.buf, b...)
	return t
}

// Writer builds one message's worth of TLVs, then finalizes the full
// QMUX frame around them with Build.
type Writer struct {
	tlvSet
	service    byte
	clientID   byte
	tid        uint16
	messageID  uint16
	response   bool
	indication bool
}

// NewWriter starts building a request message for the given service,
// client id, transaction id and message id.
func NewWriter(service, clientID byte, tid uint16, messageID uint16) (*Writer, error) {
	if service == ServiceCTL && tid > 0xFF {
		return nil, qmierr.Newf(qmierr.InvalidArgs, "CTL transaction id %d exceeds the 1-byte range", tid)
	}
	return &Writer{service: service, clientID: clientID, tid: tid, messageID: messageID}, nil
}

// NewResponseWriter starts building a response message that mirrors an
// incoming request's addressing. Callers that only need the standard
// (status, error code) result TLV should use ResponseNew instead; this is
// for responses that carry additional TLVs alongside the result, such as
// a synthesized CTL ALLOCATE_CID response.
func NewResponseWriter(service, clientID byte, tid uint16, messageID uint16) (*Writer, error) {
	w, err := NewWriter(service, clientID, tid, messageID)
	if err != nil {
		return nil, err
	}
	w.setResponse()
	return w, nil
}

// NewIndicationWriter starts building an unsolicited indication message.
func NewIndicationWriter(service, clientID byte, messageID uint16) (*Writer, error) {
	w, err := NewWriter(service, clientID, 0, messageID)
	if err != nil {
		return nil, err
	}
	w.setIndication()
	return w, nil
}

// TLVInit starts a new TLV of the given type. Only one TLV may be in
// progress at a time; complete or reset it before starting another.
func (w *Writer) TLVInit(typ byte) (*TLVToken, error) { return w.init(typ) }

// TLVComplete backfills the TLV's length and appends it to the frame,
// growing the running total frame length.
func (w *Writer) TLVComplete(tok *TLVToken) error { return w.complete(tok) }

// TLVReset discards the in-progress TLV without appending anything.
func (w *Writer) TLVReset(tok *TLVToken) error { return w.reset(tok) }

func (w *Writer) setResponse() { w.response = true }

func (w *Writer) setIndication() { w.indication = true }

// Build finalizes the frame. It fails if a TLV was started but never
// completed or reset.
func (w *Writer) Build() (*Message, error) {
	if w.cur != nil {
		return nil, qmierr.New(qmierr.InvalidArgs, "a TLV is still in progress, complete or reset it before Build")
	}
	hdrLen := frameHeaderLen(w.service)
	totalLen := hdrLen + len(w.area)
	if totalLen-1 > 0xFFFF {
		return nil, qmierr.Newf(qmierr.TLVTooLong, "frame length %d exceeds the 2-byte length field", totalLen)
	}

	raw := make([]byte, totalLen)
	raw[0] = Marker
	binary.LittleEndian.PutUint16(raw[1:3], uint16(totalLen-1))
	raw[3] = reservedFlags
	raw[4] = w.service
	raw[5] = w.clientID

	var ctrl byte
	if w.response {
		ctrl |= ctrlFlagResponse
	}
	if w.indication {
		ctrl |= ctrlFlagIndication
	}
	raw[6] = ctrl

	off := 7
	if w.service == ServiceCTL {
		raw[off] = byte(w.tid)
		off++
	} else {
		binary.LittleEndian.PutUint16(raw[off:off+2], w.tid)
		off += 2
	}
	binary.LittleEndian.PutUint16(raw[off:off+2], w.messageID)
	off += 2
	binary.LittleEndian.PutUint16(raw[off:off+2], uint16(len(w.area)))
	off += 2
	copy(raw[off:], w.area)

	return &Message{raw: raw}, nil
}

// NestedBuilder builds a TLV-structured byte blob meant to be nested as the
// value of an enclosing TLV, for the messages whose TLVs carry sub-records
// rather than flat scalar fields.
type NestedBuilder struct {
	tlvSet
}

// NewNestedBuilder starts a nested TLV sequence.
func NewNestedBuilder() *NestedBuilder { return &NestedBuilder{} }

// Init starts a new nested TLV of the given type.
func (b *NestedBuilder) Init(typ byte) (*TLVToken, error) { return b.init(typ) }

// Complete backfills the nested TLV's length and appends it.
func (b *NestedBuilder) Complete(tok *TLVToken) error { return b.complete(tok) }

// Reset discards the in-progress nested TLV.
func (b *NestedBuilder) Reset(tok *TLVToken) error { return b.reset(tok) }

// Bytes returns the encoded nested TLV sequence built so far.
func (b *NestedBuilder) Bytes() []byte {
	out := make([]byte, len(b.area))
	copy(out, b.area)
	return out
}

// Reader walks the TLV area of a decoded Message, or of a nested blob
// produced by NestedBuilder.
type Reader struct {
	data []byte
}

// TLVReader returns a Reader over m's TLV payload.
func (m *Message) TLVReader() *Reader {
	hdrLen := frameHeaderLen(m.GetService())
	return &Reader{data: m.raw[hdrLen:]}
}

// NewReaderFromBytes returns a Reader over an arbitrary TLV-structured byte
// slice, for parsing a nested TLV value produced by NestedBuilder.
func NewReaderFromBytes(data []byte) *Reader { return &Reader{data: data} }

// Find scans for the first TLV of the given type and returns its value.
// ok is false if no such TLV is present or the area is malformed.
func (r *Reader) Find(typ byte) (value *TLVValue, ok bool) {
	off := 0
	for off+3 <= len(r.data) {
		t := r.data[off]
		l, _ := bytesafe.Uint16LE(r.data, off+1)
		valStart := off + 3
		valEnd := valStart + int(l)
		if valEnd > len(r.data) {
			return nil, false
		}
		if t == typ {
			return &TLVValue{data: r.data[valStart:valEnd]}, true
		}
		off = valEnd
	}
	return nil, false
}

// Has reports whether a TLV of the given type is present.
func (r *Reader) Has(typ byte) bool {
	_, ok := r.Find(typ)
	return ok
}

// TLVValue is the value bytes of one decoded TLV, read through a Cursor
// that each typed read advances by the width it consumed.
type TLVValue struct {
	data []byte
}

// Len returns the number of bytes in the TLV value.
func (v *TLVValue) Len() int { return len(v.data) }

// Cursor tracks the read position within a TLVValue across a sequence of
// typed reads.
type Cursor struct {
	Offset int
}

// NewCursor returns a Cursor positioned at the start of a value.
func NewCursor() *Cursor { return &Cursor{} }

// ReadUint8 reads one byte and advances the cursor by 1.
func (v *TLVValue) ReadUint8(c *Cursor) (uint8, error) {
	b, ok := bytesafe.Uint8(v.data, c.Offset)
	if !ok {
		return 0, qmierr.New(qmierr.TLVNotFound, "TLV value too short for a uint8 read")
	}
	c.Offset++
	return b, nil
}

// ReadInt8 reads one signed byte and advances the cursor by 1.
func (v *TLVValue) ReadInt8(c *Cursor) (int8, error) {
	b, err := v.ReadUint8(c)
	return int8(b), err
}

// ReadUint16 reads a 2-byte integer in the given byte order and advances
// the cursor by 2.
func (v *TLVValue) ReadUint16(c *Cursor, e Endianness) (uint16, error) {
	var val uint16
	var ok bool
	if e == BigEndian {
		val, ok = bytesafe.Uint16BE(v.data, c.Offset)
	} else {
		val, ok = bytesafe.Uint16LE(v.data, c.Offset)
	}
	if !ok {
		return 0, qmierr.New(qmierr.TLVNotFound, "TLV value too short for a uint16 read")
	}
	c.Offset += 2
	return val, nil
}

// ReadInt16 reads a signed 2-byte integer and advances the cursor by 2.
func (v *TLVValue) ReadInt16(c *Cursor, e Endianness) (int16, error) {
	val, err := v.ReadUint16(c, e)
	return int16(val), err
}

// ReadUint32 reads a 4-byte integer in the given byte order and advances
// the cursor by 4.
func (v *TLVValue) ReadUint32(c *Cursor, e Endianness) (uint32, error) {
	var val uint32
	var ok bool
	if e == BigEndian {
		val, ok = bytesafe.Uint32BE(v.data, c.Offset)
	} else {
		val, ok = bytesafe.Uint32LE(v.data, c.Offset)
	}
	if !ok {
		return 0, qmierr.New(qmierr.TLVNotFound, "TLV value too short for a uint32 read")
	}
	c.Offset += 4
	return val, nil
}

// ReadInt32 reads a signed 4-byte integer and advances the cursor by 4.
func (v *TLVValue) ReadInt32(c *Cursor, e Endianness) (int32, error) {
	val, err := v.ReadUint32(c, e)
	return int32(val), err
}

// ReadUint64 reads an 8-byte integer in little-endian order (the only
// width QMI ever carries a 64-bit field in) and advances the cursor by 8.
func (v *TLVValue) ReadUint64(c *Cursor) (uint64, error) {
	val, ok := bytesafe.Uint64LE(v.data, c.Offset)
	if !ok {
		return 0, qmierr.New(qmierr.TLVNotFound, "TLV value too short for a uint64 read")
	}
	c.Offset += 8
	return val, nil
}

// ReadInt64 reads a signed 8-byte integer and advances the cursor by 8.
func (v *TLVValue) ReadInt64(c *Cursor) (int64, error) {
	val, err := v.ReadUint64(c)
	return int64(val), err
}

// ReadSizedUint reads an unsigned integer occupying exactly width bytes
// (1-8) and advances the cursor by width.
func (v *TLVValue) ReadSizedUint(c *Cursor, width int, e Endianness) (uint64, error) {
	b, ok := bytesafe.Slice(v.data, c.Offset, width)
	if !ok {
		return 0, qmierr.Newf(qmierr.TLVNotFound, "TLV value too short for a %d-byte read", width)
	}
	var val uint64
	if e == BigEndian {
		for i := 0; i < width; i++ {
			val = val<<8 | uint64(b[i])
		}
	} else {
		for i := width - 1; i >= 0; i-- {
			val = val<<8 | uint64(b[i])
		}
	}
	c.Offset += width
	return val, nil
}

// ReadString reads a string preceded by a length prefix of lengthPrefix
// bytes (0 means "read to the end of the value", 1, or 2) and advances the
// cursor past the prefix and the string body.
func (v *TLVValue) ReadString(c *Cursor, lengthPrefix int) (string, error) {
	var n int
	switch lengthPrefix {
	case 0:
		n = len(v.data) - c.Offset
	case 1:
		b, ok := bytesafe.Uint8(v.data, c.Offset)
		if !ok {
			return "", qmierr.New(qmierr.TLVNotFound, "missing 1-byte string length prefix")
		}
		c.Offset++
		n = int(b)
	case 2:
		b, ok := bytesafe.Uint16LE(v.data, c.Offset)
		if !ok {
			return "", qmierr.New(qmierr.TLVNotFound, "missing 2-byte string length prefix")
		}
		c.Offset += 2
		n = int(b)
	default:
		return "", qmierr.Newf(qmierr.InvalidArgs, "unsupported string length-prefix width %d", lengthPrefix)
	}
	s, ok := bytesafe.Slice(v.data, c.Offset, n)
	if !ok {
		return "", qmierr.New(qmierr.TLVNotFound, "TLV value too short for the string body")
	}
	c.Offset += n
	return string(s), nil
}

// ReadBytes reads n raw bytes and advances the cursor by n. The returned
// slice is a copy, safe to retain past the TLVValue's lifetime.
func (v *TLVValue) ReadBytes(c *Cursor, n int) ([]byte, error) {
	s, ok := bytesafe.Slice(v.data, c.Offset, n)
	if !ok {
		return nil, qmierr.New(qmierr.TLVNotFound, "TLV value too short for the requested byte read")
	}
	c.Offset += n
	out := make([]byte, n)
	copy(out, s)
	return out, nil
}

// Remaining returns the unread tail of the value, for handing off to
// NewReaderFromBytes when a TLV's value is itself a nested TLV sequence.
func (v *TLVValue) Remaining(c *Cursor) []byte {
	return v.data[c.Offset:]
}
