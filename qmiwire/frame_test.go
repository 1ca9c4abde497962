package qmiwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openqmi/qmicore/qmierr"
)

func TestNewZeroTLVRequest(t *testing.T) {
	m, err := New(0x01, 3, 42, 0x0020)
	require.NoError(t, err)

	assert.True(t, m.IsRequest())
	assert.False(t, m.IsResponse())
	assert.False(t, m.IsIndication())
	assert.Equal(t, byte(0x01), m.GetService())
	assert.Equal(t, byte(3), m.GetClientID())
	assert.Equal(t, uint16(42), m.GetTransactionID())
	assert.Equal(t, uint16(0x0020), m.GetMessageID())
	assert.Equal(t, uint16(0), m.GetTLVLength())
}

func TestCTLTransactionIDIsOneByte(t *testing.T) {
	m, err := New(ServiceCTL, 0, 0xAB, 0x0001)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xAB), m.GetTransactionID())

	_, err = New(ServiceCTL, 0, 0x100, 0x0001)
	require.Error(t, err)
	assert.True(t, qmierr.Is(err, qmierr.InvalidArgs))
}

func TestRoundTripThroughRaw(t *testing.T) {
	w, err := NewWriter(0x02, 7, 1000, 0x0036)
	require.NoError(t, err)

	tok, err := w.TLVInit(0x01)
	require.NoError(t, err)
	tok.AppendUint8(1).AppendUint16(0x1234, LittleEndian)
	require.NoError(t, w.TLVComplete(tok))

	built, err := w.Build()
	require.NoError(t, err)

	raw := built.GetRaw()
	decoded, consumed, err := NewFromRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, built.GetService(), decoded.GetService())
	assert.Equal(t, built.GetClientID(), decoded.GetClientID())
	assert.Equal(t, built.GetTransactionID(), decoded.GetTransactionID())
	assert.Equal(t, built.GetMessageID(), decoded.GetMessageID())

	v, ok := decoded.TLVReader().Find(0x01)
	require.True(t, ok)
	c := NewCursor()
	b, err := v.ReadUint8(c)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), b)
	u, err := v.ReadUint16(c, LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u)
}

func TestNewFromRawNeedsMoreData(t *testing.T) {
	m, consumed, err := NewFromRaw([]byte{Marker, 0x10})
	assert.Nil(t, m)
	assert.Equal(t, 0, consumed)
	assert.NoError(t, err)
}

func TestNewFromRawBadMarker(t *testing.T) {
	_, _, err := NewFromRaw([]byte{0x99, 0x00, 0x00})
	require.Error(t, err)
	assert.True(t, qmierr.Is(err, qmierr.InvalidMessage))
}

func TestResponseNewSuccessAndFailure(t *testing.T) {
	req, err := New(0x03, 2, 5, 0x0022)
	require.NoError(t, err)

	ok, err := ResponseNew(req, "")
	require.NoError(t, err)
	assert.True(t, ok.IsResponse())
	status, code, found := ok.GetResult()
	require.True(t, found)
	assert.Equal(t, uint16(0), status)
	assert.Equal(t, uint16(0), code)

	failed, err := ResponseNew(req, qmierr.WrongState)
	require.NoError(t, err)
	status, code, found = failed.GetResult()
	require.True(t, found)
	assert.Equal(t, uint16(1), status)
	assert.NotEqual(t, uint16(0), code)
}

func TestTLVTooLongRejectsBuild(t *testing.T) {
	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	tok, err := w.TLVInit(0x10)
	require.NoError(t, err)
	tok.AppendBytes(make([]byte, 0x10000))
	err = w.TLVComplete(tok)
	require.Error(t, err)
	assert.True(t, qmierr.Is(err, qmierr.TLVTooLong))
}

func TestTLVInitRejectsOverlappingTLV(t *testing.T) {
	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	_, err = w.TLVInit(0x01)
	require.NoError(t, err)
	_, err = w.TLVInit(0x02)
	require.Error(t, err)
	assert.True(t, qmierr.Is(err, qmierr.InvalidArgs))
}
