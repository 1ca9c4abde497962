package qmiwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openqmi/qmicore/qmierr"
)

func TestStringWithLengthPrefix(t *testing.T) {
	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	tok, err := w.TLVInit(0x14)
	require.NoError(t, err)
	tok.AppendString("internet", 1)
	require.NoError(t, w.TLVComplete(tok))
	m, err := w.Build()
	require.NoError(t, err)

	v, ok := m.TLVReader().Find(0x14)
	require.True(t, ok)
	c := NewCursor()
	s, err := v.ReadString(c, 1)
	require.NoError(t, err)
	assert.Equal(t, "internet", s)
}

func TestSizedUintRoundTrip(t *testing.T) {
	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	tok, err := w.TLVInit(0x20)
	require.NoError(t, err)
	tok.AppendSizedUint(0x0102FF, 3, BigEndian)
	require.NoError(t, w.TLVComplete(tok))
	m, err := w.Build()
	require.NoError(t, err)

	v, ok := m.TLVReader().Find(0x20)
	require.True(t, ok)
	c := NewCursor()
	got, err := v.ReadSizedUint(c, 3, BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102FF), got)
}

func TestNestedBuilderRoundTrip(t *testing.T) {
	nested := NewNestedBuilder()
	ntok, err := nested.Init(0x01)
	require.NoError(t, err)
	ntok.AppendUint8(9)
	require.NoError(t, nested.Complete(ntok))

	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	outer, err := w.TLVInit(0x30)
	require.NoError(t, err)
	outer.AppendBytes(nested.Bytes())
	require.NoError(t, w.TLVComplete(outer))
	m, err := w.Build()
	require.NoError(t, err)

	v, ok := m.TLVReader().Find(0x30)
	require.True(t, ok)
	inner := NewReaderFromBytes(v.data)
	innerVal, ok := inner.Find(0x01)
	require.True(t, ok)
	c := NewCursor()
	b, err := innerVal.ReadUint8(c)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), b)
}

func TestTLVNotFound(t *testing.T) {
	m, err := New(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	_, ok := m.TLVReader().Find(0xEE)
	assert.False(t, ok)
}

func TestReadPastEndOfValue(t *testing.T) {
	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	tok, err := w.TLVInit(0x01)
	require.NoError(t, err)
	tok.AppendUint8(1)
	require.NoError(t, w.TLVComplete(tok))
	m, err := w.Build()
	require.NoError(t, err)

	v, ok := m.TLVReader().Find(0x01)
	require.True(t, ok)
	c := NewCursor()
	_, err = v.ReadUint16(c, LittleEndian)
	require.Error(t, err)
	assert.True(t, qmierr.Is(err, qmierr.TLVNotFound))
}

func TestResetDiscardsInProgressTLV(t *testing.T) {
	w, err := NewWriter(0x01, 0, 1, 0x0001)
	require.NoError(t, err)
	tok, err := w.TLVInit(0x01)
	require.NoError(t, err)
	tok.AppendUint8(1)
	require.NoError(t, w.TLVReset(tok))

	m, err := w.Build()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), m.GetTLVLength())
}
