package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openqmi/qmicore/qmiwire"
)

type fakeQRTRSocket struct {
	mu      sync.Mutex
	sent    []sentPacket
	inbound chan inboundPacket
	closed  bool
}

type sentPacket struct {
	node, port uint32
	payload    []byte
}

type inboundPacket struct {
	node, port uint32
	payload    []byte
}

func newFakeQRTRSocket() *fakeQRTRSocket {
	return &fakeQRTRSocket{inbound: make(chan inboundPacket, 8)}
}

func (s *fakeQRTRSocket) SendTo(node, port uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), payload...)
	s.sent = append(s.sent, sentPacket{node: node, port: port, payload: cp})
	return nil
}

func (s *fakeQRTRSocket) RecvFrom(ctx context.Context) (uint32, uint32, []byte, error) {
	p, ok := <-s.inbound
	if !ok {
		return 0, 0, nil, context.Canceled
	}
	return p.node, p.port, p.payload, nil
}

func (s *fakeQRTRSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.inbound)
	return nil
}

func TestQRTRAllocateCIDIsSynthesizedLocally(t *testing.T) {
	sock := newFakeQRTRSocket()
	e := NewQRTREndpoint(1, sock, nil)
	require.NoError(t, e.Open(context.Background(), false))

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })

	w, err := qmiwire.NewWriter(qmiwire.ServiceCTL, 0, 1, qmiwire.CTLMessageAllocateCID)
	require.NoError(t, err)
	tok, err := w.TLVInit(qmiwire.CTLTLVAllocationInfo)
	require.NoError(t, err)
	tok.AppendUint8(0x02) // requested service
	require.NoError(t, w.TLVComplete(tok))
	req, err := w.Build()
	require.NoError(t, err)

	require.NoError(t, e.Send(context.Background(), req))

	select {
	case resp := <-received:
		assert.True(t, resp.IsResponse())
		v, ok := resp.TLVReader().Find(qmiwire.CTLTLVAllocationInfo)
		require.True(t, ok)
		c := qmiwire.NewCursor()
		service, err := v.ReadUint8(c)
		require.NoError(t, err)
		assert.Equal(t, byte(0x02), service)
		clientID, err := v.ReadUint8(c)
		require.NoError(t, err)
		assert.NotEqual(t, byte(0), clientID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized ALLOCATE_CID response")
	}

	// Nothing should have gone out over the wire for a synthesized op.
	sock.mu.Lock()
	assert.Empty(t, sock.sent)
	sock.mu.Unlock()
}

func TestQRTRDoesNotSynthesizeGetVersionInfo(t *testing.T) {
	sock := newFakeQRTRSocket()
	e := NewQRTREndpoint(1, sock, nil)
	require.NoError(t, e.Open(context.Background(), false))

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })

	req, err := qmiwire.New(qmiwire.ServiceCTL, 0, 2, qmiwire.CTLMessageGetVersionInfo)
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), req))

	select {
	case <-received:
		t.Fatal("GET_VERSION_INFO must not be synthesized by the QRTR endpoint")
	case <-time.After(100 * time.Millisecond):
		// expected: no local response
	}

	sock.mu.Lock()
	require.Len(t, sock.sent, 1)
	assert.Equal(t, uint32(0), sock.sent[0].port)
	sock.mu.Unlock()
}

func TestQRTRReleaseCIDIsSynthesizedLocally(t *testing.T) {
	sock := newFakeQRTRSocket()
	e := NewQRTREndpoint(1, sock, nil)
	require.NoError(t, e.Open(context.Background(), false))
	e.clients[5] = clientBinding{service: 0x02}

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })

	w, err := qmiwire.NewWriter(qmiwire.ServiceCTL, 0, 3, qmiwire.CTLMessageReleaseCID)
	require.NoError(t, err)
	tok, err := w.TLVInit(qmiwire.CTLTLVAllocationInfo)
	require.NoError(t, err)
	tok.AppendUint8(0x02).AppendUint8(5)
	require.NoError(t, w.TLVComplete(tok))
	req, err := w.Build()
	require.NoError(t, err)

	require.NoError(t, e.Send(context.Background(), req))

	select {
	case resp := <-received:
		assert.True(t, resp.IsResponse())
		status, _, ok := resp.GetResult()
		require.True(t, ok)
		assert.Equal(t, uint16(0), status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized RELEASE_CID response")
	}

	_, stillBound := e.clients[5]
	assert.False(t, stillBound)
}

func TestQRTRNonCTLSendGoesOverSocketAndReceivesSynthesizedFraming(t *testing.T) {
	sock := newFakeQRTRSocket()
	e := NewQRTREndpoint(7, sock, nil)
	require.NoError(t, e.Open(context.Background(), false))
	e.clients[9] = clientBinding{service: 0x03}

	req, err := qmiwire.New(0x03, 9, 11, 0x0044)
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), req))

	sock.mu.Lock()
	require.Len(t, sock.sent, 1)
	assert.Equal(t, uint32(7), sock.sent[0].node)
	assert.Equal(t, uint32(9), sock.sent[0].port)
	assert.Equal(t, req.Payload(), sock.sent[0].payload)
	sock.mu.Unlock()

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })
	sock.inbound <- inboundPacket{node: 7, port: 9, payload: req.Payload()}

	select {
	case got := <-received:
		assert.Equal(t, byte(0x03), got.GetService())
		assert.Equal(t, byte(9), got.GetClientID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized framing on receive")
	}
}
