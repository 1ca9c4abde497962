package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openqmi/qmicore/qmiwire"
)

type fakeMBIMDevice struct {
	mu    sync.Mutex
	opened bool
	indicationsCh chan []byte
	nextResponse  []byte
}

func newFakeMBIMDevice() *fakeMBIMDevice {
	return &fakeMBIMDevice{indicationsCh: make(chan []byte, 4)}
}

func (d *fakeMBIMDevice) OpenChannel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *fakeMBIMDevice) CloseChannel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

func (d *fakeMBIMDevice) CommandSync(ctx context.Context, serviceUUID uuid.UUID, cid uint32, informationBuffer []byte, timeout time.Duration) ([]byte, error) {
	return d.nextResponse, nil
}

func (d *fakeMBIMDevice) Indications(serviceUUID uuid.UUID, cid uint32) (<-chan []byte, error) {
	return d.indicationsCh, nil
}

func TestMBIMSendUnwrapsResponse(t *testing.T) {
	req, err := qmiwire.New(0x01, 2, 7, 0x0030)
	require.NoError(t, err)
	resp, err := qmiwire.ResponseNew(req, "")
	require.NoError(t, err)

	dev := newFakeMBIMDevice()
	dev.nextResponse = resp.GetRaw()

	e := NewMBIMEndpoint(dev, nil)
	require.NoError(t, e.Open(context.Background(), false))

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })

	require.NoError(t, e.Send(context.Background(), req))

	select {
	case got := <-received:
		assert.True(t, got.IsResponse())
		assert.Equal(t, resp.GetRaw(), got.GetRaw())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unwrapped response")
	}
}

func TestMBIMIndicationsAreDecoded(t *testing.T) {
	dev := newFakeMBIMDevice()
	e := NewMBIMEndpoint(dev, nil)
	require.NoError(t, e.Open(context.Background(), false))
	require.NoError(t, e.SetupIndications(context.Background()))

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })

	ind, err := qmiwire.NewIndicationWriter(0x01, 0, 0x0050)
	require.NoError(t, err)
	indMsg, err := ind.Build()
	require.NoError(t, err)
	dev.indicationsCh <- indMsg.GetRaw()

	select {
	case got := <-received:
		assert.True(t, got.IsIndication())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded indication")
	}
}

func TestMBIMEndpointRejectsProxyMode(t *testing.T) {
	e := NewMBIMEndpoint(newFakeMBIMDevice(), nil)
	err := e.Open(context.Background(), true)
	require.Error(t, err)
}
