package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmiwire"
)

func TestQMUXSendWritesRawFrame(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	e := &QMUXEndpoint{path: "test", logger: qmilog.NoOp(), disp: newDispatcher(qmilog.NoOp())}
	e.file = w
	e.open = true

	msg, err := qmiwire.New(0x01, 2, 9, 0x0040)
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), msg))

	buf := make([]byte, msg.GetLength())
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg.GetRaw(), buf)
}

func TestQMUXSendOnClosedEndpointFails(t *testing.T) {
	e := &QMUXEndpoint{path: "test", logger: qmilog.NoOp(), disp: newDispatcher(qmilog.NoOp())}
	msg, err := qmiwire.New(0x01, 2, 9, 0x0040)
	require.NoError(t, err)
	err = e.Send(context.Background(), msg)
	require.Error(t, err)
}

func TestQMUXReadLoopDecodesFrames(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	e := &QMUXEndpoint{path: "test", logger: qmilog.NoOp(), disp: newDispatcher(qmilog.NoOp())}
	e.file = r
	e.open = true

	received := make(chan *qmiwire.Message, 1)
	e.SetHandler(func(m *qmiwire.Message) { received <- m })
	e.startReadLoop(r)

	msg, err := qmiwire.New(0x02, 5, 3, 0x0010)
	require.NoError(t, err)
	_, err = w.Write(msg.GetRaw())
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, msg.GetRaw(), got.GetRaw())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded frame")
	}
}
