package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openqmi/qmicore/qmierr"
	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmisafe"
	"github.com/openqmi/qmicore/qmiwire"
)

// qmiMsgUUID is the MBIM service UUID this endpoint encapsulates QMUX
// frames under (d1a30bc2-f97a-6e43-bf65-c7e24fb0f0d3).
var qmiMsgUUID = uuid.MustParse("d1a30bc2-f97a-6e43-bf65-c7e24fb0f0d3")

// qmiMsgCID is the command id within qmiMsgUUID carrying the raw QMUX
// frame as its information buffer.
const qmiMsgCID uint32 = 1

// MBIMDevice abstracts the underlying MBIM transport this endpoint rides
// on top of. This module does not implement the MBIM control-message
// protocol itself; a caller supplies a device already capable of opening
// an MBIM channel and exchanging command/indication information buffers
// for a given service UUID and CID.
type MBIMDevice interface {
	OpenChannel(ctx context.Context) error
	CloseChannel(ctx context.Context) error
	// CommandSync sends informationBuffer as the payload of a command
	// message addressed to (serviceUUID, cid) and returns the matching
	// response's information buffer.
	CommandSync(ctx context.Context, serviceUUID uuid.UUID, cid uint32, informationBuffer []byte, timeout time.Duration) ([]byte, error)
	// Indications returns a channel of information buffers for every
	// indication message addressed to (serviceUUID, cid).
	Indications(serviceUUID uuid.UUID, cid uint32) (<-chan []byte, error)
}

// MBIMEndpoint encapsulates QMUX frames inside MBIM command and
// indication messages on the QMI_MSG CID, per spec.md's MBIM
// encapsulation rules.
type MBIMEndpoint struct {
	dev    MBIMDevice
	logger qmilog.Logger
	disp   *dispatcher

	mu   sync.Mutex
	open bool
}

// NewMBIMEndpoint wraps an already-constructed MBIMDevice.
func NewMBIMEndpoint(dev MBIMDevice, logger qmilog.Logger) *MBIMEndpoint {
	if logger == nil {
		logger = qmilog.NoOp()
	}
	return &MBIMEndpoint{dev: dev, logger: logger, disp: newDispatcher(logger)}
}

func (e *MBIMEndpoint) Open(ctx context.Context, useProxy bool) error {
	if useProxy {
		return qmierr.New(qmierr.Unsupported, "mbim endpoint has no proxy mode")
	}
	if err := e.dev.OpenChannel(ctx); err != nil {
		return qmierr.Wrap(qmierr.Failed, "open mbim channel", err)
	}
	e.mu.Lock()
	e.open = true
	e.mu.Unlock()
	return nil
}

func (e *MBIMEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *MBIMEndpoint) SetupIndications(ctx context.Context) error {
	if !e.IsOpen() {
		return qmierr.New(qmierr.WrongState, "mbim endpoint not open")
	}
	ch, err := e.dev.Indications(qmiMsgUUID, qmiMsgCID)
	if err != nil {
		return qmierr.Wrap(qmierr.Failed, "subscribe to QMI_MSG indications", err)
	}
	qmisafe.SafeGo(e.logger, "mbim-indication-loop", func() {
		for buf := range ch {
			msg, _, perr := qmiwire.NewFromRaw(buf)
			if perr != nil {
				e.logger.Error("dropping malformed mbim-wrapped indication", "error", perr)
				continue
			}
			if msg != nil {
				e.disp.deliver(msg)
			}
		}
	}, nil)
	return nil
}

// Send wraps msg's raw bytes as the information buffer of an MBIM command
// addressed to QMI_MSG. Per spec.md, the underlying command's timeout is
// the caller's timeout plus one second, so the caller's own deadline
// expires before the MBIM command's does. A ctx with no deadline gets a
// 30-second MBIM command timeout.
func (e *MBIMEndpoint) Send(ctx context.Context, msg *qmiwire.Message) error {
	if !e.IsOpen() {
		return qmierr.New(qmierr.WrongState, "mbim endpoint not open")
	}
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl) + time.Second
	}
	cmdCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := e.dev.CommandSync(cmdCtx, qmiMsgUUID, qmiMsgCID, msg.GetRaw(), timeout)
	if err != nil {
		return qmierr.Wrap(qmierr.Failed, "mbim command send failed", err)
	}
	if len(resp) == 0 {
		return nil
	}
	decoded, _, perr := qmiwire.NewFromRaw(resp)
	if perr != nil {
		return qmierr.Wrap(qmierr.InvalidMessage, "decode mbim-wrapped qmux response", perr)
	}
	if decoded != nil {
		e.disp.deliver(decoded)
	}
	return nil
}

func (e *MBIMEndpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	open := e.open
	e.open = false
	e.mu.Unlock()
	if !open {
		return nil
	}
	e.disp.close()
	if err := e.dev.CloseChannel(ctx); err != nil {
		return qmierr.Wrap(qmierr.Failed, "close mbim channel", err)
	}
	return nil
}

func (e *MBIMEndpoint) SetHandler(h Handler) { e.disp.setHandler(h) }
