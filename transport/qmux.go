package transport

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/openqmi/qmicore/qmierr"
	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmisafe"
	"github.com/openqmi/qmicore/qmiwire"
)

const proxyAbstractSocketName = "qmi-proxy"
const proxyConnectRetries = 10
const proxyConnectBackoff = 100 * time.Millisecond

// QMUXEndpoint talks QMUX framing directly over a character device, either
// by opening it exclusively itself or by going through qmi-proxy, an
// external process that multiplexes one device across several clients.
type QMUXEndpoint struct {
	path   string
	logger qmilog.Logger
	disp   *dispatcher

	mu   sync.Mutex
	file *os.File
	open bool
}

// NewQMUXEndpoint returns an unopened endpoint for the character device at
// path.
func NewQMUXEndpoint(path string, logger qmilog.Logger) *QMUXEndpoint {
	if logger == nil {
		logger = qmilog.NoOp()
	}
	return &QMUXEndpoint{path: path, logger: logger, disp: newDispatcher(logger)}
}

func (e *QMUXEndpoint) Open(ctx context.Context, useProxy bool) error {
	if useProxy {
		return e.openViaProxy(ctx)
	}
	return e.openDevice(ctx)
}

func (e *QMUXEndpoint) openDevice(ctx context.Context) error {
	fd, err := unix.Open(e.path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_EXCL, 0)
	if err != nil {
		if err == unix.EBUSY {
			return qmierr.Wrapf(err, qmierr.WrongState, "qmux device %s already has an exclusive owner", e.path)
		}
		return qmierr.Wrapf(err, qmierr.Failed, "open qmux device %s", e.path)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err == nil {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags&^unix.O_NONBLOCK)
	}

	file := os.NewFile(uintptr(fd), e.path)
	e.mu.Lock()
	e.file = file
	e.open = true
	e.mu.Unlock()
	e.startReadLoop(file)
	return nil
}

func (e *QMUXEndpoint) openViaProxy(ctx context.Context) error {
	spawnID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= proxyConnectRetries; attempt++ {
		fd, err := connectAbstractUnixSocket(proxyAbstractSocketName)
		if err == nil {
			file := os.NewFile(uintptr(fd), "qmi-proxy")
			if serr := sendProxyOpen(file, e.path); serr != nil {
				_ = file.Close()
				return serr
			}
			e.mu.Lock()
			e.file = file
			e.open = true
			e.mu.Unlock()
			e.startReadLoop(file)
			e.logger.Info("connected to qmi-proxy", "spawn_attempt_id", spawnID, "attempt", attempt, "device", e.path)
			return nil
		}
		lastErr = err
		e.logger.Warn("qmi-proxy connect attempt failed", "spawn_attempt_id", spawnID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return qmierr.Wrap(qmierr.Timeout, "qmi-proxy connect canceled", ctx.Err())
		case <-time.After(proxyConnectBackoff):
		}
	}
	return qmierr.Wrapf(lastErr, qmierr.Failed, "could not connect to qmi-proxy after %d attempts (spawn_attempt_id=%s)", proxyConnectRetries, spawnID)
}

func connectAbstractUnixSocket(name string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrUnix{Name: "\x00" + name}
	if err := unix.Connect(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// sendProxyOpen issues the proxy's internal-proxy-open control command,
// telling it which device path this connection wants multiplexed access
// to. This lives outside the QMUX wire format proper: it is consumed by
// the proxy process, never forwarded to the modem.
func sendProxyOpen(file *os.File, devicePath string) error {
	payload := append([]byte(devicePath), '\n')
	if _, err := file.Write(payload); err != nil {
		return qmierr.Wrap(qmierr.Failed, "send internal-proxy-open command", err)
	}
	return nil
}

func (e *QMUXEndpoint) startReadLoop(file *os.File) {
	qmisafe.SafeGo(e.logger, "qmux-read-loop", func() {
		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := file.Read(buf)
			if err != nil {
				e.mu.Lock()
				e.open = false
				e.mu.Unlock()
				e.logger.Warn("qmux read loop ended", "device", e.path, "error", err)
				return
			}
			pending = append(pending, buf[:n]...)
			for {
				msg, consumed, perr := qmiwire.NewFromRaw(pending)
				if perr != nil {
					e.logger.Error("dropping malformed qmux frame", "device", e.path, "error", perr)
					pending = nil
					break
				}
				if msg == nil {
					break
				}
				pending = pending[consumed:]
				e.disp.deliver(msg)
			}
		}
	}, nil)
}

func (e *QMUXEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// SetupIndications is a no-op for the character device: it already
// delivers every frame, solicited or not.
func (e *QMUXEndpoint) SetupIndications(ctx context.Context) error {
	if !e.IsOpen() {
		return qmierr.New(qmierr.WrongState, "qmux endpoint not open")
	}
	return nil
}

func (e *QMUXEndpoint) Send(ctx context.Context, msg *qmiwire.Message) error {
	e.mu.Lock()
	file, open := e.file, e.open
	e.mu.Unlock()
	if !open {
		return qmierr.New(qmierr.WrongState, "qmux endpoint not open")
	}
	if _, err := file.Write(msg.GetRaw()); err != nil {
		return qmierr.Wrap(qmierr.Failed, "write qmux frame", err)
	}
	return nil
}

func (e *QMUXEndpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	file, open := e.file, e.open
	e.open = false
	e.mu.Unlock()
	if !open {
		return nil
	}
	e.disp.close()
	if file != nil {
		return file.Close()
	}
	return nil
}

func (e *QMUXEndpoint) SetHandler(h Handler) { e.disp.setHandler(h) }
