// Package transport implements the Endpoint abstraction over the three
// ways this module can reach a modem: a QMUX character device (optionally
// proxied through qmi-proxy), an MBIM device carrying encapsulated QMI,
// and the QRTR kernel bus. Each concrete endpoint owns its own I/O and
// feeds decoded messages to a caller-registered Handler on a goroutine of
// its own, never synchronously from inside its decode loop, so a handler
// can safely call back into the endpoint (e.g. to send a response to an
// indication) without deadlocking on its own read path.
package transport

import (
	"context"

	"github.com/openqmi/qmicore/qmiwire"
)

// Handler receives every message an endpoint decodes off the wire,
// response or indication alike. The caller (the device package's
// transaction manager) is responsible for routing each one.
type Handler func(msg *qmiwire.Message)

// Endpoint is the shared surface every transport backend implements.
type Endpoint interface {
	// Open establishes the underlying connection. useProxy selects the
	// qmi-proxy path where the backend supports one. Open blocks until
	// the connection is ready or ctx is done.
	Open(ctx context.Context, useProxy bool) error

	// IsOpen reports whether Open has completed successfully and Close
	// has not yet been called.
	IsOpen() bool

	// SetupIndications arms whatever subscription the backend needs to
	// start receiving unsolicited indications (a no-op for backends that
	// receive everything unconditionally).
	SetupIndications(ctx context.Context) error

	// Send writes one fully-built message to the endpoint.
	Send(ctx context.Context, msg *qmiwire.Message) error

	// Close tears down the connection. It is idempotent.
	Close(ctx context.Context) error

	// SetHandler installs the callback invoked for every decoded message.
	// It may be replaced at any time; the dispatcher always calls the
	// most recently installed handler.
	SetHandler(h Handler)
}
