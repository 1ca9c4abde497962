//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openqmi/qmicore/qmierr"
)

// afQIPCRTR is AF_QIPCRTR, the kernel's IPC router address family. It is
// not exposed as a named constant by every golang.org/x/sys/unix release,
// so it is hardcoded here at its stable kernel value rather than left to
// whatever the vendored version happens to define.
const afQIPCRTR = 42

// sockaddrQRTR mirrors struct sockaddr_qrtr: a 2-byte family, a 4-byte
// node, and a 4-byte port, encoded here as little-endian. x/sys/unix has no built-in
// Sockaddr type for this family, so this endpoint builds and parses the
// raw bytes itself and calls bind/sendto/recvfrom directly.
type sockaddrQRTR struct {
	Node uint32
	Port uint32
}

func (s sockaddrQRTR) bytes() []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:2], afQIPCRTR)
	binary.LittleEndian.PutUint32(b[2:6], s.Node)
	binary.LittleEndian.PutUint32(b[6:10], s.Port)
	return b
}

func parseSockaddrQRTR(b []byte) (sockaddrQRTR, bool) {
	if len(b) < 10 {
		return sockaddrQRTR{}, false
	}
	return sockaddrQRTR{
		Node: binary.LittleEndian.Uint32(b[2:6]),
		Port: binary.LittleEndian.Uint32(b[6:10]),
	}, true
}

// realQRTRSocket is the kernel-backed qrtrSocket implementation.
type realQRTRSocket struct {
	fd int
}

// dialQRTR opens an AF_QIPCRTR socket and binds it to the given local
// port on this node (the kernel fills in the node id on bind when it is
// left as 0).
func dialQRTR(localPort uint32) (*realQRTRSocket, error) {
	fd, err := unix.Socket(afQIPCRTR, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, qmierr.Wrap(qmierr.Failed, "open AF_QIPCRTR socket", err)
	}
	addr := sockaddrQRTR{Node: 0, Port: localPort}.bytes()
	if err := rawBind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, qmierr.Wrap(qmierr.Failed, "bind AF_QIPCRTR socket", err)
	}
	return &realQRTRSocket{fd: fd}, nil
}

func rawBind(fd int, addr []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&addr[0])), uintptr(len(addr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *realQRTRSocket) SendTo(node, port uint32, payload []byte) error {
	addr := sockaddrQRTR{Node: node, Port: port}.bytes()
	var payloadPtr unsafe.Pointer
	if len(payload) > 0 {
		payloadPtr = unsafe.Pointer(&payload[0])
	}
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(s.fd), uintptr(payloadPtr), uintptr(len(payload)), 0,
		uintptr(unsafe.Pointer(&addr[0])), uintptr(len(addr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *realQRTRSocket) RecvFrom(ctx context.Context) (node, port uint32, payload []byte, err error) {
	buf := make([]byte, 65536)
	addrBuf := make([]byte, 16)
	addrLen := uint32(len(addrBuf))
	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(s.fd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0,
		uintptr(unsafe.Pointer(&addrBuf[0])), uintptr(unsafe.Pointer(&addrLen)))
	if errno != 0 {
		return 0, 0, nil, errno
	}
	sa, ok := parseSockaddrQRTR(addrBuf)
	if !ok {
		return 0, 0, nil, qmierr.New(qmierr.InvalidMessage, "malformed AF_QIPCRTR recvfrom address")
	}
	return sa.Node, sa.Port, buf[:n], nil
}

func (s *realQRTRSocket) Close() error {
	return unix.Close(s.fd)
}
