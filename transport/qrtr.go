package transport

import (
	"context"
	"sync"

	"github.com/openqmi/qmicore/qmierr"
	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmisafe"
	"github.com/openqmi/qmicore/qmiwire"
)

// qrtrSocket is the raw kernel-bus transport QRTREndpoint rides on. It is
// a narrow interface so the synthesis logic below (the interesting,
// testable part of this endpoint) can be exercised against a fake
// (fakeQRTRSocket in qrtr_test.go) without an actual AF_QIPCRTR socket.
type qrtrSocket interface {
	SendTo(node, port uint32, payload []byte) error
	RecvFrom(ctx context.Context) (node, port uint32, payload []byte, err error)
	Close() error
}

// clientBinding records which service a locally-synthesized client id was
// allocated for.
type clientBinding struct {
	service byte
}

// QRTREndpoint talks to a modem over the QRTR kernel bus. Unlike the QMUX
// character device, QRTR's own node/port addressing already plays the
// role of the QMUX header's service/client routing, so this endpoint adds
// ("synthesizes") a QMUX-shaped Message around the bare per-service
// payload on receive, and strips it back down to a bare payload on send.
//
// It also answers CTL ALLOCATE_CID, RELEASE_CID and SYNC locally, because
// QRTR has no need for a real client-id handshake with the peer the way a
// shared character device does. It deliberately does not answer
// GET_VERSION_INFO the same way: that gap is intentional, not a missing
// feature, and callers must not "fix" it by adding synthesis for it.
type QRTREndpoint struct {
	node   uint32
	sock   qrtrSocket
	logger qmilog.Logger
	disp   *dispatcher

	mu          sync.Mutex
	open        bool
	nextClients map[byte]byte // service -> last client id allocated
	clients     map[byte]clientBinding
}

// NewQRTREndpoint wraps an already-connected qrtrSocket for the given bus
// node.
func NewQRTREndpoint(node uint32, sock qrtrSocket, logger qmilog.Logger) *QRTREndpoint {
	if logger == nil {
		logger = qmilog.NoOp()
	}
	return &QRTREndpoint{
		node:        node,
		sock:        sock,
		logger:      logger,
		disp:        newDispatcher(logger),
		nextClients: make(map[byte]byte),
		clients:     make(map[byte]clientBinding),
	}
}

func (e *QRTREndpoint) Open(ctx context.Context, useProxy bool) error {
	if useProxy {
		return qmierr.New(qmierr.Unsupported, "qrtr endpoint has no proxy mode")
	}
	e.mu.Lock()
	e.open = true
	e.mu.Unlock()
	e.startReadLoop()
	return nil
}

func (e *QRTREndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// SetupIndications is a no-op: every QRTR packet this endpoint receives is
// already delivered to the handler regardless of kind.
func (e *QRTREndpoint) SetupIndications(ctx context.Context) error {
	if !e.IsOpen() {
		return qmierr.New(qmierr.WrongState, "qrtr endpoint not open")
	}
	return nil
}

func (e *QRTREndpoint) startReadLoop() {
	qmisafe.SafeGo(e.logger, "qrtr-read-loop", func() {
		for {
			_, port, payload, err := e.sock.RecvFrom(context.Background())
			if err != nil {
				e.mu.Lock()
				e.open = false
				e.mu.Unlock()
				e.logger.Warn("qrtr read loop ended", "error", err)
				return
			}
			clientID := byte(port)
			e.mu.Lock()
			binding, known := e.clients[clientID]
			e.mu.Unlock()
			service := byte(0)
			if known {
				service = binding.service
			}
			msg, err := qmiwire.NewFromPayload(service, clientID, 0, true, false, payload)
			if err != nil {
				e.logger.Error("dropping malformed qrtr payload", "error", err)
				continue
			}
			e.disp.deliver(msg)
		}
	}, nil)
}

func (e *QRTREndpoint) Send(ctx context.Context, msg *qmiwire.Message) error {
	if !e.IsOpen() {
		return qmierr.New(qmierr.WrongState, "qrtr endpoint not open")
	}
	if msg.GetService() == qmiwire.ServiceCTL {
		switch msg.GetMessageID() {
		case qmiwire.CTLMessageAllocateCID:
			return e.synthesizeAllocateCID(msg)
		case qmiwire.CTLMessageReleaseCID:
			return e.synthesizeReleaseCID(msg)
		case qmiwire.CTLMessageSync:
			return e.synthesizeSync(msg)
		case qmiwire.CTLMessageGetVersionInfo:
			// Deliberately not synthesized; falls through to the wire
			// send below, where it will go unanswered unless the peer
			// itself responds. See spec.md's notes on this behavior.
		}
	}
	port := uint32(msg.GetClientID())
	if err := e.sock.SendTo(e.node, port, msg.Payload()); err != nil {
		return qmierr.Wrap(qmierr.Failed, "qrtr sendto failed", err)
	}
	return nil
}

func (e *QRTREndpoint) synthesizeAllocateCID(req *qmiwire.Message) error {
	v, ok := req.TLVReader().Find(qmiwire.CTLTLVAllocationInfo)
	if !ok || v.Len() < 1 {
		return qmierr.New(qmierr.InvalidMessage, "ALLOCATE_CID request missing requested-service TLV")
	}
	c := qmiwire.NewCursor()
	service, err := v.ReadUint8(c)
	if err != nil {
		return err
	}

	e.mu.Lock()
	clientID := e.nextClients[service] + 1
	for {
		if clientID == 0 {
			e.mu.Unlock()
			return qmierr.Newf(qmierr.Failed, "no free client ids for service 0x%02x", service)
		}
		if _, taken := e.clients[clientID]; !taken {
			break
		}
		clientID++
	}
	e.clients[clientID] = clientBinding{service: service}
	e.nextClients[service] = clientID
	e.mu.Unlock()

	w, err := qmiwire.NewResponseWriter(qmiwire.ServiceCTL, req.GetClientID(), req.GetTransactionID(), req.GetMessageID())
	if err != nil {
		return err
	}
	resultTok, err := w.TLVInit(0x02)
	if err != nil {
		return err
	}
	resultTok.AppendUint16(0, qmiwire.LittleEndian).AppendUint16(0, qmiwire.LittleEndian)
	if err := w.TLVComplete(resultTok); err != nil {
		return err
	}
	infoTok, err := w.TLVInit(qmiwire.CTLTLVAllocationInfo)
	if err != nil {
		return err
	}
	infoTok.AppendUint8(service).AppendUint8(clientID)
	if err := w.TLVComplete(infoTok); err != nil {
		return err
	}
	resp, err := w.Build()
	if err != nil {
		return err
	}
	e.disp.deliver(resp)
	return nil
}

func (e *QRTREndpoint) synthesizeReleaseCID(req *qmiwire.Message) error {
	v, ok := req.TLVReader().Find(qmiwire.CTLTLVAllocationInfo)
	if !ok || v.Len() < 2 {
		return qmierr.New(qmierr.InvalidMessage, "RELEASE_CID request missing allocation-info TLV")
	}
	c := qmiwire.NewCursor()
	service, err := v.ReadUint8(c)
	if err != nil {
		return err
	}
	clientID, err := v.ReadUint8(c)
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.clients, clientID)
	e.mu.Unlock()

	resp, err := qmiwire.ResponseNew(req, "")
	if err != nil {
		return err
	}
	e.logger.Debug("synthesized RELEASE_CID response", "service", service, "client_id", clientID)
	e.disp.deliver(resp)
	return nil
}

func (e *QRTREndpoint) synthesizeSync(req *qmiwire.Message) error {
	resp, err := qmiwire.ResponseNew(req, "")
	if err != nil {
		return err
	}
	e.disp.deliver(resp)
	return nil
}

func (e *QRTREndpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	open := e.open
	e.open = false
	e.mu.Unlock()
	if !open {
		return nil
	}
	e.disp.close()
	return e.sock.Close()
}

func (e *QRTREndpoint) SetHandler(h Handler) { e.disp.setHandler(h) }
