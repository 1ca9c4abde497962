package device

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/openqmi/qmicore/qmiconfig"
	"github.com/openqmi/qmicore/qmierr"
	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmisafe"
	"github.com/openqmi/qmicore/qmiwire"
	"github.com/openqmi/qmicore/transport"
)

// Client identifies an allocated service client: the service it was
// allocated against and the client id the peer assigned it.
type Client struct {
	Service byte
	ID      byte
}

// IndicationHandler receives an unsolicited indication addressed to a
// specific (service, client) pair.
type IndicationHandler func(msg *qmiwire.Message)

// EndpointFactory builds the endpoint a Device opens during step 2 of its
// open sequence. Deferring construction to Open (rather than taking an
// already-built Endpoint) means Close followed by Open again gets a fresh
// connection instead of reusing a torn-down one.
type EndpointFactory func(logger qmilog.Logger) (transport.Endpoint, error)

// tracer is the narrow tracing surface Device needs. observability.Tracer
// satisfies it by duck typing; Device never imports observability.
type tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, func(err error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

// Device is the façade over one modem connection: it owns the transport
// endpoint, the transaction table, client bookkeeping, the cached
// service/version table, and the cached associated net-port state.
type Device struct {
	path    string
	factory EndpointFactory
	cfg     qmiconfig.Config
	logger  qmilog.Logger
	metrics metricsRecorder
	tracer  tracer

	table *transactionTable

	mu                 sync.Mutex
	endpoint           transport.Endpoint
	opened             bool
	clients            map[byte]byte // client id -> service
	serviceVersions    map[byte]uint16
	expectedDataFormat qmiconfig.DataFormat
	wwanIface          string
	wwanIfaceValid     bool
	indicationHandlers map[uint32]IndicationHandler
}

// New constructs an unopened Device. factory is invoked during Open to
// build the concrete transport endpoint (QMUX, MBIM, or QRTR).
func New(path string, factory EndpointFactory, cfg qmiconfig.Config, logger qmilog.Logger, metrics metricsRecorder, tr tracer) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, qmierr.Wrap(qmierr.InvalidArgs, "invalid device configuration", err)
	}
	if logger == nil {
		logger = qmilog.NoOp()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tr == nil {
		tr = noopTracer{}
	}
	return &Device{
		path:               path,
		factory:            factory,
		cfg:                cfg,
		logger:             logger,
		metrics:            metrics,
		tracer:             tr,
		table:              newTransactionTable(logger, metrics),
		clients:            make(map[byte]byte),
		serviceVersions:    make(map[byte]uint16),
		expectedDataFormat: cfg.ExpectedDataFormat,
		indicationHandlers: make(map[uint32]IndicationHandler),
	}, nil
}

// IsOpen reports whether Open has completed successfully and Close has
// not yet been called.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Open drives the modem open sequence: detect the driver/path, create the
// endpoint, open it, fetch version info, sync, set the expected data
// format, and enable indications. It is idempotent: calling Open on an
// already-open Device returns nil immediately.
func (d *Device) Open(ctx context.Context) (err error) {
	ctx, end := d.tracer.StartSpan(ctx, "device.Open")
	defer func() { end(err) }()

	if d.IsOpen() {
		return nil
	}

	// Step 1: driver/path detection.
	if !d.cfg.NoFileCheck && d.path != "" {
		if _, statErr := os.Stat(d.path); statErr != nil {
			return qmierr.Wrapf(statErr, qmierr.Failed, "device path %s not reachable", d.path)
		}
	}

	// Step 2: create the endpoint.
	ep, err := d.factory(d.logger)
	if err != nil {
		return qmierr.Wrap(qmierr.Failed, "create endpoint", err)
	}
	ep.SetHandler(d.handleMessage)

	// Step 3: open the endpoint.
	openCtx, cancel := context.WithTimeout(ctx, d.cfg.OpenTimeout)
	err = ep.Open(openCtx, d.cfg.UseProxy)
	cancel()
	if err != nil {
		return qmierr.Wrap(qmierr.Failed, "open endpoint", err)
	}

	d.mu.Lock()
	d.endpoint = ep
	d.mu.Unlock()

	// Step 4: version-info retries. A peer that never answers
	// GET_VERSION_INFO (QRTR, by design) does not fail Open; it just
	// leaves the service/version table empty.
	d.fetchVersionInfoWithRetries(ctx)

	// Step 5: sync retries.
	if err = d.syncWithRetries(ctx); err != nil {
		return err
	}

	// Step 6: set the expected data format.
	if err = d.SetExpectedDataFormat(ctx, d.expectedDataFormat); err != nil {
		return err
	}

	// Step 7: enable indications.
	setupCtx, cancel2 := context.WithTimeout(ctx, d.cfg.IndicationsTimeout)
	err = ep.SetupIndications(setupCtx)
	cancel2()
	if err != nil {
		return qmierr.Wrap(qmierr.Failed, "enable indications", err)
	}

	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	d.logger.Info("device opened", "path", d.path)
	return nil
}

// Close tears the connection down. It is idempotent and safe to call on a
// Device that was never successfully opened.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	ep := d.endpoint
	wasOpen := d.opened
	d.opened = false
	d.endpoint = nil
	d.mu.Unlock()
	if !wasOpen || ep == nil {
		return nil
	}
	d.table.CompleteAllWithError(qmierr.New(qmierr.WrongState, "device closed while a transaction was outstanding"))
	return ep.Close(ctx)
}

func (d *Device) handleMessage(msg *qmiwire.Message) {
	switch {
	case msg.IsResponse():
		if !d.table.Complete(msg) {
			d.logger.Warn("unexpected-message: response matched no outstanding transaction",
				"service", msg.GetService(), "client_id", msg.GetClientID(), "tid", msg.GetTransactionID())
		}
	case msg.IsIndication():
		d.dispatchIndication(msg)
	default:
		d.logger.Warn("unexpected-message: neither a response nor an indication", "service", msg.GetService())
	}
}

func (d *Device) dispatchIndication(msg *qmiwire.Message) {
	// Client id 0xFF is the broadcast id: such an indication goes to every
	// registered client of its service.
	service := msg.GetService()
	var handlers []IndicationHandler
	d.mu.Lock()
	if msg.GetClientID() == 0xFF {
		for key, h := range d.indicationHandlers {
			if byte(key>>8) == service {
				handlers = append(handlers, h)
			}
		}
	} else if h, ok := d.indicationHandlers[uint32(service)<<8|uint32(msg.GetClientID())]; ok {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	d.logger.Debug("indication received", "service", msg.GetService(), "client_id", msg.GetClientID(),
		"message_id", msg.GetMessageID(), "tlv_length", msg.GetTLVLength())
	for _, h := range handlers {
		// SafeExecute keeps a panicking handler from taking down whatever
		// goroutine is running the endpoint's dispatcher.
		_ = qmisafe.SafeExecute(d.logger, "indication-handler", func() error {
			h(msg)
			return nil
		})
	}
}

// RegisterIndicationHandler installs h to receive every indication
// addressed to client, including broadcast indications (client id 0xFF)
// on client's service. It replaces any previously registered handler for
// the same client.
func (d *Device) RegisterIndicationHandler(client *Client, h IndicationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.indicationHandlers[uint32(client.Service)<<8|uint32(client.ID)] = h
}

// UnregisterIndicationHandler removes any handler registered for client.
func (d *Device) UnregisterIndicationHandler(client *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.indicationHandlers, uint32(client.Service)<<8|uint32(client.ID))
}

func (d *Device) commandTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return d.cfg.DefaultCommandTimeout
}

// sendCTL issues a request against the control service, which every
// device speaks without needing a client allocation of its own.
func (d *Device) sendCTL(ctx context.Context, messageID uint16, build func(w *qmiwire.Writer) error, timeout time.Duration) (*qmiwire.Message, error) {
	d.mu.Lock()
	ep := d.endpoint
	d.mu.Unlock()
	if ep == nil {
		return nil, qmierr.New(qmierr.WrongState, "device endpoint not open")
	}

	tid := d.table.AllocateTID(qmiwire.ServiceCTL, 0)
	w, err := qmiwire.NewWriter(qmiwire.ServiceCTL, 0, tid, messageID)
	if err != nil {
		return nil, err
	}
	if build != nil {
		if err := build(w); err != nil {
			return nil, err
		}
	}
	req, err := w.Build()
	if err != nil {
		return nil, err
	}

	tx := d.table.Begin(qmiwire.ServiceCTL, 0, tid, req, timeout)
	if err := ep.Send(ctx, req); err != nil {
		d.table.Cancel(tx.key)
		return nil, qmierr.Wrap(qmierr.Failed, "send ctl request", err)
	}

	select {
	case res := <-tx.resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, qmierr.Wrap(qmierr.Timeout, "ctl request canceled", ctx.Err())
	}
}

func (d *Device) fetchVersionInfoWithRetries(ctx context.Context) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.VersionInfoRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.VersionInfoTimeout)
		resp, err := d.sendCTL(callCtx, qmiwire.CTLMessageGetVersionInfo, nil, d.cfg.VersionInfoTimeout)
		cancel()
		if err == nil {
			d.recordServiceVersions(resp)
			return
		}
		lastErr = err
		d.logger.Warn("GET_VERSION_INFO attempt failed", "attempt", attempt, "error", err)
	}
	d.logger.Warn("GET_VERSION_INFO never answered; continuing without a service/version table",
		"retries", d.cfg.VersionInfoRetries, "last_error", lastErr)
}

func (d *Device) recordServiceVersions(resp *qmiwire.Message) {
	v, ok := resp.TLVReader().Find(0x01)
	if !ok {
		return
	}
	c := qmiwire.NewCursor()
	count, err := v.ReadUint8(c)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < int(count); i++ {
		service, err := v.ReadUint8(c)
		if err != nil {
			return
		}
		major, err := v.ReadUint16(c, qmiwire.LittleEndian)
		if err != nil {
			return
		}
		if _, err := v.ReadUint16(c, qmiwire.LittleEndian); err != nil { // minor
			return
		}
		d.serviceVersions[service] = major
	}
}

// ServiceVersion returns the cached major version for service, populated
// from GET_VERSION_INFO during Open, and whether an entry is present.
func (d *Device) ServiceVersion(service byte) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.serviceVersions[service]
	return v, ok
}

func (d *Device) syncWithRetries(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.SyncRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.SyncTimeout)
		resp, err := d.sendCTL(callCtx, qmiwire.CTLMessageSync, nil, d.cfg.SyncTimeout)
		cancel()
		if err != nil {
			lastErr = err
		} else if status, _, ok := resp.GetResult(); ok && status != 0 {
			lastErr = qmierr.New(qmierr.Failed, "SYNC reported failure")
		} else {
			return nil
		}
		d.logger.Warn("SYNC attempt failed", "attempt", attempt, "error", lastErr)
	}
	return qmierr.Wrapf(lastErr, qmierr.Failed, "SYNC failed after %d attempts", d.cfg.SyncRetries)
}

// AllocateClient asks the peer for a client id against service.
func (d *Device) AllocateClient(ctx context.Context, service byte) (*Client, error) {
	if !d.IsOpen() {
		return nil, qmierr.New(qmierr.WrongState, "device not open")
	}
	resp, err := d.sendCTL(ctx, qmiwire.CTLMessageAllocateCID, func(w *qmiwire.Writer) error {
		tok, err := w.TLVInit(qmiwire.CTLTLVAllocationInfo)
		if err != nil {
			return err
		}
		tok.AppendUint8(service)
		return w.TLVComplete(tok)
	}, d.commandTimeout(ctx))
	if err != nil {
		return nil, err
	}
	if status, _, ok := resp.GetResult(); ok && status != 0 {
		return nil, qmierr.New(qmierr.Failed, "ALLOCATE_CID rejected by peer")
	}
	v, ok := resp.TLVReader().Find(qmiwire.CTLTLVAllocationInfo)
	if !ok || v.Len() < 2 {
		return nil, qmierr.New(qmierr.InvalidMessage, "ALLOCATE_CID response missing allocation info")
	}
	c := qmiwire.NewCursor()
	allocService, err := v.ReadUint8(c)
	if err != nil {
		return nil, err
	}
	clientID, err := v.ReadUint8(c)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.clients[clientID] = allocService
	d.mu.Unlock()
	return &Client{Service: allocService, ID: clientID}, nil
}

// ReleaseClient releases a previously allocated client id.
func (d *Device) ReleaseClient(ctx context.Context, client *Client) error {
	resp, err := d.sendCTL(ctx, qmiwire.CTLMessageReleaseCID, func(w *qmiwire.Writer) error {
		tok, err := w.TLVInit(qmiwire.CTLTLVAllocationInfo)
		if err != nil {
			return err
		}
		tok.AppendUint8(client.Service).AppendUint8(client.ID)
		return w.TLVComplete(tok)
	}, d.commandTimeout(ctx))
	if err != nil {
		return err
	}
	if status, _, ok := resp.GetResult(); ok && status != 0 {
		return qmierr.New(qmierr.Failed, "RELEASE_CID rejected by peer")
	}
	d.mu.Lock()
	delete(d.clients, client.ID)
	delete(d.indicationHandlers, uint32(client.Service)<<8|uint32(client.ID))
	d.mu.Unlock()
	return nil
}

// Command sends a request to client and waits for its response. build, if
// non-nil, appends request TLVs.
func (d *Device) Command(ctx context.Context, client *Client, messageID uint16, build func(w *qmiwire.Writer) error) (resp *qmiwire.Message, err error) {
	ctx, end := d.tracer.StartSpan(ctx, "device.Command")
	defer func() { end(err) }()

	tx, ep, err := d.prepareCommand(ctx, client, messageID, build)
	if err != nil {
		return nil, err
	}
	if err := ep.Send(ctx, tx.Request); err != nil {
		d.table.Cancel(tx.key)
		return nil, qmierr.Wrap(qmierr.Failed, "send command", err)
	}

	select {
	case res := <-tx.resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, qmierr.Wrap(qmierr.Timeout, "command canceled", ctx.Err())
	}
}

// CommandAbortable is Command, except that if ctx is canceled before a
// response arrives, it drives the abort protocol (building and sending a
// service-specific abort request) instead of merely giving up locally.
func (d *Device) CommandAbortable(ctx context.Context, client *Client, messageID uint16, build func(w *qmiwire.Writer) error, abortBuild AbortBuilder, abortParse AbortParser) (resp *qmiwire.Message, err error) {
	ctx, end := d.tracer.StartSpan(ctx, "device.CommandAbortable")
	defer func() { end(err) }()

	tx, ep, err := d.prepareCommand(ctx, client, messageID, build)
	if err != nil {
		return nil, err
	}
	if err := ep.Send(ctx, tx.Request); err != nil {
		d.table.Cancel(tx.key)
		return nil, qmierr.Wrap(qmierr.Failed, "send command", err)
	}

	select {
	case res := <-tx.resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		if abortErr := d.table.Abort(tx.key, abortBuild, abortParse, func(m *qmiwire.Message) error {
			return ep.Send(context.Background(), m)
		}); abortErr != nil {
			d.logger.Warn("abort did not confirm cancellation", "error", abortErr)
		}
		res := <-tx.resultCh
		return res.msg, res.err
	}
}

func (d *Device) prepareCommand(ctx context.Context, client *Client, messageID uint16, build func(w *qmiwire.Writer) error) (*Transaction, transport.Endpoint, error) {
	if !d.IsOpen() {
		return nil, nil, qmierr.New(qmierr.WrongState, "device not open")
	}
	d.mu.Lock()
	_, known := d.clients[client.ID]
	ep := d.endpoint
	d.mu.Unlock()
	if !known {
		return nil, nil, qmierr.New(qmierr.InvalidArgs, "unknown client")
	}

	tid := d.table.AllocateTID(client.Service, client.ID)
	w, err := qmiwire.NewWriter(client.Service, client.ID, tid, messageID)
	if err != nil {
		return nil, nil, err
	}
	if build != nil {
		if err := build(w); err != nil {
			return nil, nil, err
		}
	}
	req, err := w.Build()
	if err != nil {
		return nil, nil, err
	}
	tx := d.table.Begin(client.Service, client.ID, tid, req, d.commandTimeout(ctx))
	return tx, ep, nil
}
