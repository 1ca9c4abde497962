package transport

import (
	"sync"

	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmisafe"
	"github.com/openqmi/qmicore/qmiwire"
)

// dispatcher decouples frame decoding from handler invocation. A backend's
// read loop calls deliver as soon as it decodes a frame; deliver never
// calls the handler itself, it only hands the message to a queue that a
// separate goroutine drains. This guarantees a handler is never run with
// the decode loop (parse_buffer, in the wire format's own terms) still on
// the call stack, so a handler that turns around and calls Send cannot
// deadlock against its own read path.
type dispatcher struct {
	logger qmilog.Logger

	mu      sync.Mutex
	handler Handler

	queue chan *qmiwire.Message
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newDispatcher(logger qmilog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		queue:  make(chan *qmiwire.Message, 64),
		stop:   make(chan struct{}),
	}
	d.wg.Add(1)
	qmisafe.SafeGo(logger, "dispatcher-run", d.run, nil)
	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.mu.Lock()
			h := d.handler
			d.mu.Unlock()
			if h == nil {
				continue
			}
			_ = qmisafe.SafeExecute(d.logger, "indication-dispatch", func() error {
				h(msg)
				return nil
			})
		case <-d.stop:
			return
		}
	}
}

func (d *dispatcher) setHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// deliver enqueues msg for dispatch. It never blocks past the dispatcher
// being closed.
func (d *dispatcher) deliver(msg *qmiwire.Message) {
	select {
	case d.queue <- msg:
	case <-d.stop:
	}
}

func (d *dispatcher) close() {
	select {
	case <-d.stop:
		// already closed
	default:
		close(d.stop)
	}
	d.wg.Wait()
}
