// Package device implements the transaction manager and Device façade
// described by this module's component design: tracking in-flight
// requests by (service, client, transaction id), dispatching completions
// and indications off a transport's decoded message stream, and driving
// the modem open sequence, client lifecycle, and data-format plumbing on
// top of it.
package device

import (
	"sync"
	"time"

	"github.com/openqmi/qmicore/qmierr"
	"github.com/openqmi/qmicore/qmilog"
	"github.com/openqmi/qmicore/qmiwire"
)

// txKey packs (service, client id, transaction id) into one comparable
// value: service in the high byte, client id next, transaction id in the
// low 16 bits.
type txKey uint32

func makeTxKey(service, clientID byte, tid uint16) txKey {
	return txKey(uint32(service)<<24 | uint32(clientID)<<16 | uint32(tid))
}

type transactionResult struct {
	msg *qmiwire.Message
	err error
}

// Transaction tracks one in-flight request awaiting a response.
type Transaction struct {
	key      txKey
	Service  byte
	ClientID byte
	TID      uint16
	Request  *qmiwire.Message

	CreatedAt time.Time
	StartedAt time.Time

	resultCh chan transactionResult
	timer    *time.Timer

	aborting bool
	stashed  *transactionResult
}

// metricsRecorder is the narrow slice of observability.Metrics this
// package needs. Device accepts any value satisfying it (including nil,
// for which every method is a no-op below), so device never imports the
// observability package and no cycle exists between them.
type metricsRecorder interface {
	RecordTransactionComplete(service byte, messageID uint16, outcome string, duration time.Duration)
	RecordTimeout(service byte, messageID uint16)
	RecordAbort(service byte, messageID uint16, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransactionComplete(byte, uint16, string, time.Duration) {}
func (noopMetrics) RecordTimeout(byte, uint16)                                    {}
func (noopMetrics) RecordAbort(byte, uint16, string)                              {}

// transactionTable is confined to a single goroutine's worth of sequential
// access at the call-site level (every Device method that touches it runs
// from the caller's own goroutine or from the endpoint's dispatch
// goroutine), but timers and indication delivery genuinely run on
// separate goroutines in Go, so the table itself still needs a mutex.
// That mutex is held only for the map mutation, never across a channel
// send or a handler callback.
type transactionTable struct {
	logger  qmilog.Logger
	metrics metricsRecorder

	mu      sync.Mutex
	txs     map[txKey]*Transaction
	nextTID map[uint16]uint16 // (service<<8|client) -> last issued tid
}

func newTransactionTable(logger qmilog.Logger, metrics metricsRecorder) *transactionTable {
	if logger == nil {
		logger = qmilog.NoOp()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &transactionTable{
		logger:  logger,
		metrics: metrics,
		txs:     make(map[txKey]*Transaction),
		nextTID: make(map[uint16]uint16),
	}
}

// AllocateTID returns the next transaction id to use for a request on the
// given service/client pair, skipping 0 and wrapping within the wire
// format's range (1 byte for CTL, 2 bytes otherwise).
func (t *transactionTable) AllocateTID(service, clientID byte) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := uint16(service)<<8 | uint16(clientID)
	max := uint16(0xFFFF)
	if service == qmiwire.ServiceCTL {
		max = 0xFF
	}
	next := t.nextTID[k] + 1
	if next == 0 || next > max {
		next = 1
	}
	t.nextTID[k] = next
	return next
}

// Begin registers a new in-flight transaction and arms its timeout timer.
// If a transaction already occupies this (service, client, tid) slot
// (e.g. a caller reused a transaction id before the prior one completed),
// the prior one is completed immediately with an aborted error before
// being overwritten.
func (t *transactionTable) Begin(service, clientID byte, tid uint16, request *qmiwire.Message, timeout time.Duration) *Transaction {
	tx := &Transaction{
		key:       makeTxKey(service, clientID, tid),
		Service:   service,
		ClientID:  clientID,
		TID:       tid,
		Request:   request,
		CreatedAt: time.Now(),
		resultCh:  make(chan transactionResult, 1),
	}

	t.mu.Lock()
	if prior, collided := t.txs[tx.key]; collided {
		delete(t.txs, tx.key)
		t.mu.Unlock()
		t.logger.Warn("transaction overwritten", "service", service, "client_id", clientID, "tid", tid)
		prior.timer.Stop()
		t.finish(prior, transactionResult{err: qmierr.New(qmierr.Aborted, "transaction overwritten by a new request with the same id")})
		t.mu.Lock()
	}
	tx.StartedAt = time.Now()
	tx.timer = time.AfterFunc(timeout, func() { t.timeoutTx(tx.key) })
	t.txs[tx.key] = tx
	t.mu.Unlock()
	return tx
}

// Complete matches an incoming response to its transaction and resolves
// it. A response whose message id differs from the request's resolves the
// transaction with an unexpected-message error instead. It returns false if
// no transaction matches, which is not itself an error: it is the caller's
// job to tell an unmatched response from an indication.
func (t *transactionTable) Complete(resp *qmiwire.Message) bool {
	key := makeTxKey(resp.GetService(), resp.GetClientID(), resp.GetTransactionID())
	t.mu.Lock()
	tx, ok := t.txs[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.txs, key)
	t.mu.Unlock()

	tx.timer.Stop()
	t.metrics.RecordTransactionComplete(tx.Service, resp.GetMessageID(), completionOutcome(resp), time.Since(tx.StartedAt))
	res := transactionResult{msg: resp}
	if resp.GetMessageID() != tx.Request.GetMessageID() {
		res = transactionResult{err: qmierr.Newf(qmierr.UnexpectedMessage,
			"response message id 0x%04x does not match request 0x%04x",
			resp.GetMessageID(), tx.Request.GetMessageID())}
	}
	t.finish(tx, res)
	return true
}

func completionOutcome(resp *qmiwire.Message) string {
	status, _, ok := resp.GetResult()
	switch {
	case !ok:
		return "no-result-tlv"
	case status == 0:
		return "success"
	default:
		return "error"
	}
}

func (t *transactionTable) timeoutTx(key txKey) {
	t.mu.Lock()
	tx, ok := t.txs[key]
	if ok {
		delete(t.txs, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.metrics.RecordTimeout(tx.Service, tx.Request.GetMessageID())
	t.finish(tx, transactionResult{err: qmierr.New(qmierr.Timeout, "transaction timed out waiting for a response")})
}

// finish delivers res to tx's waiting caller, unless tx is in the middle
// of being aborted, in which case res is stashed for Abort to
// decide what to do with once the abort itself resolves.
func (t *transactionTable) finish(tx *Transaction, res transactionResult) {
	t.mu.Lock()
	if tx.aborting {
		tx.stashed = &res
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	tx.resultCh <- res
	close(tx.resultCh)
}

// CompleteAllWithError resolves every outstanding transaction with err, for
// teardown when the Device is closed.
func (t *transactionTable) CompleteAllWithError(err error) {
	t.mu.Lock()
	all := make([]*Transaction, 0, len(t.txs))
	for k, tx := range t.txs {
		all = append(all, tx)
		delete(t.txs, k)
	}
	t.mu.Unlock()

	for _, tx := range all {
		tx.timer.Stop()
		t.finish(tx, transactionResult{err: err})
	}
}

// Cancel removes a transaction without resolving it, for the case where a
// request was registered but never made it onto the wire.
func (t *transactionTable) Cancel(key txKey) {
	t.mu.Lock()
	tx, ok := t.txs[key]
	if ok {
		delete(t.txs, key)
	}
	t.mu.Unlock()
	if ok {
		tx.timer.Stop()
	}
}

// Outstanding returns the number of in-flight transactions.
func (t *transactionTable) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs)
}
