package device

import (
	"time"

	"github.com/openqmi/qmicore/qmierr"
	"github.com/openqmi/qmicore/qmiwire"
)

// abortRequestTimeout bounds how long the nested abort-request itself is
// allowed to take. It is deliberately not cancellable the way the
// original operation is: a caller that is trying to abort something
// cannot also abort the abort.
const abortRequestTimeout = 30 * time.Second

// AbortBuilder constructs the service-specific abort-request message for
// an in-flight original request. abortTID is the transaction id to use
// for the abort request itself (always distinct from the original's).
type AbortBuilder func(original *qmiwire.Message, abortTID uint16) (*qmiwire.Message, error)

// AbortParser inspects an abort-request's response and reports whether the
// original operation was actually cancelled (nil) or not (non-nil).
type AbortParser func(resp *qmiwire.Message) error

// sender is the narrow surface Abort needs to put a message on
// the wire; Device's command path supplies its endpoint's Send here.
type sender func(msg *qmiwire.Message) error

// Abort attempts to cancel the in-flight transaction at key. The steps
// mirror the module's abort protocol:
//
//  1. Mark the original transaction as aborting, so any real completion
//     that arrives while the abort is in flight is stashed rather than
//     delivered immediately.
//  2. Build and send the abort request as its own tracked, non-abortable
//     transaction bounded by abortRequestTimeout.
//  3. If the abort request itself succeeds (reports the original really
//     was cancelled), resolve the original with an Aborted error,
//     discarding any stashed real result.
//  4. If the abort request fails, times out, or reports the original
//     was not cancelled, replay any stashed real result to the original
//     caller; if nothing was stashed yet, leave the original pending
//     exactly as if Abort had never been called.
func (t *transactionTable) Abort(key txKey, build AbortBuilder, parse AbortParser, send sender) error {
	t.mu.Lock()
	tx, ok := t.txs[key]
	if !ok {
		t.mu.Unlock()
		return qmierr.New(qmierr.Failed, "no such transaction to abort")
	}
	tx.aborting = true
	t.mu.Unlock()

	abortTID := t.AllocateTID(tx.Service, tx.ClientID)
	abortReq, err := build(tx.Request, abortTID)
	if err != nil {
		t.mu.Lock()
		tx.aborting = false
		t.mu.Unlock()
		return qmierr.Wrap(qmierr.Failed, "build abort request", err)
	}

	abortTx := t.Begin(tx.Service, tx.ClientID, abortTID, abortReq, abortRequestTimeout)
	if err := send(abortReq); err != nil {
		t.mu.Lock()
		delete(t.txs, abortTx.key)
		tx.aborting = false
		t.mu.Unlock()
		abortTx.timer.Stop()
		return qmierr.Wrap(qmierr.Failed, "send abort request", err)
	}

	abortRes := <-abortTx.resultCh

	t.mu.Lock()
	stashed := tx.stashed
	tx.stashed = nil
	tx.aborting = false
	t.mu.Unlock()

	abortSucceeded := abortRes.err == nil && parse(abortRes.msg) == nil

	if abortSucceeded {
		t.metrics.RecordAbort(tx.Service, tx.Request.GetMessageID(), "aborted")
		t.mu.Lock()
		delete(t.txs, tx.key)
		t.mu.Unlock()
		tx.timer.Stop()
		t.finish(tx, transactionResult{err: qmierr.New(qmierr.Aborted, "transaction aborted")})
		return nil
	}

	t.metrics.RecordAbort(tx.Service, tx.Request.GetMessageID(), "not-aborted")
	if stashed != nil {
		t.mu.Lock()
		delete(t.txs, tx.key)
		t.mu.Unlock()
		tx.timer.Stop()
		t.finish(tx, *stashed)
	}
	if abortRes.err != nil {
		return qmierr.Wrap(qmierr.Failed, "abort request did not complete", abortRes.err)
	}
	return qmierr.New(qmierr.Failed, "peer reported the original transaction was not cancelled")
}
