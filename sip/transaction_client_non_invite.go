package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction (RFC 3261 Section 17.1.2).
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

// NewNonInviteClientTransaction creates a non-INVITE client transaction and sends the request.
func NewNonInviteClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	tx, err := newNonInviteClientTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newNonInviteClientTransaction(req *OutboundRequest, opts *ClientTransactionOptions) (*NonInviteClientTransaction, error) {
	if req == nil || req.Request == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method.Equal(RequestMethodInvite) || req.Method.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, TransactionStateTrying, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM()
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM() {
	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actRetransmit).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actSwallowRes).
		InternalTransition(txEvtRecv2xx, tx.actSwallowRes).
		InternalTransition(txEvtRecv300699, tx.actSwallowRes).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTimerE).
		Ignore(txEvtTimerF).
		Ignore(txEvtTimerK).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)

	tx.configureTerminated(tx.actTerminated)
}

// start sends the request and arms timers E and F.
func (tx *NonInviteClientTransaction) start(ctx context.Context) {
	tx.mu.Lock()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if !tx.reliable {
		tx.armTimer(ctx, &tx.tmrE, "E", tx.timings.TimeE(), txEvtTimerE)
	}
	tx.armTimer(ctx, &tx.tmrF, "F", tx.timings.TimeF(), txEvtTimerF)
	tx.sendReq(ctx, tx.req.Request) //nolint:errcheck
	tx.mu.Unlock()

	tx.notify.Flush()
}

// actRetransmit resends the request and re-arms timer E:
// doubling up to T2 while Trying, T2 while Proceeding.
func (tx *NonInviteClientTransaction) actRetransmit(ctx context.Context, args ...any) error {
	tx.actResendReq(ctx, args...) //nolint:errcheck

	next := tx.timings.T2()
	if tx.State() == TransactionStateTrying {
		next = tx.timings.nextRetransmit(tx.currentTimer(&tx.tmrE))
	}
	tx.resetTimer(ctx, &tx.tmrE, "E", next)
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrE, "E")
	tx.stopTimer(ctx, &tx.tmrF, "F")
	tx.armTimer(ctx, &tx.tmrK, "K", tx.timings.TimeK(tx.reliable), txEvtTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrE, "E")
	tx.stopTimer(ctx, &tx.tmrF, "F")
	tx.stopTimer(ctx, &tx.tmrK, "K")
	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
