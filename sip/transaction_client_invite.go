package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// InviteClientTransaction implements the INVITE client transaction (RFC 3261 Section 17.1.1).
//
// A 2xx response terminates the transaction immediately, the ACK and 2xx retransmissions
// belong to the dialog layer. Non-2xx final responses are acknowledged by the transaction.
type InviteClientTransaction struct {
	*clientTransact

	ack  atomic.Pointer[Request]
	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
}

// NewInviteClientTransaction creates an INVITE client transaction and sends the request.
func NewInviteClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	tx, err := newInviteClientTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newInviteClientTransaction(req *OutboundRequest, opts *ClientTransactionOptions) (*InviteClientTransaction, error) {
	if req == nil || req.Request == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, TransactionStateCalling, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM()
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
)

func (tx *InviteClientTransaction) initFSM() {
	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtRecv300699, tx.actResendAck).
		InternalTransition(txEvtRecv1xx, tx.actSwallowRes).
		InternalTransition(txEvtRecv2xx, tx.actSwallowRes).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTimerA).
		Ignore(txEvtTimerB).
		Ignore(txEvtTimerD).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)

	tx.configureTerminated(tx.actTerminated)
}

// start sends the request and arms timers A and B.
func (tx *InviteClientTransaction) start(ctx context.Context) {
	tx.mu.Lock()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if !tx.reliable {
		tx.armTimer(ctx, &tx.tmrA, "A", tx.timings.TimeA(), txEvtTimerA)
	}
	tx.armTimer(ctx, &tx.tmrB, "B", tx.timings.TimeB(), txEvtTimerB)
	tx.sendReq(ctx, tx.req.Request) //nolint:errcheck
	tx.mu.Unlock()

	tx.notify.Flush()
}

// actRetransmit resends the INVITE and doubles timer A.
func (tx *InviteClientTransaction) actRetransmit(ctx context.Context, args ...any) error {
	tx.actResendReq(ctx, args...) //nolint:errcheck
	tx.resetTimer(ctx, &tx.tmrA, "A", 2*tx.currentTimer(&tx.tmrA))
	return nil
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	return nil
}

// actCompleted passes the final response up, acknowledges it and arms timer D.
func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")

	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	tx.actPassRes(ctx, res)           //nolint:errcheck

	ack := BuildAckFrom(tx.req.Request, res.Headers.To)
	tx.ack.Store(ack)
	tx.armTimer(ctx, &tx.tmrD, "D", tx.timings.TimeD(tx.reliable), txEvtTimerD)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx), slog.Any("request", ack))
	tx.sendReq(ctx, ack) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actResendAck(ctx context.Context, args ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "resend ACK on final response retransmission",
		slog.Any("transaction", tx),
		slog.Any("response", args[0]),
	)
	tx.stats.addRetransmit()
	tx.sendReq(ctx, ack) //nolint:errcheck
	return nil
}

// ACK returns the ACK generated for a non-2xx final response, nil before that.
func (tx *InviteClientTransaction) ACK() *Request { return tx.ack.Load() }

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	tx.stopTimer(ctx, &tx.tmrD, "D")
	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
