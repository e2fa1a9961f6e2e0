package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// NonInviteServerTransaction implements the non-INVITE server transaction (RFC 3261 Section 17.2.2).
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ atomic.Pointer[timeutil.Timer]
}

// NewNonInviteServerTransaction creates a non-INVITE server transaction in the Trying state.
// Options can be nil, in which case default options are used.
func NewNonInviteServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	tx, err := newNonInviteServerTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newNonInviteServerTransaction(req *InboundRequest, opts *ServerTransactionOptions) (*NonInviteServerTransaction, error) {
	if req == nil || req.Request == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method.Equal(RequestMethodInvite) || req.Method.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, TransactionStateTrying, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM()
	return tx, nil
}

func (tx *NonInviteServerTransaction) start(ctx context.Context) {
	tx.resolveTarget(ctx)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM() {
	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTimerJ).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)

	tx.configureTerminated(tx.actTerminated)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.armTimer(ctx, &tx.tmrJ, "J", tx.timings.TimeJ(tx.reliable), txEvtTimerJ)
	return nil
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrJ, "J")
	return errtrace.Wrap(tx.serverTransact.actTerminated(ctx, args...))
}
