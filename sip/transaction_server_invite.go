package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

// InviteServerTransaction implements the INVITE server transaction (RFC 3261 Section 17.2.1).
// A 2xx response terminates the transaction, its retransmission is the dialog's job.
type InviteServerTransaction struct {
	*serverTransact

	tmr100 atomic.Pointer[timeutil.Timer]
	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
}

// NewInviteServerTransaction creates an INVITE server transaction in the Proceeding state.
//
// The transaction sends 100 Trying automatically unless a response was sent within [TimingConfig.Time100].
// Options can be nil, in which case default options are used.
func NewInviteServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	tx, err := newInviteServerTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newInviteServerTransaction(req *InboundRequest, opts *ServerTransactionOptions) (*InviteServerTransaction, error) {
	if req == nil || req.Request == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, TransactionStateProceeding, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM()
	return tx, nil
}

const (
	txEvtTimer100 = "timer_100"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtSent2xx  = "sent_2xx"
)

func (tx *InviteServerTransaction) initFSM() {
	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer100, tx.actSend100).
		Ignore(txEvtRecvAck).
		InternalTransition(txEvtSend2xx, tx.actSend2xx).
		Permit(txEvtSent2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actRetransmit).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Ignore(txEvtTimerG).
		Ignore(txEvtTimerH).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTimer100).
		Ignore(txEvtTimerG).
		Ignore(txEvtTimerH).
		Ignore(txEvtTimerI).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)

	tx.configureTerminated(tx.actTerminated)
}

// start resolves the response target and arms the 100 Trying timer.
func (tx *InviteServerTransaction) start(ctx context.Context) {
	tx.resolveTarget(ctx)

	tx.mu.Lock()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))
	tx.armTimer(ctx, &tx.tmr100, "100", tx.timings.Time100(), txEvtTimer100)
	tx.mu.Unlock()

	tx.notify.Flush()
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr100, "100")
	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

// actSend2xx sends the 2xx while still in Proceeding, the transaction terminates once it is sent.
// A failed send terminates it through the transport error instead.
func (tx *InviteServerTransaction) actSend2xx(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr100, "100")
	if tx.sendUserRes(ctx, args[0].(*Response)) { //nolint:forcetypeassert
		if err := tx.fsm.FireCtx(ctx, txEvtSent2xx); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

// actSend100 sends 100 Trying if the transaction user has not responded yet.
func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	tx.tmr100.Store(nil)
	if tx.lastRes.Load() != nil {
		return nil
	}

	res := NewResponse(tx.req.Request, ResponseStatusTrying, "")
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if !tx.reliable {
		tx.armTimer(ctx, &tx.tmrG, "G", tx.timings.TimeG(), txEvtTimerG)
	}
	tx.armTimer(ctx, &tx.tmrH, "H", tx.timings.TimeH(), txEvtTimerH)
	return nil
}

// actRetransmit resends the final response and doubles timer G up to T2.
func (tx *InviteServerTransaction) actRetransmit(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck
	tx.resetTimer(ctx, &tx.tmrG, "G", tx.timings.nextRetransmit(tx.currentTimer(&tx.tmrG)))
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrG, "G")
	tx.stopTimer(ctx, &tx.tmrH, "H")
	tx.armTimer(ctx, &tx.tmrI, "I", tx.timings.TimeI(tx.reliable), txEvtTimerI)
	return nil
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr100, "100")
	tx.stopTimer(ctx, &tx.tmrG, "G")
	tx.stopTimer(ctx, &tx.tmrH, "H")
	tx.stopTimer(ctx, &tx.tmrI, "I")
	return errtrace.Wrap(tx.serverTransact.actTerminated(ctx, args...))
}
