package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientTransactionKey
	// Request returns the request that created the transaction.
	Request() *OutboundRequest
	// LastResponse returns the last response passed to the transaction user.
	LastResponse() *InboundResponse
	// MatchResponse checks whether the response matches the client transaction.
	MatchResponse(res *InboundResponse) error
	// RecvResponse is called on each inbound response matched to the transaction.
	RecvResponse(ctx context.Context, res *InboundResponse) error
	// OnResponse registers a callback called for each response passed to the transaction user.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

// TransactionResponseHandler is called for responses passed by a client transaction.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *InboundResponse)

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Key is the client transaction key.
	// If zero, the key is filled from the request.
	Key ClientTransactionKey
	// Timings is the SIP timing config used by the transaction.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Log is the logger used by the transaction.
	// If nil, the [log.Default] is used.
	Log *slog.Logger

	wheel *timeutil.Wheel
	stats *StatsRecorder
}

func (o *ClientTransactionOptions) key() ClientTransactionKey {
	if o == nil {
		return ClientTransactionKey{}
	}
	return o.Key
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *ClientTransactionOptions) timerWheel() *timeutil.Wheel {
	if o == nil || o.wheel == nil {
		return timeutil.DefaultWheel()
	}
	return o.wheel
}

func (o *ClientTransactionOptions) statsRecorder() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.stats
}

// NewClientTransaction creates and starts a client transaction of the type matching the request method.
func NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	tx, err := newClientTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

// clientTransactImpl is a client transaction that is not started yet.
type clientTransactImpl interface {
	ClientTransaction
	start(ctx context.Context)
	setDialog(id DialogID)
}

func newClientTransaction(req *OutboundRequest, opts *ClientTransactionOptions) (clientTransactImpl, error) {
	if req != nil && req.Request != nil && req.Method.Equal(RequestMethodInvite) {
		tx, err := newInviteClientTransaction(req, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	}
	tx, err := newNonInviteClientTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

type clientTransact struct {
	*baseTransact
	key     ClientTransactionKey
	req     *OutboundRequest
	lastRes atomic.Pointer[InboundResponse]
	stats   *StatsRecorder

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[*InboundResponse]
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	start TransactionState,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromMessage(req.Request); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &clientTransact{
		key:   key,
		req:   req,
		stats: opts.statsRecorder(),
	}
	tx.baseTransact = newBaseTransact(typ, impl, start, req.Reliable(), opts.timings(), opts.timerWheel(), opts.log())

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*InboundResponse)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*InboundResponse)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*InboundResponse)(nil)))
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
	)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *OutboundRequest { return tx.req }

// LastResponse returns the last response passed to the transaction user.
func (tx *clientTransact) LastResponse() *InboundResponse { return tx.lastRes.Load() }

// MatchResponse checks whether the response matches the client transaction.
// It implements the matching rules defined in RFC 3261 Section 17.1.3.
func (tx *clientTransact) MatchResponse(res *InboundResponse) error {
	if res == nil || res.Response == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var resKey ClientTransactionKey
	if err := resKey.FillFromMessage(res.Response); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tx.key != resKey {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response matched to the transaction.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *InboundResponse) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv300699, res))
	}
}

// sendReq sends the request. Caller holds tx.mu.
func (tx *clientTransact) sendReq(ctx context.Context, req *Request) error {
	if err := tx.req.Transport.Send(ctx, req, tx.req.Destination); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method, err)
		tx.fireTransportError(ctx, err)
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req.Request) //nolint:errcheck
	return nil
}

func (tx *clientTransact) actResendReq(ctx context.Context, args ...any) error {
	tx.stats.addRetransmit()
	return tx.actSendReq(ctx, args...)
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.notify.Push(func() {
		tx.pendingRess.Append(res)
		tx.deliverPendingRess()
	})
	return nil
}

// deliverPendingRess runs in the notification queue.
func (tx *clientTransact) deliverPendingRess() {
	if tx.onRes.Len() == 0 {
		return
	}
	ress := tx.pendingRess.Drain()
	if len(ress) == 0 {
		return
	}

	impl := tx.impl.(ClientTransaction) //nolint:forcetypeassert
	tx.onRes.Range(func(fn TransactionResponseHandler) {
		for _, res := range ress {
			fn(tx.ctx, impl, res)
		}
	})
}

func (tx *clientTransact) actSwallowRes(ctx context.Context, args ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "response retransmission absorbed",
		slog.Any("transaction", tx.impl),
		slog.Any("response", args[0]),
	)
	return nil
}

// OnResponse registers a callback called for each response passed to the transaction user.
//
// The callback is called with the transaction context, see [TransactionFromContext].
// Responses passed before the first callback was registered are delivered to it.
// Multiple callbacks can be registered.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.notify.Push(tx.deliverPendingRess)
	tx.notify.Flush()
	return cancel
}
