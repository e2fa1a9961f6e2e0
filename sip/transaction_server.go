package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/semaphore"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// Request returns the request that created the transaction.
	Request() *InboundRequest
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// LocalTag returns the To tag the transaction stamps on responses without one.
	LocalTag() string
	// MatchRequest checks whether the request matches the server transaction.
	MatchRequest(req *InboundRequest) error
	// RecvRequest is called on each retransmitted request or ACK matched to the transaction.
	RecvRequest(ctx context.Context, req *InboundRequest) error
	// Respond sends the response through the transaction.
	Respond(ctx context.Context, res *Response) error
}

// DefaultProcessingTimeout is the bounded wait for the request processing semaphore.
const DefaultProcessingTimeout = 10 * time.Second

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Key is the server transaction key.
	// If zero, the key is filled from the request.
	Key ServerTransactionKey
	// Timings is the SIP timing config used by the transaction.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// DNSResolver resolves response targets (RFC 3261 Section 18.2.2).
	// If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// ProcessingTimeout bounds the wait for the request processing semaphore.
	// If zero, [DefaultProcessingTimeout] is used.
	ProcessingTimeout time.Duration
	// Log is the logger used by the transaction.
	// If nil, the [log.Default] is used.
	Log *slog.Logger

	wheel *timeutil.Wheel
	stats *StatsRecorder
}

func (o *ServerTransactionOptions) key() ServerTransactionKey {
	if o == nil {
		return ServerTransactionKey{}
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

func (o *ServerTransactionOptions) processingTimeout() time.Duration {
	if o == nil || o.ProcessingTimeout <= 0 {
		return DefaultProcessingTimeout
	}
	return o.ProcessingTimeout
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *ServerTransactionOptions) timerWheel() *timeutil.Wheel {
	if o == nil || o.wheel == nil {
		return timeutil.DefaultWheel()
	}
	return o.wheel
}

func (o *ServerTransactionOptions) statsRecorder() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.stats
}

// NewServerTransaction creates a server transaction of the type matching the request method.
func NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	tx, err := newServerTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

// serverTransactImpl is a server transaction that is not started yet.
type serverTransactImpl interface {
	ServerTransaction
	start(ctx context.Context)
	acquireProcessing(ctx context.Context) error
	releaseProcessing()
	recvRetransmission(ctx context.Context, req *InboundRequest) error
	setDialog(id DialogID)
	onResponseSent(fn responseSentHandler) (cancel func())
	target() netip.AddrPort
}

type responseSentHandler = func(ctx context.Context, res *Response)

func newServerTransaction(req *InboundRequest, opts *ServerTransactionOptions) (serverTransactImpl, error) {
	if req != nil && req.Request != nil && req.Method.Equal(RequestMethodInvite) {
		tx, err := newInviteServerTransaction(req, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	}
	tx, err := newNonInviteServerTransaction(req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	req     *InboundRequest
	tp      Transport
	rslvr   DNSResolver
	toTag   string
	dst     netip.AddrPort
	lastRes atomic.Pointer[Response]
	stats   *StatsRecorder
	onSent  types.CallbackManager[responseSentHandler]

	procTimeout      time.Duration
	sem              *semaphore.Weighted
	passedToListener atomic.Bool
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	start TransactionState,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if req == nil || req.Request == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.Transport == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrNoTransport))
	}

	key := opts.key()
	if !key.IsValid() {
		if err := key.FillFromMessage(req.Request); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	toTag := req.Headers.ToTag()
	if toTag == "" {
		toTag = NewTag()
	}

	tx := &serverTransact{
		key:         key,
		req:         req,
		tp:          req.Transport,
		rslvr:       opts.dnsResolver(),
		toTag:       toTag,
		dst:         req.Source,
		stats:       opts.statsRecorder(),
		procTimeout: opts.processingTimeout(),
		sem:         semaphore.NewWeighted(1),
	}
	tx.baseTransact = newBaseTransact(typ, impl, start, req.Reliable(), opts.timings(), opts.timerWheel(), opts.log())

	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*InboundRequest)(nil)))
	return tx, nil
}

// resolveTarget selects the response destination.
// Reliable transports answer to the request source, unreliable ones follow RFC 3261 Section 18.2.2.
func (tx *serverTransact) resolveTarget(ctx context.Context) {
	if tx.reliable {
		return
	}
	via, _ := tx.req.Headers.TopVia()
	for addr := range ResponseAddrs(ctx, via, tx.tp.Proto(), tx.rslvr) {
		tx.mu.Lock()
		tx.dst = addr
		tx.mu.Unlock()
		break
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "response target resolved",
		slog.Any("transaction", tx.impl),
		slog.Any("target", tx.target()),
	)
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
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
func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *InboundRequest { return tx.req }

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response { return tx.lastRes.Load() }

// LocalTag returns the To tag the transaction stamps on responses without one.
func (tx *serverTransact) LocalTag() string { return tx.toTag }

// MatchRequest checks whether the request matches the server transaction.
// It implements the matching rules defined in RFC 3261 Section 17.2.3.
func (tx *serverTransact) MatchRequest(req *InboundRequest) error {
	if req == nil || req.Request == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	var reqKey ServerTransactionKey
	if err := reqKey.FillFromMessage(req.Request); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tx.key != reqKey {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest is called on each retransmitted request or ACK matched to the transaction.
// Retransmissions are answered with the last response and never passed to the transaction user.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *InboundRequest) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	if req.Method.Equal(RequestMethodAck) {
		return errtrace.Wrap(tx.fire(ctx, txEvtRecvAck))
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq, req))
}

// Respond sends the response through the transaction.
//
// The response must answer the transaction request: same topmost Via branch and CSeq.
// Responses without a To tag, except 100 Trying, get the transaction local tag.
// It returns [ErrActionNotAllowed] if the transaction state does not accept the response.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if via, _ := res.Headers.TopVia(); via.Branch() != tx.key.Branch ||
		res.Headers.CSeq.Seq != tx.req.Headers.CSeq.Seq ||
		!res.Headers.CSeq.Method.Equal(tx.req.Method) {
		return errtrace.Wrap(NewInvalidArgumentError("response does not match the transaction request"))
	}

	if res.Status != ResponseStatusTrying && res.Headers.To.Tag() == "" {
		res.Headers.To.Params = res.Headers.To.Params.Set("tag", tx.toTag)
	}

	evt := txEvtSend300699
	switch {
	case res.Status.IsProvisional():
		evt = txEvtSend1xx
	case res.Status.IsSuccessful():
		evt = txEvtSend2xx
	}
	if err := tx.fire(ctx, evt, res); err != nil {
		return errtrace.Wrap(err)
	}
	// a failed send terminates the transaction before fire returns
	if tx.lastRes.Load() == res {
		if err := tx.Err(); errors.Is(err, ErrTransportFailure) {
			return errtrace.Wrap(err)
		}
	}
	return nil
}

// sendRes sends the response. Caller holds tx.mu.
func (tx *serverTransact) sendRes(ctx context.Context, res *Response) error {
	if err := tx.tp.Send(ctx, res, tx.dst); err != nil {
		err = fmt.Errorf("send \"%d\" response: %w", uint(res.Status), err)
		tx.fireTransportError(ctx, err)
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	tx.sendUserRes(ctx, args[0].(*Response)) //nolint:forcetypeassert
	return nil
}

// sendUserRes sends a response passed by the transaction user and reports whether it was sent.
// The transaction user has taken the request, so the processing semaphore is released.
func (tx *serverTransact) sendUserRes(ctx context.Context, res *Response) bool {
	tx.lastRes.Store(res)
	tx.releaseProcessing()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	if tx.sendRes(ctx, res) != nil {
		return false
	}
	tx.notify.Push(func() {
		tx.onSent.Range(func(fn responseSentHandler) { fn(tx.ctx, res) })
	})
	return true
}

// onResponseSent registers a callback called after each response passed by the transaction user is sent.
func (tx *serverTransact) onResponseSent(fn responseSentHandler) (cancel func()) {
	return tx.onSent.Add(fn)
}

// target returns the address responses are sent to.
func (tx *serverTransact) target() netip.AddrPort {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.dst
}

// actResendRes answers a retransmitted request with the last response, if any.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.lastRes.Load()
	if res == nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "request retransmission absorbed", slog.Any("transaction", tx.impl))
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "resend response on request retransmission",
		slog.Any("transaction", tx.impl),
		slog.Any("response", res),
	)
	tx.stats.addRetransmit()
	tx.sendRes(ctx, res) //nolint:errcheck
	return nil
}

// acquireSem waits for the processing semaphore at most for the processing timeout.
func (tx *serverTransact) acquireSem(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tx.procTimeout)
	defer cancel()

	if err := tx.sem.Acquire(ctx, 1); err != nil {
		return errtrace.Wrap(fmt.Errorf("%w: %w", ErrProcessingTimeout, err))
	}
	return nil
}

// acquireProcessing takes the processing semaphore before the request is passed to the transaction user.
// It is held until the user responds, returns from the handler or the transaction terminates.
func (tx *serverTransact) acquireProcessing(ctx context.Context) error {
	if err := tx.acquireSem(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	tx.passedToListener.Store(true)
	return nil
}

// releaseProcessing releases the semaphore taken by acquireProcessing once per acquisition.
func (tx *serverTransact) releaseProcessing() {
	if tx.passedToListener.CompareAndSwap(true, false) {
		tx.sem.Release(1)
	}
}

// recvRetransmission waits until the transaction user is done with the original request,
// so the retransmission is answered with the response it produced.
// On [ErrProcessingTimeout] the retransmission is dropped.
func (tx *serverTransact) recvRetransmission(ctx context.Context, req *InboundRequest) error {
	if err := tx.acquireSem(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	defer tx.sem.Release(1)

	return errtrace.Wrap(tx.RecvRequest(ctx, req))
}

func (tx *serverTransact) actTerminated(ctx context.Context, args ...any) error {
	tx.releaseProcessing()
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}
