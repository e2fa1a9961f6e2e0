package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/log"
)

// StackOptions are the options for a [Stack].
type StackOptions struct {
	// Handler receives stack events.
	// If nil, events are ignored and inbound requests stay unanswered until they time out.
	Handler Handler
	// Timings is the SIP timing config.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// TimerTick is the resolution of the stack timer wheel.
	// If zero, [timeutil.DefaultTick] is used.
	TimerTick time.Duration
	// ForkPolicy defines how late 2xx responses of forked INVITEs are handled.
	ForkPolicy ForkPolicy
	// EarlyDialogTimeout is the lifetime of early dialogs, see [DialogManagerOptions].
	EarlyDialogTimeout time.Duration
	// ProcessingTimeout bounds the wait for server transaction processing semaphores.
	// If zero, [DefaultProcessingTimeout] is used.
	ProcessingTimeout time.Duration
	// DNSResolver resolves request and response targets.
	// If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *StackOptions) handler() Handler {
	if o == nil || o.Handler == nil {
		return NopHandler{}
	}
	return o.Handler
}

func (o *StackOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *StackOptions) timerTick() time.Duration {
	if o == nil {
		return 0
	}
	return o.TimerTick
}

func (o *StackOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

func (o *StackOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Stack owns the transaction and dialog tables, the timer wheel and the statistics of one SIP element.
// Transports are attached with [Stack.AddTransport], inbound messages are matched
// to transactions and dialogs and reported to the [Handler].
type Stack struct {
	hdlr  Handler
	rslvr DNSResolver
	wheel *timeutil.Wheel
	stats *StatsRecorder
	txm   *TransactionManager
	dlgm  *DialogManager
	log   *slog.Logger

	tpsMu sync.RWMutex
	tps   []*statsTransport

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStack creates a new [Stack].
// Options are optional, if nil, default values are used (see [StackOptions]).
func NewStack(opts *StackOptions) *Stack {
	s := &Stack{
		hdlr:  opts.handler(),
		rslvr: opts.dnsResolver(),
		wheel: timeutil.NewWheel(opts.timerTick(), 0),
		stats: new(StatsRecorder),
		log:   opts.log(),
	}
	var procTimeout time.Duration
	if opts != nil {
		procTimeout = opts.ProcessingTimeout
	}
	s.txm = NewTransactionManager(&TransactionManagerOptions{
		Timings:           opts.timings(),
		DNSResolver:       s.rslvr,
		ProcessingTimeout: procTimeout,
		Log:               s.log,
		wheel:             s.wheel,
		stats:             s.stats,
	})
	dlgOpts := &DialogManagerOptions{
		Timings:     opts.timings(),
		DNSResolver: s.rslvr,
		Log:         s.log,
		wheel:       s.wheel,
		stats:       s.stats,
	}
	if opts != nil {
		dlgOpts.ForkPolicy = opts.ForkPolicy
		dlgOpts.EarlyDialogTimeout = opts.EarlyDialogTimeout
	}
	s.dlgm = NewDialogManager(s.txm, s.hdlr, dlgOpts)

	s.txm.OnNewClientTransaction(s.bindClientTransaction)
	s.txm.OnNewServerTransaction(s.bindServerTransaction)
	return s
}

// Transactions returns the transaction table.
func (s *Stack) Transactions() *TransactionManager { return s.txm }

// Dialogs returns the dialog table.
func (s *Stack) Dialogs() *DialogManager { return s.dlgm }

// Stats returns the statistics snapshot.
func (s *Stack) Stats() StatsReport { return s.stats.Report() }

// StatsRecorder returns the recorder backing [Stack.Stats].
func (s *Stack) StatsRecorder() *StatsRecorder { return s.stats }

// statsTransport counts sent messages.
type statsTransport struct {
	Transport
	stats *StatsRecorder
}

func (tp *statsTransport) Send(ctx context.Context, msg Message, dst netip.AddrPort) error {
	if err := tp.Transport.Send(ctx, msg, dst); err != nil {
		return errtrace.Wrap(err)
	}
	tp.stats.messageSent(tp.Transport, msg)
	return nil
}

// LogValue implements [slog.LogValuer].
func (tp *statsTransport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", tp.Proto().String()),
		slog.Any("local_addr", tp.LocalAddr()),
	)
}

// AddTransport attaches the transport to the stack.
// The returned function detaches it.
func (s *Stack) AddTransport(tp Transport) (remove func()) {
	stp := s.wrapTransport(tp)
	cancel := tp.OnMessage(func(ctx context.Context, msg Message, src netip.AddrPort, _ Transport) {
		s.recvMessage(ctx, msg, src, stp)
	})

	s.log.LogAttrs(context.Background(), slog.LevelDebug, "transport added", slog.Any("transport", stp))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.tpsMu.Lock()
			s.tps = slices.DeleteFunc(s.tps, func(v *statsTransport) bool { return v == stp })
			s.tpsMu.Unlock()
		})
	}
}

func (s *Stack) wrapTransport(tp Transport) *statsTransport {
	if stp, ok := tp.(*statsTransport); ok {
		return stp
	}

	s.tpsMu.Lock()
	defer s.tpsMu.Unlock()
	for _, stp := range s.tps {
		if stp.Transport == tp {
			return stp
		}
	}
	stp := &statsTransport{Transport: tp, stats: s.stats}
	s.tps = append(s.tps, stp)
	return stp
}

// Transport returns the first attached transport of the protocol.
func (s *Stack) Transport(proto TransportProto) (Transport, bool) {
	s.tpsMu.RLock()
	defer s.tpsMu.RUnlock()
	for _, stp := range s.tps {
		if stp.Proto() == proto {
			return stp, true
		}
	}
	return nil, false
}

// transportFor selects the transport for the URI: the "transport" parameter,
// TLS for SIPS URIs, UDP otherwise (RFC 3263 Section 4.1).
func (s *Stack) transportFor(uri URI) (Transport, error) {
	proto := TransportUDP
	if uri.IsSecure() {
		proto = TransportTLS
	}
	if v, ok := uri.Params.First("transport"); ok {
		p, err := ParseTransportProto(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		proto = p
	}
	tp, ok := s.Transport(proto)
	if !ok {
		return nil, errtrace.Wrap(fmt.Errorf("%w for %s", ErrNoTransport, proto))
	}
	return tp, nil
}

// SendRequestOptions are the options for [Stack.SendRequest] and [Stack.Invite].
type SendRequestOptions struct {
	// Transport overrides the transport selected from the Request-URI.
	Transport Transport
	// Destination overrides the destination resolved from the first route or the Request-URI.
	Destination netip.AddrPort
	// Timings overrides the stack timings for the transaction.
	Timings TimingConfig
}

func (o *SendRequestOptions) transport() Transport {
	if o == nil {
		return nil
	}
	return o.Transport
}

func (o *SendRequestOptions) destination() netip.AddrPort {
	if o == nil {
		return netip.AddrPort{}
	}
	return o.Destination
}

func (o *SendRequestOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

// prepareRequest fills the missing header fields of an out-of-dialog request
// (RFC 3261 Section 8.1.1) and resolves the transport and destination.
func (s *Stack) prepareRequest(ctx context.Context, req *Request, opts *SendRequestOptions) (*OutboundRequest, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}

	tp := opts.transport()
	if tp == nil {
		var err error
		if tp, err = s.transportFor(req.URI); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	stp := s.wrapTransport(tp)

	h := &req.Headers
	if len(h.Via) == 0 {
		h.Via = []Via{{
			Transport: stp.Proto(),
			Addr:      AddrFromAddrPort(stp.LocalAddr()),
			Params:    Values(nil).Set("branch", NewBranch()).Set("rport", ""),
		}}
	} else if h.Via[0].Branch() == "" {
		h.Via[0].Params = h.Via[0].Params.Set("branch", NewBranch())
	}
	if h.From != nil && h.From.Tag() == "" {
		h.From.Params = h.From.Params.Set("tag", NewTag())
	}
	if h.CallID == "" {
		h.CallID = NewCallID(stp.LocalAddr().Addr().String())
	}
	if h.CSeq == nil {
		h.CSeq = &CSeq{Seq: 1, Method: req.Method}
	}
	if h.MaxForwards == 0 {
		h.MaxForwards = 70
	}

	dst := opts.destination()
	if !dst.IsValid() {
		uri := req.URI
		if len(h.Route) > 0 {
			uri = h.Route[0].URI
		}
		for addr := range RequestAddrs(ctx, uri, stp.Proto(), s.rslvr) {
			dst = addr
			break
		}
		if !dst.IsValid() {
			return nil, errtrace.Wrap(fmt.Errorf("%w for %s", ErrNoTarget, uri))
		}
	}

	out := &OutboundRequest{Request: req, Transport: stp, Destination: dst}
	if err := out.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	return out, nil
}

// SendRequest sends an out-of-dialog non-INVITE request in a new client transaction.
// Missing Via, From tag, Call-ID, CSeq and Max-Forwards are filled in.
// Responses are reported to [Handler.OnResponse].
func (s *Stack) SendRequest(ctx context.Context, req *Request, opts *SendRequestOptions) (ClientTransaction, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if req != nil {
		switch req.Method.ToUpper() {
		case RequestMethodInvite, RequestMethodAck, RequestMethodCancel:
			return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
		}
	}

	out, err := s.prepareRequest(ctx, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx, err := s.txm.NewClientTransaction(ctx, out, &ClientTransactionOptions{Timings: opts.timings()})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// Invite sends the INVITE and returns the set of dialogs it creates.
// A Contact with the transport address is added if missing.
func (s *Stack) Invite(ctx context.Context, req *Request, opts *SendRequestOptions) (*DialogSet, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if req == nil || !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	out, err := s.prepareRequest(ctx, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if len(req.Headers.Contact) == 0 {
		req.Headers.Contact = []NameAddr{{URI: URI{
			Scheme: req.URI.Scheme,
			Addr:   AddrFromAddrPort(out.Transport.LocalAddr()),
		}}}
	}
	return errtrace.Wrap2(s.dlgm.NewDialogSet(ctx, out))
}

func (s *Stack) recvMessage(ctx context.Context, msg Message, src netip.AddrPort, tp *statsTransport) {
	if s.closing.Load() {
		s.stats.addDropped()
		return
	}
	s.stats.messageReceived(tp.Transport, msg)

	switch m := msg.(type) {
	case *Request:
		s.recvReq(ctx, &InboundRequest{Request: m, Transport: tp, Source: src, RecvTime: time.Now()})
	case *Response:
		s.recvRes(ctx, &InboundResponse{Response: m, Transport: tp, Source: src, RecvTime: time.Now()})
	}
}

// stampVia adds "received" and fills "rport" of the topmost Via (RFC 3261 Section 18.2.1, RFC 3581).
func stampVia(req *InboundRequest) {
	via := &req.Headers.Via[0]
	srcIP := req.Source.Addr().Unmap()
	rport, hasRPort := via.Params.First("rport")
	if ip, ok := via.Addr.IP(); !ok || ip != srcIP || hasRPort {
		via.Params = via.Params.Set("received", srcIP.String())
	}
	if hasRPort && rport == "" {
		via.Params = via.Params.Set("rport", strconv.Itoa(int(req.Source.Port())))
	}
}

func (s *Stack) recvReq(ctx context.Context, req *InboundRequest) {
	if err := req.Validate(); err != nil {
		s.stats.addDropped()
		s.log.LogAttrs(ctx, slog.LevelDebug, "discarding invalid inbound request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		if !req.Method.Equal(RequestMethodAck) {
			s.respondStateless(ctx, req, ResponseStatusBadRequest)
		}
		return
	}
	stampVia(req)

	if req.Method.Equal(RequestMethodAck) {
		s.recvAck(ctx, req)
		return
	}

	if tx, err := s.txm.MatchRequest(req); err == nil {
		s.retransmitted(ctx, req, tx)
		return
	}

	tx, err := s.txm.NewServerTransaction(ctx, req, nil)
	if err != nil {
		if errors.Is(err, ErrTransactionExists) {
			if tx, err := s.txm.MatchRequest(req); err == nil {
				s.retransmitted(ctx, req, tx)
			}
			return
		}

		s.stats.addDropped()
		s.log.LogAttrs(ctx, slog.LevelWarn, "discarding inbound request due to transaction error",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		if errors.Is(err, ErrStackClosed) {
			s.respondStateless(ctx, req, ResponseStatusServiceUnavailable)
		} else {
			s.respondStateless(ctx, req, ResponseStatusServerInternalError)
		}
		return
	}

	switch {
	case req.Method.Equal(RequestMethodCancel):
		s.recvCancel(ctx, req, tx)
	case req.Headers.ToTag() != "":
		dlg, deliver := s.dlgm.RecvRequest(ctx, req, tx)
		if deliver {
			s.deliverRequest(ContextWithDialog(ctx, dlg), req, tx)
		}
	case req.Method.Equal(RequestMethodInvite):
		dlg, err := s.dlgm.NewServerDialog(ctx, req, tx)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog",
				slog.Any("request", req),
				slog.Any("error", err),
			)
			respond(ctx, s.log, tx, ResponseStatusServerInternalError)
			return
		}
		s.deliverRequest(ContextWithDialog(ctx, dlg), req, tx)
	default:
		s.deliverRequest(ctx, req, tx)
	}
}

// retransmitted passes a request retransmission to its server transaction, it is never delivered.
// The retransmission waits while the original request is processed by the handler.
func (s *Stack) retransmitted(ctx context.Context, req *InboundRequest, tx ServerTransaction) {
	recv := tx.RecvRequest
	if impl, ok := tx.(serverTransactImpl); ok {
		recv = impl.recvRetransmission
	}
	if err := recv(ctx, req); err != nil {
		if errors.Is(err, ErrProcessingTimeout) {
			s.stats.addDropped()
			s.log.LogAttrs(ctx, slog.LevelWarn, "discarding request retransmission",
				slog.Any("request", req),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
			return
		}
		s.log.LogAttrs(ctx, slog.LevelDebug, "request retransmission ignored",
			slog.Any("request", req),
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

// recvAck passes ACK for non-2xx to the INVITE server transaction, ACK for 2xx to the dialog.
func (s *Stack) recvAck(ctx context.Context, req *InboundRequest) {
	if tx, err := s.txm.MatchRequest(req); err == nil {
		s.retransmitted(ctx, req, tx)
		return
	}

	dlg, deliver := s.dlgm.RecvAck(ctx, req)
	if dlg == nil {
		s.stats.addDropped()
		return
	}
	if deliver {
		s.hdlr.OnRequest(ContextWithDialog(ctx, dlg), req, nil)
	}
}

// recvCancel answers CANCEL with 200 and the cancelled INVITE with 487 (RFC 3261 Section 9.2).
func (s *Stack) recvCancel(ctx context.Context, req *InboundRequest, tx ServerTransaction) {
	invTx, err := s.txm.MatchCancel(req)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL matches no transaction", slog.Any("request", req))
		respond(ctx, s.log, tx, ResponseStatusCallTransactionDoesNotExist)
		return
	}

	// 487 removes the early dialog, look it up first
	dlgCtx := s.dialogCtx(ctx, invTx)
	respond(ctx, s.log, tx, ResponseStatusOK)
	if res := invTx.LastResponse(); res == nil || !res.Status.IsFinal() {
		respond(ctx, s.log, invTx, ResponseStatusRequestTerminated)
	}
	s.deliverRequest(dlgCtx, req, tx)
}

// deliverRequest passes a new request to the handler holding the transaction processing semaphore.
func (s *Stack) deliverRequest(ctx context.Context, req *InboundRequest, tx ServerTransaction) {
	if impl, ok := tx.(serverTransactImpl); ok {
		if err := impl.acquireProcessing(ctx); err != nil {
			s.stats.addDropped()
			s.log.LogAttrs(ctx, slog.LevelWarn, "discarding inbound request",
				slog.Any("request", req),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
			return
		}
		defer impl.releaseProcessing()
	}
	s.hdlr.OnRequest(ctx, req, tx)
}

// respondStateless answers a request without a transaction (RFC 3261 Section 8.2.6).
func (s *Stack) respondStateless(ctx context.Context, req *InboundRequest, sts ResponseStatus) {
	via, ok := req.Headers.TopVia()
	if !ok || req.Headers.From == nil || req.Headers.To == nil || req.Headers.CSeq == nil || req.Headers.CallID == "" {
		return
	}

	res := NewResponse(req.Request, sts, "")
	if res.Headers.To.Tag() == "" {
		res.Headers.To.Params = res.Headers.To.Params.Set("tag", NewTag())
	}

	dst := req.Source
	if !req.Reliable() {
		for addr := range ResponseAddrs(ctx, via, req.Transport.Proto(), s.rslvr) {
			dst = addr
			break
		}
	}
	if err := req.Transport.Send(ctx, res, dst); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond statelessly",
			slog.Any("request", req),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

func (s *Stack) recvRes(ctx context.Context, res *InboundResponse) {
	if err := res.Validate(); err != nil || len(res.Headers.Via) != 1 {
		s.stats.addDropped()
		s.log.LogAttrs(ctx, slog.LevelDebug, "discarding invalid inbound response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}

	if tx, err := s.txm.MatchResponse(res); err == nil {
		if err := tx.RecvResponse(ctx, res); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "response ignored by transaction",
				slog.Any("response", res),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	if dlg, deliver, handled := s.dlgm.RecvResponse(ctx, res); handled {
		if deliver {
			s.hdlr.OnResponse(ContextWithDialog(ctx, dlg), res, nil)
		}
		return
	}

	s.stats.addStrayResponse()
	s.log.LogAttrs(ctx, slog.LevelDebug, "discarding stray response", slog.Any("response", res))
}

func (s *Stack) dialogCtx(ctx context.Context, tx Transaction) context.Context {
	if id, ok := tx.Dialog(); ok {
		if dlg, ok := s.dlgm.Dialog(id); ok {
			return ContextWithDialog(ctx, dlg)
		}
	}
	return ctx
}

func (s *Stack) bindClientTransaction(_ context.Context, tx ClientTransaction) {
	tx.OnStateChanged(s.txStateHdlr(tx))
	// INVITE responses are reported by the dialog set
	if tx.Type() == TransactionTypeClientInvite {
		return
	}
	tx.OnResponse(func(ctx context.Context, tx ClientTransaction, res *InboundResponse) {
		s.hdlr.OnResponse(s.dialogCtx(ctx, tx), res, tx)
	})
}

func (s *Stack) bindServerTransaction(_ context.Context, tx ServerTransaction) {
	tx.OnStateChanged(s.txStateHdlr(tx))
}

func (s *Stack) txStateHdlr(tx Transaction) TransactionStateHandler {
	return func(ctx context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		ctx = s.dialogCtx(ctx, tx)
		switch err := tx.Err(); {
		case errors.Is(err, ErrTransactionTimedOut):
			s.hdlr.OnTimeout(ctx, tx)
		case errors.Is(err, ErrTransportFailure):
			s.hdlr.OnTransportError(ctx, tx, err)
		}
		s.hdlr.OnTransactionTerminated(ctx, tx)
	}
}

// Close terminates all dialogs and transactions and stops the timer wheel.
// New requests are rejected with [ErrStackClosed], inbound messages are dropped.
func (s *Stack) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closeErr = s.close(ctx)
	})
	return errtrace.Wrap(s.closeErr)
}

func (s *Stack) close(ctx context.Context) error {
	var errs []error
	if err := s.dlgm.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dialogs: %w", err))
	}
	if err := s.txm.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transactions: %w", err))
	}
	s.wheel.Stop()

	s.log.LogAttrs(ctx, slog.LevelDebug, "stack closed")

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close stack:", errs...))
}
