package sip

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/looplab/fsm"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
)

// DialogState represents the state of a dialog.
type DialogState string

const (
	DialogStateNull       DialogState = "null"
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogTermination is the reason a dialog was terminated.
type DialogTermination string

const (
	// DialogTerminatedBye is used when a BYE sent by the local side completed.
	DialogTerminatedBye DialogTermination = "bye"
	// DialogTerminatedByeReceived is used when the remote side sent BYE.
	DialogTerminatedByeReceived DialogTermination = "bye_received"
	// DialogTerminatedRejected is used when the INVITE got a non-2xx final response.
	DialogTerminatedRejected DialogTermination = "rejected"
	// DialogTerminatedTimeout is used when the INVITE timed out or the early dialog expired.
	DialogTerminatedTimeout DialogTermination = "timeout"
	// DialogTerminatedForkLost is used for dialogs of forked INVITE branches that did not win.
	DialogTerminatedForkLost DialogTermination = "fork_lost"
	// DialogTerminatedAckTimeout is used when the UAS got no ACK for its 2xx.
	DialogTerminatedAckTimeout DialogTermination = "ack_timeout"
	// DialogTerminatedTransportError is used when the INVITE transaction failed on transport.
	DialogTerminatedTransportError DialogTermination = "transport_error"
	// DialogTerminatedClosed is used for dialogs torn down locally, for example by [Stack.Close].
	DialogTerminatedClosed DialogTermination = "closed"
)

// DialogID identifies a dialog (RFC 3261 Section 12).
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// IsValid reports whether all parts of the ID are set.
func (id DialogID) IsValid() bool {
	return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != ""
}

func (id DialogID) IsZero() bool { return id == DialogID{} }

func (id DialogID) String() string { return id.CallID + "|" + id.LocalTag + "|" + id.RemoteTag }

// LogValue implements [slog.LogValuer].
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

const (
	dlgEvtEarly     = "early"
	dlgEvtConfirm   = "confirm"
	dlgEvtTerminate = "terminate"
)

// Dialog is a peer-to-peer SIP relationship created by an INVITE (RFC 3261 Section 12).
//
// UAC dialogs are created by a [DialogSet] for each tagged response, UAS dialogs
// by [DialogManager.NewServerDialog]. A dialog generates ACK for 2xx responses (UAC),
// retransmits 2xx until ACK arrives (UAS) and builds in-dialog requests.
type Dialog struct {
	mgr    *DialogManager
	id     DialogID
	server bool
	ctx    context.Context //nolint:containedctx
	log    *slog.Logger

	mu           sync.Mutex
	fsm          *fsm.FSM
	state        atomic.Value
	localSeq     uint32
	remoteSeq    uint32
	localURI     NameAddr
	remoteURI    NameAddr
	remoteTarget URI
	routeSet     []NameAddr
	secure       bool
	inviteSeq    uint32
	clnTxKey     ClientTransactionKey
	srvTxKey     ServerTransactionKey

	tp  Transport
	dst netip.AddrPort

	// UAC
	ack *Request
	// UAS
	okRes  *Response
	okDst  netip.AddrPort
	tmr2xx atomic.Pointer[timeutil.Timer]
	tmrAck atomic.Pointer[timeutil.Timer]

	notify types.Serializer
	reason atomic.Pointer[DialogTermination]
	done   chan struct{}
}

func newDialog(mgr *DialogManager, id DialogID, server bool) *Dialog {
	d := &Dialog{
		mgr:    mgr,
		id:     id,
		server: server,
		log:    mgr.log,
		done:   make(chan struct{}),
	}
	d.ctx = ContextWithDialog(context.Background(), d)
	d.state.Store(DialogStateNull)
	d.fsm = fsm.NewFSM(
		string(DialogStateNull),
		fsm.Events{
			{Name: dlgEvtEarly, Src: []string{string(DialogStateNull)}, Dst: string(DialogStateEarly)},
			{
				Name: dlgEvtConfirm,
				Src:  []string{string(DialogStateNull), string(DialogStateEarly)},
				Dst:  string(DialogStateConfirmed),
			},
			{
				Name: dlgEvtTerminate,
				Src:  []string{string(DialogStateNull), string(DialogStateEarly), string(DialogStateConfirmed)},
				Dst:  string(DialogStateTerminated),
			},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				d.state.Store(DialogState(e.Dst))
				d.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
					slog.Any("dialog", d),
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
				)
			},
		},
	)
	return d
}

// newClientDialog creates a UAC dialog from the INVITE and a tagged response to it.
func newClientDialog(ctx context.Context, mgr *DialogManager, req *OutboundRequest, res *InboundResponse) *Dialog {
	d := newDialog(mgr, DialogID{
		CallID:    req.Headers.CallID,
		LocalTag:  req.Headers.FromTag(),
		RemoteTag: res.Headers.ToTag(),
	}, false)
	d.localSeq = req.Headers.CSeq.Seq
	d.inviteSeq = req.Headers.CSeq.Seq
	d.localURI = req.Headers.From.Clone()
	d.remoteURI = res.Headers.To.Clone()
	d.secure = req.URI.IsSecure() && req.Transport.Proto().IsSecured()
	d.tp = req.Transport
	d.clnTxKey = ClientTransactionKey{Branch: req.Headers.Via[0].Branch(), Method: RequestMethodInvite}
	d.updateTarget(ctx, res.Response, req.URI, req.Destination)
	return d
}

// newServerDialog creates a UAS dialog from the INVITE received by the server transaction.
func newServerDialog(ctx context.Context, mgr *DialogManager, req *InboundRequest, tx serverTransactImpl) *Dialog {
	d := newDialog(mgr, DialogID{
		CallID:    req.Headers.CallID,
		LocalTag:  tx.LocalTag(),
		RemoteTag: req.Headers.FromTag(),
	}, true)
	d.remoteSeq = req.Headers.CSeq.Seq
	d.inviteSeq = req.Headers.CSeq.Seq
	d.localURI = req.Headers.To.Clone()
	d.localURI.Params = d.localURI.Params.Set("tag", d.id.LocalTag)
	d.remoteURI = req.Headers.From.Clone()
	d.secure = req.URI.IsSecure() && req.Transport.Proto().IsSecured()
	d.tp = req.Transport
	d.srvTxKey = tx.Key()
	d.okDst = tx.target()
	d.routeSet = cloneNameAddrs(req.Headers.RecordRoute)
	if len(req.Headers.Contact) > 0 {
		d.remoteTarget = req.Headers.Contact[0].URI.Clone()
	} else {
		d.remoteTarget = URI{Scheme: "sip", Addr: AddrFromAddrPort(req.Source)}
	}
	d.dst = d.resolveNextHop(ctx, req.Source)
	return d
}

// updateTarget sets the remote target and the route set from the response (RFC 3261 Section 12.1.2).
// The route set is the reversed Record-Route. Caller holds d.mu or owns d exclusively.
func (d *Dialog) updateTarget(ctx context.Context, res *Response, fallbackURI URI, fallbackDst netip.AddrPort) {
	if len(res.Headers.Contact) > 0 {
		d.remoteTarget = res.Headers.Contact[0].URI.Clone()
	} else if d.remoteTarget.Addr.Host == "" {
		d.remoteTarget = fallbackURI.Clone()
	}
	d.routeSet = cloneNameAddrs(res.Headers.RecordRoute)
	slices.Reverse(d.routeSet)
	d.dst = d.resolveNextHop(ctx, fallbackDst)
}

// resolveNextHop resolves the address of the first route or the remote target.
func (d *Dialog) resolveNextHop(ctx context.Context, fallback netip.AddrPort) netip.AddrPort {
	uri := d.remoteTarget
	if len(d.routeSet) > 0 {
		uri = d.routeSet[0].URI
	}
	for addr := range RequestAddrs(ctx, uri, d.tp.Proto(), d.mgr.rslvr) {
		return addr
	}
	return fallback
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("id", d.id),
		slog.Bool("server", d.server),
		slog.String("state", string(d.State())),
	)
}

// ID returns the dialog ID.
func (d *Dialog) ID() DialogID { return d.id }

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	s, _ := d.state.Load().(DialogState)
	return s
}

// IsServer reports whether the dialog was created by an inbound INVITE.
func (d *Dialog) IsServer() bool { return d.server }

func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

func (d *Dialog) RemoteSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSeq
}

func (d *Dialog) LocalURI() NameAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localURI.Clone()
}

func (d *Dialog) RemoteURI() NameAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteURI.Clone()
}

func (d *Dialog) RemoteTarget() URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget.Clone()
}

// RouteSet returns a copy of the dialog route set.
func (d *Dialog) RouteSet() []NameAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneNameAddrs(d.routeSet)
}

// Secure reports whether the dialog was created with a SIPS Request-URI over TLS.
func (d *Dialog) Secure() bool { return d.secure }

// Transport returns the transport the dialog sends requests with.
func (d *Dialog) Transport() Transport { return d.tp }

// ClientTransactionKey returns the key of the INVITE client transaction that created the UAC dialog.
func (d *Dialog) ClientTransactionKey() (ClientTransactionKey, bool) {
	return d.clnTxKey, !d.server
}

// ServerTransactionKey returns the key of the INVITE server transaction that created the UAS dialog.
func (d *Dialog) ServerTransactionKey() (ServerTransactionKey, bool) {
	return d.srvTxKey, d.server
}

// Done is closed after the dialog reached Terminated and OnDialogTerminated was delivered.
func (d *Dialog) Done() <-chan struct{} { return d.done }

// Reason returns the termination reason once the dialog is terminated.
func (d *Dialog) Reason() (DialogTermination, bool) {
	if p := d.reason.Load(); p != nil {
		return *p, true
	}
	return "", false
}

// event fires the dialog event. Caller holds d.mu.
// Events not allowed in the current state are ignored.
func (d *Dialog) event(ctx context.Context, evt string) bool {
	if err := d.fsm.Event(ctx, evt); err != nil {
		d.log.LogAttrs(ctx, slog.LevelDebug, "dialog event ignored",
			slog.Any("dialog", d),
			slog.String("event", evt),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func (d *Dialog) early(ctx context.Context) {
	d.mu.Lock()
	d.event(ctx, dlgEvtEarly)
	d.mu.Unlock()
}

// confirmLocked moves the dialog to Confirmed. Caller holds d.mu.
func (d *Dialog) confirmLocked(ctx context.Context) bool {
	if !d.event(ctx, dlgEvtConfirm) {
		return false
	}
	d.mgr.stats.dialogConfirmed()
	return true
}

// terminateLocked moves the dialog to Terminated and queues the termination notification.
// Caller holds d.mu and flushes d.notify after unlock.
func (d *Dialog) terminateLocked(ctx context.Context, reason DialogTermination) bool {
	if !d.event(ctx, dlgEvtTerminate) {
		return false
	}
	d.reason.Store(&reason)
	d.okRes = nil
	d.stopTimer(ctx, &d.tmr2xx, "2xx")
	d.stopTimer(ctx, &d.tmrAck, "ACK")

	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated",
		slog.Any("dialog", d),
		slog.String("reason", string(reason)),
	)

	d.notify.Push(func() {
		d.mgr.dialogTerminated(d.ctx, d, reason)
		close(d.done)
	})
	return true
}

// terminate tears the dialog down locally. Terminating a terminated dialog is a no-op.
func (d *Dialog) terminate(ctx context.Context, reason DialogTermination) bool {
	d.mu.Lock()
	ok := d.terminateLocked(ctx, reason)
	d.mu.Unlock()

	d.notify.Flush()
	return ok
}

// NewRequest builds an in-dialog request (RFC 3261 Section 12.2.1.1).
// The local CSeq is incremented. ACK and CANCEL are generated by the stack and not allowed here.
func (d *Dialog) NewRequest(method RequestMethod) (*Request, error) {
	method = method.ToUpper()
	if method == RequestMethodAck || method == RequestMethodCancel || !method.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == DialogStateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}
	d.localSeq++
	return d.newRequestLocked(method, d.localSeq), nil
}

// newRequestLocked builds an in-dialog request with the given CSeq. Caller holds d.mu.
func (d *Dialog) newRequestLocked(method RequestMethod, seq uint32) *Request {
	req := &Request{
		Method: method,
		URI:    d.remoteTarget.Clone(),
		Headers: Headers{
			Via: []Via{{
				Transport: d.tp.Proto(),
				Addr:      AddrFromAddrPort(d.tp.LocalAddr()),
				Params:    Values(nil).Set("branch", NewBranch()),
			}},
			From:        cloneNameAddr(&d.localURI),
			To:          cloneNameAddr(&d.remoteURI),
			CallID:      d.id.CallID,
			CSeq:        &CSeq{Seq: seq, Method: method},
			MaxForwards: 70,
			Route:       cloneNameAddrs(d.routeSet),
		},
	}
	// strict router as the first hop
	if len(d.routeSet) > 0 && !d.routeSet[0].URI.Params.Has("lr") {
		req.URI = d.routeSet[0].URI.Clone()
		req.Headers.Route = append(cloneNameAddrs(d.routeSet[1:]), NameAddr{URI: d.remoteTarget.Clone()})
	}
	return req
}

func (d *Dialog) target() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dst
}

// SendRequest sends an in-dialog request built by [Dialog.NewRequest] in a new client transaction.
// A BYE terminates the dialog with [DialogTerminatedBye] once its transaction completes.
// Re-INVITE is not supported.
func (d *Dialog) SendRequest(ctx context.Context, req *Request) (ClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	switch req.Method.ToUpper() {
	case RequestMethodInvite, RequestMethodAck, RequestMethodCancel:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if req.Headers.CallID != d.id.CallID || req.Headers.FromTag() != d.id.LocalTag || req.Headers.ToTag() != d.id.RemoteTag {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request does not belong to dialog %s", d.id))
	}
	if d.State() == DialogStateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}
	return errtrace.Wrap2(d.mgr.sendRequest(ctx, d, req))
}

// Bye sends BYE in the confirmed dialog.
func (d *Dialog) Bye(ctx context.Context) error {
	if d.State() != DialogStateConfirmed {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	req, err := d.NewRequest(RequestMethodBye)
	if err != nil {
		return errtrace.Wrap(err)
	}
	_, err = d.SendRequest(ctx, req)
	return errtrace.Wrap(err)
}

// send sends the message straight to the transport.
func (d *Dialog) send(ctx context.Context, msg Message, dst netip.AddrPort) error {
	if err := d.tp.Send(ctx, msg, dst); err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to send dialog message",
			slog.Any("dialog", d),
			slog.Any("message", msg),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	return nil
}

// confirmClient confirms the UAC dialog with a 2xx response and sends the ACK (RFC 3261 Section 13.2.2.4).
func (d *Dialog) confirmClient(ctx context.Context, req *OutboundRequest, res *InboundResponse) {
	d.mu.Lock()
	d.confirmLocked(ctx)
	d.remoteURI = res.Headers.To.Clone()
	d.updateTarget(ctx, res.Response, req.URI, req.Destination)
	ack, dst := d.newAckLocked(), d.dst
	d.mu.Unlock()

	d.notify.Flush()
	d.send(ctx, ack, dst) //nolint:errcheck
}

// ackFork acknowledges a 2xx of a losing INVITE branch and tears the dialog down.
// With bye set, a BYE is sent right after the ACK.
// It reports false for 2xx retransmissions, which only get the ACK resent.
func (d *Dialog) ackFork(ctx context.Context, req *OutboundRequest, res *InboundResponse, bye bool) bool {
	d.mu.Lock()
	if d.ack != nil {
		ack, dst := d.ack, d.dst
		d.mu.Unlock()

		d.mgr.stats.addRetransmit()
		d.send(ctx, ack, dst) //nolint:errcheck
		return false
	}

	d.remoteURI = res.Headers.To.Clone()
	d.updateTarget(ctx, res.Response, req.URI, req.Destination)
	ack, dst := d.newAckLocked(), d.dst
	var byeReq *Request
	if bye {
		d.localSeq++
		byeReq = d.newRequestLocked(RequestMethodBye, d.localSeq)
	}
	d.terminateLocked(ctx, DialogTerminatedForkLost)
	d.mu.Unlock()

	d.notify.Flush()
	d.send(ctx, ack, dst) //nolint:errcheck
	if byeReq != nil {
		if _, err := d.mgr.sendRequest(ctx, d, byeReq); err != nil {
			d.log.LogAttrs(ctx, slog.LevelWarn, "failed to send BYE to lost fork",
				slog.Any("dialog", d),
				slog.Any("error", err),
			)
		}
	}
	return true
}

// newAckLocked builds and caches the ACK for 2xx. Caller holds d.mu.
func (d *Dialog) newAckLocked() *Request {
	d.ack = d.newRequestLocked(RequestMethodAck, d.inviteSeq)
	return d.ack
}

// resendAck resends the cached ACK on 2xx retransmissions.
func (d *Dialog) resendAck(ctx context.Context) {
	d.mu.Lock()
	ack, dst := d.ack, d.dst
	d.mu.Unlock()

	if ack == nil {
		return
	}
	d.mgr.stats.addRetransmit()
	d.send(ctx, ack, dst) //nolint:errcheck
}

// ACK returns the ACK sent for the 2xx response of the UAC dialog.
func (d *Dialog) ACK() *Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ack
}

// onResponseSent follows responses sent by the INVITE server transaction of the UAS dialog.
func (d *Dialog) onResponseSent(ctx context.Context, res *Response) {
	switch {
	case res.Status.IsProvisional():
		return
	case res.Status.IsSuccessful():
		d.mu.Lock()
		if d.confirmLocked(ctx) {
			d.okRes = res
			if len(res.Headers.Contact) == 0 {
				d.log.LogAttrs(ctx, slog.LevelWarn, "2xx response without Contact", slog.Any("dialog", d))
			}
			timings := d.mgr.timings
			d.armTimer(&d.tmr2xx, "2xx", timings.TimeG(), d.onRetransmit2xx)
			d.armTimer(&d.tmrAck, "ACK", timings.TimeH(), d.onAckTimeout)
		}
		d.mu.Unlock()
	default:
		d.mu.Lock()
		d.terminateLocked(ctx, DialogTerminatedRejected)
		d.mu.Unlock()
	}
	d.notify.Flush()
}

// onServerTransactionTerminated ends UAS dialogs whose INVITE never got a final response.
func (d *Dialog) onServerTransactionTerminated(ctx context.Context, tx Transaction) {
	if d.State() == DialogStateConfirmed || d.State() == DialogStateTerminated {
		return
	}
	reason := DialogTerminatedClosed
	switch {
	case errors.Is(tx.Err(), ErrTransactionTimedOut):
		reason = DialogTerminatedTimeout
	case errors.Is(tx.Err(), ErrTransportFailure):
		reason = DialogTerminatedTransportError
	}
	d.terminate(ctx, reason)
}

// armTimer arms the dialog timer stored in slot. Caller holds d.mu.
// The callback runs under d.mu unless the timer was replaced or stopped.
func (d *Dialog) armTimer(slot *atomic.Pointer[timeutil.Timer], name string, dur time.Duration, fn func(context.Context)) {
	var tmr *timeutil.Timer
	tmr = d.mgr.wheel.NewTimer(func() {
		d.mu.Lock()
		if slot.Load() != tmr {
			d.mu.Unlock()
			return
		}
		d.log.LogAttrs(d.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("dialog", d))
		fn(d.ctx)
		d.mu.Unlock()

		d.notify.Flush()
	})
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}
	tmr.Reset(dur)

	d.log.LogAttrs(d.ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("dialog", d),
		slog.Time("expires_at", time.Now().Add(dur)),
	)
}

func (d *Dialog) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("dialog", d))
	}
}

// onRetransmit2xx resends the 2xx until ACK arrives (RFC 3261 Section 13.3.1.4). Runs under d.mu.
func (d *Dialog) onRetransmit2xx(ctx context.Context) {
	if d.okRes == nil {
		return
	}
	d.mgr.stats.addRetransmit()
	d.send(ctx, d.okRes, d.okDst) //nolint:errcheck

	tmr := d.tmr2xx.Load()
	next := d.mgr.timings.nextRetransmit(tmr.Duration())
	tmr.Reset(next)

	d.log.LogAttrs(ctx, slog.LevelDebug, "timer 2xx reset",
		slog.Any("dialog", d),
		slog.Time("expires_at", time.Now().Add(next)),
	)
}

// onAckTimeout ends the confirmed dialog with BYE when no ACK arrived in 64*T1. Runs under d.mu.
func (d *Dialog) onAckTimeout(ctx context.Context) {
	if d.okRes == nil {
		return
	}
	d.localSeq++
	bye := d.newRequestLocked(RequestMethodBye, d.localSeq)
	if !d.terminateLocked(ctx, DialogTerminatedAckTimeout) {
		return
	}
	d.notify.Push(func() {
		if _, err := d.mgr.sendRequest(d.ctx, d, bye); err != nil {
			d.log.LogAttrs(d.ctx, slog.LevelWarn, "failed to send BYE after ACK timeout",
				slog.Any("dialog", d),
				slog.Any("error", err),
			)
		}
	})
}

// recvAck handles ACK for 2xx in the UAS dialog. It reports whether the ACK should be delivered,
// only the first ACK stopping the 2xx retransmissions is.
func (d *Dialog) recvAck(ctx context.Context, req *InboundRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Headers.CSeq.Seq != d.inviteSeq || d.okRes == nil {
		d.log.LogAttrs(ctx, slog.LevelDebug, "ACK absorbed", slog.Any("dialog", d), slog.Any("request", req))
		return false
	}
	d.okRes = nil
	d.stopTimer(ctx, &d.tmr2xx, "2xx")
	d.stopTimer(ctx, &d.tmrAck, "ACK")
	return true
}

// recvRequest handles a new in-dialog request (RFC 3261 Section 12.2.2).
// It reports whether the request should be delivered to the handler.
// Out of order requests are answered with 500, BYE is answered with 200 and terminates the dialog.
func (d *Dialog) recvRequest(ctx context.Context, req *InboundRequest, tx ServerTransaction) bool {
	d.mu.Lock()
	if d.State() == DialogStateTerminated {
		d.mu.Unlock()
		respond(ctx, d.log, tx, ResponseStatusCallTransactionDoesNotExist)
		return false
	}

	seq := req.Headers.CSeq.Seq
	if d.remoteSeq != 0 && seq <= d.remoteSeq {
		d.mu.Unlock()
		d.log.LogAttrs(ctx, slog.LevelDebug, "out of order in-dialog request",
			slog.Any("dialog", d),
			slog.Any("request", req),
		)
		respond(ctx, d.log, tx, ResponseStatusServerInternalError)
		return false
	}
	d.remoteSeq = seq

	// target refresh
	if (req.Method.Equal(RequestMethodInvite) || req.Method.Equal(RequestMethodUpdate)) && len(req.Headers.Contact) > 0 {
		d.remoteTarget = req.Headers.Contact[0].URI.Clone()
	}
	d.mu.Unlock()

	if req.Method.Equal(RequestMethodBye) {
		respond(ctx, d.log, tx, ResponseStatusOK)
		d.terminate(ctx, DialogTerminatedByeReceived)
	}
	return true
}

// respond sends a stack generated response through the server transaction.
func respond(ctx context.Context, logger *slog.Logger, tx ServerTransaction, sts ResponseStatus) {
	if tx == nil {
		return
	}
	if err := tx.Respond(ctx, NewResponse(tx.Request().Request, sts, "")); err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "failed to respond",
			slog.Any("transaction", tx),
			slog.Int("status", int(sts)),
			slog.Any("error", err),
		)
	}
}
