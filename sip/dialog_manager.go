package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/log"
)

// DialogManagerOptions are the options for a [DialogManager].
type DialogManagerOptions struct {
	// ForkPolicy defines how late 2xx responses of forked INVITEs are handled.
	// Default is [ForkPolicyAckBye].
	ForkPolicy ForkPolicy
	// EarlyDialogTimeout is the lifetime of early dialogs waiting for a final response.
	// If zero, [DefaultEarlyDialogTimeout] is used, negative value disables the timer.
	EarlyDialogTimeout time.Duration
	// Timings is the SIP timing config used by dialog timers.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// DNSResolver resolves remote targets.
	// If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger

	wheel *timeutil.Wheel
	stats *StatsRecorder
}

func (o *DialogManagerOptions) forkPolicy() ForkPolicy {
	if o == nil {
		return ForkPolicyAckBye
	}
	return o.ForkPolicy
}

func (o *DialogManagerOptions) earlyTimeout() time.Duration {
	if o == nil || o.EarlyDialogTimeout == 0 {
		return DefaultEarlyDialogTimeout
	}
	if o.EarlyDialogTimeout < 0 {
		return 0
	}
	return o.EarlyDialogTimeout
}

func (o *DialogManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *DialogManagerOptions) dnsResolver() DNSResolver {
	if o == nil || o.DNSResolver == nil {
		return dns.DefaultResolver()
	}
	return o.DNSResolver
}

func (o *DialogManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *DialogManagerOptions) timerWheel() *timeutil.Wheel {
	if o == nil || o.wheel == nil {
		return timeutil.DefaultWheel()
	}
	return o.wheel
}

func (o *DialogManagerOptions) statsRecorder() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.stats
}

// DialogManager is the dialog table.
// It creates dialogs for INVITE requests, routes in-dialog requests and
// 2xx retransmissions to them and removes them once terminated.
//
// Locks are taken in the order: dialog set, dialog, table shard.
type DialogManager struct {
	txm  *TransactionManager
	hdlr Handler

	dlgs *syncutil.ShardMap[DialogID, *Dialog]
	sets *syncutil.ShardMap[dialogSetKey, *DialogSet]

	forkPolicy   ForkPolicy
	earlyTimeout time.Duration
	timings      TimingConfig
	rslvr        DNSResolver
	wheel        *timeutil.Wheel
	stats        *StatsRecorder
	log          *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewDialogManager creates a new [DialogManager] sending requests through the transaction manager.
// Dialog events are reported to the handler, nil handler ignores them.
func NewDialogManager(txm *TransactionManager, hdlr Handler, opts *DialogManagerOptions) *DialogManager {
	if hdlr == nil {
		hdlr = NopHandler{}
	}
	return &DialogManager{
		txm:          txm,
		hdlr:         hdlr,
		dlgs:         syncutil.NewShardMap[DialogID, *Dialog](),
		sets:         syncutil.NewShardMap[dialogSetKey, *DialogSet](),
		forkPolicy:   opts.forkPolicy(),
		earlyTimeout: opts.earlyTimeout(),
		timings:      opts.timings(),
		rslvr:        opts.dnsResolver(),
		wheel:        opts.timerWheel(),
		stats:        opts.statsRecorder(),
		log:          opts.log(),
	}
}

// NewDialogSet sends the INVITE in a new client transaction and returns the set
// collecting the dialogs created by its responses.
// The request must carry a From tag.
func (m *DialogManager) NewDialogSet(ctx context.Context, req *OutboundRequest) (*DialogSet, error) {
	if m.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if req.Headers.FromTag() == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing From tag"))
	}

	s := &DialogSet{
		mgr:  m,
		key:  dialogSetKey{CallID: req.Headers.CallID, LocalTag: req.Headers.FromTag()},
		req:  req,
		log:  m.log,
		dlgs: make(map[string]*Dialog),
		done: make(chan struct{}),
	}
	s.ctx = context.WithoutCancel(ctx)
	if _, loaded := m.sets.LoadOrStore(s.key, s); loaded {
		return nil, errtrace.Wrap(ErrDialogExists)
	}

	_, err := m.txm.newClientTransaction(ctx, req, nil, func(tx clientTransactImpl) {
		s.tx = tx
		tx.OnResponse(func(ctx context.Context, tx ClientTransaction, res *InboundResponse) {
			dlg, deliver := s.recvResponse(ctx, res)
			if deliver {
				m.hdlr.OnResponse(ContextWithDialog(ctx, dlg), res, tx)
			}
		})
		tx.OnStateChanged(func(ctx context.Context, _, to TransactionState) {
			if to == TransactionStateTerminated {
				s.onTxTerminated(ctx)
			}
		})
	})
	if err != nil {
		m.sets.Del(s.key)
		return nil, errtrace.Wrap(err)
	}
	return s, nil
}

// NewServerDialog creates a UAS dialog for the INVITE received by the server transaction.
// The dialog is early until the transaction sends a final response: 2xx confirms it,
// other final responses terminate it.
func (m *DialogManager) NewServerDialog(ctx context.Context, req *InboundRequest, tx ServerTransaction) (*Dialog, error) {
	if m.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	impl, ok := tx.(serverTransactImpl)
	if !ok || req == nil || req.Request == nil || !req.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("INVITE server transaction expected"))
	}
	if req.Headers.FromTag() == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing From tag"))
	}

	d := newServerDialog(ctx, m, req, impl)
	if _, loaded := m.dlgs.LoadOrStore(d.id, d); loaded {
		return nil, errtrace.Wrap(ErrDialogExists)
	}
	m.stats.dialogCreated()
	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))

	impl.setDialog(d.id)
	d.early(ctx)
	impl.onResponseSent(d.onResponseSent)
	impl.OnStateChanged(func(ctx context.Context, _, to TransactionState) {
		if to == TransactionStateTerminated {
			d.onServerTransactionTerminated(ctx, tx)
		}
	})
	return d, nil
}

// addDialog stores a UAC dialog created by a dialog set.
func (m *DialogManager) addDialog(ctx context.Context, d *Dialog) {
	if _, loaded := m.dlgs.LoadOrStore(d.id, d); loaded {
		m.log.LogAttrs(ctx, slog.LevelWarn, "dialog already exists", slog.Any("dialog", d))
		return
	}
	m.stats.dialogCreated()
	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
}

func (m *DialogManager) removeSet(ctx context.Context, s *DialogSet) {
	m.sets.DelFunc(s.key, func(v *DialogSet) bool { return v == s })
	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog set removed", slog.Any("dialog_set", s))
}

// dialogTerminated runs in the dialog notification queue.
func (m *DialogManager) dialogTerminated(ctx context.Context, d *Dialog, reason DialogTermination) {
	if _, ok := m.dlgs.DelFunc(d.id, func(v *Dialog) bool { return v == d }); ok {
		m.stats.dialogTerminated(reason)
	}
	m.log.LogAttrs(ctx, slog.LevelDebug, "dialog removed", slog.Any("dialog", d))

	m.hdlr.OnDialogTerminated(ctx, d, reason)
}

// sendRequest sends an in-dialog request in a new client transaction.
func (m *DialogManager) sendRequest(ctx context.Context, d *Dialog, req *Request) (ClientTransaction, error) {
	out := &OutboundRequest{Request: req, Transport: d.tp, Destination: d.target()}
	tx, err := m.txm.newClientTransaction(ctx, out, nil, func(tx clientTransactImpl) {
		tx.setDialog(d.id)
		if !req.Method.Equal(RequestMethodBye) {
			return
		}
		tx.OnResponse(func(ctx context.Context, _ ClientTransaction, res *InboundResponse) {
			if res.Status.IsFinal() {
				d.terminate(ctx, DialogTerminatedBye)
			}
		})
		tx.OnStateChanged(func(ctx context.Context, _, to TransactionState) {
			if to == TransactionStateTerminated {
				d.terminate(ctx, DialogTerminatedBye)
			}
		})
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (*DialogManager) requestDialogID(req *Request) DialogID {
	return DialogID{
		CallID:    req.Headers.CallID,
		LocalTag:  req.Headers.ToTag(),
		RemoteTag: req.Headers.FromTag(),
	}
}

// RecvRequest routes an in-dialog request (a request with To tag) to its dialog.
// Requests of unknown dialogs are answered with 481.
// It returns the dialog and whether the request should be delivered to the handler.
func (m *DialogManager) RecvRequest(ctx context.Context, req *InboundRequest, tx ServerTransaction) (*Dialog, bool) {
	d, ok := m.dlgs.Get(m.requestDialogID(req.Request))
	if !ok {
		m.log.LogAttrs(ctx, slog.LevelDebug, "request of unknown dialog", slog.Any("request", req))
		respond(ctx, m.log, tx, ResponseStatusCallTransactionDoesNotExist)
		return nil, false
	}
	return d, d.recvRequest(ctx, req, tx)
}

// RecvAck routes ACK for 2xx to its dialog.
// It returns the dialog and whether the ACK should be delivered to the handler.
func (m *DialogManager) RecvAck(ctx context.Context, req *InboundRequest) (*Dialog, bool) {
	d, ok := m.dlgs.Get(m.requestDialogID(req.Request))
	if !ok {
		m.log.LogAttrs(ctx, slog.LevelDebug, "ACK of unknown dialog", slog.Any("request", req))
		return nil, false
	}
	return d, d.recvAck(ctx, req)
}

// RecvResponse handles a response not matched to any client transaction.
// 2xx retransmissions and 2xx from other INVITE branches are passed to the dialog set.
// It returns the dialog, whether the response should be delivered to the handler
// and whether the response was handled at all.
func (m *DialogManager) RecvResponse(ctx context.Context, res *InboundResponse) (dlg *Dialog, deliver, handled bool) {
	if !res.Status.IsSuccessful() || res.Headers.CSeq == nil || !res.Headers.CSeq.Method.Equal(RequestMethodInvite) {
		return nil, false, false
	}
	s, ok := m.sets.Get(dialogSetKey{CallID: res.Headers.CallID, LocalTag: res.Headers.FromTag()})
	if !ok {
		if d, ok := m.dlgs.Get(DialogID{
			CallID:    res.Headers.CallID,
			LocalTag:  res.Headers.FromTag(),
			RemoteTag: res.Headers.ToTag(),
		}); ok && !d.IsServer() {
			// the set finished, the dialog still owes an ACK for each 2xx retransmission
			d.resendAck(ctx)
			return d, false, true
		}
		return nil, false, false
	}
	dlg, deliver = s.recvResponse(ctx, res)
	return dlg, deliver, true
}

// Dialog returns the stored dialog by ID.
func (m *DialogManager) Dialog(id DialogID) (*Dialog, bool) { return m.dlgs.Get(id) }

// Len returns the number of stored dialogs.
func (m *DialogManager) Len() int { return m.dlgs.Size() }

// Close terminates all dialogs with [DialogTerminatedClosed]. New dialogs are rejected with [ErrStackClosed].
// Confirmed dialogs are dropped locally, no BYE is sent.
func (m *DialogManager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closing.Store(true)
		for _, s := range m.sets.Items() {
			s.mu.Lock()
			s.final = true
			s.mu.Unlock()
			s.finish(ctx)
		}
		for _, d := range m.dlgs.Items() {
			d.terminate(ctx, DialogTerminatedClosed)
		}
	})
	return nil
}
