package sip

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
)

// ForkPolicy defines how a [DialogSet] handles 2xx responses from INVITE branches
// that arrive after another branch already confirmed its dialog.
type ForkPolicy uint8

const (
	// ForkPolicyAckBye acknowledges the late 2xx and sends BYE right after.
	ForkPolicyAckBye ForkPolicy = iota
	// ForkPolicyAckOnly acknowledges the late 2xx and drops the dialog locally.
	ForkPolicyAckOnly
)

func (p ForkPolicy) String() string {
	switch p {
	case ForkPolicyAckBye:
		return "ack_bye"
	case ForkPolicyAckOnly:
		return "ack_only"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p ForkPolicy) MarshalText() ([]byte, error) {
	switch p {
	case ForkPolicyAckBye, ForkPolicyAckOnly:
		return []byte(p.String()), nil
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("unknown fork policy %d", uint8(p)))
	}
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *ForkPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ack_bye", "":
		*p = ForkPolicyAckBye
	case "ack_only":
		*p = ForkPolicyAckOnly
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unknown fork policy %q", text))
	}
	return nil
}

// DefaultEarlyDialogTimeout is the default lifetime of early dialogs without a final response.
const DefaultEarlyDialogTimeout = 3 * time.Minute

type dialogSetKey struct {
	CallID   string
	LocalTag string
}

// DialogSet groups the dialogs created by one INVITE (RFC 3261 Section 12.1.2).
// A forking proxy can make the INVITE create several early dialogs, only the
// first branch answering 2xx gets a confirmed dialog.
type DialogSet struct {
	mgr *DialogManager
	key dialogSetKey
	req *OutboundRequest
	tx  ClientTransaction
	ctx context.Context //nolint:containedctx
	log *slog.Logger

	mu        sync.Mutex
	dlgs      map[string]*Dialog
	winner    *Dialog
	final     bool
	closed    bool
	tmrEarly  atomic.Pointer[timeutil.Timer]
	tmrLinger atomic.Pointer[timeutil.Timer]

	notify types.Serializer
	done   chan struct{}
}

// LogValue implements [slog.LogValuer].
func (s *DialogSet) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", s.key.CallID),
		slog.String("local_tag", s.key.LocalTag),
	)
}

// Request returns the INVITE request.
func (s *DialogSet) Request() *OutboundRequest { return s.req }

// Transaction returns the INVITE client transaction.
func (s *DialogSet) Transaction() ClientTransaction { return s.tx }

// Dialogs returns the dialogs created so far, ordered by remote tag.
func (s *DialogSet) Dialogs() []*Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()

	dlgs := make([]*Dialog, 0, len(s.dlgs))
	for _, tag := range slices.Sorted(maps.Keys(s.dlgs)) {
		dlgs = append(dlgs, s.dlgs[tag])
	}
	return dlgs
}

// Confirmed returns the dialog confirmed by the first 2xx response.
func (s *DialogSet) Confirmed() (*Dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winner, s.winner != nil
}

// Done is closed when the set stops accepting responses.
func (s *DialogSet) Done() <-chan struct{} { return s.done }

// Cancel cancels the pending INVITE (RFC 3261 Section 9.1).
// It is allowed only after a provisional response was received and before any final one.
func (s *DialogSet) Cancel(ctx context.Context) error {
	if s.tx.State() != TransactionStateProceeding {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	s.mu.Lock()
	final := s.final || s.winner != nil
	s.mu.Unlock()
	if final {
		return errtrace.Wrap(NewInvalidArgumentError(ErrActionNotAllowed))
	}
	return errtrace.Wrap(s.sendCancel(ctx))
}

func (s *DialogSet) sendCancel(ctx context.Context) error {
	cancel := &OutboundRequest{
		Request:     BuildCancelFrom(s.req.Request),
		Transport:   s.req.Transport,
		Destination: s.req.Destination,
	}
	_, err := s.mgr.txm.NewClientTransaction(ctx, cancel, nil)
	return errtrace.Wrap(err)
}

// dialogLocked returns the dialog of the response branch, creating it if needed. Caller holds s.mu.
func (s *DialogSet) dialogLocked(ctx context.Context, res *InboundResponse) (*Dialog, bool) {
	tag := res.Headers.ToTag()
	if d, ok := s.dlgs[tag]; ok {
		return d, false
	}
	d := newClientDialog(ctx, s.mgr, s.req, res)
	s.dlgs[tag] = d
	s.mgr.addDialog(ctx, d)
	return d, true
}

// recvResponse routes a response of the INVITE to the dialog of its branch.
// It returns the dialog and whether the response should be delivered to the handler.
func (s *DialogSet) recvResponse(ctx context.Context, res *InboundResponse) (*Dialog, bool) {
	tag := res.Headers.ToTag()
	switch {
	case res.Status.IsProvisional():
		s.mu.Lock()
		if s.closed || s.final || s.winner != nil {
			s.mu.Unlock()
			return nil, true
		}
		// timer B is stopped in Proceeding, any 1xx starts the early timeout
		if s.tmrEarly.Load() == nil && s.mgr.earlyTimeout > 0 {
			s.armTimer(&s.tmrEarly, "early dialog", s.mgr.earlyTimeout, s.onEarlyTimeout)
		}
		if tag == "" || res.Status == ResponseStatusTrying {
			s.mu.Unlock()
			return nil, true
		}
		d, _ := s.dialogLocked(ctx, res)
		d.early(ctx)
		s.mu.Unlock()
		return d, true
	case res.Status.IsSuccessful():
		if tag == "" {
			s.log.LogAttrs(ctx, slog.LevelWarn, "2xx response without To tag",
				slog.Any("dialog_set", s),
				slog.Any("response", res),
			)
			return nil, true
		}
		return s.recv2xx(ctx, res)
	default:
		s.mu.Lock()
		if s.winner != nil {
			s.mu.Unlock()
			return nil, true
		}
		s.final = true
		dlgs := slices.Collect(maps.Values(s.dlgs))
		s.mu.Unlock()

		for _, d := range dlgs {
			d.terminate(ctx, DialogTerminatedRejected)
		}
		s.finish(ctx)

		var dlg *Dialog
		if tag != "" {
			dlg = s.dialog(tag)
		}
		return dlg, true
	}
}

func (s *DialogSet) dialog(tag string) *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlgs[tag]
}

// recv2xx confirms the first answering branch and handles late branches with the fork policy.
func (s *DialogSet) recv2xx(ctx context.Context, res *InboundResponse) (*Dialog, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}

	d, _ := s.dialogLocked(ctx, res)
	switch {
	case s.winner == nil && s.final:
		s.mu.Unlock()

		// 2xx crossed the CANCEL of a timed out INVITE
		return d, d.ackFork(ctx, s.req, res, true)
	case s.winner == nil:
		s.winner = d
		s.final = true
		losers := make([]*Dialog, 0, len(s.dlgs))
		for _, other := range s.dlgs {
			if other != d {
				losers = append(losers, other)
			}
		}
		s.stopTimer(ctx, &s.tmrEarly, "early dialog")
		s.armTimer(&s.tmrLinger, "fork linger", s.mgr.timings.TimeM(), s.onLingerTimeout)
		s.mu.Unlock()

		s.log.LogAttrs(ctx, slog.LevelDebug, "dialog confirmed",
			slog.Any("dialog_set", s),
			slog.Any("dialog", d),
		)

		d.confirmClient(ctx, s.req, res)
		for _, other := range losers {
			other.terminate(ctx, DialogTerminatedForkLost)
		}
		return d, true
	case d == s.winner:
		s.mu.Unlock()

		d.resendAck(ctx)
		return d, false
	default:
		s.mu.Unlock()

		late := d.ackFork(ctx, s.req, res, s.mgr.forkPolicy == ForkPolicyAckBye)
		if late {
			s.log.LogAttrs(ctx, slog.LevelDebug, "late 2xx from another fork",
				slog.Any("dialog_set", s),
				slog.Any("dialog", d),
				slog.String("policy", s.mgr.forkPolicy.String()),
			)
		}
		return d, late
	}
}

// onTxTerminated ends the early dialogs and removes the set when the INVITE transaction
// ended without a confirmed dialog. A confirmed set lives until the fork linger timer.
func (s *DialogSet) onTxTerminated(ctx context.Context) {
	s.mu.Lock()
	if s.winner != nil {
		s.mu.Unlock()
		return
	}
	s.final = true
	dlgs := slices.Collect(maps.Values(s.dlgs))
	s.mu.Unlock()

	reason := DialogTerminatedClosed
	switch err := s.tx.Err(); {
	case errors.Is(err, ErrTransactionTimedOut):
		reason = DialogTerminatedTimeout
	case errors.Is(err, ErrTransportFailure):
		reason = DialogTerminatedTransportError
	}
	for _, d := range dlgs {
		d.terminate(ctx, reason)
	}
	s.finish(ctx)
}

// onEarlyTimeout cancels the INVITE that stays unanswered too long. Runs under s.mu.
func (s *DialogSet) onEarlyTimeout(ctx context.Context) {
	if s.final || s.winner != nil {
		return
	}
	s.final = true
	dlgs := slices.Collect(maps.Values(s.dlgs))
	s.armTimer(&s.tmrEarly, "cancel", s.mgr.timings.TimeB(), s.onCancelTimeout)

	s.notify.Push(func() {
		if err := s.sendCancel(ctx); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to cancel INVITE on early dialog timeout",
				slog.Any("dialog_set", s),
				slog.Any("error", err),
			)
		}
		for _, d := range dlgs {
			d.terminate(ctx, DialogTerminatedTimeout)
		}
	})
}

// onCancelTimeout gives up the cancelled INVITE left without a final response for 64*T1
// (RFC 3261 Section 9.1). Runs under s.mu.
func (s *DialogSet) onCancelTimeout(ctx context.Context) {
	s.notify.Push(func() {
		if err := s.tx.Terminate(ctx); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to terminate cancelled INVITE",
				slog.Any("dialog_set", s),
				slog.Any("error", err),
			)
		}
	})
}

// onLingerTimeout stops accepting 2xx from other branches (RFC 6026 Timer M). Runs under s.mu.
func (s *DialogSet) onLingerTimeout(ctx context.Context) {
	s.notify.Push(func() { s.finish(ctx) })
}

// finish removes the set from the manager. The confirmed dialog lives on.
func (s *DialogSet) finish(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimer(ctx, &s.tmrEarly, "early dialog")
	s.stopTimer(ctx, &s.tmrLinger, "fork linger")
	s.mu.Unlock()

	s.mgr.removeSet(ctx, s)
	close(s.done)
}

// armTimer arms the set timer stored in slot. Caller holds s.mu.
func (s *DialogSet) armTimer(slot *atomic.Pointer[timeutil.Timer], name string, d time.Duration, fn func(context.Context)) {
	var tmr *timeutil.Timer
	tmr = s.mgr.wheel.NewTimer(func() {
		s.mu.Lock()
		if slot.Load() != tmr {
			s.mu.Unlock()
			return
		}
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("dialog_set", s))
		fn(s.ctx)
		s.mu.Unlock()

		s.notify.Flush()
	})
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}
	tmr.Reset(d)

	s.log.LogAttrs(s.ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("dialog_set", s),
		slog.Time("expires_at", time.Now().Add(d)),
	)
}

func (s *DialogSet) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		s.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("dialog_set", s))
	}
}
