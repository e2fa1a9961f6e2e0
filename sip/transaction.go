package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
)

// TransactionState represents the state of a transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType identifies one of the four RFC 3261 transaction state machines.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionTypes lists all transaction types.
var TransactionTypes = [...]TransactionType{
	TransactionTypeClientInvite,
	TransactionTypeClientNonInvite,
	TransactionTypeServerInvite,
	TransactionTypeServerNonInvite,
}

// ErrTransportFailure wraps transport errors that terminated a transaction.
const ErrTransportFailure Error = "transport failure"

// TransactionStateHandler is called on each transaction state change.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

// Transaction is the common part of client and server transactions.
type Transaction interface {
	slog.LogValuer
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current state.
	State() TransactionState
	// Reliable reports whether the transaction runs over a reliable transport.
	Reliable() bool
	// Err returns the reason the transaction terminated abnormally:
	// an error matching [ErrTransactionTimedOut] or [ErrTransportFailure].
	// It returns nil while the transaction is alive or after normal termination.
	Err() error
	// Done is closed after the transaction reached Terminated and all callbacks were delivered.
	Done() <-chan struct{}
	// Terminate forces the transaction into Terminated.
	Terminate(ctx context.Context) error
	// Dialog returns the ID of the dialog the transaction belongs to.
	Dialog() (DialogID, bool)
	// OnStateChanged registers a callback called on each state change.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
}

const txCtxKey types.ContextKey = "transaction"

// TransactionFromContext returns the transaction stored in the callback context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey).(Transaction)
	return tx, ok
}

// ContextWithTransaction returns a new context carrying the transaction.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txCtxKey, tx)
}

const (
	txEvtTranspErr = "transport_error"
	txEvtTerminate = "terminate"
)

type baseTransact struct {
	typ      TransactionType
	impl     Transaction
	ctx      context.Context //nolint:containedctx
	log      *slog.Logger
	wheel    *timeutil.Wheel
	timings  TimingConfig
	reliable bool

	// mu serialises state machine firing, timer callbacks and API calls.
	mu    sync.Mutex
	fsm   *stateless.StateMachine
	state atomic.Value

	notify         types.Serializer
	onStateChanged types.CallbackManager[TransactionStateHandler]
	termFrom       TransactionState

	done     chan struct{}
	doneOnce sync.Once
	err      atomic.Pointer[error]
	dlgID    atomic.Pointer[DialogID]
}

func newBaseTransact(
	typ TransactionType,
	impl Transaction,
	start TransactionState,
	reliable bool,
	timings TimingConfig,
	wheel *timeutil.Wheel,
	logger *slog.Logger,
) *baseTransact {
	tx := &baseTransact{
		typ:      typ,
		impl:     impl,
		log:      logger,
		wheel:    wheel,
		timings:  timings,
		reliable: reliable,
		done:     make(chan struct{}),
	}
	tx.ctx = ContextWithTransaction(context.Background(), impl)
	tx.state.Store(start)
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return tx.State(), nil
		},
		func(_ context.Context, s stateless.State) error {
			tx.setState(s.(TransactionState)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringQueued,
	)
	return tx
}

// setState is called by the state machine under tx.mu.
// The Terminated notification is queued by actTerminated, after all entry actions.
func (tx *baseTransact) setState(to TransactionState) {
	from := tx.State()
	if from == to {
		return
	}
	tx.state.Store(to)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	if to == TransactionStateTerminated {
		tx.termFrom = from
		return
	}
	tx.notifyStateChanged(from, to)
}

func (tx *baseTransact) notifyStateChanged(from, to TransactionState) {
	tx.notify.Push(func() {
		tx.onStateChanged.Range(func(fn TransactionStateHandler) {
			fn(tx.ctx, from, to)
		})
	})
}

func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	s, _ := tx.state.Load().(TransactionState)
	return s
}

func (tx *baseTransact) Reliable() bool { return tx.reliable }

func (tx *baseTransact) Err() error {
	if p := tx.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Dialog returns the ID of the dialog the transaction belongs to.
func (tx *baseTransact) Dialog() (DialogID, bool) {
	if p := tx.dlgID.Load(); p != nil {
		return *p, true
	}
	return DialogID{}, false
}

func (tx *baseTransact) setDialog(id DialogID) { tx.dlgID.Store(&id) }

// OnStateChanged registers a callback called on each state change.
// The callback is called with the transaction context, see [TransactionFromContext].
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onStateChanged.Add(fn)
}

// Terminate forces the transaction into Terminated.
// Terminating a terminated transaction is a no-op.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	return errtrace.Wrap(tx.fire(ctx, txEvtTerminate))
}

// fire fires the event under the transaction lock and delivers queued notifications after unlock.
func (tx *baseTransact) fire(ctx context.Context, evt string, args ...any) error {
	tx.mu.Lock()
	err := tx.fsm.FireCtx(ctx, evt, args...)
	tx.mu.Unlock()

	tx.notify.Flush()

	if err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			fmt.Errorf("%q in state %q: %w", evt, tx.State(), err)))
	}
	return nil
}

// fireTransportError is used by actions that already run under tx.mu.
// The state machine queues the event and processes it after the current transition.
func (tx *baseTransact) fireTransportError(ctx context.Context, err error) {
	if ferr := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); ferr != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to handle transport error",
			slog.Any("transaction", tx.impl),
			slog.Any("error", ferr),
		)
	}
}

// armTimer arms the timer stored in slot, replacing any previous one.
// Expired timers fire evt unless the slot no longer holds them.
func (tx *baseTransact) armTimer(
	ctx context.Context,
	slot *atomic.Pointer[timeutil.Timer],
	name string,
	d time.Duration,
	evt string,
) {
	var tmr *timeutil.Timer
	tmr = tx.wheel.NewTimer(func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx.impl))

		tx.mu.Lock()
		if slot.Load() != tmr {
			tx.mu.Unlock()
			return
		}
		err := tx.fsm.FireCtx(ctx, evt)
		tx.mu.Unlock()

		tx.notify.Flush()

		if err != nil {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" ignored",
				slog.Any("transaction", tx.impl),
				slog.Any("error", err),
			)
		}
	})
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}
	tmr.Reset(d)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", time.Now().Add(d)),
	)
}

// resetTimer re-arms a retransmission timer kept in slot. Caller holds tx.mu.
func (tx *baseTransact) resetTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string, d time.Duration) {
	tmr := slot.Load()
	if tmr == nil {
		return
	}
	tmr.Reset(d)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" reset",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", time.Now().Add(d)),
	)
}

func (tx *baseTransact) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
}

func (tx *baseTransact) currentTimer(slot *atomic.Pointer[timeutil.Timer]) time.Duration {
	if tmr := slot.Load(); tmr != nil {
		return tmr.Duration()
	}
	return 0
}

func (*baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	err := errtrace.Wrap(ErrTransactionTimedOut)
	tx.err.Store(&err)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	var cause error
	if len(args) > 0 {
		cause, _ = args[0].(error)
	}
	err := errorutil.NewWrapperError(ErrTransportFailure, cause)
	tx.err.Store(&err)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction transport failed",
		slog.Any("transaction", tx.impl),
		slog.Any("error", cause),
	)
	return nil
}

// actTerminated notifies about the Terminated state and closes the done channel after pending notifications.
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.notifyStateChanged(tx.termFrom, TransactionStateTerminated)
	tx.notify.Push(func() {
		tx.doneOnce.Do(func() { close(tx.done) })
	})
	return nil
}

// configureTerminated adds the common Terminated entry actions.
// It must be called after type specific entry actions, the final one closes Done.
func (tx *baseTransact) configureTerminated(onEntry func(context.Context, ...any) error) {
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(onEntry)
}
