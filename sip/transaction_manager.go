package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
)

type (
	ClientTransactionHandler = func(ctx context.Context, tx ClientTransaction)
	ServerTransactionHandler = func(ctx context.Context, tx ServerTransaction)
)

// TransactionManagerOptions are the options for a [TransactionManager].
type TransactionManagerOptions struct {
	// Timings is the default SIP timing config of created transactions.
	Timings TimingConfig
	// DNSResolver is used by server transactions to resolve response targets.
	// If nil, [dns.DefaultResolver] is used.
	DNSResolver DNSResolver
	// ProcessingTimeout bounds the wait for server transaction processing semaphores.
	// If zero, [DefaultProcessingTimeout] is used.
	ProcessingTimeout time.Duration
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger

	wheel *timeutil.Wheel
	stats *StatsRecorder
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) dnsResolver() DNSResolver {
	if o == nil {
		return nil
	}
	return o.DNSResolver
}

func (o *TransactionManagerOptions) processingTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.ProcessingTimeout
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *TransactionManagerOptions) timerWheel() *timeutil.Wheel {
	if o == nil || o.wheel == nil {
		return timeutil.DefaultWheel()
	}
	return o.wheel
}

func (o *TransactionManagerOptions) statsRecorder() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.stats
}

// TransactionManager is the transaction table.
// It matches inbound messages to transactions (RFC 3261 Sections 17.1.3 and 17.2.3),
// creates new transactions and removes them once they reach the terminated state.
//
// Locks are taken in the order: per-key creation lock, table shard, transaction.
// Table entries are removed from state change callbacks that run after the transaction lock is released.
type TransactionManager struct {
	clnTxs   *syncutil.ShardMap[ClientTransactionKey, ClientTransaction]
	srvTxs   *syncutil.ShardMap[ServerTransactionKey, ServerTransaction]
	clnKeyMu syncutil.KeyMutex[ClientTransactionKey]
	srvKeyMu syncutil.KeyMutex[ServerTransactionKey]

	timings     TimingConfig
	rslvr       DNSResolver
	procTimeout time.Duration
	wheel       *timeutil.Wheel
	stats       *StatsRecorder
	log         *slog.Logger

	onNewClnTx types.CallbackManager[ClientTransactionHandler]
	onNewSrvTx types.CallbackManager[ServerTransactionHandler]

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionManager creates a new [TransactionManager].
// Options are optional, if nil, default values are used (see [TransactionManagerOptions]).
func NewTransactionManager(opts *TransactionManagerOptions) *TransactionManager {
	return &TransactionManager{
		clnTxs:      syncutil.NewShardMap[ClientTransactionKey, ClientTransaction](),
		srvTxs:      syncutil.NewShardMap[ServerTransactionKey, ServerTransaction](),
		timings:     opts.timings(),
		rslvr:       opts.dnsResolver(),
		procTimeout: opts.processingTimeout(),
		wheel:       opts.timerWheel(),
		stats:       opts.statsRecorder(),
		log:         opts.log(),
	}
}

// NewClientTransaction creates a client transaction, stores it in the table and sends the request.
// It returns [ErrTransactionExists] if a transaction with the same key is already stored.
func (txm *TransactionManager) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	tx, err := txm.newClientTransaction(ctx, req, opts, nil)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// newClientTransaction creates and stores a client transaction.
// The hook runs before the new transaction callbacks and before the request is sent.
func (txm *TransactionManager) newClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	opts *ClientTransactionOptions,
	hook func(tx clientTransactImpl),
) (clientTransactImpl, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}

	var o ClientTransactionOptions
	if opts != nil {
		o = *opts
	}
	if o.Timings.IsZero() {
		o.Timings = txm.timings
	}
	if o.Log == nil {
		o.Log = txm.log
	}
	o.wheel = txm.wheel
	o.stats = txm.stats

	tx, err := newClientTransaction(req, &o)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	unlock := txm.clnKeyMu.Lock(tx.Key())
	if _, loaded := txm.clnTxs.LoadOrStore(tx.Key(), tx); loaded {
		unlock()
		return nil, errtrace.Wrap(ErrTransactionExists)
	}
	unlock()

	tx.OnStateChanged(txm.clnTxStateHdlr(tx))
	txm.stats.trackTransaction(tx)
	if hook != nil {
		hook(tx)
	}
	for fn := range txm.onNewClnTx.All() {
		fn(ctx, tx)
	}

	tx.start(ctx)
	return tx, nil
}

func (txm *TransactionManager) clnTxStateHdlr(tx ClientTransaction) TransactionStateHandler {
	return func(ctx context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		_, ok := txm.clnTxs.DelFunc(tx.Key(), func(v ClientTransaction) bool { return v == tx })
		assert(txm.log, ok || txm.closing.Load(), "terminated client transaction %s missing from the table", tx.Key())

		txm.log.LogAttrs(ctx, slog.LevelDebug, "client transaction removed", slog.Any("transaction", tx))
	}
}

// NewServerTransaction creates a server transaction for the request and stores it in the table.
// It returns [ErrTransactionExists] if the request matches a stored transaction.
func (txm *TransactionManager) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	tx, err := txm.newServerTransaction(ctx, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (txm *TransactionManager) newServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	opts *ServerTransactionOptions,
) (serverTransactImpl, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}

	var o ServerTransactionOptions
	if opts != nil {
		o = *opts
	}
	if o.Timings.IsZero() {
		o.Timings = txm.timings
	}
	if o.DNSResolver == nil {
		o.DNSResolver = txm.rslvr
	}
	if o.ProcessingTimeout == 0 {
		o.ProcessingTimeout = txm.procTimeout
	}
	if o.Log == nil {
		o.Log = txm.log
	}
	o.wheel = txm.wheel
	o.stats = txm.stats

	key := o.Key
	if !key.IsValid() {
		if err := key.FillFromMessage(req.Request); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
		o.Key = key
	}

	unlock := txm.srvKeyMu.Lock(key)
	if txm.srvTxs.Has(key) {
		unlock()
		return nil, errtrace.Wrap(ErrTransactionExists)
	}
	tx, err := newServerTransaction(req, &o)
	if err != nil {
		unlock()
		return nil, errtrace.Wrap(err)
	}
	txm.srvTxs.Set(key, tx)
	unlock()

	tx.OnStateChanged(txm.srvTxStateHdlr(tx))
	txm.stats.trackTransaction(tx)
	for fn := range txm.onNewSrvTx.All() {
		fn(ctx, tx)
	}

	tx.start(ctx)
	return tx, nil
}

func (txm *TransactionManager) srvTxStateHdlr(tx ServerTransaction) TransactionStateHandler {
	return func(ctx context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		_, ok := txm.srvTxs.DelFunc(tx.Key(), func(v ServerTransaction) bool { return v == tx })
		assert(txm.log, ok || txm.closing.Load(), "terminated server transaction %s missing from the table", tx.Key())

		txm.log.LogAttrs(ctx, slog.LevelDebug, "server transaction removed", slog.Any("transaction", tx))
	}
}

// MatchResponse returns the client transaction the response belongs to.
// It returns [ErrTransactionNotFound] if no transaction matches.
func (txm *TransactionManager) MatchResponse(res *InboundResponse) (ClientTransaction, error) {
	if res == nil || res.Response == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var key ClientTransactionKey
	if err := key.FillFromMessage(res.Response); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	tx, ok := txm.clnTxs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

// MatchRequest returns the server transaction the request belongs to.
// ACK matches the INVITE transaction it acknowledges.
// It returns [ErrTransactionNotFound] if no transaction matches.
func (txm *TransactionManager) MatchRequest(req *InboundRequest) (ServerTransaction, error) {
	if req == nil || req.Request == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	var key ServerTransactionKey
	if err := key.FillFromMessage(req.Request); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	tx, ok := txm.srvTxs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

// MatchCancel returns the server transaction the CANCEL request cancels (RFC 3261 Section 9.2).
func (txm *TransactionManager) MatchCancel(req *InboundRequest) (ServerTransaction, error) {
	if req == nil || req.Request == nil || !req.Method.Equal(RequestMethodCancel) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid CANCEL request"))
	}

	var key ServerTransactionKey
	if err := key.FillFromMessage(req.Request); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	key.Method = RequestMethodInvite

	tx, ok := txm.srvTxs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

// ClientTransaction returns the stored client transaction by key.
func (txm *TransactionManager) ClientTransaction(key ClientTransactionKey) (ClientTransaction, bool) {
	return txm.clnTxs.Get(key)
}

// ServerTransaction returns the stored server transaction by key.
func (txm *TransactionManager) ServerTransaction(key ServerTransactionKey) (ServerTransaction, bool) {
	return txm.srvTxs.Get(key)
}

// Len returns the number of stored transactions.
func (txm *TransactionManager) Len() int { return txm.clnTxs.Size() + txm.srvTxs.Size() }

// OnNewClientTransaction binds a callback called when a client transaction is created, before the request is sent.
// The callback can be unbound by calling the returned unbind function.
func (txm *TransactionManager) OnNewClientTransaction(fn ClientTransactionHandler) (unbind func()) {
	return txm.onNewClnTx.Add(fn)
}

// OnNewServerTransaction binds a callback called when a server transaction is created.
// The callback can be unbound by calling the returned unbind function.
func (txm *TransactionManager) OnNewServerTransaction(fn ServerTransactionHandler) (unbind func()) {
	return txm.onNewSrvTx.Add(fn)
}

// Close terminates all stored transactions. New transactions are rejected with [ErrStackClosed].
func (txm *TransactionManager) Close(ctx context.Context) error {
	txm.closeOnce.Do(func() {
		txm.closing.Store(true)
		txm.closeErr = txm.close(ctx)
	})
	return errtrace.Wrap(txm.closeErr)
}

func (txm *TransactionManager) close(ctx context.Context) error {
	var errs []error
	for key, tx := range txm.clnTxs.Items() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate client transaction %s: %w", key, err))
		}
	}
	for key, tx := range txm.srvTxs.Items() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate server transaction %s: %w", key, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction manager:", errs...))
}
