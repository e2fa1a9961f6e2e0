package sip

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transports   []TransportStats `json:"transports"`
	Transactions TransactionStats `json:"transactions"`
	Dialogs      DialogStats      `json:"dialogs"`
}

type TransportStats struct {
	// Proto is a transport protocol.
	Proto TransportProto `json:"proto"`
	// LocalAddr is a local address.
	LocalAddr string `json:"local_addr"`
	// RequestsReceived is a number of received requests.
	RequestsReceived uint64 `json:"requests_received"`
	// RequestsSent is a number of sent requests.
	RequestsSent uint64 `json:"requests_sent"`
	// ResponsesReceived is a number of received responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// ResponsesSent is a number of sent responses.
	ResponsesSent uint64 `json:"responses_sent"`
}

type TransactionStats struct {
	// Active is a number of active transactions by type.
	Active map[TransactionType]uint64 `json:"active"`
	// Total is a total number of created transactions by type.
	Total map[TransactionType]uint64 `json:"total"`
	// Retransmits is a number of retransmitted requests and responses.
	Retransmits uint64 `json:"retransmits"`
	// Timeouts is a number of transactions terminated by timers B, F or H.
	Timeouts uint64 `json:"timeouts"`
	// TransportErrors is a number of transactions terminated by a transport failure.
	TransportErrors uint64 `json:"transport_errors"`
	// StrayResponses is a number of responses that matched no transaction.
	StrayResponses uint64 `json:"stray_responses"`
	// DroppedMessages is a number of inbound messages dropped by the stack.
	DroppedMessages uint64 `json:"dropped_messages"`
}

type DialogStats struct {
	// Active is a number of dialogs not terminated yet.
	Active uint64 `json:"active"`
	// Total is a total number of created dialogs.
	Total uint64 `json:"total"`
	// Confirmed is a total number of dialogs that reached the confirmed state.
	Confirmed uint64 `json:"confirmed"`
	// ForksLost is a total number of dialogs terminated as losing forks.
	ForksLost uint64 `json:"forks_lost"`
}

// StatsRecorder records transaction layer statistics.
// Zero value is ready to use, nil recorder records nothing.
type StatsRecorder struct {
	transps sync.Map // map[transpKey]*transpStats

	txsActive,
	txsTotal [len(TransactionTypes)]atomic.Int64

	retransmits,
	timeouts,
	transpErrs,
	strayRess,
	dropped atomic.Uint64

	dlgsActive atomic.Int64
	dlgsTotal,
	dlgsConfirmed,
	forksLost atomic.Uint64
}

type transpKey struct {
	proto TransportProto
	laddr netip.AddrPort
}

type transpStats struct {
	inReqs,
	inRess,
	outRess,
	outReqs atomic.Uint64
}

// Report returns the statistics snapshot.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	report := StatsReport{
		Time: time.Now(),
		Transactions: TransactionStats{
			Active: make(map[TransactionType]uint64, len(TransactionTypes)),
			Total:  make(map[TransactionType]uint64, len(TransactionTypes)),
		},
	}
	if rcdr == nil {
		for _, typ := range TransactionTypes {
			report.Transactions.Active[typ] = 0
			report.Transactions.Total[typ] = 0
		}
		return report
	}

	rcdr.transps.Range(func(key, value any) bool {
		tpKey, _ := key.(transpKey)
		stats, ok := value.(*transpStats)
		if !ok {
			return true
		}
		report.Transports = append(report.Transports, TransportStats{
			Proto:             tpKey.proto,
			LocalAddr:         tpKey.laddr.String(),
			RequestsReceived:  stats.inReqs.Load(),
			RequestsSent:      stats.outReqs.Load(),
			ResponsesReceived: stats.inRess.Load(),
			ResponsesSent:     stats.outRess.Load(),
		})
		return true
	})

	for i, typ := range TransactionTypes {
		report.Transactions.Active[typ] = clampToUint64(rcdr.txsActive[i].Load())
		report.Transactions.Total[typ] = clampToUint64(rcdr.txsTotal[i].Load())
	}
	report.Transactions.Retransmits = rcdr.retransmits.Load()
	report.Transactions.Timeouts = rcdr.timeouts.Load()
	report.Transactions.TransportErrors = rcdr.transpErrs.Load()
	report.Transactions.StrayResponses = rcdr.strayRess.Load()
	report.Transactions.DroppedMessages = rcdr.dropped.Load()

	report.Dialogs = DialogStats{
		Active:    clampToUint64(rcdr.dlgsActive.Load()),
		Total:     rcdr.dlgsTotal.Load(),
		Confirmed: rcdr.dlgsConfirmed.Load(),
		ForksLost: rcdr.forksLost.Load(),
	}
	return report
}

func clampToUint64(value int64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(value)
}

func (rcdr *StatsRecorder) getTranspStats(tp Transport) *transpStats {
	key := transpKey{tp.Proto(), tp.LocalAddr()}
	stats, _ := rcdr.transps.LoadOrStore(key, &transpStats{})
	return stats.(*transpStats) //nolint:forcetypeassert
}

// messageReceived counts an inbound message on the transport.
func (rcdr *StatsRecorder) messageReceived(tp Transport, msg Message) {
	if rcdr == nil || tp == nil {
		return
	}
	stats := rcdr.getTranspStats(tp)
	if IsRequest(msg) {
		stats.inReqs.Add(1)
	} else {
		stats.inRess.Add(1)
	}
}

// messageSent counts an outbound message on the transport.
func (rcdr *StatsRecorder) messageSent(tp Transport, msg Message) {
	if rcdr == nil || tp == nil {
		return
	}
	stats := rcdr.getTranspStats(tp)
	if IsRequest(msg) {
		stats.outReqs.Add(1)
	} else {
		stats.outRess.Add(1)
	}
}

func txTypeIndex(typ TransactionType) int {
	for i, t := range TransactionTypes {
		if t == typ {
			return i
		}
	}
	return -1
}

// trackTransaction counts the transaction and its outcome.
func (rcdr *StatsRecorder) trackTransaction(tx Transaction) {
	if rcdr == nil {
		return
	}
	i := txTypeIndex(tx.Type())
	if i < 0 {
		return
	}
	rcdr.txsActive[i].Add(1)
	rcdr.txsTotal[i].Add(1)

	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		rcdr.txsActive[i].Add(-1)
		switch err := tx.Err(); {
		case errors.Is(err, ErrTransactionTimedOut):
			rcdr.timeouts.Add(1)
		case errors.Is(err, ErrTransportFailure):
			rcdr.transpErrs.Add(1)
		}
	})
}

func (rcdr *StatsRecorder) addRetransmit() {
	if rcdr != nil {
		rcdr.retransmits.Add(1)
	}
}

func (rcdr *StatsRecorder) addStrayResponse() {
	if rcdr != nil {
		rcdr.strayRess.Add(1)
	}
}

func (rcdr *StatsRecorder) addDropped() {
	if rcdr != nil {
		rcdr.dropped.Add(1)
	}
}

func (rcdr *StatsRecorder) dialogCreated() {
	if rcdr != nil {
		rcdr.dlgsActive.Add(1)
		rcdr.dlgsTotal.Add(1)
	}
}

func (rcdr *StatsRecorder) dialogConfirmed() {
	if rcdr != nil {
		rcdr.dlgsConfirmed.Add(1)
	}
}

func (rcdr *StatsRecorder) dialogTerminated(reason DialogTermination) {
	if rcdr == nil {
		return
	}
	rcdr.dlgsActive.Add(-1)
	if reason == DialogTerminatedForkLost {
		rcdr.forksLost.Add(1)
	}
}
