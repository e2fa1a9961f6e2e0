package sip_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

func assertResponseStatus(tb testing.TB, resCh <-chan *sip.InboundResponse, want sip.ResponseStatus) {
	tb.Helper()

	select {
	case res := <-resCh:
		if res.Status != want {
			tb.Fatalf("response status = %v, want %v", res.Status, want)
		}
	case <-time.After(100 * time.Millisecond):
		tb.Fatalf("expected response with status %v", want)
	}
}

func TestNonInviteClientTransaction_LifecycleUnreliable(t *testing.T) {
	t.Parallel()

	timings := newTestTimings()
	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newOutReq(t, sip.RequestMethodInfo, tp, "z9hG4bK.client-noninvite", remoteAddr)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", err)
	}

	call := tp.waitSend(t, 100*time.Millisecond)
	if got := sip.MessageMethod(call.msg); got != sip.RequestMethodInfo {
		t.Fatalf("initial send method = %q, want %q", got, sip.RequestMethodInfo)
	}
	if call.dst != remoteAddr {
		t.Fatalf("initial send destination = %v, want %v", call.dst, remoteAddr)
	}
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer E retransmits the request while waiting for a response on unreliable transports.
	retrans := tp.waitSend(t, timings.TimeE()+50*time.Millisecond)
	if got := sip.MessageMethod(retrans.msg); got != sip.RequestMethodInfo {
		t.Fatalf("retransmit method = %q, want %q", got, sip.RequestMethodInfo)
	}

	resCh := make(chan *sip.InboundResponse, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		resCh <- res
	})

	ctx := t.Context()
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging, "to-1")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusRinging)

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK, "to-1")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusOK)

	if res := tx.LastResponse(); res.Status != sip.ResponseStatusOK {
		t.Fatalf("tx.LastResponse().Status = %v, want %v", res.Status, sip.ResponseStatusOK)
	}

	// response retransmissions are absorbed in Completed
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK, "to-1")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200 retransmission) error = %v, want nil", err)
	}
	select {
	case res := <-resCh:
		t.Fatalf("response retransmission %v passed up", res.Status)
	default:
	}

	tp.drainSends()
	tp.ensureNoSend(t, timings.TimeE()+20*time.Millisecond)

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeK(false)+200*time.Millisecond)
	waitDone(t, tx.Done(), 100*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	tp.ensureNoSend(t, 2*timings.TimeE())
}

func TestNonInviteClientTransaction_RetransmitIntervals(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 10*t1, 64*t1, 2*t1)
	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newOutReq(t, sip.RequestMethodOptions, tp, "", remoteAddr)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	tp.waitSend(t, 100*time.Millisecond)
	start := time.Now()

	// E doubles: T1, 2*T1, 4*T1 (= T2), then stays at T2
	var sent []time.Duration
	for range 4 {
		tp.waitSend(t, timings.T2()+100*time.Millisecond)
		sent = append(sent, time.Since(start))
	}
	want := []time.Duration{t1, 3 * t1, 7 * t1, 11 * t1}
	for i := range want {
		if sent[i] < want[i] {
			t.Fatalf("retransmit #%d at %v, want >= %v", i+1, sent[i], want[i])
		}
	}
}

func TestNonInviteClientTransaction_TimerF(t *testing.T) {
	t.Parallel()

	t1 := 10 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1)
	tp := newStubTransport(sip.TransportTCP, localAddr)
	req := newOutReq(t, sip.RequestMethodRegister, tp, "", remoteAddr)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	tp.waitSend(t, 100*time.Millisecond)

	// no retransmissions over reliable transports
	tp.ensureNoSend(t, 4*t1)

	waitDone(t, tx.Done(), timings.TimeF()+200*time.Millisecond)
	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("tx.State() = %q, want %q", got, sip.TransactionStateTerminated)
	}
	if err := tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}
}

func TestNonInviteClientTransaction_ReliableTimerKIsAsync(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportTCP, localAddr)
	req := newOutReq(t, sip.RequestMethodOptions, tp, "", remoteAddr)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	tp.waitSend(t, 100*time.Millisecond)

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusOK, "to-1")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	// zero timer K never fires on the calling goroutine
	if got := tx.State(); got != sip.TransactionStateCompleted {
		t.Fatalf("tx.State() right after 200 = %q, want %q", got, sip.TransactionStateCompleted)
	}
	waitDone(t, tx.Done(), 200*time.Millisecond)
}

func TestNonInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	sendErr := errors.New("network unreachable")
	tp.failSends(sendErr)
	req := newOutReq(t, sip.RequestMethodMessage, tp, "", remoteAddr)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", err)
	}

	waitDone(t, tx.Done(), 100*time.Millisecond)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransportFailure) || !errors.Is(err, sendErr) {
		t.Fatalf("tx.Err() = %v, want %v wrapping %v", err, sip.ErrTransportFailure, sendErr)
	}
}

func TestNonInviteClientTransaction_Terminate(t *testing.T) {
	t.Parallel()

	for _, from := range []sip.TransactionState{
		sip.TransactionStateTrying,
		sip.TransactionStateProceeding,
		sip.TransactionStateCompleted,
	} {
		t.Run(string(from), func(t *testing.T) {
			t.Parallel()

			t1 := 50 * time.Millisecond
			timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)
			tp := newStubTransport(sip.TransportUDP, localAddr)
			req := newOutReq(t, sip.RequestMethodInfo, tp, "", remoteAddr)

			tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: timings})
			if err != nil {
				t.Fatalf("sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", err)
			}
			tp.waitSend(t, 100*time.Millisecond)

			ctx := t.Context()
			switch from {
			case sip.TransactionStateProceeding:
				tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusTrying, "")) //nolint:errcheck
			case sip.TransactionStateCompleted:
				tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusNotFound, "to-1")) //nolint:errcheck
			}
			if got := tx.State(); got != from {
				t.Fatalf("tx.State() = %q, want %q", got, from)
			}

			rec := recordStates(tx)
			if err := tx.Terminate(ctx); err != nil {
				t.Fatalf("tx.Terminate(ctx) error = %v, want nil", err)
			}
			waitDone(t, tx.Done(), 100*time.Millisecond)

			edges := rec.Edges()
			if len(edges) != 1 || edges[0] != [2]sip.TransactionState{from, sip.TransactionStateTerminated} {
				t.Fatalf("transitions = %v, want [%s -> terminated]", edges, from)
			}
			if err := tx.Err(); err != nil {
				t.Fatalf("tx.Err() = %v, want nil", err)
			}
			// terminating twice is a no-op
			if err := tx.Terminate(ctx); err != nil {
				t.Fatalf("second tx.Terminate(ctx) error = %v, want nil", err)
			}
			tp.drainSends()
			tp.ensureNoSend(t, 2*t1)
		})
	}
}

var nonInviteClientEdges = map[[2]sip.TransactionState]bool{
	{sip.TransactionStateTrying, sip.TransactionStateProceeding}:     true,
	{sip.TransactionStateTrying, sip.TransactionStateCompleted}:      true,
	{sip.TransactionStateTrying, sip.TransactionStateTerminated}:     true,
	{sip.TransactionStateProceeding, sip.TransactionStateCompleted}:  true,
	{sip.TransactionStateProceeding, sip.TransactionStateTerminated}: true,
	{sip.TransactionStateCompleted, sip.TransactionStateTerminated}:  true,
}

func TestNonInviteClientTransaction_RandomEvents(t *testing.T) {
	t.Parallel()

	statuses := []sip.ResponseStatus{
		sip.ResponseStatusTrying,
		sip.ResponseStatusRinging,
		sip.ResponseStatusOK,
		sip.ResponseStatusNotFound,
		sip.ResponseStatusServerInternalError,
	}

	for i := range 50 {
		t1 := 5 * time.Millisecond
		timings := sip.NewTimings(t1, 4*t1, 4*t1, 16*t1, t1)
		tp := newStubTransport(sip.TransportUDP, localAddr)
		req := newOutReq(t, sip.RequestMethodInfo, tp, "", remoteAddr)

		tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, &sip.ClientTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("#%d: sip.NewNonInviteClientTransaction(ctx, req, opts) error = %v, want nil", i, err)
		}
		rec := recordStates(tx)

		var wg sync.WaitGroup
		for range 4 {
			wg.Go(func() {
				for range 5 {
					if rand.IntN(6) == 0 {
						tx.Terminate(t.Context()) //nolint:errcheck
						continue
					}
					sts := statuses[rand.IntN(len(statuses))]
					tx.RecvResponse(t.Context(), newInRes(t, req, sts, "to-1")) //nolint:errcheck
					time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				}
			})
		}
		wg.Wait()
		tx.Terminate(t.Context()) //nolint:errcheck

		waitDone(t, tx.Done(), time.Second)
		rec.check(t, nonInviteClientEdges)
	}
}
