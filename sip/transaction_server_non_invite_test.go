package sip_test

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

func TestNonInviteServerTransaction_LifecycleUnreliable(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 4*t1, 64*t1, 2*t1)
	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newInReq(t, sip.RequestMethodRegister, tp, "", remoteAddr)

	tx, err := sip.NewNonInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	rec := recordStates(tx)
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// nothing to resend yet
	if err := tx.RecvRequest(t.Context(), retransmitted(req)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, retransmission) error = %v, want nil", err)
	}
	tp.ensureNoSend(t, 4*t1)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.Respond(ctx, 100) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	tp.waitResponse(t, sip.ResponseStatusTrying, sip.RequestMethodRegister, 50*time.Millisecond)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	first, dst := tp.waitResponse(t, sip.ResponseStatusOK, sip.RequestMethodRegister, 50*time.Millisecond)
	if dst != remoteAddr {
		t.Fatalf("200 destination = %v, want %v", dst, remoteAddr)
	}

	if err := tx.RecvRequest(t.Context(), retransmitted(req)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, retransmission) error = %v, want nil", err)
	}
	again, _ := tp.waitResponse(t, sip.ResponseStatusOK, sip.RequestMethodRegister, 50*time.Millisecond)
	if again.Headers.ToTag() != first.Headers.ToTag() {
		t.Fatalf("resent 200 To tag = %q, want %q", again.Headers.ToTag(), first.Headers.ToTag())
	}

	err = tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusServerInternalError, ""))
	if !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("tx.Respond(ctx, 500) in Completed error = %v, want %v", err, sip.ErrActionNotAllowed)
	}

	waitDone(t, tx.Done(), timings.TimeJ(false)+200*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	rec.check(t, map[[2]sip.TransactionState]bool{
		{sip.TransactionStateTrying, sip.TransactionStateProceeding}:    true,
		{sip.TransactionStateProceeding, sip.TransactionStateCompleted}: true,
		{sip.TransactionStateCompleted, sip.TransactionStateTerminated}: true,
	})
	if got := len(rec.Edges()); got != 3 {
		t.Fatalf("recorded %d transitions, want 3", got)
	}
}

func TestNonInviteServerTransaction_ReliableTimerJ(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportTCP, localAddr)
	req := newInReq(t, sip.RequestMethodOptions, tp, "", remoteAddr)

	tx, err := sip.NewNonInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusNotFound, "")); err != nil {
		t.Fatalf("tx.Respond(ctx, 404) error = %v, want nil", err)
	}
	// timer J is zero, it fires on the next tick and never synchronously
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	waitDone(t, tx.Done(), 100*time.Millisecond)
}

func TestNonInviteServerTransaction_InvalidRequest(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	for _, method := range []sip.RequestMethod{sip.RequestMethodInvite, sip.RequestMethodAck} {
		req := newInReq(t, method, tp, "", remoteAddr)
		if _, err := sip.NewNonInviteServerTransaction(t.Context(), req, nil); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Fatalf("sip.NewNonInviteServerTransaction(ctx, %s, nil) error = %v, want %v", method, err, sip.ErrInvalidArgument)
		}
	}

	req := newInReq(t, sip.RequestMethodBye, tp, "", remoteAddr)
	req.Transport = nil
	if _, err := sip.NewNonInviteServerTransaction(t.Context(), req, nil); !errors.Is(err, sip.ErrNoTransport) {
		t.Fatalf("sip.NewNonInviteServerTransaction(ctx, no transport, nil) error = %v, want %v", err, sip.ErrNoTransport)
	}
}

func TestServerTransaction_ResponseTarget(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	src := netip.MustParseAddrPort("192.0.2.10:40000")
	req := newInReq(t, sip.RequestMethodOptions, tp, "", remoteAddr)
	req.Source = src
	// the transport layer stamps received and rport
	req.Headers.Via[0].Params = req.Headers.Via[0].Params.
		Set("received", src.Addr().String()).
		Set("rport", "40000")

	tx, err := sip.NewServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want nil", err)
	}
	_, dst := tp.waitResponse(t, sip.ResponseStatusOK, sip.RequestMethodOptions, 50*time.Millisecond)
	if dst != src {
		t.Fatalf("response destination = %v, want %v", dst, src)
	}
	tx.Terminate(t.Context()) //nolint:errcheck
}

var nonInviteServerEdges = map[[2]sip.TransactionState]bool{
	{sip.TransactionStateTrying, sip.TransactionStateProceeding}:     true,
	{sip.TransactionStateTrying, sip.TransactionStateCompleted}:      true,
	{sip.TransactionStateTrying, sip.TransactionStateTerminated}:     true,
	{sip.TransactionStateProceeding, sip.TransactionStateCompleted}:  true,
	{sip.TransactionStateProceeding, sip.TransactionStateTerminated}: true,
	{sip.TransactionStateCompleted, sip.TransactionStateTerminated}:  true,
}

func TestNonInviteServerTransaction_RandomEvents(t *testing.T) {
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
		req := newInReq(t, sip.RequestMethodInfo, tp, "", remoteAddr)

		tx, err := sip.NewNonInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("#%d: sip.NewNonInviteServerTransaction(ctx, req, opts) error = %v, want nil", i, err)
		}
		rec := recordStates(tx)

		var wg sync.WaitGroup
		for range 4 {
			wg.Go(func() {
				for range 5 {
					switch rand.IntN(6) {
					case 0:
						tx.Terminate(t.Context()) //nolint:errcheck
					case 1:
						tx.RecvRequest(t.Context(), retransmitted(req)) //nolint:errcheck
					default:
						sts := statuses[rand.IntN(len(statuses))]
						tx.Respond(t.Context(), sip.NewResponse(req.Request, sts, "")) //nolint:errcheck
					}
					time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				}
			})
		}
		wg.Wait()
		tx.Terminate(t.Context()) //nolint:errcheck

		waitDone(t, tx.Done(), time.Second)
		rec.check(t, nonInviteServerEdges)
	}
}
