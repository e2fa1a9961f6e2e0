package sip_test

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/sip"
)

func newAckFor(inv *sip.InboundRequest, res *sip.Response) *sip.InboundRequest {
	ack := inv.Request.Clone()
	ack.Method = sip.RequestMethodAck
	ack.Headers.CSeq.Method = sip.RequestMethodAck
	ack.Headers.To = res.Headers.Clone().To
	ack.Body = nil
	return &sip.InboundRequest{
		Request:   ack,
		Transport: inv.Transport,
		Source:    inv.Source,
		RecvTime:  time.Now(),
	}
}

func retransmitted(req *sip.InboundRequest) *sip.InboundRequest {
	return &sip.InboundRequest{
		Request:   req.Request.Clone(),
		Transport: req.Transport,
		Source:    req.Source,
		RecvTime:  time.Now(),
	}
}

func TestInviteServerTransaction_NonSuccessUnreliable(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 10*t1, 64*t1, 2*t1)
	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

	tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	rec := recordStates(tx)
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// automatic 100 Trying
	trying, dst := tp.waitResponse(t, sip.ResponseStatusTrying, sip.RequestMethodInvite, timings.Time100()+100*time.Millisecond)
	if dst != remoteAddr {
		t.Fatalf("100 Trying destination = %v, want %v", dst, remoteAddr)
	}
	if tag := trying.Headers.ToTag(); tag != "" {
		t.Fatalf("100 Trying To tag = %q, want empty", tag)
	}

	// retransmission gets the last response
	if err := tx.RecvRequest(t.Context(), retransmitted(req)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, retransmission) error = %v, want nil", err)
	}
	tp.waitResponse(t, sip.ResponseStatusTrying, sip.RequestMethodInvite, 50*time.Millisecond)

	ringing := sip.NewResponse(req.Request, sip.ResponseStatusRinging, "")
	if err := tx.Respond(t.Context(), ringing); err != nil {
		t.Fatalf("tx.Respond(ctx, 180) error = %v, want nil", err)
	}
	sent, _ := tp.waitResponse(t, sip.ResponseStatusRinging, sip.RequestMethodInvite, 50*time.Millisecond)
	if got, want := sent.Headers.ToTag(), tx.LocalTag(); got != want {
		t.Fatalf("180 To tag = %q, want %q", got, want)
	}

	busy := sip.NewResponse(req.Request, sip.ResponseStatusBusyHere, "")
	if err := tx.Respond(t.Context(), busy); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	tp.waitResponse(t, sip.ResponseStatusBusyHere, sip.RequestMethodInvite, 50*time.Millisecond)
	// timer G
	start := time.Now()
	tp.waitResponse(t, sip.ResponseStatusBusyHere, sip.RequestMethodInvite, timings.TimeG()+100*time.Millisecond)
	if elapsed := time.Since(start); elapsed < timings.TimeG()/2 {
		t.Fatalf("486 retransmitted after %v, want about %v", elapsed, timings.TimeG())
	}

	if err := tx.RecvRequest(t.Context(), newAckFor(req, tx.LastResponse())); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	// ACK retransmissions are absorbed
	if err := tx.RecvRequest(t.Context(), newAckFor(req, tx.LastResponse())); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK retransmission) error = %v, want nil", err)
	}
	tp.drainSends()
	tp.ensureNoSend(t, 4*t1)

	waitDone(t, tx.Done(), timings.TimeI(false)+200*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	rec.check(t, inviteServerEdges)
}

func TestInviteServerTransaction_TimerH(t *testing.T) {
	t.Parallel()

	t1 := 10 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 10*t1, 64*t1, 2*t1)
	tp := newStubTransport(sip.TransportTCP, localAddr)
	req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

	tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusDecline, "")); err != nil {
		t.Fatalf("tx.Respond(ctx, 603) error = %v, want nil", err)
	}
	tp.waitResponse(t, sip.ResponseStatusDecline, sip.RequestMethodInvite, 50*time.Millisecond)
	// no timer G on reliable transport
	tp.ensureNoSend(t, 4*t1)

	waitDone(t, tx.Done(), timings.TimeH()+200*time.Millisecond)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}
}

func TestInviteServerTransaction_Success(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

	tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}

	// immediate final response suppresses 100 Trying
	ok := sip.NewResponse(req.Request, sip.ResponseStatusOK, "")
	if err := tx.Respond(t.Context(), ok); err != nil {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want nil", err)
	}
	waitDone(t, tx.Done(), 50*time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	tp.waitResponse(t, sip.ResponseStatusOK, sip.RequestMethodInvite, 50*time.Millisecond)
	tp.ensureNoSend(t, newTestTimings().Time100()+2*newTestTimings().T1())

	err = tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusRinging, ""))
	if !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("tx.Respond(ctx, 180) after 200 error = %v, want %v", err, sip.ErrActionNotAllowed)
	}
}

func TestInviteServerTransaction_RespondMismatch(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

	tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	other := newReq(t, sip.RequestMethodInvite, sip.TransportUDP, "", remoteAddr)
	err = tx.Respond(t.Context(), sip.NewResponse(other, sip.ResponseStatusOK, ""))
	if !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(ctx, foreign 200) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_TransportError(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

	tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}

	sendErr := errors.New("network unreachable")
	tp.failSends(sendErr)
	err = tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusRinging, ""))
	if !errors.Is(err, sip.ErrTransportFailure) || !errors.Is(err, sendErr) {
		t.Fatalf("tx.Respond(ctx, 180) error = %v, want %v wrapping %v", err, sip.ErrTransportFailure, sendErr)
	}

	waitDone(t, tx.Done(), 100*time.Millisecond)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransportFailure) || !errors.Is(err, sendErr) {
		t.Fatalf("tx.Err() = %v, want %v wrapping %v", err, sip.ErrTransportFailure, sendErr)
	}
}

func TestInviteServerTransaction_TransportErrorOn2xx(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportUDP, localAddr)
	req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

	tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: newTestTimings()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", err)
	}
	rec := recordStates(tx)

	sendErr := errors.New("connection reset")
	tp.failSends(sendErr)
	err = tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusOK, ""))
	if !errors.Is(err, sip.ErrTransportFailure) || !errors.Is(err, sendErr) {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want %v wrapping %v", err, sip.ErrTransportFailure, sendErr)
	}

	waitDone(t, tx.Done(), 100*time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if err := tx.Err(); !errors.Is(err, sip.ErrTransportFailure) || !errors.Is(err, sendErr) {
		t.Fatalf("tx.Err() = %v, want %v wrapping %v", err, sip.ErrTransportFailure, sendErr)
	}
	if got, want := tx.LastResponse().Status, sip.ResponseStatusOK; got != want {
		t.Fatalf("tx.LastResponse().Status = %d, want %d", got, want)
	}
	want := [][2]sip.TransactionState{{sip.TransactionStateProceeding, sip.TransactionStateTerminated}}
	if diff := cmp.Diff(want, rec.Edges()); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestInviteServerTransaction_RandomEvents(t *testing.T) {
	t.Parallel()

	statuses := []sip.ResponseStatus{
		sip.ResponseStatusRinging,
		sip.ResponseStatusSessionProgress,
		sip.ResponseStatusOK,
		sip.ResponseStatusBusyHere,
		sip.ResponseStatusServerInternalError,
	}

	for i := range 50 {
		t1 := 5 * time.Millisecond
		timings := sip.NewTimings(t1, 4*t1, 4*t1, 16*t1, t1)
		tp := newStubTransport(sip.TransportUDP, localAddr)
		req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

		tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("#%d: sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", i, err)
		}
		rec := recordStates(tx)

		var wg sync.WaitGroup
		for range 4 {
			wg.Go(func() {
				for range 5 {
					switch rand.IntN(8) {
					case 0:
						tx.Terminate(t.Context()) //nolint:errcheck
					case 1:
						tx.RecvRequest(t.Context(), retransmitted(req)) //nolint:errcheck
					case 2:
						if res := tx.LastResponse(); res != nil {
							tx.RecvRequest(t.Context(), newAckFor(req, res)) //nolint:errcheck
						}
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
		rec.check(t, inviteServerEdges)
	}
}

// Timers expiring while the transaction is terminated never act after termination.
func TestInviteServerTransaction_TimerRacesTerminate(t *testing.T) {
	t.Parallel()

	t1 := 2 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 4*t1, 8*t1, t1)

	for i := range 30 {
		tp := newStubTransport(sip.TransportUDP, localAddr)
		req := newInReq(t, sip.RequestMethodInvite, tp, "", remoteAddr)

		tx, err := sip.NewInviteServerTransaction(t.Context(), req, &sip.ServerTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("#%d: sip.NewInviteServerTransaction(ctx, req, opts) error = %v, want nil", i, err)
		}
		rec := recordStates(tx)
		if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.ResponseStatusNotFound, "")); err != nil {
			t.Fatalf("#%d: tx.Respond(ctx, 404) error = %v, want nil", i, err)
		}

		// timer G fires on the wheel ticks around the Terminate call
		time.Sleep(time.Duration(rand.IntN(30)) * time.Millisecond)
		if err := tx.Terminate(t.Context()); err != nil {
			t.Fatalf("#%d: tx.Terminate(ctx) error = %v, want nil", i, err)
		}
		waitDone(t, tx.Done(), 100*time.Millisecond)

		tp.drainSends()
		tp.ensureNoSend(t, 30*time.Millisecond)
		if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
			t.Fatalf("#%d: tx.State() = %q, want %q", i, got, want)
		}
		rec.check(t, inviteServerEdges)
	}
}

var inviteServerEdges = map[[2]sip.TransactionState]bool{
	{sip.TransactionStateProceeding, sip.TransactionStateCompleted}:  true,
	{sip.TransactionStateProceeding, sip.TransactionStateTerminated}: true,
	{sip.TransactionStateCompleted, sip.TransactionStateConfirmed}:   true,
	{sip.TransactionStateCompleted, sip.TransactionStateTerminated}:  true,
	{sip.TransactionStateConfirmed, sip.TransactionStateTerminated}:  true,
}
