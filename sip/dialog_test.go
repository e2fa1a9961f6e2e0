package sip_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/sip"
)

// newServerDialog delivers an INVITE with the Record-Route to a test stack and returns its UAS dialog.
func newServerDialog(tb testing.TB, recordRoute []sip.NameAddr) (*sip.Dialog, reqEvent, *stubTransport, *stackRecorder) {
	tb.Helper()

	_, tp, rec := newTestStack(tb, nil)
	inv := newReq(tb, sip.RequestMethodInvite, sip.TransportUDP, "", remoteAddr)
	inv.Headers.RecordRoute = recordRoute
	tp.deliver(tb.Context(), inv, remoteAddr)

	ev := waitEvent(tb, rec.reqs, 100*time.Millisecond)
	if ev.dlg == nil {
		tb.Fatal("INVITE delivered without dialog")
	}
	return ev.dlg, ev, tp, rec
}

func TestDialog_NewRequest(t *testing.T) {
	t.Parallel()

	proxy := sip.NameAddr{URI: sip.URI{
		Scheme: "sip",
		Addr:   sip.Addr{Host: "192.0.2.1"},
		Params: sip.Values(nil).Set("lr", ""),
	}}
	dlg, _, _, _ := newServerDialog(t, []sip.NameAddr{proxy})

	if got := dlg.LocalSeq(); got != 0 {
		t.Fatalf("dlg.LocalSeq() = %d, want 0", got)
	}
	req, err := dlg.NewRequest(sip.RequestMethodInfo)
	if err != nil {
		t.Fatalf("dlg.NewRequest(INFO) error = %v, want nil", err)
	}
	if got := req.Headers.CSeq.Seq; got != 1 {
		t.Fatalf("INFO CSeq = %d, want 1", got)
	}
	if next, _ := dlg.NewRequest(sip.RequestMethodInfo); next.Headers.CSeq.Seq != 2 {
		t.Fatalf("second INFO CSeq = %d, want 2", next.Headers.CSeq.Seq)
	}

	id := dlg.ID()
	if req.Headers.CallID != id.CallID || req.Headers.FromTag() != id.LocalTag || req.Headers.ToTag() != id.RemoteTag {
		t.Fatalf("request dialog ID = %s/%s/%s, want %s", req.Headers.CallID, req.Headers.FromTag(), req.Headers.ToTag(), id)
	}
	// loose router keeps the remote target
	if diff := cmp.Diff(dlg.RemoteTarget(), req.URI); diff != "" {
		t.Fatalf("Request-URI mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]sip.NameAddr{proxy}, req.Headers.Route); diff != "" {
		t.Fatalf("Route mismatch (-want +got):\n%s", diff)
	}
	if !req.Headers.Via[0].Addr.Equal(sip.AddrFromAddrPort(localAddr)) {
		t.Fatalf("Via sent-by = %v, want %v", req.Headers.Via[0].Addr, localAddr)
	}

	for _, method := range []sip.RequestMethod{sip.RequestMethodAck, sip.RequestMethodCancel, "bad method"} {
		if _, err := dlg.NewRequest(method); !errors.Is(err, sip.ErrMethodNotAllowed) {
			t.Errorf("dlg.NewRequest(%q) error = %v, want %v", method, err, sip.ErrMethodNotAllowed)
		}
	}
}

func TestDialog_StrictRouting(t *testing.T) {
	t.Parallel()

	strict := sip.NameAddr{URI: sip.URI{Scheme: "sip", Addr: sip.Addr{Host: "192.0.2.1", Port: 5070}}}
	next := sip.NameAddr{URI: sip.URI{
		Scheme: "sip",
		Addr:   sip.Addr{Host: "192.0.2.2"},
		Params: sip.Values(nil).Set("lr", ""),
	}}
	dlg, _, tp, _ := newServerDialog(t, []sip.NameAddr{strict, next})

	req, err := dlg.NewRequest(sip.RequestMethodInfo)
	if err != nil {
		t.Fatalf("dlg.NewRequest(INFO) error = %v, want nil", err)
	}
	if diff := cmp.Diff(strict.URI, req.URI); diff != "" {
		t.Fatalf("Request-URI mismatch (-want +got):\n%s", diff)
	}
	wantRoute := []sip.NameAddr{next, {URI: dlg.RemoteTarget()}}
	if diff := cmp.Diff(wantRoute, req.Headers.Route); diff != "" {
		t.Fatalf("Route mismatch (-want +got):\n%s", diff)
	}

	// in-dialog requests go to the first route
	if _, err := dlg.SendRequest(t.Context(), req); err != nil {
		t.Fatalf("dlg.SendRequest(ctx, INFO) error = %v, want nil", err)
	}
	if _, dst := tp.waitRequest(t, sip.RequestMethodInfo, 50*time.Millisecond); dst != netip.MustParseAddrPort("192.0.2.1:5070") {
		t.Fatalf("INFO destination = %v, want 192.0.2.1:5070", dst)
	}
}

func TestDialog_SendRequestRejected(t *testing.T) {
	t.Parallel()

	dlg, ev, _, _ := newServerDialog(t, nil)

	if err := dlg.Bye(t.Context()); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("dlg.Bye(ctx) in Early error = %v, want %v", err, sip.ErrActionNotAllowed)
	}

	inv, _ := dlg.NewRequest(sip.RequestMethodInfo)
	inv.Method = sip.RequestMethodInvite
	inv.Headers.CSeq.Method = sip.RequestMethodInvite
	if _, err := dlg.SendRequest(t.Context(), inv); !errors.Is(err, sip.ErrMethodNotAllowed) {
		t.Fatalf("dlg.SendRequest(ctx, re-INVITE) error = %v, want %v", err, sip.ErrMethodNotAllowed)
	}

	foreign, _ := dlg.NewRequest(sip.RequestMethodInfo)
	foreign.Headers.CallID = "other@10.0.0.1"
	if _, err := dlg.SendRequest(t.Context(), foreign); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("dlg.SendRequest(ctx, foreign) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	// rejecting the INVITE ends the dialog
	if err := ev.tx.Respond(t.Context(), sip.NewResponse(ev.req.Request, sip.ResponseStatusBusyHere, "")); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	waitDone(t, dlg.Done(), 50*time.Millisecond)
	if reason, ok := dlg.Reason(); !ok || reason != sip.DialogTerminatedRejected {
		t.Fatalf("dlg.Reason() = %q, %v, want %q, true", reason, ok, sip.DialogTerminatedRejected)
	}
	if _, err := dlg.NewRequest(sip.RequestMethodInfo); !errors.Is(err, sip.ErrDialogTerminated) {
		t.Fatalf("dlg.NewRequest(INFO) after termination error = %v, want %v", err, sip.ErrDialogTerminated)
	}
}
