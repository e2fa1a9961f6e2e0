package sip_test

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

type sentMsg struct {
	msg sip.Message
	dst netip.AddrPort
}

// stubTransport records sent messages and delivers injected ones to registered handlers.
type stubTransport struct {
	proto sip.TransportProto
	laddr netip.AddrPort
	sends chan sentMsg

	mu     sync.Mutex
	nextID int
	hdlrs  map[int]sip.MessageHandler

	sendErr atomic.Pointer[error]
}

func newStubTransport(proto sip.TransportProto, laddr netip.AddrPort) *stubTransport {
	return &stubTransport{
		proto: proto,
		laddr: laddr,
		sends: make(chan sentMsg, 512),
		hdlrs: make(map[int]sip.MessageHandler),
	}
}

func (tp *stubTransport) Proto() sip.TransportProto { return tp.proto }

func (tp *stubTransport) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *stubTransport) Send(_ context.Context, msg sip.Message, dst netip.AddrPort) error {
	if err := tp.sendErr.Load(); err != nil {
		return *err
	}
	select {
	case tp.sends <- sentMsg{sip.CloneMessage(msg), dst}:
	default:
	}
	return nil
}

func (tp *stubTransport) OnMessage(fn sip.MessageHandler) (cancel func()) {
	tp.mu.Lock()
	id := tp.nextID
	tp.nextID++
	tp.hdlrs[id] = fn
	tp.mu.Unlock()

	return func() {
		tp.mu.Lock()
		delete(tp.hdlrs, id)
		tp.mu.Unlock()
	}
}

func (tp *stubTransport) failSends(err error) { tp.sendErr.Store(&err) }

// deliver passes an inbound message to the handlers on the calling goroutine.
func (tp *stubTransport) deliver(ctx context.Context, msg sip.Message, src netip.AddrPort) {
	tp.mu.Lock()
	hdlrs := make([]sip.MessageHandler, 0, len(tp.hdlrs))
	for _, fn := range tp.hdlrs {
		hdlrs = append(hdlrs, fn)
	}
	tp.mu.Unlock()

	for _, fn := range hdlrs {
		fn(ctx, msg, src, tp)
	}
}

func (tp *stubTransport) waitSend(tb testing.TB, timeout time.Duration) sentMsg {
	tb.Helper()

	select {
	case m := <-tp.sends:
		return m
	case <-time.After(timeout):
		tb.Fatalf("no message sent within %v", timeout)
		return sentMsg{}
	}
}

// waitRequest skips sent messages until a request with the method.
func (tp *stubTransport) waitRequest(tb testing.TB, method sip.RequestMethod, timeout time.Duration) (*sip.Request, netip.AddrPort) {
	tb.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case m := <-tp.sends:
			if req, ok := m.msg.(*sip.Request); ok && req.Method.Equal(method) {
				return req, m.dst
			}
		case <-deadline:
			tb.Fatalf("no %s request sent within %v", method, timeout)
			return nil, netip.AddrPort{}
		}
	}
}

// waitResponse skips sent messages until a response with the status and the CSeq method.
func (tp *stubTransport) waitResponse(
	tb testing.TB,
	sts sip.ResponseStatus,
	method sip.RequestMethod,
	timeout time.Duration,
) (*sip.Response, netip.AddrPort) {
	tb.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case m := <-tp.sends:
			if res, ok := m.msg.(*sip.Response); ok && res.Status == sts && sip.MessageMethod(res).Equal(method) {
				return res, m.dst
			}
		case <-deadline:
			tb.Fatalf("no %d %s response sent within %v", sts, method, timeout)
			return nil, netip.AddrPort{}
		}
	}
}

func (tp *stubTransport) drainSends() {
	for {
		select {
		case <-tp.sends:
		default:
			return
		}
	}
}

func (tp *stubTransport) ensureNoSend(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case m := <-tp.sends:
		tb.Fatalf("unexpected message sent to %v: %v", m.dst, m.msg.LogValue())
	case <-time.After(d):
	}
}

func TestTransportProto(t *testing.T) {
	t.Parallel()

	cases := []struct {
		proto    sip.TransportProto
		name     string
		reliable bool
		secured  bool
		network  string
		port     uint16
	}{
		{sip.TransportUDP, "UDP", false, false, "udp", 5060},
		{sip.TransportTCP, "TCP", true, false, "tcp", 5060},
		{sip.TransportTLS, "TLS", true, true, "tcp", 5061},
		{sip.TransportSCTP, "SCTP", true, false, "sctp", 5060},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.proto.String(); got != c.name {
				t.Fatalf("proto.String() = %q, want %q", got, c.name)
			}
			if got := c.proto.IsReliable(); got != c.reliable {
				t.Fatalf("proto.IsReliable() = %v, want %v", got, c.reliable)
			}
			if got := c.proto.IsSecured(); got != c.secured {
				t.Fatalf("proto.IsSecured() = %v, want %v", got, c.secured)
			}
			if got := c.proto.Network(); got != c.network {
				t.Fatalf("proto.Network() = %q, want %q", got, c.network)
			}
			if got := c.proto.DefaultPort(); got != c.port {
				t.Fatalf("proto.DefaultPort() = %d, want %d", got, c.port)
			}

			parsed, err := sip.ParseTransportProto(c.name)
			if err != nil {
				t.Fatalf("sip.ParseTransportProto(%q) error = %v, want nil", c.name, err)
			}
			if parsed != c.proto {
				t.Fatalf("sip.ParseTransportProto(%q) = %v, want %v", c.name, parsed, c.proto)
			}
		})
	}

	if _, err := sip.ParseTransportProto("WS"); err == nil {
		t.Fatal(`sip.ParseTransportProto("WS") error = nil, want error`)
	}

	var p sip.TransportProto
	if err := p.UnmarshalText([]byte("tls")); err != nil {
		t.Fatalf("proto.UnmarshalText(tls) error = %v, want nil", err)
	}
	if p != sip.TransportTLS {
		t.Fatalf("proto.UnmarshalText(tls) = %v, want %v", p, sip.TransportTLS)
	}
	if _, err := sip.TransportProto(0).MarshalText(); err == nil {
		t.Fatal("zero proto MarshalText() error = nil, want error")
	}
}
