package dns

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
)

func startServer(tb testing.TB, hdlr dns.HandlerFunc) string {
	tb.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: hdlr, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe() //nolint:errcheck
	tb.Cleanup(func() { srv.Shutdown() }) //nolint:errcheck

	select {
	case <-started:
	case <-time.After(time.Second):
		tb.Fatal("DNS server did not start")
	}
	return pc.LocalAddr().String()
}

func naptrHandler(w dns.ResponseWriter, req *dns.Msg) {
	res := new(dns.Msg)
	res.SetReply(req)

	q := req.Question[0]
	if q.Qtype != dns.TypeNAPTR || q.Name != "example.test." {
		res.Rcode = dns.RcodeNameError
		w.WriteMsg(res) //nolint:errcheck
		return
	}
	hdr := dns.RR_Header{Name: q.Name, Rrtype: dns.TypeNAPTR, Class: dns.ClassINET, Ttl: 60}
	res.Answer = []dns.RR{
		&dns.NAPTR{Hdr: hdr, Order: 20, Preference: 10, Flags: "s", Service: "SIP+D2U", Replacement: "_sip._udp.example.test."},
		&dns.NAPTR{Hdr: hdr, Order: 10, Preference: 20, Flags: "s", Service: "SIPS+D2T", Replacement: "_sips._tcp.example.test."},
		&dns.NAPTR{Hdr: hdr, Order: 10, Preference: 10, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.example.test."},
	}
	w.WriteMsg(res) //nolint:errcheck
}

func TestResolver_LookupNAPTR(t *testing.T) {
	t.Parallel()

	r := &Resolver{NameServer: startServer(t, naptrHandler), Timeout: time.Second}

	got, err := r.LookupNAPTR(t.Context(), "example.test")
	if err != nil {
		t.Fatalf("r.LookupNAPTR(ctx, example.test) error = %v, want nil", err)
	}
	want := []*NAPTR{
		{Order: 10, Preference: 10, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.example.test."},
		{Order: 10, Preference: 20, Flags: "s", Service: "SIPS+D2T", Replacement: "_sips._tcp.example.test."},
		{Order: 20, Preference: 10, Flags: "s", Service: "SIP+D2U", Replacement: "_sip._udp.example.test."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("r.LookupNAPTR(ctx, example.test) mismatch (-want +got):\n%s", diff)
	}

	_, err = r.LookupNAPTR(t.Context(), "missing.test")
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Fatalf("r.LookupNAPTR(ctx, missing.test) error = %v, want not found DNS error", err)
	}
}

func TestResolver_LookupIP(t *testing.T) {
	t.Parallel()

	addrs, err := new(Resolver).LookupIP(t.Context(), "ip", "::ffff:127.0.0.1")
	if err != nil {
		t.Fatalf("r.LookupIP(ctx, ip, mapped) error = %v, want nil", err)
	}
	if len(addrs) != 1 || !addrs[0].Is4() {
		t.Fatalf("r.LookupIP(ctx, ip, mapped) = %v, want one unmapped IPv4", addrs)
	}
}

func TestResolver_Nameserver(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"192.0.2.53":      "192.0.2.53:53",
		"192.0.2.53:5353": "192.0.2.53:5353",
	}
	for in, want := range cases {
		got, err := (&Resolver{NameServer: in}).nameserver()
		if err != nil || got != want {
			t.Errorf("nameserver() for %q = %q, %v, want %q, nil", in, got, err, want)
		}
	}
	if got := new(Resolver).timeout(); got != 5*time.Second {
		t.Errorf("default timeout = %v, want 5s", got)
	}
}
