package sip

import (
	"context"
	"iter"
	"net/netip"
	"slices"
	"strings"

	"github.com/ghettovoice/sipcore/dns"
)

// DNSResolver resolves message destinations.
// [dns.Resolver] implements it.
type DNSResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// ResponseAddrs returns the addresses a response to the request with the topmost Via should be sent to.
// It implements RFC 3261 Section 18.2.2 for unreliable transports, with the RFC 3581 rport,
// falling back to RFC 3263 Section 5.
func ResponseAddrs(ctx context.Context, via Via, proto TransportProto, rslvr DNSResolver) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		port := via.Addr.Port
		if port == 0 {
			port = proto.DefaultPort()
		}

		if maddr, ok := via.MAddr(); ok {
			// no fallback is defined for maddr
			for _, addr := range lookupHost(ctx, rslvr, maddr) {
				if !yield(netip.AddrPortFrom(addr, port)) {
					return
				}
			}
			return
		}

		if addr, ok := via.Received(); ok {
			p := port
			if rport, ok := via.RPort(); ok && rport > 0 && !proto.IsReliable() {
				p = rport
			}
			if !yield(netip.AddrPortFrom(addr, p)) {
				return
			}
		}

		if via.Addr.Port != 0 {
			for _, addr := range lookupHost(ctx, rslvr, via.Addr.Host) {
				if !yield(netip.AddrPortFrom(addr, port)) {
					return
				}
			}
			return
		}
		if addr, ok := via.Addr.IP(); ok {
			yield(netip.AddrPortFrom(addr, port))
			return
		}

		for addr := range srvAddrs(ctx, rslvr, srvService(proto), proto.Network(), via.Addr.Host) {
			if !yield(addr) {
				return
			}
		}
	}
}

// RequestAddrs returns the candidate destinations of a request to the URI over the transport (RFC 3263 Section 4).
//
// Numeric hosts and hosts with an explicit port resolve to address records.
// Other hosts are looked up with NAPTR records matching the transport, then SRV records,
// then address records with the default port.
func RequestAddrs(ctx context.Context, uri URI, proto TransportProto, rslvr DNSResolver) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		host := uri.Addr.Host
		if maddr, ok := uri.Params.First("maddr"); ok {
			host = maddr
		}
		port := uri.Addr.Port
		if port == 0 {
			port = proto.DefaultPort()
		}

		if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
			yield(netip.AddrPortFrom(addr.Unmap(), port))
			return
		}
		if uri.Addr.Port != 0 {
			for _, addr := range lookupHost(ctx, rslvr, host) {
				if !yield(netip.AddrPortFrom(addr, port)) {
					return
				}
			}
			return
		}

		var found bool
		if recs, err := rslvr.LookupNAPTR(ctx, host); err == nil {
			svc := naptrService(proto)
			for _, rec := range recs {
				if !strings.EqualFold(rec.Service, svc) || !strings.EqualFold(rec.Flags, "s") {
					continue
				}
				for addr := range srvAddrs(ctx, rslvr, "", "", strings.TrimSuffix(rec.Replacement, ".")) {
					found = true
					if !yield(addr) {
						return
					}
				}
			}
		}
		if found {
			return
		}

		for addr := range srvAddrs(ctx, rslvr, srvService(proto), proto.Network(), host) {
			found = true
			if !yield(addr) {
				return
			}
		}
		if found {
			return
		}

		for _, addr := range lookupHost(ctx, rslvr, host) {
			if !yield(netip.AddrPortFrom(addr, port)) {
				return
			}
		}
	}
}

func lookupHost(ctx context.Context, rslvr DNSResolver, host string) []netip.Addr {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr.Unmap()}
	}
	addrs, err := rslvr.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	return addrs
}

// srvAddrs yields addresses of SRV targets ordered by priority, then by descending weight.
// Empty service and proto query the name as is.
func srvAddrs(ctx context.Context, rslvr DNSResolver, service, proto, name string) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		srvs, err := rslvr.LookupSRV(ctx, service, proto, name)
		if err != nil {
			return
		}
		srvs = slices.SortedStableFunc(slices.Values(srvs), func(a, b *dns.SRV) int {
			switch {
			case a.Priority != b.Priority:
				return int(a.Priority) - int(b.Priority)
			case a.Weight != b.Weight:
				return int(b.Weight) - int(a.Weight)
			default:
				return strings.Compare(a.Target, b.Target)
			}
		})
		for _, srv := range srvs {
			for _, addr := range lookupHost(ctx, rslvr, strings.TrimSuffix(srv.Target, ".")) {
				if !yield(netip.AddrPortFrom(addr, srv.Port)) {
					return
				}
			}
		}
	}
}

func srvService(proto TransportProto) string {
	if proto.IsSecured() {
		return "sips"
	}
	return "sip"
}

func naptrService(proto TransportProto) string {
	switch proto {
	case TransportUDP:
		return "SIP+D2U"
	case TransportTCP:
		return "SIP+D2T"
	case TransportTLS:
		return "SIPS+D2T"
	case TransportSCTP:
		return "SIP+D2S"
	default:
		return ""
	}
}
