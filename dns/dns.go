// Package dns provides the DNS lookups used to locate SIP servers (RFC 3263).
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver wraps net.Resolver with NAPTR lookups.
type Resolver struct {
	net.Resolver

	// NameServer is the DNS server address used for NAPTR queries (e.g., "8.8.8.8:53").
	// If empty, the first server from /etc/resolv.conf is used.
	NameServer string
	// Timeout is the NAPTR query timeout.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// LookupIP returns unmapped IP addresses of the host.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	addrs, err := r.Resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

type SRV = net.SRV

// LookupSRV returns SRV records of the service sorted by priority and randomized by weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR is a NAPTR record (RFC 3403).
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags, "s" means the replacement is an SRV name.
	Flags string
	// Service, for SIP one of "SIP+D2U", "SIP+D2T", "SIP+D2S", "SIPS+D2T".
	Service     string
	Regexp      string
	Replacement string
}

// LookupNAPTR queries NAPTR records of the host.
// Records are sorted by order, then by preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	ns, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	clnt := &dns.Client{Timeout: r.timeout()}
	res, _, err := clnt.ExchangeContext(ctx, m, ns)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if res.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[res.Rcode],
			Name:       host,
			IsNotFound: res.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(res.Answer))
	for _, ans := range res.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Preference, b.Preference))
	})
	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver backed by the system configuration.
func DefaultResolver() *Resolver { return defResolver }
