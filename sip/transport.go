package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"braces.dev/errtrace"
)

//go:generate mockgen -typed -destination ../internal/testutil/transportmock/transport.go -package transportmock . Transport

// TransportProto is the closed set of transport protocols supported by the stack.
type TransportProto uint8

const (
	TransportUDP TransportProto = iota + 1
	TransportTCP
	TransportTLS
	TransportSCTP
)

// TransportProtos lists all supported transport protocols.
var TransportProtos = [...]TransportProto{TransportUDP, TransportTCP, TransportTLS, TransportSCTP}

// ParseTransportProto parses a transport name as it appears in the Via header field.
func ParseTransportProto(s string) (TransportProto, error) {
	switch strings.ToUpper(s) {
	case "UDP":
		return TransportUDP, nil
	case "TCP":
		return TransportTCP, nil
	case "TLS":
		return TransportTLS, nil
	case "SCTP":
		return TransportSCTP, nil
	default:
		return 0, errtrace.Wrap(NewInvalidArgumentError("unknown transport %q", s))
	}
}

func (p TransportProto) String() string {
	switch p {
	case TransportUDP:
		return "UDP"
	case TransportTCP:
		return "TCP"
	case TransportTLS:
		return "TLS"
	case TransportSCTP:
		return "SCTP"
	default:
		return "UNKNOWN"
	}
}

func (p TransportProto) IsValid() bool { return p >= TransportUDP && p <= TransportSCTP }

// IsReliable reports whether the transport guarantees delivery.
// Timers A, E and G are not used and timers D, I, J and K are zero on reliable transports.
func (p TransportProto) IsReliable() bool {
	switch p {
	case TransportUDP:
		return false
	case TransportTCP, TransportTLS, TransportSCTP:
		return true
	default:
		return false
	}
}

func (p TransportProto) IsSecured() bool {
	switch p {
	case TransportTLS:
		return true
	case TransportUDP, TransportTCP, TransportSCTP:
		return false
	default:
		return false
	}
}

// Network returns the network name used in SRV lookups.
func (p TransportProto) Network() string {
	switch p {
	case TransportUDP:
		return "udp"
	case TransportTCP, TransportTLS:
		return "tcp"
	case TransportSCTP:
		return "sctp"
	default:
		return ""
	}
}

func (p TransportProto) DefaultPort() uint16 {
	switch p {
	case TransportUDP, TransportTCP, TransportSCTP:
		return 5060
	case TransportTLS:
		return 5061
	default:
		return 0
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p TransportProto) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unknown transport %d", uint8(p)))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *TransportProto) UnmarshalText(text []byte) error {
	v, err := ParseTransportProto(string(text))
	if err != nil {
		return errtrace.Wrap(err)
	}
	*p = v
	return nil
}

// MessageHandler is called by a transport for each inbound message.
type MessageHandler = func(ctx context.Context, msg Message, src netip.AddrPort, tp Transport)

// Transport sends and receives parsed SIP messages.
// Socket I/O, connection management and message parsing are the implementation's job.
type Transport interface {
	// Proto returns the transport protocol.
	Proto() TransportProto
	// LocalAddr returns the local address used in Via sent-by.
	LocalAddr() netip.AddrPort
	// Send sends the message to the destination.
	Send(ctx context.Context, msg Message, dst netip.AddrPort) error
	// OnMessage registers a handler for inbound messages.
	OnMessage(fn MessageHandler) (cancel func())
}

// InboundRequest is a request received from a transport.
type InboundRequest struct {
	*Request
	Transport Transport
	Source    netip.AddrPort
	RecvTime  time.Time
}

// LogValue implements [slog.LogValuer].
func (r *InboundRequest) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("request", r.Request),
		slog.Any("source", r.Source),
	)
}

// Reliable reports whether the request arrived over a reliable transport.
func (r *InboundRequest) Reliable() bool {
	return r.Transport != nil && r.Transport.Proto().IsReliable()
}

// InboundResponse is a response received from a transport.
type InboundResponse struct {
	*Response
	Transport Transport
	Source    netip.AddrPort
	RecvTime  time.Time
}

// LogValue implements [slog.LogValuer].
func (r *InboundResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("response", r.Response),
		slog.Any("source", r.Source),
	)
}

// OutboundRequest is a request bound to a transport and a destination.
type OutboundRequest struct {
	*Request
	Transport   Transport
	Destination netip.AddrPort
}

// LogValue implements [slog.LogValuer].
func (r *OutboundRequest) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("request", r.Request),
		slog.Any("destination", r.Destination),
	)
}

// Validate checks the request and its routing.
func (r *OutboundRequest) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if r.Transport == nil {
		return errtrace.Wrap(ErrNoTransport)
	}
	if !r.Destination.IsValid() {
		return errtrace.Wrap(ErrNoTarget)
	}
	return errtrace.Wrap(r.Request.Validate())
}

// Reliable reports whether the request is sent over a reliable transport.
func (r *OutboundRequest) Reliable() bool {
	return r.Transport != nil && r.Transport.Proto().IsReliable()
}
