package sip

import (
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// RequestMethod represents a SIP request method.
type RequestMethod string

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// ToUpper returns the method in upper case.
func (m RequestMethod) ToUpper() RequestMethod { return RequestMethod(strings.ToUpper(string(m))) }

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool { return strings.EqualFold(string(m), string(other)) }

// IsValid reports whether the method is a non-empty token without spaces.
func (m RequestMethod) IsValid() bool {
	return m != "" && !strings.ContainsAny(string(m), " \t\r\n")
}

// ResponseStatus represents a SIP response status code.
type ResponseStatus uint

const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK ResponseStatus = 200

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusServiceUnavailable  ResponseStatus = 503

	ResponseStatusDecline ResponseStatus = 603
)

var responseReasons = map[ResponseStatus]string{
	ResponseStatusTrying:                      "Trying",
	ResponseStatusRinging:                     "Ringing",
	ResponseStatusSessionProgress:             "Session Progress",
	ResponseStatusOK:                          "OK",
	ResponseStatusMovedTemporarily:            "Moved Temporarily",
	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusMethodNotAllowed:            "Method Not Allowed",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusTemporarilyUnavailable:      "Temporarily Unavailable",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",
	ResponseStatusServerInternalError:         "Server Internal Error",
	ResponseStatusServiceUnavailable:          "Service Unavailable",
	ResponseStatusDecline:                     "Decline",
}

func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string { return responseReasons[s] }

func (s ResponseStatus) String() string { return fmt.Sprintf("%d %s", uint(s), s.Reason()) }

// Values holds header or URI parameters.
// Keys are case-insensitive and stored in lower case.
type Values map[string][]string

// Get returns all values of the key.
func (vals Values) Get(key string) []string { return vals[strings.ToLower(key)] }

// First returns the first value of the key.
func (vals Values) First(key string) (string, bool) {
	vs := vals[strings.ToLower(key)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Set replaces values of the key.
// It allocates the map if needed and returns it.
func (vals Values) Set(key, value string) Values {
	if vals == nil {
		vals = make(Values)
	}
	vals[strings.ToLower(key)] = []string{value}
	return vals
}

// Del removes the key.
func (vals Values) Del(key string) Values {
	delete(vals, strings.ToLower(key))
	return vals
}

// Has checks whether the key exists.
func (vals Values) Has(key string) bool {
	_, ok := vals[strings.ToLower(key)]
	return ok
}

// Clone returns a deep copy.
func (vals Values) Clone() Values {
	if vals == nil {
		return nil
	}
	out := make(Values, len(vals))
	for k, vs := range vals {
		out[k] = slices.Clone(vs)
	}
	return out
}

func (vals Values) String() string {
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(vals)) {
		for _, v := range vals[k] {
			sb.WriteByte(';')
			sb.WriteString(k)
			if v != "" {
				sb.WriteByte('=')
				sb.WriteString(v)
			}
		}
	}
	return sb.String()
}

// Addr is a host with an optional port, as used in Via sent-by and URIs.
type Addr struct {
	Host string
	Port uint16
}

// IP returns the host as an IP address if it is one.
func (a Addr) IP() (netip.Addr, bool) {
	ip, err := netip.ParseAddr(strings.Trim(a.Host, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func (a Addr) String() string {
	if a.Port == 0 {
		if ip, ok := a.IP(); ok && ip.Is6() {
			return "[" + ip.String() + "]"
		}
		return a.Host
	}
	return net.JoinHostPort(strings.Trim(a.Host, "[]"), strconv.Itoa(int(a.Port)))
}

// Equal compares hosts case-insensitively and ports exactly.
func (a Addr) Equal(other Addr) bool {
	return strings.EqualFold(a.Host, other.Host) && a.Port == other.Port
}

// AddrFromAddrPort converts a socket address to [Addr].
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	return Addr{Host: ap.Addr().Unmap().String(), Port: ap.Port()}
}

// URI is a SIP or SIPS URI.
type URI struct {
	Scheme string
	User   string
	Addr   Addr
	Params Values
}

// IsSecure reports whether the URI has the "sips" scheme.
func (u URI) IsSecure() bool { return strings.EqualFold(u.Scheme, "sips") }

// Clone returns a deep copy.
func (u URI) Clone() URI {
	u.Params = u.Params.Clone()
	return u
}

func (u URI) String() string {
	var sb strings.Builder
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	sb.WriteString(scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Addr.String())
	sb.WriteString(u.Params.String())
	return sb.String()
}

// Via is a single Via header field value.
type Via struct {
	Transport TransportProto
	Addr      Addr
	Params    Values
}

// RFC3261BranchMagicCookie is the prefix of branches generated by RFC 3261 compliant elements.
const RFC3261BranchMagicCookie = "z9hG4bK"

func (v Via) Branch() string {
	b, _ := v.Params.First("branch")
	return b
}

// Received returns the "received" parameter as an IP address.
func (v Via) Received() (netip.Addr, bool) {
	s, ok := v.Params.First("received")
	if !ok {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// RPort returns the "rport" parameter value. A present but empty rport yields ok with zero port.
func (v Via) RPort() (uint16, bool) {
	s, ok := v.Params.First("rport")
	if !ok || s == "" {
		return 0, ok
	}
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(p), true
}

func (v Via) MAddr() (string, bool) { return v.Params.First("maddr") }

// Clone returns a deep copy.
func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

func (v Via) String() string {
	return "SIP/2.0/" + v.Transport.String() + " " + v.Addr.String() + v.Params.String()
}

// NameAddr is a name-addr value of From, To, Contact, Route and Record-Route header fields.
type NameAddr struct {
	DisplayName string
	URI         URI
	Params      Values
}

func (na NameAddr) Tag() string {
	t, _ := na.Params.First("tag")
	return t
}

// Clone returns a deep copy.
func (na NameAddr) Clone() NameAddr {
	na.URI = na.URI.Clone()
	na.Params = na.Params.Clone()
	return na
}

func (na NameAddr) String() string {
	var sb strings.Builder
	if na.DisplayName != "" {
		sb.WriteString(strconv.Quote(na.DisplayName))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI.String())
	sb.WriteByte('>')
	sb.WriteString(na.Params.String())
	return sb.String()
}

func cloneNameAddr(na *NameAddr) *NameAddr {
	if na == nil {
		return nil
	}
	c := na.Clone()
	return &c
}

// CSeq is the CSeq header field value.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(c.Method) }

// Headers holds the header fields the transaction and dialog layers work with.
// Other header fields are kept in Extra, keyed by canonical name.
type Headers struct {
	Via         []Via
	From        *NameAddr
	To          *NameAddr
	CallID      string
	CSeq        *CSeq
	MaxForwards uint
	Contact     []NameAddr
	Route       []NameAddr
	RecordRoute []NameAddr
	Extra       map[string][]string
}

// TopVia returns the topmost Via header field.
func (h *Headers) TopVia() (Via, bool) {
	if h == nil || len(h.Via) == 0 {
		return Via{}, false
	}
	return h.Via[0], true
}

func (h *Headers) FromTag() string {
	if h == nil || h.From == nil {
		return ""
	}
	return h.From.Tag()
}

func (h *Headers) ToTag() string {
	if h == nil || h.To == nil {
		return ""
	}
	return h.To.Tag()
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}
	c := &Headers{
		From:        cloneNameAddr(h.From),
		To:          cloneNameAddr(h.To),
		CallID:      h.CallID,
		MaxForwards: h.MaxForwards,
		Contact:     cloneNameAddrs(h.Contact),
		Route:       cloneNameAddrs(h.Route),
		RecordRoute: cloneNameAddrs(h.RecordRoute),
	}
	if h.Via != nil {
		c.Via = make([]Via, len(h.Via))
		for i := range h.Via {
			c.Via[i] = h.Via[i].Clone()
		}
	}
	if h.CSeq != nil {
		cseq := *h.CSeq
		c.CSeq = &cseq
	}
	if h.Extra != nil {
		c.Extra = make(map[string][]string, len(h.Extra))
		for k, vs := range h.Extra {
			c.Extra[k] = slices.Clone(vs)
		}
	}
	return c
}

func cloneNameAddrs(nas []NameAddr) []NameAddr {
	if nas == nil {
		return nil
	}
	out := make([]NameAddr, len(nas))
	for i := range nas {
		out[i] = nas[i].Clone()
	}
	return out
}

func (h *Headers) validate() error {
	if len(h.Via) == 0 {
		return errtrace.Wrap(NewInvalidMessageError("missing Via"))
	}
	if h.From == nil {
		return errtrace.Wrap(NewInvalidMessageError("missing From"))
	}
	if h.To == nil {
		return errtrace.Wrap(NewInvalidMessageError("missing To"))
	}
	if h.CallID == "" {
		return errtrace.Wrap(NewInvalidMessageError("missing Call-ID"))
	}
	if h.CSeq == nil || !h.CSeq.Method.IsValid() {
		return errtrace.Wrap(NewInvalidMessageError("missing CSeq"))
	}
	return nil
}

// Message is a parsed SIP request or response.
type Message interface {
	slog.LogValuer
	// Header returns the message header fields.
	Header() *Headers
	// Validate checks that the message carries the header fields required for transaction processing.
	Validate() error

	sipMessage()
}

// Request is a SIP request.
type Request struct {
	Method  RequestMethod
	URI     URI
	Headers Headers
	Body    []byte
}

func (*Request) sipMessage() {}

func (r *Request) Header() *Headers {
	if r == nil {
		return nil
	}
	return &r.Headers
}

// Validate checks the request.
// The topmost Via must carry a branch, requests without one are rejected.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidMessageError("nil request"))
	}
	if !r.Method.IsValid() {
		return errtrace.Wrap(NewInvalidMessageError("invalid method"))
	}
	if r.URI.Addr.Host == "" {
		return errtrace.Wrap(NewInvalidMessageError("invalid Request-URI"))
	}
	if err := r.Headers.validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !r.Headers.CSeq.Method.Equal(r.Method) {
		return errtrace.Wrap(NewInvalidMessageError("CSeq method mismatch"))
	}
	if r.Headers.Via[0].Branch() == "" {
		return errtrace.Wrap(NewInvalidMessageError("missing Via branch"))
	}
	return nil
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:  r.Method,
		URI:     r.URI.Clone(),
		Headers: *r.Headers.Clone(),
		Body:    slices.Clone(r.Body),
	}
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI.String()),
		slog.String("call_id", r.Headers.CallID),
	}
	if via, ok := r.Headers.TopVia(); ok {
		attrs = append(attrs, slog.String("via", via.String()))
	}
	if r.Headers.CSeq != nil {
		attrs = append(attrs, slog.String("cseq", r.Headers.CSeq.String()))
	}
	return slog.GroupValue(attrs...)
}

// Response is a SIP response.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Headers Headers
	Body    []byte
}

func (*Response) sipMessage() {}

func (r *Response) Header() *Headers {
	if r == nil {
		return nil
	}
	return &r.Headers
}

// Validate checks the response.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidMessageError("nil response"))
	}
	if !r.Status.IsValid() {
		return errtrace.Wrap(NewInvalidMessageError("invalid status"))
	}
	return errtrace.Wrap(r.Headers.validate())
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:  r.Status,
		Reason:  r.Reason,
		Headers: *r.Headers.Clone(),
		Body:    slices.Clone(r.Body),
	}
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.Int("status", int(r.Status)),
		slog.String("reason", r.Reason),
		slog.String("call_id", r.Headers.CallID),
	}
	if via, ok := r.Headers.TopVia(); ok {
		attrs = append(attrs, slog.String("via", via.String()))
	}
	if r.Headers.CSeq != nil {
		attrs = append(attrs, slog.String("cseq", r.Headers.CSeq.String()))
	}
	return slog.GroupValue(attrs...)
}

// IsRequest reports whether the message is a request.
func IsRequest(msg Message) bool {
	_, ok := msg.(*Request)
	return ok
}

// IsResponse reports whether the message is a response.
func IsResponse(msg Message) bool {
	_, ok := msg.(*Response)
	return ok
}

// MessageMethod returns the request method, or the CSeq method of a response.
func MessageMethod(msg Message) RequestMethod {
	switch m := msg.(type) {
	case *Request:
		if m != nil {
			return m.Method
		}
	case *Response:
		if m != nil && m.Headers.CSeq != nil {
			return m.Headers.CSeq.Method
		}
	}
	return ""
}

// CloneMessage returns a deep copy of the message.
func CloneMessage(msg Message) Message {
	switch m := msg.(type) {
	case *Request:
		return m.Clone()
	case *Response:
		return m.Clone()
	default:
		return nil
	}
}
