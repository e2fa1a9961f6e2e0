package sip

import (
	"strings"

	"github.com/google/uuid"
)

func randHex(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s[:min(n, len(s))]
}

// NewBranch generates a new RFC 3261 compliant Via branch.
func NewBranch() string { return RFC3261BranchMagicCookie + randHex(32) }

// NewTag generates a new From/To tag.
func NewTag() string { return randHex(16) }

// NewCallID generates a new Call-ID. If host is not empty, it is appended after '@'.
func NewCallID(host string) string {
	id := uuid.NewString()
	if host != "" {
		id += "@" + host
	}
	return id
}

// NewResponse creates a response to the request as defined in RFC 3261 Section 8.2.6.
// Via, From, To, Call-ID and CSeq are copied from the request.
// If reason is empty, the default reason phrase of the status is used.
// The To tag is not added here, server transactions stamp their own tag on non-100 responses.
func NewResponse(req *Request, sts ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = sts.Reason()
	}
	h := req.Headers.Clone()
	res := &Response{
		Status: sts,
		Reason: reason,
		Headers: Headers{
			Via:    h.Via,
			From:   h.From,
			To:     h.To,
			CallID: h.CallID,
			CSeq:   h.CSeq,
		},
	}
	if sts.IsProvisional() || sts.IsSuccessful() {
		res.Headers.RecordRoute = h.RecordRoute
	}
	return res
}

// BuildCancelFrom builds a CANCEL for the request as defined in RFC 3261 Section 9.1.
// The result has the same Request-URI, Call-ID, From, To, Route and CSeq number,
// the CSeq method CANCEL and a single Via equal to the topmost Via of the request.
// The request is not modified.
func BuildCancelFrom(req *Request) *Request {
	h := req.Headers.Clone()
	cancel := &Request{
		Method: RequestMethodCancel,
		URI:    req.URI.Clone(),
		Headers: Headers{
			From:        h.From,
			To:          h.To,
			CallID:      h.CallID,
			MaxForwards: 70,
			Route:       h.Route,
		},
	}
	if len(h.Via) > 0 {
		cancel.Headers.Via = h.Via[:1]
	}
	if h.CSeq != nil {
		cancel.Headers.CSeq = &CSeq{Seq: h.CSeq.Seq, Method: RequestMethodCancel}
	}
	return cancel
}

// BuildAckFrom builds an ACK for the INVITE request as defined in RFC 3261 Section 17.1.1.3.
// The To header field is taken from the response being acknowledged, all other fields
// follow the INVITE with a single Via equal to its topmost Via.
// The ACK for a 2xx response is adjusted by the dialog: new branch, remote target and route set.
// The request is not modified.
func BuildAckFrom(req *Request, to *NameAddr) *Request {
	h := req.Headers.Clone()
	ack := &Request{
		Method: RequestMethodAck,
		URI:    req.URI.Clone(),
		Headers: Headers{
			From:        h.From,
			To:          cloneNameAddr(to),
			CallID:      h.CallID,
			MaxForwards: 70,
			Route:       h.Route,
		},
	}
	if ack.Headers.To == nil {
		ack.Headers.To = h.To
	}
	if len(h.Via) > 0 {
		ack.Headers.Via = h.Via[:1]
	}
	if h.CSeq != nil {
		ack.Headers.CSeq = &CSeq{Seq: h.CSeq.Seq, Method: RequestMethodAck}
	}
	return ack
}
