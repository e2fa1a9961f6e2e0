package sip

import (
	"log/slog"
	"strings"

	"braces.dev/errtrace"
)

// ClientTransactionKey is the key of a client transaction.
// It matches responses to the request that created the transaction (RFC 3261 Section 17.1.3).
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Method of the request that created the transaction.
	Method RequestMethod
}

// FillFromMessage populates the key from the topmost Via branch and the CSeq method.
func (k *ClientTransactionKey) FillFromMessage(msg Message) error {
	hdrs := msg.Header()
	via, ok := hdrs.TopVia()
	if !ok {
		return errtrace.Wrap(NewInvalidMessageError("missing Via"))
	}
	if hdrs.CSeq == nil {
		return errtrace.Wrap(NewInvalidMessageError("missing CSeq"))
	}
	k.Branch = via.Branch()
	k.Method = hdrs.CSeq.Method.ToUpper()
	return nil
}

func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

func (k ClientTransactionKey) IsZero() bool { return k == ClientTransactionKey{} }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}

func (k ClientTransactionKey) String() string { return k.Branch + "|" + string(k.Method) }

// ServerTransactionKey is the key of a server transaction (RFC 3261 Section 17.2.3).
// ACK requests map to the INVITE transaction, CANCEL gets its own transaction.
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// SentBy is the lower-cased sent-by value of the topmost Via header field.
	SentBy string
	// Method of the request that created the transaction.
	Method RequestMethod
}

// FillFromMessage populates the key from a request.
// Requests without a branch are rejected.
func (k *ServerTransactionKey) FillFromMessage(req *Request) error {
	via, ok := req.Headers.TopVia()
	if !ok {
		return errtrace.Wrap(NewInvalidMessageError("missing Via"))
	}
	branch := via.Branch()
	if branch == "" {
		return errtrace.Wrap(NewInvalidMessageError("missing Via branch"))
	}

	addr := via.Addr
	if addr.Port == 0 {
		addr.Port = via.Transport.DefaultPort()
	}

	k.Branch = branch
	k.SentBy = strings.ToLower(addr.String())
	k.Method = req.Method.ToUpper()
	if k.Method == RequestMethodAck {
		k.Method = RequestMethodInvite
	}
	return nil
}

func (k ServerTransactionKey) IsValid() bool { return k.Branch != "" && k.SentBy != "" && k.Method != "" }

func (k ServerTransactionKey) IsZero() bool { return k == ServerTransactionKey{} }

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.String("method", string(k.Method)),
	)
}

func (k ServerTransactionKey) String() string {
	return k.Branch + "|" + k.SentBy + "|" + string(k.Method)
}
