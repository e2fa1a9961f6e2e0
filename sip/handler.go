package sip

import (
	"context"

	"github.com/ghettovoice/sipcore/internal/types"
)

// Handler receives the events of a [Stack].
// Each method is called once per logical event, retransmissions are never delivered.
// Methods are called with a context carrying the dialog, if any, see [DialogFromContext].
type Handler interface {
	// OnRequest is called for each new inbound request.
	// tx is nil for ACK requests acknowledging 2xx responses.
	// BYE and CANCEL requests are answered by the stack before the call.
	OnRequest(ctx context.Context, req *InboundRequest, tx ServerTransaction)
	// OnResponse is called for each response passed by a client transaction,
	// and for 2xx responses of forked INVITE branches, in which case tx is nil.
	OnResponse(ctx context.Context, res *InboundResponse, tx ClientTransaction)
	// OnTimeout is called when a transaction is terminated by a timeout timer.
	OnTimeout(ctx context.Context, tx Transaction)
	// OnTransportError is called when a transaction is terminated by a transport failure.
	OnTransportError(ctx context.Context, tx Transaction, err error)
	// OnTransactionTerminated is called when a transaction reaches the terminated state.
	OnTransactionTerminated(ctx context.Context, tx Transaction)
	// OnDialogTerminated is called when a dialog reaches the terminated state.
	OnDialogTerminated(ctx context.Context, dlg *Dialog, reason DialogTermination)
}

// NopHandler ignores all events.
type NopHandler struct{}

func (NopHandler) OnRequest(context.Context, *InboundRequest, ServerTransaction)   {}
func (NopHandler) OnResponse(context.Context, *InboundResponse, ClientTransaction) {}
func (NopHandler) OnTimeout(context.Context, Transaction)                          {}
func (NopHandler) OnTransportError(context.Context, Transaction, error)            {}
func (NopHandler) OnTransactionTerminated(context.Context, Transaction)            {}
func (NopHandler) OnDialogTerminated(context.Context, *Dialog, DialogTermination)  {}

// HandlerFuncs is a [Handler] built from optional functions.
type HandlerFuncs struct {
	Request               func(ctx context.Context, req *InboundRequest, tx ServerTransaction)
	Response              func(ctx context.Context, res *InboundResponse, tx ClientTransaction)
	Timeout               func(ctx context.Context, tx Transaction)
	TransportError        func(ctx context.Context, tx Transaction, err error)
	TransactionTerminated func(ctx context.Context, tx Transaction)
	DialogTerminated      func(ctx context.Context, dlg *Dialog, reason DialogTermination)
}

func (h *HandlerFuncs) OnRequest(ctx context.Context, req *InboundRequest, tx ServerTransaction) {
	if h.Request != nil {
		h.Request(ctx, req, tx)
	}
}

func (h *HandlerFuncs) OnResponse(ctx context.Context, res *InboundResponse, tx ClientTransaction) {
	if h.Response != nil {
		h.Response(ctx, res, tx)
	}
}

func (h *HandlerFuncs) OnTimeout(ctx context.Context, tx Transaction) {
	if h.Timeout != nil {
		h.Timeout(ctx, tx)
	}
}

func (h *HandlerFuncs) OnTransportError(ctx context.Context, tx Transaction, err error) {
	if h.TransportError != nil {
		h.TransportError(ctx, tx, err)
	}
}

func (h *HandlerFuncs) OnTransactionTerminated(ctx context.Context, tx Transaction) {
	if h.TransactionTerminated != nil {
		h.TransactionTerminated(ctx, tx)
	}
}

func (h *HandlerFuncs) OnDialogTerminated(ctx context.Context, dlg *Dialog, reason DialogTermination) {
	if h.DialogTerminated != nil {
		h.DialogTerminated(ctx, dlg, reason)
	}
}

const dlgCtxKey types.ContextKey = "dialog"

// DialogFromContext returns the dialog stored in the handler context.
func DialogFromContext(ctx context.Context) (*Dialog, bool) {
	dlg, ok := ctx.Value(dlgCtxKey).(*Dialog)
	return dlg, ok && dlg != nil
}

// ContextWithDialog returns a new context carrying the dialog.
func ContextWithDialog(ctx context.Context, dlg *Dialog) context.Context {
	if dlg == nil {
		return ctx
	}
	return context.WithValue(ctx, dlgCtxKey, dlg)
}
