package sip

import "github.com/ghettovoice/sipcore/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
	ErrStackClosed      Error = "stack closed"
)

// Transaction errors.
const (
	ErrTransactionNotFound   Error = "transaction not found"
	ErrTransactionNotMatched Error = "transaction not matched"
	ErrTransactionExists     Error = "transaction already exists"
	ErrTransactionTimedOut   Error = "transaction timed out"
	ErrTransactionTerminated Error = "transaction terminated"
	ErrProcessingTimeout     Error = "request processing timeout"
)

// Dialog errors.
const (
	ErrDialogNotFound   Error = "dialog not found"
	ErrDialogExists     Error = "dialog already exists"
	ErrDialogTerminated Error = "dialog terminated"
)

// Transport errors.
const (
	ErrNoTransport Error = "no transport resolved"
	ErrNoTarget    Error = "no target resolved"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidMessageError creates a new error with [ErrInvalidMessage] or
// wraps provided error with [ErrInvalidMessage].
func NewInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}
