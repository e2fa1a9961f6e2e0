// Package sip implements the transaction and dialog layers of a SIP stack (RFC 3261).
//
// The package consumes parsed messages ([Request], [Response]) and a set of
// [Transport] implementations, and drives the client and server transaction
// state machines (RFC 3261 Section 17), the dialog lifecycle including forked
// INVITE handling (RFC 3261 Sections 12 and 13) and the retransmission timers.
//
// A [Stack] owns the transaction and dialog tables and delivers events to a
// [Handler]:
//
//	stack := sip.NewStack(&sip.StackOptions{Handler: myHandler})
//	defer stack.Close(ctx)
//	stack.AddTransport(udpTransport)
//
//	tx, err := stack.SendRequest(ctx, registerReq, nil)
//
// Transactions can also be used standalone with [NewNonInviteClientTransaction],
// [NewInviteClientTransaction], [NewNonInviteServerTransaction] and
// [NewInviteServerTransaction].
package sip

//go:generate errtrace -w .
