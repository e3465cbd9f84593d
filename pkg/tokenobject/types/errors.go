package types

import "errors"

var (
	// ErrTransportFailure marks a failed transport operation. New and
	// Write wrap the transport's error in it, and Write also returns it
	// when a peer's Acknowledge does not arrive within AckTimeout. The
	// token manager returns the transport's own error unwrapped. Inside
	// the pump, a failed receive or reply is logged and the pump keeps
	// running.
	ErrTransportFailure = errors.New("tokenobject: transport failure")

	// ErrUnknownMessageType is returned by token.Manager.HandleMessage
	// for a message kind it does not handle. The pump logs it and drops
	// the message; Read and Write never return it.
	ErrUnknownMessageType = errors.New("tokenobject: unknown message type")

	// ErrClosed describes an object that has been closed. No function in
	// this module returns it: Read and Write do not check whether Close
	// has run.
	ErrClosed = errors.New("tokenobject: object closed")

	// ErrBootstrapFailed describes a non-initial peer that could not
	// obtain the initial value. No function in this module returns it:
	// New returns ErrTransportFailure when its READ_REQUEST cannot be
	// sent, and otherwise waits for the DATA_UPDATE without a time limit.
	ErrBootstrapFailed = errors.New("tokenobject: failed to bootstrap initial value")
)

// InvariantViolation marks a pre-condition the spec declares impossible
// under its own invariants (e.g. observing write_mode already set locally
// while acquiring write tokens). These are asserted, not handled, per
// the error-handling design: they indicate a broken invariant elsewhere.
type InvariantViolation struct {
	Reason string
}

func (e InvariantViolation) Error() string {
	return "tokenobject: invariant violation: " + e.Reason
}

func assertInvariant(ok bool, reason string) {
	if !ok {
		panic(InvariantViolation{Reason: reason})
	}
}

// AssertInvariant panics with InvariantViolation when ok is false. It is
// exported so core/token packages can share the same assertion style.
func AssertInvariant(ok bool, reason string) {
	assertInvariant(ok, reason)
}
