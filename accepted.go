package callstream

import "sync/atomic"

const (
	acceptedPending int32 = iota
	acceptedComplete
	acceptedCancelled
)

// Accepted is a write-once flow-control token associated with a single
// outbound message. It resolves to complete when the transport's send
// window has admitted the message in full, and to cancelled if the call
// terminates (for any reason) before admission. At most one resolution
// ever occurs.
//
// Tokens are resolved by the flow-control machinery beneath a call, or by
// a transport adapter; callers only wait on them. A caller concerned with
// unbounded buffering should wait for each token before sending more.
type Accepted struct {
	state atomic.Int32
	done  chan struct{}
}

// NewAccepted creates an unresolved token.
func NewAccepted() *Accepted {
	return &Accepted{done: make(chan struct{})}
}

// Done returns a channel that is closed once the token resolves, whether to
// complete or to cancelled.
func (a *Accepted) Done() <-chan struct{} {
	return a.done
}

// Complete reports whether the token resolved to success.
func (a *Accepted) Complete() bool {
	return a.state.Load() == acceptedComplete
}

// Err returns nil while the token is pending or after it resolves to
// complete, and a Canceled-classified error after it resolves to cancelled.
func (a *Accepted) Err() error {
	if a.state.Load() == acceptedCancelled {
		return New(Canceled, "message not admitted: call terminated").Err()
	}
	return nil
}

// Resolve marks the message as fully admitted by the send window. It is
// intended for flow-control and transport implementations, not for callers.
// Resolving an already-resolved token is a no-op.
func (a *Accepted) Resolve() {
	if a.state.CompareAndSwap(acceptedPending, acceptedComplete) {
		close(a.done)
	}
}

// Cancel marks the message as never admitted because the call terminated.
// It is intended for flow-control and transport implementations, not for
// callers. Cancelling an already-resolved token is a no-op.
func (a *Accepted) Cancel() {
	if a.state.CompareAndSwap(acceptedPending, acceptedCancelled) {
		close(a.done)
	}
}
