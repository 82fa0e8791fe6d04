package callstream

import "context"

// Frame is one unit exchanged with the transport beneath a call. The set of
// implementations is closed; transports carry frames opaquely and are free
// to encode them however they like.
type Frame interface {
	isFrame()
}

// ContextFrame carries one chunk of an out-of-band context message: a named
// byte string, delivered before any payload message that follows it in the
// same direction. Values are chunked against the flow-control window exactly
// as payload messages are: Size is the total value size, First marks the
// chunk that opens the value, and Name repeats on every chunk.
type ContextFrame struct {
	Name  string
	Size  uint32
	Value []byte
	First bool
}

// MessageFrame carries one chunk of a payload message. Size is the total
// serialized size of the message; First marks the chunk that opens a new
// message envelope. A message whose data fits the flow-control window
// arrives as a single frame with First set.
type MessageFrame struct {
	Size  uint32
	Data  []byte
	First bool
}

// HalfCloseFrame signals that the sender will transmit no further context
// or payload messages. The receive direction is unaffected.
type HalfCloseFrame struct{}

// CancelFrame signals that the sender has aborted the call in both
// directions. The peer is not obligated to stop processing promptly.
type CancelFrame struct{}

// CloseFrame carries the terminal status of the call, sent by the peer that
// completes (or fails) it. It is the last frame of the exchange.
type CloseFrame struct {
	Status Status
}

// WindowUpdateFrame returns Delta bytes of flow-control credit to the
// peer's outbound window.
type WindowUpdateFrame struct {
	Delta uint32
}

func (ContextFrame) isFrame()      {}
func (MessageFrame) isFrame()      {}
func (HalfCloseFrame) isFrame()    {}
func (CancelFrame) isFrame()       {}
func (CloseFrame) isFrame()        {}
func (WindowUpdateFrame) isFrame() {}

// Stream is the duplex channel a transport presents to a call. Recv blocks
// until a frame arrives or the stream fails; once the exchange is over the
// transport should fail Recv rather than block forever. Send may block on
// wire backpressure; the call only ever invokes it from its own writer
// goroutine, never from the caller's goroutine.
//
// Implementations need not be safe for concurrent Send or concurrent Recv;
// the call serializes its use of each.
type Stream interface {
	Context() context.Context
	Send(Frame) error
	Recv() (Frame, error)
}
