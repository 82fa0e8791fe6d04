// Package pipe provides an in-memory Stream pair, used as the transport
// collaborator in tests and examples. Frames written to one side arrive at
// the other in order; closing either side fails the peer's reads with
// io.EOF once buffered frames are drained.
package pipe

import (
	"context"
	"io"
	"sync"

	"github.com/meshwire/callstream"
)

const bufferSize = 32

// Stream is one side of an in-memory frame pipe.
type Stream struct {
	ctx  context.Context
	send chan<- callstream.Frame
	recv <-chan callstream.Frame

	closed    chan struct{}
	closeOnce sync.Once
	peer      <-chan struct{}
}

// New creates a connected pair of streams sharing the given context.
func New(ctx context.Context) (*Stream, *Stream) {
	ab := make(chan callstream.Frame, bufferSize)
	ba := make(chan callstream.Frame, bufferSize)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &Stream{ctx: ctx, send: ab, recv: ba, closed: aClosed, peer: bClosed}
	b := &Stream{ctx: ctx, send: ba, recv: ab, closed: bClosed, peer: aClosed}
	return a, b
}

func (s *Stream) Context() context.Context {
	return s.ctx
}

// Send delivers a frame to the peer. It fails with io.ErrClosedPipe once
// either side has closed.
func (s *Stream) Send(f callstream.Frame) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	case <-s.peer:
		return io.ErrClosedPipe
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}
	select {
	case s.send <- f:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	case <-s.peer:
		return io.ErrClosedPipe
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Recv returns the next frame from the peer. Frames buffered before the
// peer closed are still delivered; after that Recv fails with io.EOF.
func (s *Stream) Recv() (callstream.Frame, error) {
	// prefer buffered frames over noticing closure
	select {
	case f := <-s.recv:
		return f, nil
	default:
	}
	select {
	case f := <-s.recv:
		return f, nil
	case <-s.peer:
		select {
		case f := <-s.recv:
			return f, nil
		default:
			return nil, io.EOF
		}
	case <-s.closed:
		return nil, io.ErrClosedPipe
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// Close shuts down this side of the pipe. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

var _ callstream.Stream = (*Stream)(nil)
