package callstream

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	initialWindowSize = 65536
	chunkMax          = 16384
)

var errFlowControlWindowExceeded = status.Errorf(codes.ResourceExhausted, "flow control window exceeded")

// checkMessageSize rejects serialized messages too large for a frame
// envelope to describe.
func checkMessageSize(n int64) error {
	if n > math.MaxUint32 {
		return status.Errorf(codes.ResourceExhausted, "serialized message is too large: %d bytes > maximum %d bytes", n, int64(math.MaxUint32))
	}
	return nil
}

// sendWindow tracks outbound flow-control credit. Credit is consumed as
// frames are admitted and replenished by window updates from the peer.
// Reservations block while the window is empty, which is why they only ever
// happen on a call's writer goroutine.
type sendWindow struct {
	ctx      context.Context
	updates  chan struct{}
	window   atomic.Uint32
	disabled bool
}

func newSendWindow(ctx context.Context, initial uint32, disabled bool) *sendWindow {
	w := &sendWindow{
		ctx:      ctx,
		updates:  make(chan struct{}, 1),
		disabled: disabled,
	}
	w.window.Store(initial)
	return w
}

func (w *sendWindow) update(add uint32) {
	if add == 0 || w.disabled {
		return
	}
	prevWindow := w.window.Add(add) - add
	if prevWindow == 0 {
		select {
		case w.updates <- struct{}{}:
		default:
		}
	}
}

// reserve takes up to max bytes of credit, capped at chunkMax, waiting for a
// window update whenever the window is empty. It returns how much was
// reserved, or the context error if the call terminates first.
func (w *sendWindow) reserve(max uint32) (uint32, error) {
	if max > chunkMax {
		max = chunkMax
	}
	if w.disabled || max == 0 {
		return max, w.ctx.Err()
	}
	for {
		windowSz := w.window.Load()

		if windowSz == 0 {
			// must wait for a window update before we can send more
			select {
			case <-w.updates:
			case <-w.ctx.Done():
				return 0, w.ctx.Err()
			}
			continue
		}

		take := max
		if take > windowSz {
			take = windowSz
		}
		if !w.window.CompareAndSwap(windowSz, windowSz-take) {
			continue
		}
		return take, nil
	}
}

// recvWindow enforces the inbound flow-control window. Bytes are consumed
// as frames arrive and restored as the dispatch loop hands the data to the
// listener, at which point the credit is advertised back to the peer.
type recvWindow struct {
	disabled bool

	mu     sync.Mutex
	window uint32
}

func newRecvWindow(initial uint32, disabled bool) *recvWindow {
	return &recvWindow{disabled: disabled, window: initial}
}

func (w *recvWindow) consume(n uint32) error {
	if w.disabled {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.window {
		return errFlowControlWindowExceeded
	}
	w.window -= n
	return nil
}

// restore returns the credit to advertise to the peer, which is zero when
// flow control is disabled or nothing was consumed.
func (w *recvWindow) restore(n uint32) uint32 {
	if w.disabled || n == 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.window += n
	return n
}
