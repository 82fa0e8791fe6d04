package callstream

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Contract-violation errors, returned when an operation is invoked outside
// its legal state window. These indicate a caller bug; they are disjoint
// from RPC outcomes, which are always delivered as a Status through
// Listener.OnClose.
var (
	ErrNotStarted     = errors.New("callstream: call not started")
	ErrAlreadyStarted = errors.New("callstream: call already started")
	ErrSendClosed     = errors.New("callstream: send direction closed")
	ErrTerminated     = errors.New("callstream: call terminated")
)

// Listener receives the inbound half of a call: context messages, payload
// messages, and the terminal status. Callbacks are invoked serially per
// call and may block for extended periods without stalling the transport.
// Implementations need not be safe for concurrent use.
type Listener[Resp any] interface {
	// OnContext delivers an inbound context message. Context messages
	// always precede any payload message that follows them in the
	// response stream.
	OnContext(name string, value []byte)
	// OnPayload delivers an inbound payload message. Streaming calls may
	// deliver zero or more payloads.
	OnPayload(payload Resp)
	// OnClose delivers the terminal status. It is invoked exactly once,
	// is always the last callback, and its status is OK only if the
	// exchange completed without error or cancellation.
	OnClose(status Status)
}

// Call is the caller-facing surface of a single streaming RPC exchange.
// Start must be the first operation. All operations are non-blocking and
// none is required to be safe under concurrent invocation, except Cancel,
// which may race with anything.
type Call[Req, Resp any] interface {
	Start(listener Listener[Resp]) error
	SendContext(name string, value []byte, accepted *Accepted) error
	SendPayload(payload Req, accepted *Accepted) error
	HalfClose() error
	Cancel()
}

// ClientCall drives one streaming exchange over a Stream. It owns its
// lifecycle state exclusively; the Listener, Accepted tokens, and message
// payloads remain owned by the caller.
type ClientCall[Req, Resp any] struct {
	stream    Stream
	reqCodec  Codec[Req]
	respCodec Codec[Resp]

	ctx       context.Context
	cancelCtx context.CancelFunc
	sendWin   *sendWindow
	recvWin   *recvWindow

	// serializes all writes to the stream: the writer goroutine, window
	// updates from the dispatch loop, and the cancel frame
	writeMu sync.Mutex

	// guards caller-side send state and the outbound queue
	sendMu     sync.Mutex
	started    bool
	sendClosed bool
	outbound   *list.List // of *outMsg
	outReady   chan struct{}

	listener Listener[Resp]

	// guards the inbound chunk queue and the terminal state
	dispatchMu   sync.Mutex
	dispatchCond sync.Cond
	events       *list.List // of *inChunk
	terminated   bool
	terminal     Status

	done chan struct{}
}

var _ Call[int, int] = (*ClientCall[int, int])(nil)

// NewCall creates a call over the given stream. The call does not touch the
// stream until Start.
func NewCall[Req, Resp any](stream Stream, reqCodec Codec[Req], respCodec Codec[Resp], opts ...CallOption) *ClientCall[Req, Resp] {
	o := callOpts{initialWindow: initialWindowSize}
	for _, opt := range opts {
		opt.apply(&o)
	}
	ctx, cancel := context.WithCancel(stream.Context())
	c := &ClientCall[Req, Resp]{
		stream:    stream,
		reqCodec:  reqCodec,
		respCodec: respCodec,
		ctx:       ctx,
		cancelCtx: cancel,
		sendWin:   newSendWindow(ctx, o.initialWindow, o.disableFlowControl),
		recvWin:   newRecvWindow(o.initialWindow, o.disableFlowControl),
		outbound:  list.New(),
		outReady:  make(chan struct{}, 1),
		events:    list.New(),
		done:      make(chan struct{}),
	}
	c.dispatchCond.L = &c.dispatchMu
	return c
}

// Start registers the listener and begins the exchange. It must be invoked
// before any other operation and at most once.
func (c *ClientCall[Req, Resp]) Start(listener Listener[Resp]) error {
	if listener == nil {
		return errors.New("callstream: nil listener")
	}
	c.sendMu.Lock()
	if c.started {
		c.sendMu.Unlock()
		return ErrAlreadyStarted
	}
	select {
	case <-c.done:
		c.sendMu.Unlock()
		return ErrTerminated
	default:
	}
	c.started = true
	c.listener = listener
	c.sendMu.Unlock()

	go c.recvLoop()
	go c.writeLoop()
	go c.dispatchLoop()
	go func() {
		// if the transport context gets cancelled, make sure we
		// terminate the call
		<-c.ctx.Done()
		c.finish(FromError(c.ctx.Err()), false)
	}()
	return nil
}

// SendContext enqueues one out-of-band context message. It never reorders
// past a payload message sent after it. If accepted is non-nil it resolves
// once the flow-control window has admitted the value in full, and is
// cancelled if the call terminates first.
func (c *ClientCall[Req, Resp]) SendContext(name string, value []byte, accepted *Accepted) error {
	return c.enqueueOut(&outMsg{kind: outContext, name: name, data: value, accepted: accepted})
}

// SendPayload enqueues one payload message. Streaming calls may send any
// number of payloads; they are transmitted in send order. If accepted is
// non-nil it resolves once the flow-control window has admitted the
// serialized message in full, and is cancelled if the call terminates
// first.
func (c *ClientCall[Req, Resp]) SendPayload(payload Req, accepted *Accepted) error {
	c.sendMu.Lock()
	started, sendClosed := c.started, c.sendClosed
	c.sendMu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if sendClosed {
		return ErrSendClosed
	}
	data, err := c.reqCodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("callstream: marshal payload: %w", err)
	}
	return c.enqueueOut(&outMsg{kind: outPayload, data: data, accepted: accepted})
}

// HalfClose closes the send direction after any already-enqueued messages.
// Inbound delivery is unaffected.
func (c *ClientCall[Req, Resp]) HalfClose() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.sendClosed {
		return ErrSendClosed
	}
	c.sendClosed = true
	c.outbound.PushBack(&outMsg{kind: outHalfClose})
	c.signalOut()
	return nil
}

// Cancel aborts both directions of the call. It is idempotent, always
// legal, and never blocks. The peer is notified asynchronously but is not
// guaranteed to stop processing promptly. Inbound events still in flight
// are dropped; OnClose fires with a Canceled status unless another terminal
// status already won the race. After the call has terminated, Cancel is a
// no-op.
func (c *ClientCall[Req, Resp]) Cancel() {
	if !c.finish(New(Canceled, "call cancelled by caller"), true) {
		return
	}
	c.sendMu.Lock()
	started := c.started
	c.sendMu.Unlock()
	if !started {
		// the transport was never engaged; nothing to notify
		return
	}
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.stream.Send(CancelFrame{})
	}()
}

// Done returns a channel closed once the call has terminated.
func (c *ClientCall[Req, Resp]) Done() <-chan struct{} {
	return c.done
}

type outKind int

const (
	outContext outKind = iota
	outPayload
	outHalfClose
)

type outMsg struct {
	kind     outKind
	name     string
	data     []byte
	accepted *Accepted
}

type eventKind int

const (
	eventContext eventKind = iota
	eventPayload
)

// inChunk is one inbound chunk, queued as it arrives and reassembled by the
// dispatch loop. Credit for its bytes is returned to the peer when the
// dispatch loop dequeues it, so messages larger than the whole window can
// still flow, chunk by chunk.
type inChunk struct {
	kind  eventKind
	name  string
	size  uint32
	data  []byte
	first bool
}

func (c *ClientCall[Req, Resp]) enqueueOut(m *outMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.sendClosed {
		return ErrSendClosed
	}
	c.outbound.PushBack(m)
	c.signalOut()
	return nil
}

func (c *ClientCall[Req, Resp]) signalOut() {
	select {
	case c.outReady <- struct{}{}:
	default:
	}
}

// finish records the terminal status if none has been recorded yet (first
// terminal status wins), closes the send side, and cancels any tokens for
// messages the window never admitted. discard drops queued inbound events,
// per cancellation semantics; a normal close lets queued events drain
// before OnClose. Returns false if the call had already terminated.
func (c *ClientCall[Req, Resp]) finish(st Status, discard bool) bool {
	c.dispatchMu.Lock()
	if c.terminated {
		c.dispatchMu.Unlock()
		return false
	}
	c.terminated = true
	c.terminal = st
	if discard {
		c.events.Init()
	}
	close(c.done)
	c.dispatchCond.Broadcast()
	c.dispatchMu.Unlock()

	c.sendMu.Lock()
	c.sendClosed = true
	var orphaned []*Accepted
	for e := c.outbound.Front(); e != nil; e = e.Next() {
		if m := e.Value.(*outMsg); m.accepted != nil {
			orphaned = append(orphaned, m.accepted)
		}
	}
	c.outbound.Init()
	c.sendMu.Unlock()
	for _, a := range orphaned {
		a.Cancel()
	}

	c.cancelCtx()
	return true
}

func (c *ClientCall[Req, Resp]) writeLoop() {
	for {
		c.sendMu.Lock()
		front := c.outbound.Front()
		if front == nil {
			c.sendMu.Unlock()
			select {
			case <-c.outReady:
				continue
			case <-c.ctx.Done():
				return
			}
		}
		m := c.outbound.Remove(front).(*outMsg)
		c.sendMu.Unlock()

		if err := c.writeMsg(m); err != nil {
			if m.accepted != nil {
				m.accepted.Cancel()
			}
			c.finish(FromError(err), false)
			return
		}
	}
}

// writeMsg waits for flow-control admission and hands the message to the
// stream, chunk by chunk. Context values chunk exactly as payloads do: a
// value larger than the peer's window could otherwise never be admitted,
// since the peer returns credit only for chunks it has received. Only the
// writer goroutine calls this, so the window waits never touch the caller.
func (c *ClientCall[Req, Resp]) writeMsg(m *outMsg) error {
	if m.kind == outHalfClose {
		return c.sendFrame(HalfCloseFrame{})
	}
	if err := checkMessageSize(int64(len(m.data))); err != nil {
		return err
	}
	size := uint32(len(m.data))
	data := m.data
	first := true
	for {
		n, err := c.sendWin.reserve(uint32(len(data)))
		if err != nil {
			return err
		}
		var f Frame
		if m.kind == outContext {
			f = ContextFrame{Name: m.name, Size: size, Value: data[:n], First: first}
		} else {
			f = MessageFrame{Size: size, Data: data[:n], First: first}
		}
		if err := c.sendFrame(f); err != nil {
			return err
		}
		data = data[n:]
		first = false
		if len(data) == 0 {
			break
		}
	}
	if m.accepted != nil {
		m.accepted.Resolve()
	}
	return nil
}

func (c *ClientCall[Req, Resp]) sendFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.Send(f)
}

func (c *ClientCall[Req, Resp]) recvLoop() {
	for {
		frame, err := c.stream.Recv()
		if err != nil {
			c.finish(FromError(err), false)
			return
		}
		select {
		case <-c.done:
			// terminated; drop anything still arriving
			return
		default:
		}

		switch f := frame.(type) {
		case WindowUpdateFrame:
			c.sendWin.update(f.Delta)

		case ContextFrame:
			if err := c.recvWin.consume(uint32(len(f.Value))); err != nil {
				c.finish(FromError(err), false)
				return
			}
			c.enqueueChunk(&inChunk{kind: eventContext, name: f.Name, size: f.Size, data: f.Value, first: f.First})

		case MessageFrame:
			if err := c.recvWin.consume(uint32(len(f.Data))); err != nil {
				c.finish(FromError(err), false)
				return
			}
			c.enqueueChunk(&inChunk{kind: eventPayload, size: f.Size, data: f.Data, first: f.First})

		case CloseFrame:
			c.finish(f.Status, false)
			return

		default:
			c.finish(Newf(Internal, "unexpected frame type %T from peer", frame), false)
			return
		}
	}
}

func (c *ClientCall[Req, Resp]) enqueueChunk(ch *inChunk) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.terminated {
		// late chunks racing the terminal status are dropped
		return
	}
	c.events.PushBack(ch)
	c.dispatchCond.Signal()
}

// fail records a protocol failure and discards anything still queued; the
// chunk stream is not trustworthy past the violation.
func (c *ClientCall[Req, Resp]) fail(st Status) {
	if !c.finish(st, true) {
		c.dispatchMu.Lock()
		c.events.Init()
		c.dispatchMu.Unlock()
	}
}

// restoreCredit advertises n bytes of inbound window back to the peer.
func (c *ClientCall[Req, Resp]) restoreCredit(n uint32) {
	delta := c.recvWin.restore(n)
	if delta == 0 {
		return
	}
	select {
	case <-c.done:
	default:
		_ = c.sendFrame(WindowUpdateFrame{Delta: delta})
	}
}

// dispatchLoop reassembles inbound chunks and feeds the listener. It is the
// only goroutine that invokes callbacks, so they are serialized per call; a
// blocking callback stalls only this loop, never the transport's read loop.
// A chunk's window credit is returned as it leaves the queue, so the peer
// can finish transmitting a message larger than the window while a chunk is
// being processed, but a blocked listener withholds credit for everything
// still queued behind it.
func (c *ClientCall[Req, Resp]) dispatchLoop() {
	var partial []byte
	var pendingKind eventKind
	var pendingName string
	msgLen := -1
	for {
		c.dispatchMu.Lock()
		for c.events.Len() == 0 && !c.terminated {
			c.dispatchCond.Wait()
		}
		front := c.events.Front()
		if front == nil {
			st := c.terminal
			c.dispatchMu.Unlock()
			c.listener.OnClose(st)
			return
		}
		ch := c.events.Remove(front).(*inChunk)
		c.dispatchMu.Unlock()

		c.restoreCredit(uint32(len(ch.data)))

		if ch.first {
			if msgLen != -1 {
				c.fail(New(Internal, "peer sent a new message envelope before completing the previous message"))
				continue
			}
			pendingKind, pendingName = ch.kind, ch.name
			msgLen = int(ch.size)
			partial = ch.data
		} else {
			if msgLen == -1 {
				c.fail(New(Internal, "peer never sent an envelope for message data"))
				continue
			}
			if ch.kind != pendingKind || ch.name != pendingName {
				c.fail(New(Internal, "peer interleaved chunks of different messages"))
				continue
			}
			partial = append(partial, ch.data...)
		}
		if len(partial) > msgLen {
			c.fail(New(Internal, "peer sent more data than its message envelope indicated"))
			continue
		}
		if len(partial) < msgLen {
			continue
		}

		value := partial
		partial, msgLen = nil, -1
		switch pendingKind {
		case eventContext:
			c.listener.OnContext(pendingName, value)
		default:
			payload, err := c.respCodec.Unmarshal(value)
			if err != nil {
				c.fail(New(Internal, "failed to decode payload message").WithCause(err))
				continue
			}
			c.listener.OnPayload(payload)
		}
	}
}
