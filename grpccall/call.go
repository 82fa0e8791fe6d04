// Package grpccall adapts the callstream contract onto gRPC: a call is
// driven over any grpc.ClientConnInterface, whether a real connection, a
// tunnel, or an in-process channel.
//
// The mapping follows how gRPC exposes side channels. Context messages sent
// before the first payload become outgoing request metadata; the stream is
// opened lazily at the first payload or half-close, so gRPC's requirement
// that metadata precede the stream is preserved. Response headers fan out
// as inbound context messages, received messages as payloads, and the
// final RPC status as the terminal status. gRPC cannot carry outbound
// metadata mid-stream, so SendContext after the stream has opened fails
// with ErrContextAfterOpen; the core callstream package has no such limit.
//
// gRPC applies its own transport-level flow control, so Accepted tokens
// resolve as soon as the message has been handed to the gRPC stream.
package grpccall

import (
	"container/list"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/meshwire/callstream"
)

// ErrContextAfterOpen is returned by SendContext once the underlying gRPC
// stream has been opened by a payload or half-close.
var ErrContextAfterOpen = errors.New("grpccall: context messages must precede the first payload")

// Call drives one streaming exchange over a gRPC connection. Binary
// context values should use gRPC's "-bin" key convention.
type Call[Req, Resp proto.Message] struct {
	conn   grpc.ClientConnInterface
	method string
	desc   grpc.StreamDesc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	sendClosed bool
	sealed     bool // a payload or half-close was enqueued; metadata is final
	opened     bool // the gRPC stream has been created
	terminated bool
	terminal   callstream.Status
	md         metadata.MD
	mdTokens   []*callstream.Accepted
	outbound   *list.List // of *outMsg[Req]
	listener   callstream.Listener[Resp]

	outReady  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ callstream.Call[*emptypb.Empty, *emptypb.Empty] = (*Call[*emptypb.Empty, *emptypb.Empty])(nil)

type outMsg[Req proto.Message] struct {
	msg       Req
	halfClose bool
	accepted  *callstream.Accepted
}

// New creates a call for the given full method name (e.g.
// "/acme.Search/Query"). The connection is not touched until the stream
// opens. Call options are accepted for parity with callstream.NewCall, but
// the flow-control options have no effect here: gRPC applies its own
// transport-level flow control.
func New[Req, Resp proto.Message](ctx context.Context, conn grpc.ClientConnInterface, method string, opts ...callstream.CallOption) *Call[Req, Resp] {
	ctx, cancel := context.WithCancel(ctx)
	return &Call[Req, Resp]{
		conn:   conn,
		method: method,
		desc: grpc.StreamDesc{
			StreamName:    method[strings.LastIndexByte(method, '/')+1:],
			ClientStreams: true,
			ServerStreams: true,
		},
		ctx:      ctx,
		cancel:   cancel,
		md:       metadata.MD{},
		outbound: list.New(),
		outReady: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start registers the listener. It must be invoked before any other
// operation and at most once.
func (c *Call[Req, Resp]) Start(listener callstream.Listener[Resp]) error {
	if listener == nil {
		return errors.New("grpccall: nil listener")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return callstream.ErrAlreadyStarted
	}
	if c.terminated {
		c.mu.Unlock()
		return callstream.ErrTerminated
	}
	c.started = true
	c.listener = listener
	c.mu.Unlock()

	go c.writeLoop()
	return nil
}

// SendContext buffers one context message as outgoing metadata. Legal only
// before the stream opens. A non-nil accepted token resolves once the
// metadata has been attached to the opened stream.
func (c *Call[Req, Resp]) SendContext(name string, value []byte, accepted *callstream.Accepted) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return callstream.ErrNotStarted
	}
	if c.sendClosed {
		return callstream.ErrSendClosed
	}
	if c.sealed {
		return ErrContextAfterOpen
	}
	c.md.Append(name, string(value))
	if accepted != nil {
		c.mdTokens = append(c.mdTokens, accepted)
	}
	return nil
}

// SendPayload enqueues one request message, opening the stream if this is
// the first. A non-nil accepted token resolves once gRPC has taken the
// message, and is cancelled if the call terminates first.
func (c *Call[Req, Resp]) SendPayload(payload Req, accepted *callstream.Accepted) error {
	return c.enqueue(&outMsg[Req]{msg: payload, accepted: accepted})
}

// HalfClose closes the send direction after any enqueued messages, opening
// the stream first if no payload ever did.
func (c *Call[Req, Resp]) HalfClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return callstream.ErrNotStarted
	}
	if c.sendClosed {
		return callstream.ErrSendClosed
	}
	c.sendClosed = true
	c.sealed = true
	c.outbound.PushBack(&outMsg[Req]{halfClose: true})
	c.signal()
	return nil
}

// Cancel aborts both directions. It is idempotent, never blocks, and is a
// no-op once the call has terminated for any other reason.
func (c *Call[Req, Resp]) Cancel() {
	c.finish(callstream.New(callstream.Canceled, "call cancelled by caller"))
}

// Done returns a channel closed once the call has terminated.
func (c *Call[Req, Resp]) Done() <-chan struct{} {
	return c.done
}

func (c *Call[Req, Resp]) enqueue(m *outMsg[Req]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return callstream.ErrNotStarted
	}
	if c.sendClosed {
		return callstream.ErrSendClosed
	}
	c.sealed = true
	c.outbound.PushBack(m)
	c.signal()
	return nil
}

func (c *Call[Req, Resp]) signal() {
	select {
	case c.outReady <- struct{}{}:
	default:
	}
}

func (c *Call[Req, Resp]) isTerminated() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// finish records the terminal status if none has been recorded yet (first
// terminal status wins), cancels tokens for messages gRPC never took, and
// cancels the stream context. When the stream never opened there is no
// receive loop, so finish delivers the close itself.
func (c *Call[Req, Resp]) finish(st callstream.Status) bool {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return false
	}
	c.terminated = true
	c.terminal = st
	c.sendClosed = true
	orphaned := c.mdTokens
	c.mdTokens = nil
	for e := c.outbound.Front(); e != nil; e = e.Next() {
		if m := e.Value.(*outMsg[Req]); m.accepted != nil {
			orphaned = append(orphaned, m.accepted)
		}
	}
	c.outbound.Init()
	started, opened := c.started, c.opened
	close(c.done)
	c.mu.Unlock()

	for _, a := range orphaned {
		a.Cancel()
	}
	c.cancel()

	if started && !opened {
		go c.deliverClose()
	}
	return true
}

func (c *Call[Req, Resp]) deliverClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		st := c.terminal
		listener := c.listener
		c.mu.Unlock()
		listener.OnClose(st)
	})
}

func (c *Call[Req, Resp]) writeLoop() {
	var stream grpc.ClientStream
	for {
		c.mu.Lock()
		front := c.outbound.Front()
		if front == nil {
			c.mu.Unlock()
			select {
			case <-c.outReady:
				continue
			case <-c.done:
				return
			}
		}
		m := c.outbound.Remove(front).(*outMsg[Req])
		needOpen := !c.opened
		var md metadata.MD
		var mdTokens []*callstream.Accepted
		if needOpen {
			c.opened = true
			md = c.md
			mdTokens = c.mdTokens
			c.mdTokens = nil
		}
		c.mu.Unlock()

		if needOpen {
			s, err := c.conn.NewStream(metadata.NewOutgoingContext(c.ctx, md), &c.desc, c.method)
			if err != nil {
				for _, t := range mdTokens {
					t.Cancel()
				}
				if m.accepted != nil {
					m.accepted.Cancel()
				}
				c.finish(callstream.FromError(err))
				c.deliverClose()
				return
			}
			stream = s
			for _, t := range mdTokens {
				t.Resolve()
			}
			go c.recvLoop(stream)
		}

		if m.halfClose {
			_ = stream.CloseSend()
			continue
		}
		if err := stream.SendMsg(m.msg); err != nil {
			// gRPC reports the definitive status through RecvMsg on
			// the receive path; just stop writing
			if m.accepted != nil {
				m.accepted.Cancel()
			}
			return
		}
		if m.accepted != nil {
			m.accepted.Resolve()
		}
	}
}

func (c *Call[Req, Resp]) recvLoop(stream grpc.ClientStream) {
	if md, err := stream.Header(); err == nil && !c.isTerminated() {
		for name, values := range md {
			for _, value := range values {
				c.listener.OnContext(name, []byte(value))
			}
		}
	}
	for {
		msg := newMessage[Resp]()
		if err := stream.RecvMsg(msg); err != nil {
			st := callstream.New(callstream.OK, "")
			if !errors.Is(err, io.EOF) {
				st = callstream.FromError(err)
			}
			c.finish(st)
			c.deliverClose()
			return
		}
		if c.isTerminated() {
			// cancelled mid-stream; drop and let RecvMsg surface the error
			continue
		}
		c.listener.OnPayload(msg)
	}
}

func newMessage[T proto.Message]() T {
	// the zero value of T is a typed nil pointer, enough to reach the
	// message descriptor and allocate a fresh instance
	var zero T
	return zero.ProtoReflect().New().Interface().(T)
}
