// Package callstream provides the client-side contract for a single
// streaming RPC exchange, independent of any particular transport or wire
// encoding: a caller sends a sequence of typed payload messages and
// out-of-band context messages, the remote peer streams context and payload
// messages back, and exactly one terminal status ends the exchange.
//
// The package is the call-lifecycle and flow-control layer only. It sits on
// top of a Stream, the frame-oriented duplex channel a transport presents,
// and beneath a stub or application that constructs calls and supplies a
// Listener for inbound events. Serialization is pluggable via Codec;
// ProtoCodec covers protobuf messages and RawCodec covers byte slices.
//
// All caller-facing operations on a call are non-blocking. Waiting for the
// transport's flow-control window is deferred to an optional Accepted token
// supplied with each send; callers that keep sending without awaiting their
// tokens risk unbounded buffering. Listener callbacks, by contrast, may
// block arbitrarily: each call dispatches inbound events from its own
// goroutine so a slow consumer never stalls the transport's read loop.
//
// The grpccall subpackage adapts the same contract onto any
// grpc.ClientConnInterface, so a call can be driven over a real gRPC
// connection or an in-process channel.
package callstream
