package callstream

// CallOption configures the behavior of a call created with NewCall.
type CallOption interface {
	apply(*callOpts)
}

// WithInitialWindow returns an option that sets the initial flow-control
// window, in bytes, for both directions of the call. The default is 64 KiB.
func WithInitialWindow(size uint32) CallOption {
	return callOptFunc(func(opts *callOpts) {
		opts.initialWindow = size
	})
}

// WithoutFlowControl returns an option that disables flow-control
// accounting entirely, for transports that already apply their own
// backpressure. Accepted tokens then resolve as soon as the message is
// handed to the stream.
func WithoutFlowControl() CallOption {
	return callOptFunc(func(opts *callOpts) {
		opts.disableFlowControl = true
	})
}

type callOpts struct {
	initialWindow      uint32
	disableFlowControl bool
}

type callOptFunc func(*callOpts)

func (f callOptFunc) apply(opts *callOpts) {
	f(opts)
}
