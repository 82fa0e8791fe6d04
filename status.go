package callstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code classifies why a call ended. The enumeration is closed: there are no
// user-defined codes. Numeric values are identical to gRPC's canonical
// status codes, so Code and codes.Code interconvert losslessly.
type Code uint32

const (
	OK                 Code = 0
	Canceled           Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

func (c Code) String() string {
	return codes.Code(c).String()
}

// Status is the immutable terminal outcome of a call: a Code plus an
// optional human-readable message and an optional underlying cause. Only
// the code is significant for classifying success versus failure; message
// and cause are diagnostic and callers must not branch on them.
type Status struct {
	code    Code
	message string
	cause   error
}

// New creates a Status with the given code and message.
func New(code Code, message string) Status {
	return Status{code: code, message: message}
}

// Newf creates a Status with the given code and a formatted message.
func Newf(code Code, format string, args ...interface{}) Status {
	return Status{code: code, message: fmt.Sprintf(format, args...)}
}

// WithCause returns a copy of s carrying err as its underlying cause.
func (s Status) WithCause(err error) Status {
	s.cause = err
	return s
}

// Code returns the status code.
func (s Status) Code() Code { return s.code }

// Message returns the human-readable description, which may be empty.
func (s Status) Message() string { return s.message }

// Cause returns the underlying error that produced this status, if any.
func (s Status) Cause() error { return s.cause }

// OK reports whether the status code is OK. Equality of statuses is
// structural on the code only.
func (s Status) OK() bool { return s.code == OK }

func (s Status) String() string {
	if s.message == "" {
		return s.code.String()
	}
	return fmt.Sprintf("%s: %s", s.code, s.message)
}

// Err returns nil if the status is OK, and an error describing the status
// otherwise. The returned error unwraps to the status cause, if present.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{status: s}
}

// GRPC converts the status to its gRPC equivalent.
func (s Status) GRPC() *grpcstatus.Status {
	return grpcstatus.New(codes.Code(s.code), s.message)
}

// Proto converts the status to the canonical google.rpc.Status message.
func (s Status) Proto() *spb.Status {
	return &spb.Status{Code: int32(s.code), Message: s.message}
}

// FromGRPC converts a gRPC status. A nil status maps to OK.
func FromGRPC(st *grpcstatus.Status) Status {
	if st == nil {
		return Status{}
	}
	return Status{code: Code(st.Code()), message: st.Message()}
}

// StatusFromProto converts a canonical google.rpc.Status message. A nil
// message maps to OK.
func StatusFromProto(p *spb.Status) Status {
	if p == nil {
		return Status{}
	}
	return Status{code: Code(p.GetCode()), message: p.GetMessage()}
}

// FromError classifies an arbitrary error as a Status. Status errors and
// gRPC status errors keep their code; context errors map to Canceled and
// DeadlineExceeded; io.EOF maps to Unavailable since it indicates the
// transport went away before a terminal status arrived; anything else is
// Unknown. A nil error is OK.
func FromError(err error) Status {
	if err == nil {
		return Status{}
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status()
	}
	if errors.Is(err, context.Canceled) {
		return New(Canceled, err.Error()).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(DeadlineExceeded, err.Error()).WithCause(err)
	}
	if errors.Is(err, io.EOF) {
		return New(Unavailable, "transport closed before call completed").WithCause(err)
	}
	if st, ok := grpcstatus.FromError(err); ok {
		return FromGRPC(st).WithCause(err)
	}
	return New(Unknown, err.Error()).WithCause(err)
}

// StatusError is the error form of a non-OK Status, as returned by
// Status.Err.
type StatusError struct {
	status Status
}

// Status returns the underlying status.
func (e *StatusError) Status() Status { return e.status }

func (e *StatusError) Error() string { return e.status.String() }

// Unwrap returns the status cause, if any.
func (e *StatusError) Unwrap() error { return e.status.cause }
