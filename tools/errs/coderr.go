package errs

import (
	"strconv"

	"github.com/pkg/errors"
)

// Error codes for the transport layer. The ranges follow the failure
// taxonomy: 1xx connection, 2xx auth, 3xx request/ack, 4xx dispatch.
const (
	CodeConnection      = 100
	CodeNotConnected    = 101
	CodeConnectTimeout  = 102
	CodeAuthentication  = 200
	CodeAckTimeout      = 300
	CodeDispatchHandler = 400
)

var (
	// ErrConnection covers handshake or transport failures that the
	// reconnection supervisor may recover from.
	ErrConnection = NewCodeError(CodeConnection, "connection error")

	// ErrNotConnected is returned for fire-and-forget calls issued while the
	// connection is down. Message sends are deliberately not queued offline.
	ErrNotConnected = NewCodeError(CodeNotConnected, "not connected")

	// ErrConnectTimeout means the handshake did not complete in time.
	ErrConnectTimeout = NewCodeError(CodeConnectTimeout, "connect timeout")

	// ErrAuthentication means the credential was rejected. Never retried
	// automatically; the caller needs a fresh credential.
	ErrAuthentication = NewCodeError(CodeAuthentication, "authentication rejected")

	// ErrAckTimeout means an ack-requiring request (join, leave) received no
	// confirmation within its timeout.
	ErrAckTimeout = NewCodeError(CodeAckTimeout, "acknowledgment timeout")

	// ErrDispatchHandler wraps a panic recovered from an event handler.
	ErrDispatchHandler = NewCodeError(CodeDispatchHandler, "event handler panicked")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	s := strconv.Itoa(e.Code) + " " + e.Msg
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

// WithDetail returns a copy carrying extra context. The copy still matches
// the original through errors.Is.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches any CodeError with the same code, so WithDetail copies and
// wrapped chains compare equal to their sentinel.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}

// Wrap annotates err with a message and a stack.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// WrapCode ties an underlying cause to one of the sentinel codes.
func WrapCode(code *CodeError, cause error) error {
	if cause == nil {
		return code
	}
	return errors.WithStack(code.WithDetail(cause.Error()))
}

// CodeOf extracts the CodeError from a chain, or nil.
func CodeOf(err error) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
