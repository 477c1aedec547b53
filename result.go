package moqbridge

import (
	"errors"
	"fmt"
)

// ResultCode is the stable numeric outcome of a boundary operation. Values
// are only ever added, never renumbered.
type ResultCode int32

const (
	Ok ResultCode = iota
	InvalidArgument
	ConnectionFailed
	NotConnected
	Timeout
	Internal
	Unsupported
	BufferTooSmall
)

var resultCodeNames = [...]string{
	Ok:               "ok",
	InvalidArgument:  "invalid argument",
	ConnectionFailed: "connection failed",
	NotConnected:     "not connected",
	Timeout:          "timeout",
	Internal:         "internal error",
	Unsupported:      "unsupported",
	BufferTooSmall:   "buffer too small",
}

func (c ResultCode) String() string {
	if c >= 0 && int(c) < len(resultCodeNames) {
		return resultCodeNames[c]
	}
	return fmt.Sprintf("ResultCode(%d)", int32(c))
}

// Error is the error type of every boundary operation.
type Error struct {
	Code ResultCode
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ResultCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Errorf builds an *Error for op with a formatted message.
func Errorf(code ResultCode, op, format string, args ...any) error {
	return newError(code, op, format, args...)
}

func wrapError(code ResultCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Msg: err.Error(), Err: err}
}

// CodeOf returns the result code carried by err. Errors that did not come
// from a boundary operation are Internal.
func CodeOf(err error) ResultCode {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Result is the flattened form of an operation outcome handed across the C
// boundary.
type Result struct {
	Code    ResultCode
	Message string
}

// ResultOf flattens err. A nil error is {Ok, ""}.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Code: Ok}
	}
	return Result{Code: CodeOf(err), Message: err.Error()}
}
