package moqbridge

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Do runs one boundary operation. A panic in fn becomes an Internal error
// instead of unwinding into the caller, and any failure is recorded as the
// calling thread's last error.
func Do(op string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = panicError(op, v)
		}
		if err != nil {
			fail(op, err)
		}
	}()
	return fn()
}

// DoValue is Do for operations that produce a value. The zero value is
// returned on failure.
func DoValue[T any](op string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, panicError(op, r)
		}
		if err != nil {
			fail(op, err)
		}
	}()
	return fn()
}

// NullArgument is the error for a missing required argument.
func NullArgument(op, param string) error {
	return newError(InvalidArgument, op, "%s is null", param)
}

// CheckBuffer validates a (pointer, length) pair: a null pointer is only
// allowed together with a zero length.
func CheckBuffer(op, param string, isNull bool, length int) error {
	if isNull && length != 0 {
		return newError(InvalidArgument, op, "%s is null but length is %d", param, length)
	}
	return nil
}

func panicError(op string, v any) *Error {
	logrus.WithFields(logrus.Fields{
		"function": op,
		"panic":    fmt.Sprint(v),
	}).Error("Recovered panic at boundary")
	return newError(Internal, op, "panic in %s", op)
}

func fail(op string, err error) {
	setLastError(err.Error())
	logrus.WithFields(logrus.Fields{
		"function": op,
		"code":     CodeOf(err).String(),
		"error":    err.Error(),
	}).Debug("Boundary operation failed")
}
