package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a protocol error for logging and metrics.
type ErrorCode uint16

const (
	// ====== Framing ======
	ErrCodeBadType       ErrorCode = 1001
	ErrCodeFrameTooLarge ErrorCode = 1002

	// ====== Session ======
	ErrCodeDisposed ErrorCode = 2001
)

// Error is the error type produced by the framing layer. A corrupt header
// leaves the byte stream unrecoverable, so the reader stops at the first one.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("protocol error (%d)", e.Code)
	}
	return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Msg)
}

// NewError builds an *Error.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// IsProtocolError unwraps err to an *Error.
func IsProtocolError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrDisposed is returned by Flush and Drain on a disposed protocol or writer.
var ErrDisposed = NewError(ErrCodeDisposed, "disposed")
