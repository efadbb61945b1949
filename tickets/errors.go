package tickets

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a ticket failed to decode.
type ErrorKind int

const (
	Malformed ErrorKind = iota + 1
	TamperDetected
	Expired
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case TamperDetected:
		return "tamper_detected"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed      = errors.New("ticket malformed")
	ErrTamperDetected = errors.New("ticket tamper detected")
	ErrExpired        = errors.New("ticket expired")
)

// DecodeError is returned by every Decode* method.
type DecodeError struct {
	Kind   ErrorKind
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("decode ticket: %s", e.Kind)
	}
	return fmt.Sprintf("decode ticket: %s: %s", e.Kind, e.Reason)
}

// Is lets callers match on the sentinel for the error's kind.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrTamperDetected:
		return e.Kind == TamperDetected
	case ErrExpired:
		return e.Kind == Expired
	}
	return false
}

// KindOf returns the decode error kind wrapped in err, or 0 when err is not a DecodeError.
func KindOf(err error) ErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: Malformed, Reason: fmt.Sprintf(format, args...)}
}
