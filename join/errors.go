package join

import (
	"errors"
	"fmt"
)

type AllocationErrorKind string

const (
	NoCapacity AllocationErrorKind = "no_capacity"
	Timeout    AllocationErrorKind = "timeout"
	Upstream   AllocationErrorKind = "upstream"
)

// ErrNoCapacity may be wrapped by allocators that cannot place a request at all.
var ErrNoCapacity = errors.New("no server capacity for place")

type AllocationError struct {
	Kind    AllocationErrorKind
	PlaceID int64
	Err     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate server for place %d: %s: %v", e.PlaceID, e.Kind, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

type FailureReason string

const (
	PlaceMismatch      FailureReason = "place_mismatch"
	UserMismatch       FailureReason = "user_mismatch"
	UsernameMismatch   FailureReason = "username_mismatch"
	AppearanceMismatch FailureReason = "appearance_mismatch"
	AlreadyInOtherGame FailureReason = "already_in_other_game"
	IssuerMismatch     FailureReason = "issuer_mismatch"
)

// ValidationFailure explains a rejected ticket. It is logged, never returned
// to the game server.
type ValidationFailure struct {
	Reason FailureReason
	Detail string
	Err    error
}

func (f *ValidationFailure) Error() string {
	msg := "ticket rejected: " + string(f.Reason)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *ValidationFailure) Unwrap() error { return f.Err }

func reject(reason FailureReason, format string, args ...any) *ValidationFailure {
	return &ValidationFailure{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
