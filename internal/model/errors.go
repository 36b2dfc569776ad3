package model

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

var (
	// ErrDisposed is returned by every operation on a disposed timeline.
	ErrDisposed = errors.New("timeline disposed")
	// ErrNotStarted is returned when paginating a timeline that was never started.
	ErrNotStarted = errors.New("timeline not started")
	// ErrPaginationInProgress is returned when a pagination is already running in the
	// requested direction.
	ErrPaginationInProgress = errors.New("pagination already in progress")
)

// TransportError is a network or server failure reported by a fetcher. The
// chunk graph is left untouched and the caller may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedSliceError describes a fetch result with an inconsistent token pair.
type MalformedSliceError struct {
	Start  string
	End    string
	Reason string
}

func (e *MalformedSliceError) Error() string {
	return fmt.Sprintf("malformed slice [%q, %q]: %s", e.Start, e.End, e.Reason)
}

// NotFoundError is returned when a context fetch targets an unknown or deleted event.
type NotFoundError struct {
	RoomID  id.RoomID
	EventID id.EventID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("event %s not found in %s", e.EventID, e.RoomID)
}
