package correlation

import (
	"fmt"

	"github.com/localrivet/mcprpc/protocol"
)

// ErrorKind classifies correlation failures.
type ErrorKind int

const (
	// KindTimeout: no response arrived before the deadline.
	KindTimeout ErrorKind = iota + 1
	// KindCancelled: the caller, or a forced shutdown, gave up on the request.
	KindCancelled
	// KindOrphan: a response matched no pending request. Recorded, never returned to callers.
	KindOrphan
	// KindConnectionClosed: the connection ended while the request was pending.
	KindConnectionClosed
	// KindCapacity: the pending table is full.
	KindCapacity
	// KindDuplicateID: the id is still in flight.
	KindDuplicateID
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindOrphan:
		return "orphan"
	case KindConnectionClosed:
		return "connection closed"
	case KindCapacity:
		return "capacity exceeded"
	case KindDuplicateID:
		return "duplicate id"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a correlation failure for one request.
type Error struct {
	Kind   ErrorKind
	ID     protocol.RequestID
	Method string
	Err    error
}

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrOrphan           = &Error{Kind: KindOrphan}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrCapacity         = &Error{Kind: KindCapacity}
	ErrDuplicateID      = &Error{Kind: KindDuplicateID}
)

func (e *Error) Error() string {
	msg := "correlation: " + e.Kind.String()
	if !e.ID.IsZero() {
		msg = fmt.Sprintf("request %s", e.ID)
		if e.Method != "" {
			msg += fmt.Sprintf(" (%s)", e.Method)
		}
		msg += ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
