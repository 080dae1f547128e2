package transport

import "fmt"

// ErrorKind classifies transport failures. All of them are fatal to the
// connection.
type ErrorKind int

const (
	KindIO ErrorKind = iota + 1
	KindConnectionClosed
	KindDecode
	KindFrameTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindConnectionClosed:
		return "connection closed"
	case KindDecode:
		return "decode"
	case KindFrameTooLarge:
		return "frame too large"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrClosed        = &Error{Kind: KindConnectionClosed}
	ErrFrameTooLarge = &Error{Kind: KindFrameTooLarge}
)

// NewError wraps err with a kind and the failing operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "transport: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
