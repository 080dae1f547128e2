// Package transport provides the transport abstraction for the MCP protocol
// engine and the helpers shared by its carriers.
//
// A Transport moves opaque, already-framed JSON-RPC messages. Each carrier
// owns its framing: newline-delimited JSON on pipes, one text frame per
// message on WebSockets, and a JSON body or SSE events on streamable HTTP.
package transport

import (
	"context"
	"net/http"

	"github.com/localrivet/mcprpc/types"
)

// DefaultMaxFrameSize bounds a single inbound message.
const DefaultMaxFrameSize = 10 << 20 // 10 MiB

// Transport represents a communication transport for MCP messages.
// Send is safe for concurrent use. Receive is consumed by a single reader.
type Transport interface {
	// Connect establishes the carrier. It is idempotent.
	Connect(ctx context.Context) error

	// Send writes one complete message.
	Send(ctx context.Context, data []byte) error

	// Receive blocks for the next complete message. A clean close by the
	// peer is reported as io.EOF; a local Close as ErrClosed.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the carrier. It is idempotent.
	Close() error
}

// Info describes a connection for logging and authorization.
type Info struct {
	// Name identifies the carrier, e.g. "stdio" or "streamable-http".
	Name string
	// SessionID is unique per connection.
	SessionID string
	// RemoteAddr is empty for local carriers.
	RemoteAddr string
	// Header holds the headers of the request that opened the connection,
	// for carriers that have one.
	Header http.Header
}

// InfoProvider is implemented by transports that can describe their connection.
type InfoProvider interface {
	Info() Info
}

// InfoOf returns t's Info, or a minimal one if t does not provide it.
func InfoOf(t Transport) Info {
	if p, ok := t.(InfoProvider); ok {
		return p.Info()
	}
	return Info{Name: "unknown"}
}

// Options holds configuration shared by every carrier.
type Options struct {
	// MaxFrameSize bounds inbound messages. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
	// Logger receives carrier diagnostics. Nil means a stderr logger.
	Logger types.Logger
}

// FrameLimit returns the effective maximum frame size.
func (o Options) FrameLimit() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}
