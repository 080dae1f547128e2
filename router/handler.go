package router

import (
	"context"
	"encoding/json"

	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/transport"
)

// Handler receives the requests and notifications a peer sends. Each call
// runs in its own goroutine, so implementations must be safe for concurrent
// use. HandleRequest returns the result to encode, or an error; an
// *protocol.MCPError keeps its code, any other error is reported to the peer
// as InternalError.
type Handler interface {
	HandleRequest(ctx context.Context, cc *ConnContext, method string, params json.RawMessage) (any, error)
	HandleNotification(ctx context.Context, cc *ConnContext, method string, params json.RawMessage)
}

// Authorizer is consulted before every request reaches the Handler. It may
// return a derived context, e.g. carrying the authenticated principal. A
// rejection that is not already an *protocol.MCPError is reported as
// Unauthorized.
type Authorizer interface {
	Authorize(ctx context.Context, info transport.Info, method string, params json.RawMessage) (context.Context, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, info transport.Info, method string, params json.RawMessage) (context.Context, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, info transport.Info, method string, params json.RawMessage) (context.Context, error) {
	return f(ctx, info, method, params)
}

// ConnContext is the view of a connection handed to handlers. It lets a
// handler call back into the peer on the same connection.
type ConnContext struct {
	r *Router
}

// Info describes the underlying transport connection.
func (c *ConnContext) Info() transport.Info { return c.r.info }

// Role is the local role on this connection.
func (c *ConnContext) Role() lifecycle.Role { return c.r.role }

// Phase is the current lifecycle phase.
func (c *ConnContext) Phase() lifecycle.Phase { return c.r.machine.Phase() }

// Negotiated returns the capabilities both peers declared.
func (c *ConnContext) Negotiated() protocol.FeatureSet {
	fs, _ := c.r.machine.Negotiated()
	return fs
}

// ProtocolVersion is the negotiated protocol revision.
func (c *ConnContext) ProtocolVersion() string { return c.r.machine.ProtocolVersion() }

// Peer identifies the remote implementation.
func (c *ConnContext) Peer() protocol.Implementation { return c.r.machine.Peer() }

// Call sends a request to the peer and decodes its result into result.
func (c *ConnContext) Call(ctx context.Context, method string, params, result any) error {
	return c.r.Call(ctx, method, params, result)
}

// Notify sends a notification to the peer.
func (c *ConnContext) Notify(ctx context.Context, method string, params any) error {
	return c.r.Notify(ctx, method, params)
}

type requestIDKey struct{}

// RequestIDFromContext returns the id of the inbound request being handled.
func RequestIDFromContext(ctx context.Context) (protocol.RequestID, bool) {
	id, ok := ctx.Value(requestIDKey{}).(protocol.RequestID)
	return id, ok
}

func contextWithRequestID(ctx context.Context, id protocol.RequestID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
