// Package mcprpc is a bidirectional JSON-RPC 2.0 engine for the Model
// Context Protocol.
//
// # Organization
//
//   - github.com/localrivet/mcprpc/protocol: message model and codec
//   - github.com/localrivet/mcprpc/transport: carrier abstraction, with
//     inmemory, stdio, streamable (HTTP + SSE) and websocket carriers
//   - github.com/localrivet/mcprpc/correlation: request/response matching
//   - github.com/localrivet/mcprpc/lifecycle: connection phase machine
//   - github.com/localrivet/mcprpc/router: per-connection dispatcher
//
// This package bundles them into the two usual roles.
//
// # Server Example
//
//	s := mcprpc.NewServer("demo", "1.0.0")
//	_ = s.AddTool(protocol.Tool{Name: "echo"}, echo)
//	err := s.Serve(ctx, stdio.NewStdio(transport.Options{}))
//
// # Client Example
//
//	c, err := mcprpc.Dial(ctx, streamable.NewClient(url, streamable.ClientOptions{}), "demo-client", "1.0.0")
//	if err != nil {
//	  log.Fatalf("connect: %v", err)
//	}
//	defer c.Close()
//	result, err := c.CallTool(ctx, "echo", map[string]any{"text": "hi"})
package mcprpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/router"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/transport/streamable"
	"github.com/localrivet/mcprpc/transport/websocket"
	"github.com/localrivet/mcprpc/util/schema"
)

// Server serves a Mux of request handlers and a ToolSet over any number of
// connections.
type Server struct {
	Mux   *router.Mux
	Tools *router.ToolSet
	opts  []router.Option
}

// NewServer creates a server advertising the tools capability. opts are
// applied to every connection's router and may override the defaults.
func NewServer(name, version string, opts ...router.Option) *Server {
	s := &Server{Mux: router.NewMux(), Tools: router.NewToolSet()}
	s.Tools.Register(s.Mux)
	s.opts = append([]router.Option{
		router.WithRole(lifecycle.RoleServer),
		router.WithImplementation(name, version),
		router.WithCapabilities(protocol.CapabilitiesFor(protocol.NewFeatureSet(protocol.FeatureTools))),
		router.WithHandler(s.Mux),
	}, opts...)
	return s
}

// AddTool registers a tool.
func (s *Server) AddTool(tool protocol.Tool, fn router.ToolFunc) error {
	return s.Tools.Add(tool, fn)
}

// AddTypedTool registers a tool whose input schema is derived from the
// struct T. Arguments that do not decode into T are reported to the caller
// as a tool error.
func AddTypedTool[T any](s *Server, name, description string,
	fn func(ctx context.Context, cc *router.ConnContext, args *T) (*protocol.CallToolResult, error),
) error {
	var zero T
	input, err := schema.FromStruct(zero)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	tool := protocol.Tool{Name: name, Description: description, InputSchema: input}
	return s.AddTool(tool, func(ctx context.Context, cc *router.ConnContext, raw json.RawMessage) (*protocol.CallToolResult, error) {
		args, err := schema.Decode[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, cc, args)
	})
}

// Connection returns a router for t. The caller runs it.
func (s *Server) Connection(t transport.Transport) *router.Router {
	return router.New(t, s.opts...)
}

// Serve runs one connection until the peer disconnects or ctx is done, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	r := s.Connection(t)
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), router.DefaultShutdownTimeout)
		defer cancel()
		if err := r.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errc
	}
}

// StreamableHandler serves the streamable HTTP carrier, running a router
// per session until ctx is done.
func (s *Server) StreamableHandler(ctx context.Context, opts transport.Options) *streamable.Handler {
	return streamable.NewHandler(streamable.HandlerOptions{
		Options:   opts,
		OnSession: func(sess *streamable.Session) { go s.serveDetached(ctx, sess) },
	})
}

// WebSocketHandler upgrades requests and runs a router per connection until
// ctx is done.
func (s *Server) WebSocketHandler(ctx context.Context, opts transport.Options) *websocket.Handler {
	return websocket.NewHandler(opts, func(t *websocket.Transport) { go s.serveDetached(ctx, t) })
}

func (s *Server) serveDetached(ctx context.Context, t transport.Transport) {
	_ = s.Serve(ctx, t)
}

// Client is an initialized client connection.
type Client struct {
	*router.Router
	Result *protocol.InitializeResult
}

// Dial runs a client router over t and performs the initialize handshake.
// The client offers the tools feature unless opts replace the capabilities;
// handlers for server-initiated requests are installed with
// router.WithHandler.
func Dial(ctx context.Context, t transport.Transport, name, version string, opts ...router.Option) (*Client, error) {
	base := []router.Option{
		router.WithRole(lifecycle.RoleClient),
		router.WithImplementation(name, version),
		router.WithCapabilities(protocol.CapabilitiesFor(protocol.NewFeatureSet(protocol.FeatureTools))),
	}
	r := router.New(t, append(base, opts...)...)
	c := &Client{Router: r}
	// Run logs a fatal transport error itself; callers observe it through
	// failed calls and Done.
	go func() { _ = r.Run(context.Background()) }()

	result, err := r.Initialize(ctx)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	c.Result = result
	return c, nil
}

// Close shuts the connection down, letting pending calls finish first.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), router.DefaultShutdownTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Ping checks that the peer is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodPing, nil, nil)
}

// ListTools fetches the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	var result protocol.ListToolsResult
	if err := c.Call(ctx, protocol.MethodListTools, protocol.ListToolsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool. A tool-level failure is reported through
// result.IsError, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments for %s: %w", name, err)
		}
		params.Arguments = raw
	}
	var result protocol.CallToolResult
	if err := c.Call(ctx, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
