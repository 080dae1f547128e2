package mcprpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/router"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/transport/inmemory"
	"github.com/localrivet/mcprpc/transport/streamable"
	"github.com/localrivet/mcprpc/transport/websocket"
)

func echoServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("echo-server", "1.0.0", router.WithLogger(logx.Nop()))
	require.NoError(t, s.AddTool(protocol.Tool{Name: "echo", Description: "Echoes text"},
		func(_ context.Context, _ *router.ConnContext, args json.RawMessage) (*protocol.CallToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Text == "" {
				return nil, errors.New("text is required")
			}
			return &protocol.CallToolResult{Content: []protocol.TextContent{protocol.NewTextContent(in.Text)}}, nil
		}))
	return s
}

func exercise(t *testing.T, ctx context.Context, c *Client) {
	t.Helper()
	assert.Equal(t, "echo-server", c.Result.ServerInfo.Name)
	assert.Equal(t, lifecycle.Operational, c.Phase())

	require.NoError(t, c.Ping(ctx))

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := c.CallTool(ctx, "echo", map[string]string{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)

	result, err = c.CallTool(ctx, "echo", map[string]string{})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, err = c.CallTool(ctx, "missing", nil)
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidParams))
}

func TestServeInMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverSide, clientSide := inmemory.NewPair(transport.Options{})
	s := echoServer(t)
	served := make(chan error, 1)
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	go func() { served <- s.Serve(serveCtx, serverSide) }()

	c, err := Dial(ctx, clientSide, "test-client", "1.0.0", router.WithLogger(logx.Nop()))
	require.NoError(t, err)
	exercise(t, ctx, c)

	require.NoError(t, c.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("server did not stop after the client closed")
	}
}

func TestServeStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverSide, clientSide := inmemory.NewPair(transport.Options{})
	s := echoServer(t)
	serveCtx, stopServing := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- s.Serve(serveCtx, serverSide) }()

	c, err := Dial(ctx, clientSide, "test-client", "1.0.0", router.WithLogger(logx.Nop()))
	require.NoError(t, err)
	defer c.Close()

	stopServing()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("server ignored cancellation")
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client did not see the server leave")
	}
}

func TestServeOverHTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := echoServer(t)

	t.Run("streamable", func(t *testing.T) {
		h := s.StreamableHandler(ctx, transport.Options{Logger: logx.Nop()})
		srv := httptest.NewServer(h)
		defer srv.Close()
		defer h.Close()

		c, err := Dial(ctx, streamable.NewClient(srv.URL, streamable.ClientOptions{
			Options: transport.Options{Logger: logx.Nop()},
		}), "test-client", "1.0.0", router.WithLogger(logx.Nop()))
		require.NoError(t, err)
		defer c.Close()
		exercise(t, ctx, c)
	})

	t.Run("websocket", func(t *testing.T) {
		srv := httptest.NewServer(s.WebSocketHandler(ctx, transport.Options{Logger: logx.Nop()}))
		defer srv.Close()

		tr, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), websocket.DialOptions{
			Options: transport.Options{Logger: logx.Nop()},
		})
		require.NoError(t, err)
		c, err := Dial(ctx, tr, "test-client", "1.0.0", router.WithLogger(logx.Nop()))
		require.NoError(t, err)
		defer c.Close()
		exercise(t, ctx, c)
	})
}

func TestDialFailsWhenPeerIsGone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverSide, clientSide := inmemory.NewPair(transport.Options{})
	require.NoError(t, serverSide.Close())

	_, err := Dial(ctx, clientSide, "test-client", "1.0.0", router.WithLogger(logx.Nop()))
	assert.Error(t, err)
}

func TestAddTypedTool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type addArgs struct {
		A int `json:"a" description:"First operand"`
		B int `json:"b" description:"Second operand"`
	}
	s := NewServer("calc", "1.0.0", router.WithLogger(logx.Nop()))
	require.NoError(t, AddTypedTool(s, "add", "Adds two integers",
		func(_ context.Context, _ *router.ConnContext, args *addArgs) (*protocol.CallToolResult, error) {
			sum := strconv.Itoa(args.A + args.B)
			return &protocol.CallToolResult{Content: []protocol.TextContent{protocol.NewTextContent(sum)}}, nil
		}))

	serverSide, clientSide := inmemory.NewPair(transport.Options{})
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	go func() { _ = s.Serve(serveCtx, serverSide) }()

	c, err := Dial(ctx, clientSide, "test-client", "1.0.0", router.WithLogger(logx.Nop()))
	require.NoError(t, err)
	defer c.Close()

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, tools[0].InputSchema.Required)
	assert.Equal(t, "integer", tools[0].InputSchema.Properties["a"].Type)

	result, err := c.CallTool(ctx, "add", map[string]int{"a": 2, "b": 3})
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "5", result.Content[0].Text)

	result, err = c.CallTool(ctx, "add", map[string]int{"a": 2})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, `"b"`)
}
