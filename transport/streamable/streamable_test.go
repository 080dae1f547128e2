package streamable

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
)

func newTestServer(t *testing.T, maxFrame int) (*httptest.Server, *Handler, chan *Session) {
	t.Helper()
	sessions := make(chan *Session, 4)
	h := NewHandler(HandlerOptions{
		Options:   transport.Options{MaxFrameSize: maxFrame, Logger: logx.Nop()},
		OnSession: func(s *Session) { sessions <- s },
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return srv, h, sessions
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextSession(t *testing.T, sessions chan *Session) *Session {
	t.Helper()
	select {
	case s := <-sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no session was opened")
		return nil
	}
}

const (
	initializeFrame  = `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{}}`
	initializeResult = `{"jsonrpc":"2.0","id":0,"result":{}}`
)

// openSession runs an initialize exchange over plain HTTP and returns the
// server side of the new session.
func openSession(t *testing.T, ctx context.Context, srv *httptest.Server, sessions chan *Session) *Session {
	t.Helper()
	status := make(chan int, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(initializeFrame))
		resp, err := srv.Client().Do(req)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	s := nextSession(t, sessions)
	_, err := s.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, []byte(initializeResult)))
	require.Equal(t, http.StatusOK, <-status)
	return s
}

// initClient initializes c and returns the server side of its session.
func initClient(t *testing.T, ctx context.Context, c *Client, sessions chan *Session) *Session {
	t.Helper()
	require.NoError(t, c.Send(ctx, []byte(initializeFrame)))
	s := nextSession(t, sessions)
	_, err := s.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, []byte(initializeResult)))
	_, err = c.Receive(ctx)
	require.NoError(t, err)
	return s
}

func TestRequestResponseRoundTrip(t *testing.T) {
	for _, stream := range []bool{false, true} {
		name := "json"
		if stream {
			name = "sse"
		}
		t.Run(name, func(t *testing.T) {
			srv, _, sessions := newTestServer(t, 0)
			ctx := testCtx(t)
			c := NewClient(srv.URL, ClientOptions{Options: transport.Options{Logger: logx.Nop()}, HTTPClient: srv.Client(), Stream: stream})
			t.Cleanup(func() { _ = c.Close() })
			require.NoError(t, c.Connect(ctx))

			require.NoError(t, c.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)))
			s := nextSession(t, sessions)
			got, err := s.Receive(ctx)
			require.NoError(t, err)
			assert.Contains(t, string(got), `"initialize"`)

			require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)))
			got, err = c.Receive(ctx)
			require.NoError(t, err)
			assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, string(got))
			assert.Equal(t, s.ID(), c.SessionID())

			// Notifications are acknowledged without a body.
			require.NoError(t, c.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
			got, err = s.Receive(ctx)
			require.NoError(t, err)
			assert.Contains(t, string(got), "notifications/initialized")

			// Server-initiated messages use the standalone stream.
			require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)))
			got, err = c.Receive(ctx)
			require.NoError(t, err)
			assert.Contains(t, string(got), `"srv-1"`)
		})
	}
}

func TestBatchExchangeWaitsForAllResponses(t *testing.T) {
	srv, _, sessions := newTestServer(t, 0)
	ctx := testCtx(t)
	s := openSession(t, ctx, srv, sessions)

	type result struct {
		status int
		body   string
	}
	done := make(chan result, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL,
			strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":2,"method":"b"}]`))
		req.Header.Set("Accept", "application/json")
		req.Header.Set(HeaderSessionID, s.ID())
		resp, err := srv.Client().Do(req)
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, string(body)}
	}()

	_, err := s.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":2,"result":"b"}`)))
	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"result":"a"}`)))

	r := <-done
	assert.Equal(t, http.StatusOK, r.status)
	assert.JSONEq(t, `[{"jsonrpc":"2.0","id":2,"result":"b"},{"jsonrpc":"2.0","id":1,"result":"a"}]`, r.body)
}

func TestCancelledRequestEndsExchange(t *testing.T) {
	srv, _, sessions := newTestServer(t, 0)
	ctx := testCtx(t)
	s := openSession(t, ctx, srv, sessions)

	status := make(chan int, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL,
			strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"slow"}`))
		req.Header.Set(HeaderSessionID, s.ID())
		resp, err := srv.Client().Do(req)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	_, err := s.Receive(ctx)
	require.NoError(t, err)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL,
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":9}}`))
	req.Header.Set(HeaderSessionID, s.ID())
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, http.StatusNoContent, <-status)
}

func TestSessionErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, 64)
	ctx := testCtx(t)

	do := func(method, body string, header map[string]string) int {
		req, err := http.NewRequestWithContext(ctx, method, srv.URL, strings.NewReader(body))
		require.NoError(t, err)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, `{"jsonrpc":"2.0","method":"x"}`, map[string]string{HeaderSessionID: "nope"}))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "", map[string]string{"Accept": "text/event-stream"}))
	assert.Equal(t, http.StatusNotAcceptable, do(http.MethodGet, "", map[string]string{"Accept": "application/json"}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(http.MethodPost, strings.Repeat(" ", 100), nil))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, `{not json`, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodPut, "", nil))
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "", map[string]string{HeaderSessionID: "nope"}))
}

func TestOnlyInitializeOpensSession(t *testing.T) {
	srv, h, _ := newTestServer(t, 0)
	ctx := testCtx(t)

	bodies := []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`[{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}]`,
	}
	for _, body := range bodies {
		for range 5 {
			resp := postJSON(t, ctx, srv, body)
			assert.Equal(t, http.StatusBadRequest, resp.status, body)
			assert.Contains(t, resp.body, `"code":-32600`)
		}
	}
	assert.Equal(t, 0, h.Sessions())
}

func TestMalformedFramesAreInvalidRequests(t *testing.T) {
	srv, h, _ := newTestServer(t, 0)
	ctx := testCtx(t)

	cases := map[string]string{
		"numeric method":    `{"jsonrpc":"2.0","id":1,"method":123}`,
		"fractional id":     `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`,
		"non-object member": `[1,2]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ctx, srv, body)
			assert.Equal(t, http.StatusBadRequest, resp.status)
			assert.Contains(t, resp.body, `"code":-32600`)
		})
	}

	resp := postJSON(t, ctx, srv, `{"jsonrpc":`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Contains(t, resp.body, `"code":-32700`)
	assert.Equal(t, 0, h.Sessions())
}

type httpResult struct {
	status int
	body   string
}

func postJSON(t *testing.T, ctx context.Context, srv *httptest.Server, body string) httpResult {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return httpResult{resp.StatusCode, string(data)}
}

func TestClientCloseDeletesSession(t *testing.T) {
	srv, h, sessions := newTestServer(t, 0)
	ctx := testCtx(t)
	c := NewClient(srv.URL, ClientOptions{Options: transport.Options{Logger: logx.Nop()}, HTTPClient: srv.Client(), DisableListen: true})

	s := initClient(t, ctx, c, sessions)
	require.NotEmpty(t, c.SessionID())

	require.NoError(t, c.Close())
	_, err := s.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, h.Sessions())

	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, c.Send(ctx, []byte(`{}`)), transport.ErrClosed)
}

func TestServerCloseEndsClientSession(t *testing.T) {
	srv, _, sessions := newTestServer(t, 0)
	ctx := testCtx(t)
	c := NewClient(srv.URL, ClientOptions{Options: transport.Options{Logger: logx.Nop()}, HTTPClient: srv.Client()})
	t.Cleanup(func() { _ = c.Close() })

	s := initClient(t, ctx, c, sessions)
	require.NoError(t, s.Close())

	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestAcceptNegotiation(t *testing.T) {
	assert.True(t, prefersSSE("text/event-stream"))
	assert.True(t, prefersSSE("text/event-stream, application/json"))
	assert.False(t, prefersSSE("application/json, text/event-stream"))
	assert.False(t, prefersSSE(""))
	assert.True(t, accepts("*/*", contentTypeSSE))
	assert.False(t, accepts("application/json", contentTypeSSE))
}
