package websocket

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

func startServer(t *testing.T, opts transport.Options) (string, chan *Transport) {
	t.Helper()
	conns := make(chan *Transport, 1)
	srv := httptest.NewServer(NewHandler(opts, func(tr *Transport) { conns <- tr }))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func accept(t *testing.T, conns chan *Transport) *Transport {
	t.Helper()
	select {
	case tr := <-conns:
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive a connection")
		return nil
	}
}

func TestSendReceiveBothDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url, conns := startServer(t, transport.Options{Logger: logx.Nop()})

	client, err := Dial(ctx, url, DialOptions{
		Options: transport.Options{Logger: logx.Nop()},
		Header:  http.Header{"Authorization": []string{"Bearer tok"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Connect(ctx))

	server := accept(t, conns)
	require.NoError(t, server.Connect(ctx))
	assert.Equal(t, "Bearer tok", server.Info().Header.Get("Authorization"))
	assert.Equal(t, "websocket", server.Info().Name)

	msg := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	require.NoError(t, client.Send(ctx, []byte(msg)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))

	reply := `{"jsonrpc":"2.0","id":1,"result":{}}`
	require.NoError(t, server.Send(ctx, []byte(reply)))
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, reply, string(got))
}

func TestPeerCloseIsEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url, conns := startServer(t, transport.Options{Logger: logx.Nop()})

	client, err := Dial(ctx, url, DialOptions{Options: transport.Options{Logger: logx.Nop()}})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	server := accept(t, conns)
	require.NoError(t, server.Connect(ctx))

	require.NoError(t, client.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	require.NoError(t, client.Close())

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(got), "initialized")

	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	_, err = client.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, client.Send(ctx, []byte("x")), transport.ErrClosed)
}

func TestOversizedMessageIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url, conns := startServer(t, transport.Options{MaxFrameSize: 32, Logger: logx.Nop()})

	client, err := Dial(ctx, url, DialOptions{Options: transport.Options{Logger: logx.Nop()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Connect(ctx))
	server := accept(t, conns)
	require.NoError(t, server.Connect(ctx))

	require.NoError(t, client.Send(ctx, []byte(strings.Repeat("x", 64))))
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrFrameTooLarge)
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "http://example.com", DialOptions{})
	assert.Error(t, err)
}
