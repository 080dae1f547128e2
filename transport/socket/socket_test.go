package socket

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
)

func quietOptions() transport.Options {
	return transport.Options{Logger: logx.Nop()}
}

// connectPair listens on network/address and returns both ends of one
// connection, connected and cleaned up with the test.
func connectPair(t *testing.T, network, address string) (client, server *Transport, l *Listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Listen(network, address, quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	accepted := make(chan *Transport, 1)
	go func() {
		tr, err := l.Accept()
		if err == nil {
			accepted <- tr
		}
	}()

	client, err = Dial(ctx, network, l.Addr().String(), quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
		t.Cleanup(func() { _ = server.Close() })
	case <-ctx.Done():
		t.Fatal("listener did not accept")
	}
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, server.Connect(ctx))
	return client, server, l
}

func TestExchangeOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, server, _ := connectPair(t, "tcp", "127.0.0.1:0")

	assert.Equal(t, "tcp", server.Info().Name)
	assert.NotEmpty(t, server.Info().RemoteAddr)

	msg := `{"jsonrpc":"2.0","id":"c1","method":"ping"}`
	require.NoError(t, client.Send(ctx, []byte(msg)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))

	reply := `{"jsonrpc":"2.0","id":"c1","result":{}}`
	require.NoError(t, server.Send(ctx, []byte(reply)))
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, reply, string(got))
}

func TestCloseSemantics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, server, _ := connectPair(t, "tcp", "127.0.0.1:0")

	require.NoError(t, client.Close())

	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = client.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, client.Send(ctx, []byte(`{}`)), transport.ErrClosed)
}

func TestUnixSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "run", "mcp.sock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o600), "stale file is replaced")

	client, server, _ := connectPair(t, "unix", path)
	assert.Equal(t, "unix", server.Info().Name)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(DefaultSocketPermissions), fi.Mode().Perm())

	require.NoError(t, server.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(got), "initialized")
}

func TestServeStopsWithContext(t *testing.T) {
	l, err := Listen("tcp", "127.0.0.1:0", quietOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	conns := make(chan *Transport, 1)
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, func(tr *Transport) { conns <- tr }) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, "tcp", l.Addr().String(), quietOptions())
	require.NoError(t, err)
	defer client.Close()

	select {
	case tr := <-conns:
		_ = tr.Close()
	case <-dialCtx.Done():
		t.Fatal("Serve did not hand over the connection")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-dialCtx.Done():
		t.Fatal("Serve did not stop")
	}
}

func TestRejectsUnknownNetwork(t *testing.T) {
	_, err := Listen("udp", "127.0.0.1:0", quietOptions())
	assert.Error(t, err)
	_, err = Dial(context.Background(), "udp", "127.0.0.1:1", quietOptions())
	assert.Error(t, err)
}
