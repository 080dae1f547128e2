// Package socket provides a Transport over stream sockets (TCP or Unix
// domain) using the same newline-delimited JSON framing as stdio.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/transport/stdio"
	"github.com/localrivet/mcprpc/types"
)

// DefaultDialTimeout bounds connection establishment when the context has
// no deadline.
const DefaultDialTimeout = 10 * time.Second

// DefaultSocketPermissions restricts a Unix socket file to its owner.
const DefaultSocketPermissions = 0o600

// Transport is a line-framed transport over a net.Conn.
type Transport struct {
	*stdio.Transport
	info transport.Info
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.InfoProvider = (*Transport)(nil)

// NewTransport wraps an established connection. The returned transport
// still needs Connect to start reading.
func NewTransport(conn net.Conn, opts transport.Options) *Transport {
	// Only the writer side is closed by the stdio transport; hiding Close on
	// the reader avoids closing conn twice.
	inner := stdio.New(struct{ io.Reader }{conn}, conn, opts)
	info := transport.Info{Name: "socket", SessionID: inner.Info().SessionID}
	// Unnamed Unix endpoints may report no address.
	if a := conn.LocalAddr(); a != nil {
		info.Name = a.Network()
	}
	if a := conn.RemoteAddr(); a != nil {
		info.RemoteAddr = a.String()
	}
	return &Transport{Transport: inner, info: info}
}

// Info implements transport.InfoProvider.
func (t *Transport) Info() transport.Info { return t.info }

// Dial connects to address on network ("tcp" or "unix").
func Dial(ctx context.Context, network, address string, opts transport.Options) (*Transport, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	logger := logx.OrDefault(opts.Logger)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, "dial", err)
	}
	logger.Debug("socket: connected to %s %s", network, address)
	return NewTransport(conn, opts), nil
}

// Listener accepts connections and wraps each one in a Transport.
type Listener struct {
	listener net.Listener
	opts     transport.Options
	logger   types.Logger
}

// Listen starts listening on address. For Unix sockets a stale socket file
// is removed first and the new one is restricted to its owner.
func Listen(network, address string, opts transport.Options) (*Listener, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	logger := logx.OrDefault(opts.Logger)

	var path string
	if network == "unix" {
		path = address
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s %s: %w", network, address, err)
	}
	if path != "" {
		if err := os.Chmod(path, DefaultSocketPermissions); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("set socket permissions: %w", err)
		}
	}
	logger.Info("socket: listening on %s %s", network, l.Addr())
	return &Listener{listener: l, opts: opts, logger: logger}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Transport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	l.logger.Debug("socket: accepted connection from %s", conn.RemoteAddr())
	return NewTransport(conn, l.opts), nil
}

// Serve accepts connections until ctx is done or the listener fails,
// handing each to onConn. onConn must not block. Serve closes the listener
// before returning and returns nil when ctx ended it.
func (l *Listener) Serve(ctx context.Context, onConn func(*Transport)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.Close()

	for {
		t, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		onConn(t)
	}
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Close stops listening. Accepted connections stay open.
func (l *Listener) Close() error {
	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func checkNetwork(network string) error {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		return nil
	}
	return fmt.Errorf("unsupported socket network %q", network)
}
