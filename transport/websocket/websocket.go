// Package websocket provides a Transport over a WebSocket connection. Each
// message travels as one text message; control frames and fragmentation are
// handled by the reader goroutine.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

const closeFrameTimeout = 2 * time.Second

// Transport implements transport.Transport over a WebSocket connection.
type Transport struct {
	conn     net.Conn
	src      io.Reader
	state    ws.State
	logger   types.Logger
	maxFrame int
	info     transport.Info

	writeMutex sync.Mutex

	inbox       *transport.Inbox
	connectOnce sync.Once
	closeOnce   sync.Once
	closed      atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.InfoProvider = (*Transport)(nil)

// NewTransport wraps an established WebSocket connection. src, when non-nil,
// is read instead of conn, e.g. a reader holding bytes buffered during the
// handshake.
func NewTransport(conn net.Conn, src io.Reader, state ws.State, info transport.Info, opts transport.Options) *Transport {
	if src == nil {
		src = conn
	}
	info.Name = "websocket"
	if info.RemoteAddr == "" && conn.RemoteAddr() != nil {
		info.RemoteAddr = conn.RemoteAddr().String()
	}
	return &Transport{
		conn:     conn,
		src:      src,
		state:    state,
		logger:   logx.OrDefault(opts.Logger),
		maxFrame: opts.FrameLimit(),
		info:     info,
		inbox:    transport.NewInbox(16),
	}
}

// Connect starts the reader goroutine.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	t.connectOnce.Do(func() { go t.readLoop() })
	return nil
}

// Send writes data as a single text message.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("cannot send empty message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := wsutil.WriteMessage(t.conn, t.state, ws.OpText, data); err != nil {
		if t.closed.Load() {
			return transport.ErrClosed
		}
		return transport.NewError(transport.KindIO, "send", err)
	}
	return nil
}

// Receive returns the next message from the peer.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	return t.inbox.Receive(ctx)
}

// Close sends a normal-closure frame and closes the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.inbox.Fail(transport.ErrClosed)

		t.writeMutex.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		if err := wsutil.WriteMessage(t.conn, t.state, ws.OpClose, body); err != nil {
			t.logger.Debug("websocket: close frame not sent: %v", err)
		}
		t.writeMutex.Unlock()

		if err := t.conn.Close(); err != nil {
			t.logger.Debug("websocket: error closing connection: %v", err)
		}
	})
	return nil
}

// Info implements transport.InfoProvider.
func (t *Transport) Info() transport.Info { return t.info }

func (t *Transport) readLoop() {
	reader := &wsutil.Reader{
		Source:         t.src,
		State:          t.state,
		CheckUTF8:      true,
		OnIntermediate: t.handleControl,
	}

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			t.fail(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err := t.handleControl(hdr, reader); err != nil {
				t.fail(err)
				return
			}
			continue
		}
		if hdr.Length > int64(t.maxFrame) {
			t.failTooLarge()
			return
		}

		// Continuation frames are read through transparently.
		payload, err := io.ReadAll(io.LimitReader(reader, int64(t.maxFrame)+1))
		if err != nil {
			t.fail(err)
			return
		}
		if len(payload) > t.maxFrame {
			t.failTooLarge()
			return
		}
		if hdr.OpCode == ws.OpBinary {
			t.logger.Debug("websocket: accepting binary message as text")
		}
		if !t.inbox.Deliver(context.Background(), payload) {
			return
		}
	}
}

// handleControl answers pings and close frames. A close frame ends the
// read loop with wsutil.ClosedError.
func (t *Transport) handleControl(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		t.writeMutex.Lock()
		defer t.writeMutex.Unlock()
		return wsutil.WriteMessage(t.conn, t.state, ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if !t.closed.Load() {
			t.writeMutex.Lock()
			_ = wsutil.WriteMessage(t.conn, t.state, ws.OpClose, ws.NewCloseFrameBody(code, ""))
			t.writeMutex.Unlock()
		}
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (t *Transport) fail(err error) {
	var closedErr wsutil.ClosedError
	switch {
	case t.closed.Load():
		t.inbox.Fail(transport.ErrClosed)
	case errors.As(err, &closedErr), errors.Is(err, io.EOF):
		t.logger.Debug("websocket: peer closed connection: %v", err)
		t.inbox.Fail(io.EOF)
	default:
		t.logger.Warn("websocket: read failed: %v", err)
		t.inbox.Fail(transport.NewError(transport.KindIO, "read", err))
	}
}

func (t *Transport) failTooLarge() {
	t.inbox.Fail(transport.NewError(transport.KindFrameTooLarge, "read",
		fmt.Errorf("message exceeds %d bytes", t.maxFrame)))

	t.writeMutex.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
	_ = wsutil.WriteMessage(t.conn, t.state, ws.OpClose, ws.NewCloseFrameBody(ws.StatusMessageTooBig, ""))
	t.writeMutex.Unlock()
	_ = t.conn.Close()
}
