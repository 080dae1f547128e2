// Package stdio provides a Transport over a pair of byte streams using
// newline-delimited JSON: the process's own stdin/stdout, arbitrary
// reader/writer pairs, or the pipes of a spawned child process.
package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// Transport implements transport.Transport over a reader and a writer.
type Transport struct {
	reader     io.Reader
	writer     io.Writer
	writeMutex sync.Mutex
	logger     types.Logger
	maxFrame   int
	name       string
	sessionID  string

	inbox       *transport.Inbox
	connectOnce sync.Once
	connected   atomic.Bool
	readerDone  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.InfoProvider = (*Transport)(nil)

// NewStdio creates a transport over os.Stdin and os.Stdout. The logger must
// not write to stdout.
func NewStdio(opts transport.Options) *Transport {
	return New(os.Stdin, os.Stdout, opts)
}

// New creates a transport over the provided reader and writer. Both are
// closed by Close when they implement io.Closer, except the process's
// standard streams.
func New(r io.Reader, w io.Writer, opts transport.Options) *Transport {
	return &Transport{
		reader:     r,
		writer:     w,
		logger:     logx.OrDefault(opts.Logger),
		maxFrame:   opts.FrameLimit(),
		name:       "stdio",
		sessionID:  uuid.NewString(),
		inbox:      transport.NewInbox(1),
		readerDone: make(chan struct{}),
	}
}

// Connect starts the reader goroutine.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	t.start()
	return nil
}

func (t *Transport) start() {
	t.connectOnce.Do(func() {
		t.connected.Store(true)
		go t.readLoop()
	})
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	lr := transport.NewLineReader(t.reader, t.maxFrame)
	for {
		frame, err := lr.ReadFrame()
		if err != nil {
			switch {
			case t.closed.Load():
				t.inbox.Fail(transport.ErrClosed)
			case errors.Is(err, io.EOF):
				t.logger.Debug("StdioTransport: peer closed the stream")
				t.inbox.Fail(io.EOF)
			default:
				t.logger.Error("StdioTransport: read failed: %v", err)
				t.inbox.Fail(err)
			}
			return
		}
		t.logger.Debug("StdioTransport Received: %s", frame)
		if !t.inbox.Deliver(context.Background(), frame) {
			return
		}
	}
}

// Send writes one newline-terminated message. Concurrent calls are serialised.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	t.logger.Debug("StdioTransport Send: %s", data)
	if err := transport.WriteFrame(t.writer, data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			t.logger.Warn("StdioTransport: attempted to write to closed pipe: %v", err)
			return transport.NewError(transport.KindConnectionClosed, "send", err)
		}
		return err
	}
	if flusher, ok := t.writer.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return transport.NewError(transport.KindIO, "flush", err)
		}
	}
	return nil
}

// Receive returns the next message. io.EOF means the peer closed its end.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	if !t.connected.Load() {
		return nil, transport.NewError(transport.KindConnectionClosed, "receive", errors.New("not connected"))
	}
	return t.inbox.Receive(ctx)
}

// Close closes the underlying streams. Pending Receive calls return ErrClosed.
func (t *Transport) Close() error {
	var firstErr error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.inbox.Fail(transport.ErrClosed)
		t.logger.Debug("StdioTransport: closing")
		firstErr = closeStream(t.writer)
		if err := closeStream(t.reader); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Info implements transport.InfoProvider.
func (t *Transport) Info() transport.Info {
	return transport.Info{Name: t.name, SessionID: t.sessionID}
}

func closeStream(s any) error {
	if f, ok := s.(*os.File); ok && (f == os.Stdin || f == os.Stdout || f == os.Stderr) {
		return nil
	}
	closer, ok := s.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}
