// Package grpc provides a Transport over a bidirectional gRPC stream.
//
// Each JSON-RPC frame travels as one gRPC message on the
// /mcprpc.Carrier/Exchange stream. Frames are passed through untouched by
// a codec that neither wraps nor re-encodes them, so no generated protobuf
// code is involved.
package grpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// Default configuration values.
const (
	DefaultKeepAliveTime    = 10 * time.Second
	DefaultKeepAliveTimeout = 3 * time.Second
	// closeGrace is how long a client waits for the server to end the
	// stream after half-closing it.
	closeGrace = 2 * time.Second
)

const (
	serviceName = "mcprpc.Carrier"
	methodName  = "/" + serviceName + "/Exchange"
)

// frame is the message type carried by the stream.
type frame struct {
	data []byte
}

// frameCodec passes frame bytes through unchanged.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("grpc carrier: cannot marshal %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("grpc carrier: cannot unmarshal into %T", v)
	}
	f.data = bytes.Clone(data)
	return nil
}

func (frameCodec) Name() string { return "mcprpc-json" }

// stream is the part of grpc.ClientStream and grpc.ServerStream the
// transport uses.
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Transport implements transport.Transport over one gRPC stream.
type Transport struct {
	stream     stream
	writeMutex sync.Mutex
	logger     types.Logger
	maxFrame   int
	info       transport.Info

	inbox       *transport.Inbox
	connectOnce sync.Once
	started     atomic.Bool
	readerDone  chan struct{}

	// release ends the stream from this side: the client half-closes and
	// cancels, the server returns from its handler.
	release   func()
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.InfoProvider = (*Transport)(nil)

func newTransport(s stream, info transport.Info, opts transport.Options, release func()) *Transport {
	info.Name = "grpc"
	return &Transport{
		stream:     s,
		logger:     logx.OrDefault(opts.Logger),
		maxFrame:   opts.FrameLimit(),
		info:       info,
		inbox:      transport.NewInbox(1),
		readerDone: make(chan struct{}),
		release:    release,
	}
}

// Connect starts the reader goroutine.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	t.connectOnce.Do(func() {
		t.started.Store(true)
		go t.readLoop()
	})
	return nil
}

func (t *Transport) connected() bool { return t.started.Load() }

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	for {
		var f frame
		if err := t.stream.RecvMsg(&f); err != nil {
			t.inbox.Fail(t.mapRecvError(err))
			return
		}
		if !t.inbox.Deliver(context.Background(), f.data) {
			return
		}
	}
}

func (t *Transport) mapRecvError(err error) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	switch status.Code(err) {
	case codes.Canceled:
		t.logger.Debug("grpc: peer cancelled the stream")
		return io.EOF
	case codes.ResourceExhausted:
		t.logger.Error("grpc: frame exceeds %d bytes: %v", t.maxFrame, err)
		return transport.NewError(transport.KindFrameTooLarge, "receive", err)
	}
	t.logger.Error("grpc: receive failed: %v", err)
	return transport.NewError(transport.KindIO, "receive", err)
}

// Send writes one frame. Concurrent calls are serialised.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > t.maxFrame {
		return transport.NewError(transport.KindFrameTooLarge, "send",
			fmt.Errorf("%d bytes exceeds %d", len(data), t.maxFrame))
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	if err := t.stream.SendMsg(&frame{data: data}); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return transport.NewError(transport.KindConnectionClosed, "send", err)
		}
		return transport.NewError(transport.KindIO, "send", err)
	}
	return nil
}

// Receive returns the next frame. io.EOF means the peer ended the stream.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	return t.inbox.Receive(ctx)
}

// Close ends the stream. Pending Receive calls return ErrClosed.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.inbox.Fail(transport.ErrClosed)
		t.writeMutex.Lock()
		defer t.writeMutex.Unlock()
		t.release()
	})
	return nil
}

// Info implements transport.InfoProvider.
func (t *Transport) Info() transport.Info { return t.info }

// headerFromMetadata converts gRPC metadata into an http.Header so
// authorizers can read it the same way as HTTP request headers.
func headerFromMetadata(md metadata.MD) http.Header {
	h := make(http.Header, len(md))
	for k, vs := range md {
		h[textproto.CanonicalMIMEHeaderKey(k)] = append([]string(nil), vs...)
	}
	return h
}

func metadataFromHeader(h http.Header) metadata.MD {
	md := metadata.MD{}
	for k, vs := range h {
		md.Append(k, vs...)
	}
	return md
}

func newSessionID() string { return uuid.NewString() }

// exchangeDesc describes the single bidirectional stream of the service.
var exchangeDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}
