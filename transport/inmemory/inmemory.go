// Package inmemory provides a connected pair of transports backed by
// channels, for tests and for embedding a client and server in one process.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/localrivet/mcprpc/transport"
)

// Transport is one end of an in-memory pair.
type Transport struct {
	inbox     *transport.Inbox
	peer      *Transport
	maxFrame  int
	sessionID string
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.InfoProvider = (*Transport)(nil)

// NewPair returns two connected transports. Messages sent on one are
// received on the other in order.
func NewPair(opts transport.Options) (*Transport, *Transport) {
	session := uuid.NewString()
	a := &Transport{inbox: transport.NewInbox(16), maxFrame: opts.FrameLimit(), sessionID: session}
	b := &Transport{inbox: transport.NewInbox(16), maxFrame: opts.FrameLimit(), sessionID: session}
	a.peer, b.peer = b, a
	return a, b
}

// Connect is a no-op; the pair is connected on creation.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.inbox.Err(); err != nil {
		return transport.NewError(transport.KindConnectionClosed, "connect", err)
	}
	return nil
}

// Send delivers a copy of data to the peer.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.inbox.Err() != nil {
		return transport.ErrClosed
	}
	if len(data) > t.peer.maxFrame {
		return transport.NewError(transport.KindFrameTooLarge, "send",
			fmt.Errorf("%d bytes exceeds %d", len(data), t.peer.maxFrame))
	}
	if !t.peer.inbox.Deliver(ctx, bytes.Clone(data)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return transport.ErrClosed
	}
	return nil
}

// Receive returns the next message sent by the peer.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	return t.inbox.Receive(ctx)
}

// Close closes this end; the peer observes io.EOF once it has drained.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.inbox.Fail(transport.ErrClosed)
		t.peer.inbox.Fail(io.EOF)
	})
	return nil
}

// Info implements transport.InfoProvider.
func (t *Transport) Info() transport.Info {
	return transport.Info{Name: "inmemory", SessionID: t.sessionID}
}
