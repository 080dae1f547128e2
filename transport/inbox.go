package transport

import (
	"context"
	"sync"
)

// Inbox hands frames produced by a carrier's reader goroutine (or HTTP
// handler) to the single Receive caller. Frames delivered before Fail are
// still received before the terminal error.
type Inbox struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewInbox creates an inbox buffering up to size frames.
func NewInbox(size int) *Inbox {
	return &Inbox{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

// Deliver queues a frame, blocking until there is room, the inbox fails or
// ctx is done. It reports whether the frame was accepted.
func (b *Inbox) Deliver(ctx context.Context, frame []byte) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.frames <- frame:
		return true
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Fail records the terminal error. Only the first call has an effect.
func (b *Inbox) Fail(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.done)
	})
}

// Failed returns a channel closed once Fail has been called.
func (b *Inbox) Failed() <-chan struct{} { return b.done }

// Err returns the terminal error, or nil while the inbox is live.
func (b *Inbox) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Receive returns the next frame, the terminal error once the queue is
// drained, or ctx's error.
func (b *Inbox) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-b.frames:
		return frame, nil
	case <-b.done:
		select {
		case frame := <-b.frames:
			return frame, nil
		default:
			return nil, b.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
