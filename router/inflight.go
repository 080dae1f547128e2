package router

import (
	"context"
	"errors"
	"sync"

	"github.com/localrivet/mcprpc/protocol"
)

// errPeerCancelled is the cause set on a handler context when the peer sent
// notifications/cancelled for its request.
var errPeerCancelled = errors.New("request cancelled by peer")

type inboundRequest struct {
	cancel          context.CancelCauseFunc
	cancelledByPeer bool
}

// inflight tracks inbound requests being handled, so the peer can cancel
// them, and counts every handler goroutine so shutdown can wait for them.
type inflight struct {
	mu       sync.Mutex
	requests map[string]*inboundRequest
	active   int
	idle     chan struct{} // closed while active == 0
}

func newInflight() *inflight {
	idle := make(chan struct{})
	close(idle)
	return &inflight{
		requests: make(map[string]*inboundRequest),
		idle:     idle,
	}
}

// begin registers id and returns the handler context. It fails when id is
// already being handled.
func (f *inflight) begin(parent context.Context, id protocol.RequestID) (context.Context, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := id.Key()
	if _, exists := f.requests[key]; exists {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(contextWithRequestID(parent, id))
	f.requests[key] = &inboundRequest{cancel: cancel}
	return ctx, true
}

// cancel cancels the handler for id on behalf of the peer.
func (f *inflight) cancel(id protocol.RequestID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id.Key()]
	if !ok {
		return false
	}
	req.cancelledByPeer = true
	req.cancel(errPeerCancelled)
	return true
}

// finish removes id and reports whether the peer cancelled it.
func (f *inflight) finish(id protocol.RequestID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := id.Key()
	req, ok := f.requests[key]
	if !ok {
		return false
	}
	delete(f.requests, key)
	req.cancel(nil)
	return req.cancelledByPeer
}

// cancelAll cancels every handler context with cause.
func (f *inflight) cancelAll(cause error) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		req.cancel(cause)
	}
	return len(f.requests)
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// spawn runs fn in a tracked goroutine.
func (f *inflight) spawn(fn func()) {
	f.mu.Lock()
	if f.active == 0 {
		f.idle = make(chan struct{})
	}
	f.active++
	f.mu.Unlock()

	go func() {
		defer f.done()
		fn()
	}()
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if f.active == 0 {
		close(f.idle)
	}
}

// wait blocks until no tracked goroutine is running or ctx is done.
func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
