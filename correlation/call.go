package correlation

import (
	"context"
	"time"

	"github.com/localrivet/mcprpc/protocol"
)

// Call is the completion handle of one outbound request. It is resolved
// exactly once: by the matching response, by its deadline, by cancellation
// or by the connection failing.
type Call struct {
	id       protocol.RequestID
	method   string
	created  time.Time
	deadline time.Time

	mgr   *Manager
	timer *time.Timer
	done  chan struct{}
	resp  *protocol.Response
	err   error
}

// ID returns the request id.
func (c *Call) ID() protocol.RequestID { return c.id }

// Method returns the request method.
func (c *Call) Method() string { return c.method }

// Deadline returns when the request expires.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call is resolved or ctx is done. Cancelling ctx
// cancels the call. The returned response may carry a JSON-RPC error; the
// returned error is a correlation failure.
func (c *Call) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		c.cancel(ctx.Err())
		<-c.done
		return c.resp, c.err
	}
}

// Cancel abandons the request. Its entry is removed immediately, so a late
// response becomes an orphan. It reports whether this call did the cancelling.
func (c *Call) Cancel() bool {
	return c.cancel(nil)
}

func (c *Call) cancel(cause error) bool {
	if !c.mgr.table.takeIf(c) {
		return false
	}
	c.mgr.cancelled.Add(1)
	c.mgr.release(c, nil, &Error{Kind: KindCancelled, ID: c.id, Method: c.method, Err: cause})
	return true
}
