// Package correlation matches asynchronous JSON-RPC responses to outstanding
// requests. Pending requests live in a sharded table; each entry is resolved
// exactly once by whoever removes it, whether that is a response, its
// deadline timer, the periodic sweep, a cancellation or a connection failure.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/types"
)

// Config controls timeouts, sweeping and capacity.
type Config struct {
	// DefaultTimeout applies when a request is sent with a zero timeout.
	DefaultTimeout time.Duration
	// SweepInterval is how often expired entries are collected in the
	// background. Zero disables the sweeper; per-entry timers still fire.
	SweepInterval time.Duration
	// MaxPending caps in-flight requests. Zero means unlimited.
	MaxPending int
	// Shards is the number of table shards.
	Shards int
}

// DefaultConfig returns the defaults: 30s timeout, 5s sweep, 1000 pending.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		SweepInterval:  5 * time.Second,
		MaxPending:     1000,
		Shards:         32,
	}
}

// Sender writes an encoded message. transport.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Stats is a point-in-time view of the manager's counters.
type Stats struct {
	Pending   int
	Sent      uint64
	Completed uint64
	TimedOut  uint64
	Cancelled uint64
	Orphaned  uint64
	Failed    uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for orphan and timeout diagnostics.
func WithLogger(logger types.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager owns the pending-request table of one connection.
type Manager struct {
	cfg    Config
	logger types.Logger
	table  *table

	nextID  atomic.Int64
	pending atomic.Int64
	idle    chan struct{}
	closed  atomic.Bool

	sent      atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	orphaned  atomic.Uint64
	failed    atomic.Uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New creates a manager and starts its sweeper.
func New(cfg Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaults.Shards
	}
	m := &Manager{
		cfg:       cfg,
		table:     newTable(cfg.Shards),
		idle:      make(chan struct{}, 1),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logx.OrDefault(m.logger)

	if cfg.SweepInterval > 0 {
		go m.sweepLoop(cfg.SweepInterval)
	} else {
		close(m.sweepDone)
	}
	return m
}

// NextID returns a fresh integer id.
func (m *Manager) NextID() protocol.RequestID {
	return protocol.NewNumberID(m.nextID.Add(1))
}

// Register inserts a pending entry for id without sending anything. Use it
// when the request is written by other means; SendRequest is the usual path.
func (m *Manager) Register(id protocol.RequestID, method string, timeout time.Duration) (*Call, error) {
	if m.closed.Load() {
		return nil, &Error{Kind: KindConnectionClosed, ID: id, Method: method}
	}
	if id.IsZero() {
		return nil, fmt.Errorf("correlation: cannot register a null request id")
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	n := m.pending.Add(1)
	if m.cfg.MaxPending > 0 && n > int64(m.cfg.MaxPending) {
		m.decPending()
		return nil, &Error{Kind: KindCapacity, ID: id, Method: method,
			Err: fmt.Errorf("%d requests already pending", m.cfg.MaxPending)}
	}

	now := time.Now()
	c := &Call{
		id:       id,
		method:   method,
		created:  now,
		deadline: now.Add(timeout),
		mgr:      m,
		done:     make(chan struct{}),
	}
	armed := func() { c.timer = time.AfterFunc(timeout, func() { m.expireCall(c) }) }
	if !m.table.insert(c, armed) {
		m.decPending()
		return nil, &Error{Kind: KindDuplicateID, ID: id, Method: method}
	}
	// Close may have taken its snapshot before the insert.
	if m.closed.Load() {
		if m.table.takeIf(c) {
			m.failed.Add(1)
			m.release(c, nil, &Error{Kind: KindConnectionClosed, ID: id, Method: method})
		}
		return nil, &Error{Kind: KindConnectionClosed, ID: id, Method: method}
	}
	return c, nil
}

// SendRequest allocates an id, registers the request and sends it.
func (m *Manager) SendRequest(ctx context.Context, sender Sender, method string, params any, timeout time.Duration) (*Call, error) {
	return m.SendRequestWithID(ctx, sender, m.NextID(), method, params, timeout)
}

// SendRequestWithID sends a request under a caller-chosen id. An id that is
// still in flight is rejected with ErrDuplicateID. The entry is registered
// before the write so a fast response is never mistaken for an orphan.
func (m *Manager) SendRequestWithID(ctx context.Context, sender Sender, id protocol.RequestID, method string, params any, timeout time.Duration) (*Call, error) {
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	call, err := m.Register(id, method, timeout)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(ctx, data); err != nil {
		if m.table.takeIf(call) {
			m.failed.Add(1)
			m.release(call, nil, err)
		}
		return nil, fmt.Errorf("send request %s (%s): %w", id, method, err)
	}
	m.sent.Add(1)
	m.logger.Debug("correlation: sent request %s (%s)", id, method)
	return call, nil
}

// HandleResponse resolves the pending request matching resp. A response that
// matches nothing is an orphan: it is counted, logged and dropped.
func (m *Manager) HandleResponse(resp *protocol.Response) bool {
	var c *Call
	if !resp.ID.IsZero() {
		c = m.table.take(resp.ID)
	}
	if c == nil {
		m.orphaned.Add(1)
		if resp.Error != nil {
			m.logger.Warn("correlation: dropping orphan error response id=%s code=%d message=%q",
				resp.ID, resp.Error.Code, resp.Error.Message)
		} else {
			m.logger.Warn("correlation: dropping orphan response id=%s", resp.ID)
		}
		return false
	}
	m.completed.Add(1)
	m.release(c, resp, nil)
	return true
}

// Sweep fails every entry whose deadline has passed and returns how many
// it expired. Per-entry timers normally get there first.
func (m *Manager) Sweep() int {
	n := 0
	for _, c := range m.table.snapshot(time.Now()) {
		if m.expireCall(c) {
			n++
		}
	}
	return n
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("correlation: sweep expired %d request(s)", n)
			}
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) expireCall(c *Call) bool {
	if !m.table.takeIf(c) {
		return false
	}
	m.timedOut.Add(1)
	timeout := c.deadline.Sub(c.created)
	m.logger.Debug("correlation: request %s (%s) timed out after %s", c.id, c.method, timeout)
	m.release(c, nil, &Error{Kind: KindTimeout, ID: c.id, Method: c.method,
		Err: fmt.Errorf("no response after %s", timeout)})
	return true
}

// FailAll resolves every pending entry with an error of the given kind and
// returns how many it failed.
func (m *Manager) FailAll(kind ErrorKind, cause error) int {
	n := 0
	for _, c := range m.table.snapshot(time.Time{}) {
		if !m.table.takeIf(c) {
			continue
		}
		n++
		if kind == KindCancelled {
			m.cancelled.Add(1)
		} else {
			m.failed.Add(1)
		}
		m.release(c, nil, &Error{Kind: kind, ID: c.id, Method: c.method, Err: cause})
	}
	return n
}

// Drain blocks until no requests are pending or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		if m.pending.Load() == 0 {
			return nil
		}
		select {
		case <-m.idle:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the number of in-flight requests.
func (m *Manager) Pending() int { return int(m.pending.Load()) }

// IsPending reports whether id is in flight.
func (m *Manager) IsPending(id protocol.RequestID) bool { return m.table.has(id) }

// PendingIDs returns the ids currently in flight, in no particular order.
func (m *Manager) PendingIDs() []protocol.RequestID {
	calls := m.table.snapshot(time.Time{})
	ids := make([]protocol.RequestID, len(calls))
	for i, c := range calls {
		ids[i] = c.id
	}
	return ids
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Pending:   m.Pending(),
		Sent:      m.sent.Load(),
		Completed: m.completed.Load(),
		TimedOut:  m.timedOut.Load(),
		Cancelled: m.cancelled.Load(),
		Orphaned:  m.orphaned.Load(),
		Failed:    m.failed.Load(),
	}
}

// Close stops the sweeper, rejects new registrations and fails everything
// still pending with ErrConnectionClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopSweep)
		<-m.sweepDone
		if n := m.FailAll(KindConnectionClosed, nil); n > 0 {
			m.logger.Debug("correlation: failed %d pending request(s) on close", n)
		}
	})
}

// release resolves a call that the caller has already removed from the table.
func (m *Manager) release(c *Call, resp *protocol.Response, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.resp, c.err = resp, err
	close(c.done)
	m.decPending()
}

func (m *Manager) decPending() {
	if m.pending.Add(-1) == 0 {
		select {
		case m.idle <- struct{}{}:
		default:
		}
	}
}
