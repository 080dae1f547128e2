// Package router runs one MCP connection: it owns the read loop over a
// transport, feeds responses to the correlation manager, gates requests and
// notifications through the lifecycle machine, dispatches them to a Handler
// and sends local requests to the peer. Client and server ends run the same
// engine and differ only in role, capabilities and handler.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/localrivet/mcprpc/correlation"
	"github.com/localrivet/mcprpc/hooks"
	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/telemetry"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// ErrNotRunning is returned by outbound calls made after the connection ended.
var ErrNotRunning = errors.New("router: connection is not running")

var errShutdown = errors.New("router: shutting down")

// Router is one end of an MCP connection.
type Router struct {
	role            lifecycle.Role
	transport       transport.Transport
	info            transport.Info
	handler         Handler
	authorizer      Authorizer
	hooks           *hooks.Hooks
	logger          types.Logger
	tracer          trace.Tracer
	capabilities    protocol.Capabilities
	impl            protocol.Implementation
	instructions    string
	protocolVersion string
	corrCfg         correlation.Config
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	sem             *semaphore.Weighted
	limiter         *rate.Limiter

	machine  *lifecycle.Machine
	corr     *correlation.Manager
	inflight *inflight
	cc       *ConnContext

	ctx    context.Context
	cancel context.CancelCauseFunc

	started   atomic.Bool
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a router over t. Run must be called to start it.
func New(t transport.Transport, opts ...Option) *Router {
	r := &Router{
		role:            lifecycle.RoleServer,
		transport:       t,
		info:            transport.InfoOf(t),
		impl:            protocol.Implementation{Name: "mcprpc", Version: Version},
		protocolVersion: protocol.LatestProtocolVersion,
		corrCfg:         correlation.DefaultConfig(),
		shutdownTimeout: DefaultShutdownTimeout,
		machine:         lifecycle.New(),
		inflight:        newInflight(),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = logx.OrDefault(r.logger)
	if l, ok := r.logger.(logx.Logger); ok {
		r.logger = l.With("session_id", r.info.SessionID).With("role", r.role.String())
	}
	if r.tracer == nil {
		r.tracer = telemetry.Tracer()
	}
	r.corr = correlation.New(r.corrCfg, correlation.WithLogger(r.logger))
	r.cc = &ConnContext{r: r}
	r.ctx, r.cancel = context.WithCancelCause(context.Background())

	r.machine.OnTransition(func(from, to lifecycle.Phase) {
		r.logger.Debug("router: phase %s -> %s", from, to)
	})
	return r
}

// Run connects the transport and runs the read loop until the connection
// ends. It returns nil when the peer closes the connection or the router is
// closed locally, and the fatal error otherwise. Run may be called once.
func (r *Router) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("router: already running")
	}
	defer close(r.done)

	if err := r.transport.Connect(ctx); err != nil {
		r.teardown(err)
		return fmt.Errorf("connect transport: %w", err)
	}
	close(r.ready)
	r.logger.Info("router: connected over %s", r.info.Name)

	err := r.readLoop(ctx)
	switch {
	case err == nil:
		r.teardown(correlation.ErrConnectionClosed)
	default:
		r.logger.Error("router: connection failed: %v", err)
		r.teardown(err)
	}
	return err
}

func (r *Router) readLoop(ctx context.Context) error {
	for {
		data, err := r.transport.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				r.logger.Info("router: peer closed the connection")
				r.machine.BeginShutdown()
				return nil
			case errors.Is(err, transport.ErrClosed):
				return nil
			case ctx.Err() != nil:
				return nil
			}
			return err
		}
		r.handleFrame(ctx, data)
	}
}

// teardown fails everything still pending and closes the connection.
func (r *Router) teardown(cause error) {
	r.closeOnce.Do(func() {
		r.machine.BeginShutdown()
		if n := r.corr.FailAll(correlation.KindConnectionClosed, cause); n > 0 {
			r.logger.Warn("router: failed %d pending request(s): %v", n, cause)
		}
		r.inflight.cancelAll(cause)
		r.corr.Close()
		if err := r.transport.Close(); err != nil {
			r.logger.Debug("router: transport close: %v", err)
		}
		r.cancel(cause)
		r.machine.Close()
	})
}

// Shutdown ends the connection gracefully: new traffic other than control
// messages is refused, pending outbound requests and running handlers get
// until ctx or the shutdown timeout to finish, anything left is cancelled
// and the transport is closed.
func (r *Router) Shutdown(ctx context.Context) error {
	if !r.machine.BeginShutdown() {
		if r.machine.Phase() == lifecycle.Closed {
			return nil
		}
	}
	r.logger.Info("router: shutting down with %d pending and %d active request(s)",
		r.corr.Pending(), r.inflight.count())

	drainCtx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	defer cancel()

	if err := r.corr.Drain(drainCtx); err != nil {
		n := r.corr.FailAll(correlation.KindCancelled, errShutdown)
		r.logger.Warn("router: shutdown deadline reached, cancelled %d pending request(s)", n)
	}
	if err := r.inflight.wait(drainCtx); err != nil {
		n := r.inflight.cancelAll(errShutdown)
		r.logger.Warn("router: shutdown deadline reached, cancelled %d running handler(s)", n)
	}

	r.teardown(errShutdown)
	if r.started.Load() {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close ends the connection immediately. Pending requests fail with
// correlation.ErrConnectionClosed.
func (r *Router) Close() error {
	r.teardown(correlation.ErrConnectionClosed)
	return nil
}

// Done is closed when Run has returned.
func (r *Router) Done() <-chan struct{} { return r.done }

// Phase returns the current lifecycle phase.
func (r *Router) Phase() lifecycle.Phase { return r.machine.Phase() }

// Negotiated returns the negotiated capabilities and whether initialization
// has completed.
func (r *Router) Negotiated() (protocol.FeatureSet, bool) { return r.machine.Negotiated() }

// Peer identifies the remote implementation once initialized.
func (r *Router) Peer() protocol.Implementation { return r.machine.Peer() }

// Info describes the transport connection.
func (r *Router) Info() transport.Info { return r.info }

// Stats returns the correlation counters of this connection.
func (r *Router) Stats() correlation.Stats { return r.corr.Stats() }

// OnTransition registers an observer of lifecycle phase changes.
func (r *Router) OnTransition(fn lifecycle.TransitionFunc) { r.machine.OnTransition(fn) }

// waitReady blocks until the transport is connected.
func (r *Router) waitReady(ctx context.Context) error {
	select {
	case <-r.ready:
	case <-r.ctx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.ctx.Err() != nil {
		return ErrNotRunning
	}
	return nil
}
