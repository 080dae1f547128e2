package router

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/localrivet/mcprpc/correlation"
	"github.com/localrivet/mcprpc/hooks"
	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/types"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for pending requests
// and running handlers.
const DefaultShutdownTimeout = 10 * time.Second

// Version is reported as the implementation version when none is configured.
const Version = "0.1.0"

// Option configures a Router.
type Option func(*Router)

// WithRole sets whether this end acts as the MCP client or server. The
// default is lifecycle.RoleServer.
func WithRole(role lifecycle.Role) Option {
	return func(r *Router) { r.role = role }
}

// WithHandler sets the handler for inbound requests and notifications.
// Without one, every request other than initialize and ping is answered
// with MethodNotFound.
func WithHandler(h Handler) Option {
	return func(r *Router) { r.handler = h }
}

// WithAuthorizer installs a pre-dispatch check.
func WithAuthorizer(a Authorizer) Option {
	return func(r *Router) { r.authorizer = a }
}

// WithHooks installs message hooks.
func WithHooks(h *hooks.Hooks) Option {
	return func(r *Router) { r.hooks = h }
}

// WithLogger provides an option to set a custom logger.
func WithLogger(logger types.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCapabilities sets the capabilities declared during initialize.
func WithCapabilities(caps protocol.Capabilities) Option {
	return func(r *Router) { r.capabilities = caps }
}

// WithImplementation sets the clientInfo or serverInfo sent during initialize.
func WithImplementation(name, version string) Option {
	return func(r *Router) { r.impl = protocol.Implementation{Name: name, Version: version} }
}

// WithInstructions sets the server instructions string returned during initialization.
func WithInstructions(instructions string) Option {
	return func(r *Router) { r.instructions = instructions }
}

// WithProtocolVersion sets the version a client requests. Servers always
// answer with protocol.NegotiateVersion of the client's request.
func WithProtocolVersion(version string) Option {
	return func(r *Router) { r.protocolVersion = version }
}

// WithCorrelationConfig configures the pending-request table.
func WithCorrelationConfig(cfg correlation.Config) Option {
	return func(r *Router) { r.corrCfg = cfg }
}

// WithRequestTimeout sets the timeout of outbound requests. Zero uses the
// correlation default.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Router) { r.requestTimeout = d }
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// WithMaxConcurrentHandlers bounds how many inbound requests are handled at
// once. Further requests wait for a slot outside the read loop.
func WithMaxConcurrentHandlers(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRateLimit rejects inbound requests beyond limit per second, with the
// given burst, with a RateLimited error.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Router) {
		if limit > 0 {
			r.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}
