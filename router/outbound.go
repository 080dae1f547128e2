package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/mcprpc/correlation"
	"github.com/localrivet/mcprpc/hooks"
	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/telemetry"
)

// cancelNoticeTimeout bounds the best-effort notifications/cancelled sent
// after a local call is abandoned.
const cancelNoticeTimeout = time.Second

// Go sends a request to the peer and returns its completion handle without
// waiting for the response. The method is gated like an inbound one: it
// must be legal in the current phase and its feature must be negotiated.
func (r *Router) Go(ctx context.Context, method string, params any) (*correlation.Call, error) {
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	if method == protocol.MethodInitialize {
		return nil, errors.New("router: use Initialize to send initialize")
	}
	if err := r.machine.Check(method); err != nil {
		return nil, err
	}

	hc := hooks.HookContext{Ctx: ctx, Conn: r.info, Method: method}
	params, err := r.hooks.RunBeforeSendRequest(hc, params)
	if err != nil {
		return nil, fmt.Errorf("request %s aborted by hook: %w", method, err)
	}
	return r.corr.SendRequest(ctx, r.transport, method, params, r.requestTimeout)
}

// Call sends a request and waits for its response, decoding the result into
// result when it is non-nil. A JSON-RPC error from the peer is returned as
// an *protocol.MCPError. Cancelling ctx abandons the call and tells the peer
// with notifications/cancelled.
func (r *Router) Call(ctx context.Context, method string, params, result any) error {
	ctx, span := r.tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(r.spanAttributes(method, "outbound")...),
	)
	defer span.End()

	err := r.call(ctx, method, params, result)
	if err != nil {
		if mcpErr, ok := protocol.AsMCPError(err); ok {
			span.SetAttributes(telemetry.AttrErrorCode.Int(int(mcpErr.Code)))
		}
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetOK(span)
	return nil
}

func (r *Router) call(ctx context.Context, method string, params, result any) error {
	call, err := r.Go(ctx, method, params)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrRequestID.String(call.ID().String()))

	resp, err := call.Wait(ctx)
	if err != nil {
		if errors.Is(err, correlation.ErrCancelled) || errors.Is(err, correlation.ErrTimeout) {
			r.notifyCancelled(call.ID(), err)
		}
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return resp.UnmarshalResult(result)
}

// notifyCancelled tells the peer it can stop working on id. Failures are
// only logged; the local entry is already gone.
func (r *Router) notifyCancelled(id protocol.RequestID, cause error) {
	ctx, cancel := context.WithTimeout(r.ctx, cancelNoticeTimeout)
	defer cancel()
	params := protocol.CancelledParams{RequestID: id, Reason: cause.Error()}
	if err := r.Notify(ctx, protocol.MethodNotifyCancelled, params); err != nil {
		r.logger.Debug("router: could not send cancellation for %s: %v", id, err)
	}
}

// Notify sends a notification to the peer.
func (r *Router) Notify(ctx context.Context, method string, params any) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	if err := r.machine.Check(method); err != nil {
		return err
	}

	hc := hooks.HookContext{Ctx: ctx, Conn: r.info, Method: method}
	params, err := r.hooks.RunBeforeSendNotification(hc, params)
	if err != nil {
		return fmt.Errorf("notification %s aborted by hook: %w", method, err)
	}
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(n)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, data)
}

// Initialize performs the client side of the handshake: it sends
// initialize, negotiates capabilities from the server's result, moves the
// connection to Operational and sends notifications/initialized. On failure
// the connection stays Initializing and should be closed.
func (r *Router) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	if r.role != lifecycle.RoleClient {
		return nil, errors.New("router: only a client sends initialize")
	}
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	if err := r.machine.BeginInitialize(); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, protocol.MethodInitialize,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(r.spanAttributes(protocol.MethodInitialize, "outbound")...),
	)
	defer span.End()

	result, err := r.initialize(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetOK(span)
	return result, nil
}

func (r *Router) initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: r.protocolVersion,
		Capabilities:    r.capabilities,
		ClientInfo:      r.impl,
	}
	call, err := r.corr.SendRequest(ctx, r.transport, protocol.MethodInitialize, params, r.requestTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}

	var result protocol.InitializeResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, err
	}
	if !protocol.IsSupportedVersion(result.ProtocolVersion) {
		return nil, fmt.Errorf("server chose unsupported protocol version %q", result.ProtocolVersion)
	}

	negotiated := protocol.Negotiate(r.capabilities, result.Capabilities)
	if err := r.machine.CompleteInitialize(negotiated, result.ProtocolVersion, result.ServerInfo); err != nil {
		return nil, err
	}
	r.logger.Info("router: initialized with %s %s (protocol %s, capabilities %s)",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion, negotiated)

	if err := r.Notify(ctx, protocol.MethodNotifyInitialized, nil); err != nil {
		return nil, fmt.Errorf("send %s: %w", protocol.MethodNotifyInitialized, err)
	}
	return &result, nil
}
