package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/mcprpc/hooks"
	"github.com/localrivet/mcprpc/lifecycle"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/telemetry"
)

// handleFrame decodes one frame and routes what it contains. It runs on the
// read loop, so it never waits on a handler.
func (r *Router) handleFrame(ctx context.Context, data []byte) {
	data, err := r.hooks.RunBeforeHandleMessage(ctx, r.info, data)
	if err != nil {
		r.logger.Warn("router: message dropped by hook: %v", err)
		return
	}

	msg, err := protocol.Decode(data)
	var batchErr *protocol.BatchDecodeError
	switch {
	case errors.As(err, &batchErr):
		r.handleBatch(batchErr.Valid, batchErr.Errors)
		return
	case err != nil:
		var decodeErr *protocol.DecodeError
		if !errors.As(err, &decodeErr) {
			r.logger.Error("router: decode: %v", err)
			return
		}
		r.logger.Warn("router: invalid message: %v", decodeErr)
		r.send(ctx, decodeErr.Response())
		return
	}

	switch m := msg.(type) {
	case *protocol.Response:
		r.corr.HandleResponse(m)
	case *protocol.Request:
		r.handleRequest(ctx, m)
	case *protocol.Notification:
		r.handleNotification(m)
	case protocol.Batch:
		r.handleBatch(m, nil)
	}
}

func (r *Router) handleRequest(ctx context.Context, req *protocol.Request) {
	if resp := r.admit(req, false); resp != nil {
		r.sendResponse(ctx, req, resp)
		return
	}
	hctx, ok := r.inflight.begin(r.ctx, req.ID)
	if !ok {
		r.sendResponse(ctx, req, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest,
			fmt.Sprintf("request id %s is already in flight", req.ID)))
		return
	}
	r.inflight.spawn(func() {
		resp := r.serve(hctx, req)
		if r.inflight.finish(req.ID) {
			r.logger.Debug("router: suppressing response to cancelled request %s (%s)", req.ID, req.Method)
			return
		}
		r.sendResponse(r.ctx, req, resp)
	})
}

// admit handles everything about a request that must happen in arrival
// order: rate limiting, initialize, ping and phase gating. It returns the
// response to send, or nil when the request should go to the handler.
func (r *Router) admit(req *protocol.Request, inBatch bool) *protocol.Response {
	if r.limiter != nil && !r.limiter.Allow() {
		return protocol.NewErrorResponse(req.ID, protocol.CodeRateLimited, "rate limit exceeded")
	}

	switch req.Method {
	case protocol.MethodInitialize:
		if inBatch {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "initialize must not be part of a batch")
		}
		return r.handleInitialize(req)
	case protocol.MethodPing:
		if err := r.machine.Check(req.Method); err != nil {
			return protocol.NewErrorResponseFromError(req.ID, err)
		}
		resp, _ := protocol.NewSuccessResponse(req.ID, nil)
		return resp
	}

	if err := r.machine.Check(req.Method); err != nil {
		r.logger.Warn("router: rejecting %s (id %s): %v", req.Method, req.ID, err)
		return protocol.NewErrorResponseFromError(req.ID, err)
	}
	return nil
}

// handleInitialize answers the client's initialize request. The connection
// becomes Operational before the result is written, so the client's next
// message is never rejected as early.
func (r *Router) handleInitialize(req *protocol.Request) *protocol.Response {
	if r.role != lifecycle.RoleServer {
		return protocol.NewErrorResponseFromError(req.ID, protocol.NewMethodNotFoundError(req.Method))
	}
	if err := r.machine.Check(req.Method); err != nil {
		return protocol.NewErrorResponseFromError(req.ID, err)
	}

	var params protocol.InitializeParams
	if err := protocol.DecodeParams(req.Params, &params); err != nil {
		return protocol.NewErrorResponseFromError(req.ID, err)
	}
	if err := r.machine.BeginInitialize(); err != nil {
		return protocol.NewErrorResponseFromError(req.ID, err)
	}

	version := protocol.NegotiateVersion(params.ProtocolVersion)
	negotiated := protocol.Negotiate(params.Capabilities, r.capabilities)
	resp, err := protocol.NewSuccessResponse(req.ID, protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    r.capabilities,
		ServerInfo:      r.impl,
		Instructions:    r.instructions,
	})
	if err != nil {
		return protocol.NewErrorResponseFromError(req.ID, protocol.NewInternalError(err.Error()))
	}
	if err := r.machine.CompleteInitialize(negotiated, version, params.ClientInfo); err != nil {
		return protocol.NewErrorResponseFromError(req.ID, protocol.NewInternalError(err.Error()))
	}
	r.logger.Info("router: initialized by %s %s (protocol %s, capabilities %s)",
		params.ClientInfo.Name, params.ClientInfo.Version, version, negotiated)
	return resp
}

// serve runs one admitted request through hooks, authorization and the
// handler, and builds its response.
func (r *Router) serve(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := r.tracer.Start(ctx, req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(r.spanAttributes(req.Method, "inbound")...),
		trace.WithAttributes(telemetry.AttrRequestID.String(req.ID.String())),
	)
	defer span.End()

	resp := r.invoke(ctx, req)
	if resp.Error != nil {
		span.SetAttributes(telemetry.AttrErrorCode.Int(int(resp.Error.Code)))
		telemetry.RecordError(span, resp.Err())
	} else {
		telemetry.SetOK(span)
	}
	return resp
}

func (r *Router) invoke(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeRequestCancelled, "request cancelled while waiting for a handler slot")
		}
		defer r.sem.Release(1)
	}

	hc := hooks.HookContext{Ctx: ctx, Conn: r.info, MessageID: req.ID, Method: req.Method}
	if err := r.hooks.RunBeforeHandleRequest(hc, req.Params); err != nil {
		r.logger.Warn("router: request %s (%s) rejected by hook: %v", req.ID, req.Method, err)
		return protocol.NewErrorResponseFromError(req.ID, err)
	}

	if r.authorizer != nil {
		authCtx, err := r.authorizer.Authorize(ctx, r.info, req.Method, req.Params)
		if err != nil {
			r.logger.Warn("router: request %s (%s) unauthorized: %v", req.ID, req.Method, err)
			if _, ok := protocol.AsMCPError(err); ok {
				return protocol.NewErrorResponseFromError(req.ID, err)
			}
			return protocol.NewErrorResponseFromError(req.ID, protocol.NewUnauthorizedError("unauthorized"))
		}
		if authCtx != nil {
			ctx = authCtx
		}
	}

	if r.handler == nil {
		return protocol.NewErrorResponseFromError(req.ID, protocol.NewMethodNotFoundError(req.Method))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: handler for %s panicked: %v\n%s", req.Method, rec, debug.Stack())
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "internal error")
		}
	}()

	result, err := r.handler.HandleRequest(ctx, r.cc, req.Method, req.Params)
	if err != nil {
		if _, ok := protocol.AsMCPError(err); !ok {
			r.logger.Error("router: handler for %s (id %s) failed: %v", req.Method, req.ID, err)
		}
		return protocol.NewErrorResponseFromError(req.ID, err)
	}
	resp, err = protocol.NewSuccessResponse(req.ID, result)
	if err != nil {
		r.logger.Error("router: encode result of %s (id %s): %v", req.Method, req.ID, err)
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "internal error")
	}
	return resp
}

func (r *Router) handleNotification(n *protocol.Notification) {
	if n.Method == protocol.MethodNotifyCancelled {
		r.handleCancelled(n)
		return
	}
	if err := r.machine.Check(n.Method); err != nil {
		r.logger.Warn("router: dropping notification %s: %v", n.Method, err)
		return
	}

	hc := hooks.HookContext{Ctx: r.ctx, Conn: r.info, Method: n.Method}
	if err := r.hooks.RunBeforeHandleNotification(hc, n.Params); err != nil {
		r.logger.Debug("router: notification %s dropped by hook: %v", n.Method, err)
		return
	}
	if r.handler == nil {
		return
	}

	r.inflight.spawn(func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("router: notification handler for %s panicked: %v\n%s", n.Method, rec, debug.Stack())
			}
		}()
		r.handler.HandleNotification(r.ctx, r.cc, n.Method, n.Params)
	})
}

func (r *Router) handleCancelled(n *protocol.Notification) {
	var params protocol.CancelledParams
	if err := protocol.DecodeParams(n.Params, &params); err != nil || params.RequestID.IsZero() {
		r.logger.Warn("router: malformed %s notification: %v", n.Method, err)
		return
	}
	if r.inflight.cancel(params.RequestID) {
		r.logger.Debug("router: peer cancelled request %s: %s", params.RequestID, params.Reason)
	} else {
		r.logger.Debug("router: peer cancelled unknown or finished request %s", params.RequestID)
	}
}

// handleBatch admits every request of a batch in order, runs them
// concurrently and sends their responses as one array once all are done.
func (r *Router) handleBatch(batch protocol.Batch, invalid []*protocol.DecodeError) {
	var (
		mu        sync.Mutex
		responses = make(protocol.Batch, 0, len(batch)+len(invalid))
		wg        sync.WaitGroup
	)
	collect := func(resp *protocol.Response) {
		mu.Lock()
		responses = append(responses, resp)
		mu.Unlock()
	}
	for _, derr := range invalid {
		collect(derr.Response())
	}

	for _, msg := range batch {
		switch m := msg.(type) {
		case *protocol.Response:
			r.corr.HandleResponse(m)
		case *protocol.Notification:
			r.handleNotification(m)
		case *protocol.Request:
			if resp := r.admit(m, true); resp != nil {
				collect(resp)
				continue
			}
			hctx, ok := r.inflight.begin(r.ctx, m.ID)
			if !ok {
				collect(protocol.NewErrorResponse(m.ID, protocol.CodeInvalidRequest,
					fmt.Sprintf("request id %s is already in flight", m.ID)))
				continue
			}
			req := m
			wg.Add(1)
			r.inflight.spawn(func() {
				defer wg.Done()
				resp := r.serve(hctx, req)
				if r.inflight.finish(req.ID) {
					return
				}
				if resp = r.beforeSendResponse(req, resp); resp == nil {
					return
				}
				collect(resp)
			})
		}
	}

	r.inflight.spawn(func() {
		wg.Wait()
		if len(responses) == 0 {
			return
		}
		data, err := protocol.Encode(responses)
		if err != nil {
			r.logger.Error("router: encode batch response: %v", err)
			return
		}
		if err := r.transport.Send(r.ctx, data); err != nil {
			r.logger.Warn("router: send batch response: %v", err)
		}
	})
}

func (r *Router) beforeSendResponse(req *protocol.Request, resp *protocol.Response) *protocol.Response {
	hc := hooks.HookContext{Ctx: r.ctx, Conn: r.info, MessageID: req.ID, Method: req.Method}
	resp, err := r.hooks.RunBeforeSendResponse(hc, resp)
	if err != nil {
		r.logger.Debug("router: response to %s (id %s) suppressed by hook: %v", req.Method, req.ID, err)
		return nil
	}
	return resp
}

func (r *Router) sendResponse(ctx context.Context, req *protocol.Request, resp *protocol.Response) {
	if resp = r.beforeSendResponse(req, resp); resp == nil {
		return
	}
	r.send(ctx, resp)
}

// send writes a single message. Failures are logged; the read loop notices
// a broken transport on its own.
func (r *Router) send(ctx context.Context, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("router: encode: %v", err)
		return
	}
	if err := r.transport.Send(ctx, data); err != nil {
		r.logger.Warn("router: send: %v", err)
	}
}

func (r *Router) spanAttributes(method, direction string) []attribute.KeyValue {
	return []attribute.KeyValue{
		telemetry.AttrRPCSystem.String("jsonrpc"),
		telemetry.AttrRPCMethod.String(method),
		telemetry.AttrRole.String(r.role.String()),
		telemetry.AttrSessionID.String(r.info.SessionID),
		telemetry.AttrTransport.String(r.info.Name),
		telemetry.AttrDirection.String(direction),
	}
}
