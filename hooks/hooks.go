// Package hooks defines the extension points a router runs around message
// handling, allowing users to inject custom logic without writing a Handler
// wrapper. Hooks run for both client and server roles.
package hooks

import (
	"context"
	"encoding/json"

	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/transport"
)

// HookContext provides context available to every hook.
type HookContext struct {
	Ctx       context.Context
	Conn      transport.Info
	MessageID protocol.RequestID // zero for notifications
	Method    string             // empty for responses
}

// BeforeHandleMessageHook runs after receiving raw bytes, before any JSON parsing.
// Return: modified bytes (if changed), error to drop the message.
type BeforeHandleMessageHook func(ctx context.Context, conn transport.Info, rawMessage []byte) (modifiedRawMessage []byte, err error)

// BeforeHandleRequestHook runs before an inbound request reaches its handler.
// Return: error to reject the request; an *protocol.MCPError keeps its code.
type BeforeHandleRequestHook func(hookCtx HookContext, params json.RawMessage) error

// BeforeHandleNotificationHook runs before an inbound notification reaches its handler.
// Return: error to drop the notification.
type BeforeHandleNotificationHook func(hookCtx HookContext, params json.RawMessage) error

// BeforeSendResponseHook runs before a response is written.
// Return: modified response, error to suppress sending.
type BeforeSendResponseHook func(hookCtx HookContext, response *protocol.Response) (modifiedResponse *protocol.Response, err error)

// BeforeSendRequestHook runs before a local request is registered and written.
// Return: modified params, error to abort the call.
type BeforeSendRequestHook func(hookCtx HookContext, params any) (modifiedParams any, err error)

// BeforeSendNotificationHook runs before a local notification is written.
// Return: modified params, error to abort sending.
type BeforeSendNotificationHook func(hookCtx HookContext, params any) (modifiedParams any, err error)

// Hooks groups hook chains. Each chain runs in registration order and stops
// at the first error. The zero value runs nothing.
type Hooks struct {
	BeforeHandleMessage      []BeforeHandleMessageHook
	BeforeHandleRequest      []BeforeHandleRequestHook
	BeforeHandleNotification []BeforeHandleNotificationHook
	BeforeSendResponse       []BeforeSendResponseHook
	BeforeSendRequest        []BeforeSendRequestHook
	BeforeSendNotification   []BeforeSendNotificationHook
}

// RunBeforeHandleMessage threads raw through the chain.
func (h *Hooks) RunBeforeHandleMessage(ctx context.Context, conn transport.Info, raw []byte) ([]byte, error) {
	if h == nil {
		return raw, nil
	}
	var err error
	for _, hook := range h.BeforeHandleMessage {
		if raw, err = hook(ctx, conn, raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// RunBeforeHandleRequest runs the request chain.
func (h *Hooks) RunBeforeHandleRequest(hc HookContext, params json.RawMessage) error {
	if h == nil {
		return nil
	}
	for _, hook := range h.BeforeHandleRequest {
		if err := hook(hc, params); err != nil {
			return err
		}
	}
	return nil
}

// RunBeforeHandleNotification runs the notification chain.
func (h *Hooks) RunBeforeHandleNotification(hc HookContext, params json.RawMessage) error {
	if h == nil {
		return nil
	}
	for _, hook := range h.BeforeHandleNotification {
		if err := hook(hc, params); err != nil {
			return err
		}
	}
	return nil
}

// RunBeforeSendResponse threads resp through the chain.
func (h *Hooks) RunBeforeSendResponse(hc HookContext, resp *protocol.Response) (*protocol.Response, error) {
	if h == nil {
		return resp, nil
	}
	var err error
	for _, hook := range h.BeforeSendResponse {
		if resp, err = hook(hc, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// RunBeforeSendRequest threads params through the chain.
func (h *Hooks) RunBeforeSendRequest(hc HookContext, params any) (any, error) {
	if h == nil {
		return params, nil
	}
	var err error
	for _, hook := range h.BeforeSendRequest {
		if params, err = hook(hc, params); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// RunBeforeSendNotification threads params through the chain.
func (h *Hooks) RunBeforeSendNotification(hc HookContext, params any) (any, error) {
	if h == nil {
		return params, nil
	}
	var err error
	for _, hook := range h.BeforeSendNotification {
		if params, err = hook(hc, params); err != nil {
			return nil, err
		}
	}
	return params, nil
}
