package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/localrivet/mcprpc/protocol"
)

// RequestHandlerFunc handles one request method.
type RequestHandlerFunc func(ctx context.Context, cc *ConnContext, params json.RawMessage) (any, error)

// NotificationHandlerFunc handles one notification method.
type NotificationHandlerFunc func(ctx context.Context, cc *ConnContext, params json.RawMessage)

// Mux is a Handler that dispatches on the method name. Unknown requests are
// answered with MethodNotFound; unknown notifications are ignored.
type Mux struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandlerFunc
	notifications map[string]NotificationHandlerFunc
}

var _ Handler = (*Mux)(nil)

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{
		requests:      make(map[string]RequestHandlerFunc),
		notifications: make(map[string]NotificationHandlerFunc),
	}
}

// HandleFunc registers fn for requests of method, replacing any previous one.
func (m *Mux) HandleFunc(method string, fn RequestHandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[method] = fn
}

// HandleNotificationFunc registers fn for notifications of method.
func (m *Mux) HandleNotificationFunc(method string, fn NotificationHandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[method] = fn
}

// Methods lists the registered request methods.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	methods := make([]string, 0, len(m.requests))
	for method := range m.requests {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// HandleRequest implements Handler.
func (m *Mux) HandleRequest(ctx context.Context, cc *ConnContext, method string, params json.RawMessage) (any, error) {
	m.mu.RLock()
	fn, ok := m.requests[method]
	m.mu.RUnlock()
	if !ok {
		return nil, protocol.NewMethodNotFoundError(method)
	}
	return fn(ctx, cc, params)
}

// HandleNotification implements Handler.
func (m *Mux) HandleNotification(ctx context.Context, cc *ConnContext, method string, params json.RawMessage) {
	m.mu.RLock()
	fn, ok := m.notifications[method]
	m.mu.RUnlock()
	if ok {
		fn(ctx, cc, params)
	}
}
