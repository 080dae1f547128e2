package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// DialOptions configure Dial.
type DialOptions struct {
	transport.Options
	// Header is sent with the upgrade request, e.g. Authorization.
	Header http.Header
}

// Dial establishes a WebSocket connection to urlString. The returned
// transport still needs Connect to start reading.
func Dial(ctx context.Context, urlString string, opts DialOptions) (*Transport, error) {
	logger := logx.OrDefault(opts.Logger)
	u, err := url.Parse(urlString)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, transport.NewError(transport.KindIO, "dial", fmt.Errorf("invalid websocket url %q", urlString))
	}

	dialer := ws.Dialer{}
	if len(opts.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(opts.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, urlString)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, "dial", err)
	}
	logger.Debug("websocket: connected to %s", u.Host)

	info := transport.Info{SessionID: uuid.NewString(), RemoteAddr: u.Host, Header: opts.Header}
	if br != nil {
		return NewTransport(conn, br, ws.StateClientSide, info, opts.Options), nil
	}
	return NewTransport(conn, nil, ws.StateClientSide, info, opts.Options), nil
}

// Handler upgrades HTTP requests to WebSocket connections and hands each
// one to OnConnection.
type Handler struct {
	Options transport.Options
	// OnConnection receives each upgraded connection. It must not block; it
	// typically starts a router over the transport.
	OnConnection func(t *Transport)
	logger       types.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a Handler.
func NewHandler(opts transport.Options, onConnection func(t *Transport)) *Handler {
	return &Handler{Options: opts, OnConnection: onConnection, logger: logx.OrDefault(opts.Logger)}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written the error response.
		h.log().Warn("websocket: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	info := transport.Info{SessionID: uuid.NewString(), RemoteAddr: r.RemoteAddr, Header: r.Header.Clone()}
	t := NewTransport(conn, nil, ws.StateServerSide, info, h.Options)
	h.log().Info("websocket: connection %s from %s", info.SessionID, r.RemoteAddr)
	if h.OnConnection == nil {
		_ = t.Close()
		return
	}
	h.OnConnection(t)
}

func (h *Handler) log() types.Logger {
	if h.logger == nil {
		return logx.OrDefault(h.Options.Logger)
	}
	return h.logger
}
