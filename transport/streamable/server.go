// Package streamable implements the streamable HTTP carrier. A client POSTs
// each message; the server answers requests either with a single JSON body
// or with an SSE stream, chosen per exchange from the Accept header. A GET
// opens a standalone SSE stream for server-initiated messages and a DELETE
// ends the session.
package streamable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// HandlerOptions configure a Handler.
type HandlerOptions struct {
	transport.Options
	// OnSession is called with every new session before its first message
	// is delivered. It typically starts a router over the session.
	OnSession func(s *Session)
	// StreamBuffer bounds server-initiated messages queued for the
	// standalone stream. Zero means 64.
	StreamBuffer int
}

// Handler serves the streamable HTTP endpoint and owns its sessions.
type Handler struct {
	opts   HandlerOptions
	logger types.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a Handler. opts.OnSession is required.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	return &Handler{
		opts:     opts,
		logger:   logx.OrDefault(opts.Logger),
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Sessions returns the number of live sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close closes every session and rejects new ones.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return nil, false
	}
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (h *Handler) newSession(r *http.Request) (*Session, error) {
	s := &Session{
		h:      h,
		logger: h.logger,
		info: transport.Info{
			Name:       "streamable-http",
			SessionID:  uuid.NewString(),
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header.Clone(),
		},
		inbox:   transport.NewInbox(16),
		stream:  make(chan []byte, h.opts.StreamBuffer),
		pending: make(map[string]*exchange),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("handler closed")
	}
	h.sessions[s.info.SessionID] = s
	h.mu.Unlock()

	h.logger.Info("streamable: session %s opened from %s", s.info.SessionID, r.RemoteAddr)
	if h.opts.OnSession != nil {
		h.opts.OnSession(s)
	}
	return s, nil
}

func (h *Handler) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.opts.FrameLimit())))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	sum, ok := peek(body)
	if !ok {
		writeJSON(w, http.StatusBadRequest, rejection(body))
		return
	}

	var s *Session
	if r.Header.Get(HeaderSessionID) == "" {
		// Only initialize opens a session.
		if !sum.initialize {
			var id protocol.RequestID
			if len(sum.requests) > 0 {
				id = sum.requests[0]
			}
			writeJSON(w, http.StatusBadRequest, protocol.NewErrorResponse(id, protocol.CodeInvalidRequest,
				"missing "+HeaderSessionID+": a session starts with a single initialize request"))
			return
		}
		if s, err = h.newSession(r); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	} else if s, ok = h.lookup(w, r); !ok {
		return
	}
	w.Header().Set(HeaderSessionID, s.info.SessionID)

	for _, id := range sum.cancelled {
		s.abandon(id)
	}

	if len(sum.requests) == 0 {
		if !s.inbox.Deliver(r.Context(), body) {
			http.Error(w, "session closed", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ex, dup := s.register(sum.requests)
	if ex == nil {
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(dup, protocol.CodeInvalidRequest,
			fmt.Sprintf("request id %s is already in flight", dup)))
		return
	}
	defer s.unregister(ex)

	if !s.inbox.Deliver(r.Context(), body) {
		http.Error(w, "session closed", http.StatusNotFound)
		return
	}

	if prefersSSE(r.Header.Get("Accept")) {
		s.streamExchange(w, r, ex)
		return
	}
	s.replyExchange(w, r, ex)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !accepts(r.Header.Get("Accept"), contentTypeSSE) {
		http.Error(w, "GET requires Accept: "+contentTypeSSE, http.StatusNotAcceptable)
		return
	}
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !s.attachStream() {
		http.Error(w, "stream already open for session", http.StatusConflict)
		return
	}
	defer s.detachStream()

	w.Header().Set(HeaderSessionID, s.info.SessionID)
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Error("streamable: session %s: upgrade failed: %v", s.info.SessionID, err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}
	h.logger.Debug("streamable: session %s: standalone stream attached", s.info.SessionID)

	for {
		select {
		case frame := <-s.stream:
			if err := writeEvent(sess, frame); err != nil {
				h.logger.Warn("streamable: session %s: stream write failed: %v", s.info.SessionID, err)
				s.requeue(frame)
				return
			}
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	s.shutdown(io.EOF)
	h.logger.Info("streamable: session %s terminated by client", s.info.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// exchange collects the responses to the requests of one POST.
type exchange struct {
	remaining int
	frames    chan []byte
	finished  chan struct{}
}

// Session is the server side of one streamable HTTP session. It implements
// transport.Transport.
type Session struct {
	h      *Handler
	logger types.Logger
	info   transport.Info
	inbox  *transport.Inbox
	stream chan []byte

	mu       sync.Mutex
	pending  map[string]*exchange
	attached bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Session)(nil)
var _ transport.InfoProvider = (*Session)(nil)

// Connect is a no-op; the session exists once its first POST arrives.
func (s *Session) Connect(context.Context) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
		return nil
	}
}

// Receive returns the next message POSTed by the client.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	return s.inbox.Receive(ctx)
}

// Send routes a response to the exchange that carried its request and any
// other message to the standalone stream.
func (s *Session) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}

	frame := bytes.Clone(data)
	if sum, _ := peek(frame); len(sum.responses) > 0 && s.answer(sum.responses, frame) {
		return nil
	}

	select {
	case s.stream <- frame:
		return nil
	case <-s.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. Open exchanges and the standalone stream are
// terminated.
func (s *Session) Close() error {
	s.shutdown(transport.ErrClosed)
	return nil
}

// Info implements transport.InfoProvider.
func (s *Session) Info() transport.Info { return s.info }

// ID returns the Mcp-Session-Id value.
func (s *Session) ID() string { return s.info.SessionID }

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.inbox.Fail(cause)
		close(s.done)
		s.h.remove(s.info.SessionID)
	})
}

func (s *Session) register(ids []protocol.RequestID) (*exchange, protocol.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, busy := s.pending[id.Key()]
		_, repeated := seen[id.Key()]
		if busy || repeated {
			return nil, id
		}
		seen[id.Key()] = struct{}{}
	}
	ex := &exchange{
		remaining: len(ids),
		frames:    make(chan []byte, len(ids)),
		finished:  make(chan struct{}),
	}
	for _, id := range ids {
		s.pending[id.Key()] = ex
	}
	return ex, protocol.RequestID{}
}

func (s *Session) unregister(ex *exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.pending {
		if e == ex {
			delete(s.pending, key)
		}
	}
}

// answer hands frame to the exchange waiting on ids. It reports false when
// no exchange is waiting, e.g. because the client disconnected.
func (s *Session) answer(ids []protocol.RequestID, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ex *exchange
	for _, id := range ids {
		if e, ok := s.pending[id.Key()]; ok {
			ex = e
			break
		}
	}
	if ex == nil {
		return false
	}
	for _, id := range ids {
		if s.pending[id.Key()] == ex {
			delete(s.pending, id.Key())
			ex.remaining--
		}
	}
	ex.frames <- frame
	if ex.remaining <= 0 {
		close(ex.finished)
	}
	return true
}

// abandon stops waiting for a request the client cancelled; no response
// will be produced for it.
func (s *Session) abandon(id protocol.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.pending[id.Key()]
	if !ok {
		return
	}
	delete(s.pending, id.Key())
	ex.remaining--
	if ex.remaining <= 0 {
		close(ex.finished)
	}
}

func (s *Session) attachStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	s.attached = true
	return true
}

func (s *Session) detachStream() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

func (s *Session) requeue(frame []byte) {
	select {
	case s.stream <- frame:
	default:
		s.logger.Warn("streamable: session %s: dropping undeliverable message", s.info.SessionID)
	}
}

// replyExchange answers with a single JSON body once every request of the
// exchange is answered.
func (s *Session) replyExchange(w http.ResponseWriter, r *http.Request, ex *exchange) {
	var frames [][]byte
	for {
		select {
		case frame := <-ex.frames:
			frames = append(frames, frame)
			continue
		case <-ex.finished:
		case <-s.done:
			http.Error(w, "session closed", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
		break
	}
	for drained := false; !drained; {
		select {
		case frame := <-ex.frames:
			frames = append(frames, frame)
		default:
			drained = true
		}
	}

	if len(frames) == 0 {
		// Every request was cancelled by the client.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(mergeFrames(frames))
}

// streamExchange answers with an SSE stream carrying the responses and any
// server-initiated messages produced while the exchange is open.
func (s *Session) streamExchange(w http.ResponseWriter, r *http.Request, ex *exchange) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("streamable: session %s: upgrade failed: %v", s.info.SessionID, err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}

	for {
		select {
		case frame := <-ex.frames:
			if err := writeEvent(sess, frame); err != nil {
				s.logger.Warn("streamable: session %s: exchange write failed: %v", s.info.SessionID, err)
				return
			}
		case frame := <-s.stream:
			if err := writeEvent(sess, frame); err != nil {
				s.requeue(frame)
				return
			}
		case <-ex.finished:
			for {
				select {
				case frame := <-ex.frames:
					if err := writeEvent(sess, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(sess *sse.Session, frame []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(frame))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// rejection builds the error answer for a body that cannot be routed:
// ParseError when it is not JSON, InvalidRequest when it is JSON of the
// wrong shape.
func rejection(body []byte) *protocol.Response {
	if !json.Valid(body) {
		return protocol.NewErrorResponse(protocol.RequestID{}, protocol.CodeParseError, "Parse error")
	}
	var decodeErr *protocol.DecodeError
	if _, err := protocol.Decode(body); errors.As(err, &decodeErr) {
		return decodeErr.Response()
	}
	return protocol.NewErrorResponse(protocol.RequestID{}, protocol.CodeInvalidRequest, "Invalid Request")
}

func writeJSON(w http.ResponseWriter, status int, resp *protocol.Response) {
	data, err := protocol.Encode(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
