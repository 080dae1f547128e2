package streamable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// ClientOptions configure a Client.
type ClientOptions struct {
	transport.Options
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Header is added to every HTTP request, e.g. Authorization.
	Header http.Header
	// Stream asks the server to answer requests with SSE rather than a
	// single JSON body.
	Stream bool
	// DisableListen skips the standalone GET stream. Server-initiated
	// messages then only arrive on streamed exchanges.
	DisableListen bool
}

// Client is the client side of a streamable HTTP session. It implements
// transport.Transport.
type Client struct {
	endpoint string
	opts     ClientOptions
	http     *http.Client
	logger   types.Logger
	maxFrame int
	localID  string

	inbox *transport.Inbox

	mu        sync.Mutex
	sessionID string

	ctx        context.Context
	cancel     context.CancelFunc
	listenOnce sync.Once
	wg         sync.WaitGroup
	closed     atomic.Bool
	closeOnce  sync.Once
}

var _ transport.Transport = (*Client)(nil)
var _ transport.InfoProvider = (*Client)(nil)

// NewClient creates a client for the endpoint URL.
func NewClient(endpoint string, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		endpoint: endpoint,
		opts:     opts,
		http:     httpClient,
		logger:   logx.OrDefault(opts.Logger),
		maxFrame: opts.FrameLimit(),
		localID:  uuid.NewString(),
		inbox:    transport.NewInbox(16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect validates the endpoint. The session itself is established by the
// first message, normally initialize.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	u, err := url.Parse(c.endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return transport.NewError(transport.KindIO, "connect", fmt.Errorf("invalid endpoint %q", c.endpoint))
	}
	return nil
}

// SessionID returns the id assigned by the server, or "" before the first
// exchange completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send POSTs one message. Notifications and responses complete before Send
// returns; requests are answered asynchronously through Receive.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	sum, _ := peek(data)
	frame := bytes.Clone(data)
	if len(sum.requests) == 0 {
		return c.post(ctx, frame)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if err := c.post(c.ctx, frame); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("streamable: request exchange failed: %v", err)
			c.failRequests(sum.requests, err)
		}
	}()
	return nil
}

// Receive returns the next message from the server.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	return c.inbox.Receive(ctx)
}

// Close terminates the session with a DELETE and stops all exchanges.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		c.mu.Unlock()
		if id := c.SessionID(); id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
			if err == nil {
				c.decorate(req)
				if resp, err := c.http.Do(req); err == nil {
					resp.Body.Close()
				}
			}
			cancel()
		}
		c.cancel()
		c.inbox.Fail(transport.ErrClosed)
		c.wg.Wait()
	})
	return nil
}

// Info implements transport.InfoProvider.
func (c *Client) Info() transport.Info {
	id := c.SessionID()
	if id == "" {
		id = c.localID
	}
	info := transport.Info{Name: "streamable-http", SessionID: id, Header: c.opts.Header}
	if u, err := url.Parse(c.endpoint); err == nil {
		info.RemoteAddr = u.Host
	}
	return info
}

func (c *Client) decorate(req *http.Request) {
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if id := c.SessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
}

func (c *Client) post(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return transport.NewError(transport.KindIO, "send", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", contentTypeJSON)
	if c.opts.Stream {
		req.Header.Set("Accept", contentTypeSSE+", "+contentTypeJSON)
	} else {
		req.Header.Set("Accept", contentTypeJSON+", "+contentTypeSSE)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.NewError(transport.KindIO, "send", err)
	}
	defer resp.Body.Close()

	c.adoptSession(resp.Header.Get(HeaderSessionID))

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound && req.Header.Get(HeaderSessionID) != "":
		c.inbox.Fail(io.EOF)
		return transport.NewError(transport.KindConnectionClosed, "send", errors.New("session terminated by server"))
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return transport.NewError(transport.KindFrameTooLarge, "send", errors.New("rejected by server"))
	case resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusBadRequest:
		return transport.NewError(transport.KindIO, "send", fmt.Errorf("unexpected status %s", resp.Status))
	}
	return c.consume(resp)
}

func (c *Client) adoptSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	first := c.sessionID == ""
	if first {
		c.sessionID = id
	}
	c.mu.Unlock()

	if first && !c.opts.DisableListen {
		c.listenOnce.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed.Load() {
				return
			}
			c.wg.Add(1)
			go c.listen()
		})
	}
}

// consume delivers the body of a successful exchange: a single JSON frame,
// or one frame per SSE event.
func (c *Client) consume(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeSSE) {
		return c.readEvents(resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxFrame)+1))
	if err != nil {
		return transport.NewError(transport.KindIO, "receive", err)
	}
	if len(body) > c.maxFrame {
		err := transport.NewError(transport.KindFrameTooLarge, "receive", fmt.Errorf("response exceeds %d bytes", c.maxFrame))
		c.inbox.Fail(err)
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	c.inbox.Deliver(c.ctx, body)
	return nil
}

func (c *Client) readEvents(body io.Reader) error {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: c.maxFrame}) {
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return transport.NewError(transport.KindIO, "receive", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		if ev.Data == "" {
			continue
		}
		if !c.inbox.Deliver(c.ctx, []byte(ev.Data)) {
			return nil
		}
	}
	return nil
}

// listen holds the standalone GET stream open for server-initiated
// messages. When the server ends it the session is over.
func (c *Client) listen() {
	defer c.wg.Done()
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return
	}
	c.decorate(req)
	req.Header.Set("Accept", contentTypeSSE)

	resp, err := c.http.Do(req)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("streamable: standalone stream failed: %v", err)
		}
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed:
		c.logger.Debug("streamable: server does not offer a standalone stream")
		return
	case http.StatusNotFound:
		c.inbox.Fail(io.EOF)
		return
	default:
		c.logger.Warn("streamable: standalone stream rejected: %s", resp.Status)
		return
	}

	if err := c.readEvents(resp.Body); err != nil {
		c.inbox.Fail(err)
		return
	}
	if c.ctx.Err() == nil {
		c.inbox.Fail(io.EOF)
	}
}

// failRequests answers requests whose exchange broke so their callers do
// not wait for a timeout.
func (c *Client) failRequests(ids []protocol.RequestID, cause error) {
	for _, id := range ids {
		resp := protocol.NewErrorResponse(id, protocol.CodeInternalError, cause.Error())
		data, err := protocol.Encode(resp)
		if err != nil {
			continue
		}
		c.inbox.Deliver(c.ctx, data)
	}
}
