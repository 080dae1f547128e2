package grpc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
)

// DialOptions configure Dial.
type DialOptions struct {
	transport.Options
	// Header is sent as stream metadata, e.g. Authorization.
	Header http.Header
	// Credentials secure the connection. Nil means plaintext.
	Credentials credentials.TransportCredentials
	// Extra is appended to the dial options, e.g. a custom dialer.
	Extra []grpc.DialOption
}

// Dial opens the exchange stream on target. The returned transport still
// needs Connect to start reading.
func Dial(ctx context.Context, target string, opts DialOptions) (*Transport, error) {
	logger := logx.OrDefault(opts.Logger)
	creds := opts.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	limit := opts.FrameLimit()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepAliveTime,
			Timeout: DefaultKeepAliveTimeout,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(limit),
			grpc.MaxCallSendMsgSize(limit),
		),
	}, opts.Extra...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, "dial", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if len(opts.Header) > 0 {
		streamCtx = metadata.NewOutgoingContext(streamCtx, metadataFromHeader(opts.Header))
	}
	// The stream outlives ctx, which only bounds establishing it.
	stop := context.AfterFunc(ctx, cancel)
	cs, err := conn.NewStream(streamCtx, &exchangeDesc, methodName, grpc.WaitForReady(true))
	if !stop() || err != nil {
		cancel()
		_ = conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, transport.NewError(transport.KindIO, "dial", fmt.Errorf("open stream to %s: %w", target, err))
	}
	logger.Debug("grpc: stream open to %s", target)

	info := transport.Info{RemoteAddr: target, Header: opts.Header}
	t := newTransport(cs, info, opts.Options, nil)
	t.info.SessionID = newSessionID()
	t.release = func() {
		// Half-close and give the server a moment to end the stream so
		// frames already sent are not cut off by the cancel.
		if err := cs.CloseSend(); err == nil && t.connected() {
			select {
			case <-t.readerDone:
			case <-time.After(closeGrace):
			}
		}
		cancel()
		if err := conn.Close(); err != nil {
			logger.Debug("grpc: close connection: %v", err)
		}
	}
	return t, nil
}
