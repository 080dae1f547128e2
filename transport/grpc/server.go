package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
	"github.com/localrivet/mcprpc/types"
)

// ServerOptions configure NewServer.
type ServerOptions struct {
	transport.Options
	// Credentials secure the listener. Nil means plaintext.
	Credentials credentials.TransportCredentials
}

// Server accepts exchange streams and hands each one to OnConnection as a
// Transport.
type Server struct {
	// OnConnection receives each stream. It must not block; it typically
	// starts a router over the transport.
	OnConnection func(t *Transport)

	grpcServer *grpc.Server
	opts       transport.Options
	logger     types.Logger
}

// carrierServer is the handler type of the service.
type carrierServer interface {
	exchange(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*carrierServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    exchangeDesc.StreamName,
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, ss grpc.ServerStream) error {
			return srv.(carrierServer).exchange(ss)
		},
	}},
	Metadata: "mcprpc/carrier",
}

// NewServer creates a server with the carrier service registered.
func NewServer(opts ServerOptions, onConnection func(t *Transport)) *Server {
	limit := opts.FrameLimit()
	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(limit),
		grpc.MaxSendMsgSize(limit),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    DefaultKeepAliveTime,
			Timeout: DefaultKeepAliveTimeout,
		}),
	}
	if opts.Credentials != nil {
		serverOpts = append(serverOpts, grpc.Creds(opts.Credentials))
	}

	s := &Server{
		OnConnection: onConnection,
		grpcServer:   grpc.NewServer(serverOpts...),
		opts:         opts.Options,
		logger:       logx.OrDefault(opts.Logger),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on l until Stop or Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("grpc: serving on %s", l.Addr())
	return s.grpcServer.Serve(l)
}

// Shutdown stops accepting streams and waits for open ones to end, forcing
// them closed when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
		return ctx.Err()
	}
}

// Stop closes every stream and listener immediately.
func (s *Server) Stop() { s.grpcServer.Stop() }

func (s *Server) exchange(ss grpc.ServerStream) error {
	if s.OnConnection == nil {
		return status.Error(codes.Unavailable, "no connection handler")
	}

	ctx := ss.Context()
	info := transport.Info{SessionID: newSessionID()}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.RemoteAddr = p.Addr.String()
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		info.Header = headerFromMetadata(md)
	}

	done := make(chan struct{})
	t := newTransport(ss, info, s.opts, func() { close(done) })
	s.logger.Info("grpc: stream %s from %s", info.SessionID, info.RemoteAddr)
	s.OnConnection(t)

	select {
	case <-done:
	case <-ctx.Done():
		// The client went away; the reader reports it to the transport's
		// owner, who closes it.
	}
	return nil
}
