package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/localrivet/mcprpc"
	"github.com/localrivet/mcprpc/config"
	"github.com/localrivet/mcprpc/protocol"
	"github.com/localrivet/mcprpc/router"
	"github.com/localrivet/mcprpc/telemetry"
	grpccarrier "github.com/localrivet/mcprpc/transport/grpc"
	"github.com/localrivet/mcprpc/transport/socket"
	"github.com/localrivet/mcprpc/transport/stdio"
	"github.com/localrivet/mcprpc/types"
)

type serveFlags struct {
	transport string
	address   string
}

func newServeCommand(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo echo tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "", "override transport.type (stdio, http, ws, tcp, unix or grpc)")
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "override transport.address")
	return cmd
}

func runServe(ctx context.Context, g *globalFlags, f *serveFlags) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if f.transport != "" {
		cfg.Transport.Type = f.transport
	}
	if f.address != "" {
		cfg.Transport.Address = f.address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Trace.Telemetry())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("serve: flush traces: %v", err)
		}
	}()

	opts := cfg.RouterOptions(logger)
	authorizer, err := cfg.Auth.Authorizer(ctx, http.DefaultClient, logger)
	if err != nil {
		return err
	}
	if authorizer != nil {
		opts = append(opts, router.WithAuthorizer(authorizer))
	}

	s, err := newServer(opts...)
	if err != nil {
		return err
	}

	topts := cfg.Transport.Options(logger)
	var handler http.Handler
	switch cfg.Transport.Type {
	case "stdio":
		logger.Info("serve: reading stdin")
		return s.Serve(ctx, stdio.NewStdio(topts))
	case "http":
		h := s.StreamableHandler(ctx, topts)
		defer h.Close()
		handler = h
	case "ws":
		handler = s.WebSocketHandler(ctx, topts)
	case "tcp", "unix":
		l, err := socket.Listen(cfg.Transport.Type, cfg.Transport.Address, topts)
		if err != nil {
			return err
		}
		return l.Serve(ctx, func(t *socket.Transport) {
			go func() { _ = s.Serve(ctx, t) }()
		})
	case "grpc":
		return serveGRPC(ctx, cfg, s, logger)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport.Type)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Transport.Path, handler)
	srv := &http.Server{
		Addr:              cfg.Transport.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("serve: listening on %s%s (%s)", cfg.Transport.Address, cfg.Transport.Path, cfg.Transport.Type)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Router.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func serveGRPC(ctx context.Context, cfg config.Config, s *mcprpc.Server, logger types.Logger) error {
	opts := grpccarrier.ServerOptions{Options: cfg.Transport.Options(logger)}
	if cfg.Transport.TLSCert != "" {
		creds, err := grpccarrier.TLSFiles{
			CertFile: cfg.Transport.TLSCert,
			KeyFile:  cfg.Transport.TLSKey,
			CAFile:   cfg.Transport.TLSCA,
		}.ServerCredentials()
		if err != nil {
			return err
		}
		opts.Credentials = creds
	}
	srv := grpccarrier.NewServer(opts, func(t *grpccarrier.Transport) {
		go func() { _ = s.Serve(ctx, t) }()
	})

	l, err := net.Listen("tcp", cfg.Transport.Address)
	if err != nil {
		return err
	}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Serve(l) })
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Router.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("serve: grpc shutdown: %v", err)
		}
		return nil
	})
	return group.Wait()
}

type echoArgs struct {
	Text string `json:"text" description:"Text to echo"`
}

// newServer builds the demo server with its echo tool.
func newServer(opts ...router.Option) (*mcprpc.Server, error) {
	s := mcprpc.NewServer("mcprpc", version, opts...)
	err := mcprpc.AddTypedTool(s, "echo", "Returns its text argument",
		func(_ context.Context, _ *router.ConnContext, args *echoArgs) (*protocol.CallToolResult, error) {
			return &protocol.CallToolResult{Content: []protocol.TextContent{protocol.NewTextContent(args.Text)}}, nil
		})
	if err != nil {
		return nil, err
	}
	return s, nil
}
