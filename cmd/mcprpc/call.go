package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localrivet/mcprpc"
	"github.com/localrivet/mcprpc/transport"
	grpccarrier "github.com/localrivet/mcprpc/transport/grpc"
	"github.com/localrivet/mcprpc/transport/socket"
	"github.com/localrivet/mcprpc/transport/stdio"
	"github.com/localrivet/mcprpc/transport/streamable"
	"github.com/localrivet/mcprpc/transport/websocket"
	"github.com/localrivet/mcprpc/types"
)

type callFlags struct {
	args   string
	token  string
	stream bool
	list   bool
	env    map[string]string
}

func newCallCommand(g *globalFlags) *cobra.Command {
	f := &callFlags{}
	cmd := &cobra.Command{
		Use:   "call <url | command [args...]> [tool]",
		Short: "Initialize a session and call one tool",
		Long: `call connects to an MCP server, performs the initialize handshake and
calls a single tool, printing its result as JSON.

The target is an http(s) URL for streamable HTTP, a ws(s) URL for
WebSocket, tcp://host:port or unix:///path/to.sock for a socket,
grpc://host:port (grpcs:// for TLS) for gRPC, or a command (with
arguments after --) spawned over stdio.`,
		Example: `  mcprpc call http://127.0.0.1:8080/mcp echo --args '{"text":"hi"}'
  mcprpc call --list -- mcprpc serve`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), cmd.OutOrStdout(), g, f, cmd.ArgsLenAtDash(), args)
		},
	}
	cmd.Flags().StringVar(&f.args, "args", "{}", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token sent with HTTP, WebSocket and gRPC requests")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "prefer SSE responses over JSON for streamable HTTP")
	cmd.Flags().BoolVar(&f.list, "list", false, "list tools instead of calling one")
	cmd.Flags().StringToStringVar(&f.env, "env", nil, "extra environment for a spawned command (KEY=VALUE)")
	return cmd
}

func runCall(ctx context.Context, out io.Writer, g *globalFlags, f *callFlags, dash int, args []string) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	opts := cfg.Transport.Options(logger)

	target, tool := args, ""
	if dash >= 0 {
		// Everything after -- is the command; a tool name precedes it.
		if dash > 1 {
			return fmt.Errorf("expected at most one tool name before --")
		}
		if dash == 1 {
			tool = args[0]
		}
		target = args[dash:]
	} else if len(args) > 1 {
		target, tool = args[:1], args[1]
	}
	if len(target) == 0 {
		return fmt.Errorf("no target given")
	}
	if tool == "" && !f.list {
		return fmt.Errorf("a tool name is required unless --list is set")
	}

	var arguments json.RawMessage
	if !f.list {
		arguments = json.RawMessage(f.args)
		if !json.Valid(arguments) {
			return fmt.Errorf("--args is not valid JSON")
		}
	}

	t, err := dialTarget(ctx, target, f, opts, logger)
	if err != nil {
		return err
	}

	c, err := mcprpc.Dial(ctx, t, "mcprpc-call", version, cfg.RouterOptions(logger)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("call: close: %v", err)
		}
	}()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if f.list {
		tools, err := c.ListTools(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(tools)
	}

	result, err := c.CallTool(ctx, tool, arguments)
	if err != nil {
		return err
	}
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", tool)
	}
	return nil
}

func dialTarget(ctx context.Context, target []string, f *callFlags, opts transport.Options, logger types.Logger) (transport.Transport, error) {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	switch first := target[0]; {
	case strings.HasPrefix(first, "http://"), strings.HasPrefix(first, "https://"):
		return streamable.NewClient(first, streamable.ClientOptions{
			Options: opts,
			Header:  header,
			Stream:  f.stream,
		}), nil
	case strings.HasPrefix(first, "ws://"), strings.HasPrefix(first, "wss://"):
		return websocket.Dial(ctx, first, websocket.DialOptions{Options: opts, Header: header})
	case strings.HasPrefix(first, "tcp://"):
		return socket.Dial(ctx, "tcp", strings.TrimPrefix(first, "tcp://"), opts)
	case strings.HasPrefix(first, "unix://"):
		return socket.Dial(ctx, "unix", strings.TrimPrefix(first, "unix://"), opts)
	case strings.HasPrefix(first, "grpc://"), strings.HasPrefix(first, "grpcs://"):
		dial := grpccarrier.DialOptions{Options: opts, Header: header}
		if strings.HasPrefix(first, "grpcs://") {
			creds, err := grpccarrier.TLSFiles{}.ClientCredentials()
			if err != nil {
				return nil, err
			}
			dial.Credentials = creds
		}
		_, address, _ := strings.Cut(first, "://")
		return grpccarrier.Dial(ctx, address, dial)
	default:
		logger.Debug("call: spawning %s", strings.Join(target, " "))
		return stdio.NewProcess(target[0], target[1:], opts, stdio.WithEnv(f.env))
	}
}
