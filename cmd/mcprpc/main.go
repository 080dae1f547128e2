// Command mcprpc serves a demo MCP server or calls a tool on one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localrivet/mcprpc/config"
	"github.com/localrivet/mcprpc/logx"
)

var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcprpc:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "mcprpc",
		Short:         "Model Context Protocol over JSON-RPC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newServeCommand(g), newCallCommand(g))
	return root
}

// load reads the config file, or the defaults when none is given, and
// applies flag overrides.
func (g *globalFlags) load() (config.Config, *logx.DefaultLogger, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return config.Config{}, nil, err
		}
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
