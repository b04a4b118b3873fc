package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pidctl/internal/config"
	"pidctl/internal/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds flags shared by the client subcommands.
type cli struct {
	addr string
	out  io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "pidctl",
		Short:        "PID controllers driving entities from sensor readings",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", "127.0.0.1:8080", "pidctl server address for client commands")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(c),
		newOnCmd(c),
		newOffCmd(c),
		newSetCmd(c),
		newEntityCmd(c),
		newSimCmd(),
		newWatchCmd(c),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the controllers and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "./pidctl.yaml", "Path to YAML config")
	return cmd
}

func serve(parent context.Context, configPath string, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	logs := web.NewLogBuffer(2000)
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(stderr, logs), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg config.Config
	if fileExists(configPath) {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}
		cfg = loaded
	} else {
		logger.Warn("config file not found; starting with defaults", "config", configPath)
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, configPath, logger, level)
	if err != nil {
		return err
	}
	defer rt.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				err := rt.Reload(ctx)
				rt.status.MarkReload(time.Now().UTC(), err)
			}
		}
	}()

	logger.Info("pidctl starting", "listen", rt.cfg.HTTP.Listen)
	err = web.Serve(ctx, rt.cfg.HTTP.Listen, rt.Handler(logs))
	logger.Info("pidctl stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
