package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/keepup"
)

func createServeCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the keepup daemon",
		Long: `Run the daemon: the host API, the ensure endpoint and, when
server.proxy_path is set, the authenticated proxy to the service.
SIGINT and SIGTERM shut it down gracefully.

Examples:
  keepup serve config.toml
  keepup serve --config config.toml --daemonize --pidfile /run/keepup.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if f.Daemonize {
				_, err := daemonize(c.out, os.Args[1:], f.PidFile, f.LogFile)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Serve(ctx, path, f.PidFile)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

// Serve runs the daemon until ctx is done.
func (c command) Serve(ctx context.Context, configPath, pidFile string) error {
	cfg, err := keepup.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := keepup.New(cfg)
	if err != nil {
		return err
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			_ = d.Close(ctx)
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}
	return d.Run(ctx)
}
