package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/keepup"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/pkg/client"
)

func createEnsureCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &EnsureFlags{}
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Make sure the service is running and ready",
		Long: `Converge the configured service once and print the outcome as JSON.

With --api-url the daemon at that address does the work. Otherwise the
service from --config is launched as a child of this command, which stays
in the foreground until interrupted or until the child exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if f.API.APIUrl != "" {
				return c.EnsureRemote(ctx, f.API)
			}
			return c.EnsureLocal(ctx, global.ConfigPath)
		},
	}
	bindAPIFlags(cmd, &f.API)
	return cmd
}

type ensureOutput struct {
	Outcome keepup.Outcome `json:"outcome"`
	Process *host.Info     `json:"process,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (c command) EnsureRemote(ctx context.Context, f APIFlags) error {
	cl, err := c.newAPIClient(f)
	if err != nil {
		return err
	}
	res, err := cl.Ensure(ctx)
	if res.Outcome != "" {
		c.printJSON(res)
	}
	if err != nil {
		return fmt.Errorf("ensure: %w", err)
	}
	return nil
}

// EnsureLocal runs the supervisor in process. A started child is supervised
// until ctx is done, then killed.
func (c command) EnsureLocal(ctx context.Context, configPath string) error {
	cfg, err := keepup.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := keepup.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.WithoutCancel(ctx)) }()

	res, err := d.Ensure(ctx)
	out := ensureOutput{Outcome: res.Outcome}
	if err != nil {
		out.Error = err.Error()
		c.printJSON(out)
		return err
	}
	info := res.Info()
	out.Process = &info
	c.printJSON(out)
	if res.Outcome != keepup.OutcomeStarted {
		return nil
	}
	return waitExit(ctx, res.Process, time.Second)
}

// waitExit blocks until p exits or ctx is done.
func waitExit(ctx context.Context, p host.Process, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if p.Info().Status == host.StatusExited {
				return errors.New("service process exited")
			}
		}
	}
}

func createPsCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List processes known to a daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.newAPIClient(*f)
			if err != nil {
				return err
			}
			list, err := cl.List(cmd.Context())
			if err != nil {
				return err
			}
			c.printJSON(list)
			return nil
		},
	}
	bindAPIFlags(cmd, f)
	return cmd
}

func createKillCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a process and its process group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.newAPIClient(*f)
			if err != nil {
				return err
			}
			if err := cl.Kill(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "killed %s\n", args[0])
			return nil
		},
	}
	bindAPIFlags(cmd, f)
	return cmd
}

func createLogsCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the captured output of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.newAPIClient(*f)
			if err != nil {
				return err
			}
			logs, err := cl.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeLogs(c.out, logs)
			return nil
		},
	}
	bindAPIFlags(cmd, f)
	return cmd
}

func writeLogs(w io.Writer, l client.Logs) {
	if l.Stdout != "" {
		_, _ = fmt.Fprintln(w, "--- stdout ---")
		_, _ = io.WriteString(w, l.Stdout)
	}
	if l.Stderr != "" {
		_, _ = fmt.Fprintln(w, "--- stderr ---")
		_, _ = io.WriteString(w, l.Stderr)
	}
}

func createWaitCommand(c command) *cobra.Command {
	f := &WaitFlags{}
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a process accepts connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.newAPIClient(f.API)
			if err != nil {
				return err
			}
			err = cl.Wait(cmd.Context(), args[0], client.ReadinessRequest{
				Port:     f.Port,
				Mode:     f.Mode,
				Path:     f.Path,
				Timeout:  f.Timeout,
				Interval: f.Interval,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s ready\n", args[0])
			return nil
		},
	}
	bindAPIFlags(cmd, &f.API)
	cmd.Flags().IntVar(&f.Port, "port", 0, "port to probe")
	cmd.Flags().StringVar(&f.Mode, "mode", string(host.ProbeTCP), "probe mode: tcp or http")
	cmd.Flags().StringVar(&f.Path, "path", "", "HTTP probe path")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", host.DefaultProbeTimeout, "readiness timeout")
	cmd.Flags().DurationVar(&f.Interval, "interval", host.DefaultProbeInterval, "probe interval")
	return cmd
}

// newAPIClient resolves the daemon URL and credentials: flags first, then
// the saved session.
func (c command) newAPIClient(f APIFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Token:    f.Token,
		Username: f.Username,
		CAFile:   f.CAFile,
		Insecure: f.Insecure,
	}
	if f.Username != "" {
		cfg.Password = f.Password
		if cfg.Password == "" {
			cfg.Password = os.Getenv("KEEPUP_PASSWORD")
		}
	}
	if cfg.Token == "" && cfg.Username == "" {
		s, err := c.sessions.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if s != nil && (cfg.BaseURL == "" || cfg.BaseURL == s.ServerURL) {
			cfg.Token = s.Token
			cfg.BaseURL = s.ServerURL
		}
	}
	return client.New(cfg)
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}
