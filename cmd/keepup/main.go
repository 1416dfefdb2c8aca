package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdin, os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// command carries the CLI's I/O so subcommands can be driven from tests.
type command struct {
	in       io.Reader
	out      io.Writer
	sessions *SessionManager
}

func newCommand(in io.Reader, out io.Writer) command {
	return command{in: in, out: out, sessions: NewSessionManager("")}
}

// buildRoot creates the root command and every subcommand.
func buildRoot(c command) *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.SetOut(c.out)
	root.AddCommand(
		createServeCommand(c, global),
		createEnsureCommand(c, global),
		createPsCommand(c),
		createKillCommand(c),
		createLogsCommand(c),
		createWaitCommand(c),
		createTokenCommand(c, global),
		createHashPasswordCommand(c),
		createLoginCommand(c),
		createLogoutCommand(c),
		createInitCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "keepup",
		Short: "Keep one service process running and ready",
		Long: `keepup makes sure a long-running service process is running on a host
and accepting connections, starting or replacing it when it is not.

Examples:
  keepup init --type api --name orders              # write keepup.toml
  keepup serve config.toml                          # run the daemon
  keepup ensure --config config.toml                # converge once in the foreground
  keepup ensure --api-url http://host:8420/api      # converge through a daemon
  keepup ps --api-url http://host:8420/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
