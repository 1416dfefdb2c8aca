package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// daemonize re-executes the current command line without the daemon flags
// in a detached session and returns the child's pid. The caller exits.
func daemonize(out io.Writer, args []string, pidFile, logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	// #nosec G204
	cmd := exec.Command(executable, stripDaemonFlags(args)...)
	configureDaemonAttrs(cmd)
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if pidFile != "" {
		if err := writePidFile(pidFile, pid); err != nil {
			return pid, fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	_ = cmd.Process.Release()
	_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", pid)
	return pid, nil
}

// stripDaemonFlags drops --daemonize, --pidfile and --logfile (with values).
func stripDaemonFlags(args []string) []string {
	var out []string
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch a {
		case "--daemonize":
			continue
		case "--pidfile", "--logfile":
			skipNext = true
			continue
		}
		if hasFlagValue(a, "--pidfile") || hasFlagValue(a, "--logfile") || a == "--daemonize=true" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasFlagValue(arg, name string) bool {
	return len(arg) > len(name)+1 && arg[:len(name)+1] == name+"="
}

func writePidFile(pidFile string, pid int) error {
	// #nosec G304
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	err := os.Remove(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
