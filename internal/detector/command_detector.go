package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Command lines containing any of these run through the platform shell.
// Plain lines are exec'd directly.
const shellMeta = "|&;<>*?`$\"'(){}[]~"

// CommandDetector reports ready when Command exits with status zero.
type CommandDetector struct{ Command string }

func (d CommandDetector) cmd(ctx context.Context) *exec.Cmd {
	line := strings.TrimSpace(d.Command)
	if strings.ContainsAny(line, shellMeta) {
		return shellCommand(ctx, line)
	}
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return trueCommand(ctx)
	}
	// #nosec G204
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	err := d.cmd(ctx).Run()
	var exit *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exit):
		return false, nil
	default:
		return false, err
	}
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
