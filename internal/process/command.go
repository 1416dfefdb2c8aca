package process

import (
	"os/exec"
	"strings"
)

// shellMeta lists characters that require a shell to interpret the command.
const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand constructs an *exec.Cmd for a command line.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func BuildCommand(command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if script, ok := parseExplicitShell(cmdStr); ok {
		// absolute shell path, PATH may be overridden by the launch env
		// #nosec G204
		return exec.Command(shellPath, shellFlag, script)
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		// #nosec G204
		return exec.Command(shellPath, shellFlag, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr and returns the script. One pair of surrounding quotes
// is stripped so redirections inside the script keep working.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
