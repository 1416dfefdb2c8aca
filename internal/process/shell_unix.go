//go:build !windows

package process

const (
	shellPath = "/bin/sh"
	shellFlag = "-c"
)
