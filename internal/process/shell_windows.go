//go:build windows

package process

const (
	shellPath = "cmd"
	shellFlag = "/c"
)
