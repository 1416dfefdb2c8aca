//go:build windows

package detector

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartTime returns when the process was created, truncated to seconds.
// The zero time is returned when it cannot be determined.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.Unix(ms/1000, 0)
}
