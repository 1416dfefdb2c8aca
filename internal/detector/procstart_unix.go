//go:build !windows

package detector

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// StartTime returns when the process was created, truncated to seconds.
// The zero time is returned when it cannot be determined.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	var secs int64
	if runtime.GOOS == "linux" {
		secs = linuxStartUnix(pid)
	}
	if secs == 0 {
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return time.Time{}
		}
		ms, err := p.CreateTime()
		if err != nil || ms <= 0 {
			return time.Time{}
		}
		secs = ms / 1000
	}
	return time.Unix(secs, 0)
}

// linuxStartUnix derives the start time from /proc/<pid>/stat field 22
// (clock ticks since boot) and btime from /proc/stat.
func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
		}
	}
	return 0
}
