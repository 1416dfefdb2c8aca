//go:build !windows

package process

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepup/internal/env"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/logger"
)

func newTestHost(t *testing.T, opts Options) *Host {
	t.Helper()
	h := NewHost(opts)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestStartListKill(t *testing.T) {
	h := newTestHost(t, Options{StartGrace: time.Hour})
	ctx := context.Background()
	p, err := h.Start(ctx, host.LaunchSpec{
		Name:    "sleeper",
		Command: "sleep 30",
		Labels:  map[string]string{"app": "x"},
	})
	require.NoError(t, err)

	info := p.Info()
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "sleeper", info.Name)
	assert.Equal(t, host.StatusStarting, info.Status)
	assert.Positive(t, info.PID)
	assert.Equal(t, "x", info.Labels["app"])

	procs, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, info.ID, procs[0].Info().ID)

	found, err := host.Find(ctx, h, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.PID, found.Info().PID)

	require.NoError(t, p.Kill(ctx))
	assert.Equal(t, host.StatusExited, p.Info().Status)
	// killing twice is fine
	require.NoError(t, p.Kill(ctx))

	_, err = host.Find(ctx, h, "missing")
	assert.ErrorIs(t, err, host.ErrNotFound)
}

func TestStartGraceMakesRunning(t *testing.T) {
	h := newTestHost(t, Options{StartGrace: 50 * time.Millisecond})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "sleep 5"})
	require.NoError(t, err)
	assert.Equal(t, "sleep", p.Info().Name)
	assert.Eventually(t, func() bool { return p.Info().Status == host.StatusRunning }, 2*time.Second, 20*time.Millisecond)
}

func TestStartErrors(t *testing.T) {
	h := newTestHost(t, Options{})
	_, err := h.Start(context.Background(), host.LaunchSpec{Command: "  "})
	assert.True(t, host.IsStartError(err))

	_, err = h.Start(context.Background(), host.LaunchSpec{Command: "/nonexistent/binary-xyz"})
	assert.True(t, host.IsStartError(err), "got %v", err)
}

func TestWaitForPortReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	h := newTestHost(t, Options{StartGrace: time.Hour})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "sleep 5"})
	require.NoError(t, err)
	require.NoError(t, p.WaitForPort(context.Background(), host.ReadinessCheck{Port: port, Timeout: 2 * time.Second, Interval: 20 * time.Millisecond}))
	assert.Equal(t, host.StatusRunning, p.Info().Status)
}

func TestWaitForPortTimeout(t *testing.T) {
	h := newTestHost(t, Options{})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "sleep 5"})
	require.NoError(t, err)
	err = p.WaitForPort(context.Background(), host.ReadinessCheck{Port: freePort(t), Timeout: 150 * time.Millisecond, Interval: 20 * time.Millisecond})
	var te *host.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, p.Info().ID, te.ProcessID)
}

func TestWaitForPortFailsFastOnExit(t *testing.T) {
	h := newTestHost(t, Options{})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "sh -c 'echo boom 1>&2; exit 3'"})
	require.NoError(t, err)

	begin := time.Now()
	err = p.WaitForPort(context.Background(), host.ReadinessCheck{Port: freePort(t), Timeout: 10 * time.Second, Interval: 20 * time.Millisecond})
	require.True(t, host.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, host.StatusExited, p.Info().Status)

	logs, err := p.Logs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, logs.Stderr, "boom")
}

func TestWaitForPortIgnoresForeignListenerAfterExit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	done := make(chan struct{})
	close(done)
	exitErr := errors.New("exit status 1")
	err = waitForPort(context.Background(), "p1", host.ReadinessCheck{Port: port, Timeout: 2 * time.Second, Interval: 20 * time.Millisecond},
		done, func() error { return exitErr })
	var te *host.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, exitErr)
	assert.Equal(t, port, te.Port)
}

func TestWaitForPortCancelled(t *testing.T) {
	h := newTestHost(t, Options{})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "sleep 5"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.WaitForPort(ctx, host.ReadinessCheck{Port: freePort(t), Timeout: 10 * time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, host.IsTimeout(err))
}

func TestKillReachesProcessGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	h := newTestHost(t, Options{})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "sh -c 'sleep 30 & echo $! > " + pidFile + "; wait'"})
	require.NoError(t, err)

	var childPID string
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		childPID = strings.TrimSpace(string(b))
		return err == nil && childPID != ""
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Kill(context.Background()))
	assert.Eventually(t, func() bool {
		_, err := os.Stat("/proc/" + childPID)
		return errors.Is(err, os.ErrNotExist) || isZombie(mustAtoi(t, childPID))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	e := env.New().FromOS()
	e.Set("GREETING", "hello")
	h := newTestHost(t, Options{Env: e})
	p, err := h.Start(context.Background(), host.LaunchSpec{
		Command: "sh -c 'echo $GREETING $WHO; pwd'",
		Env:     map[string]string{"WHO": "${GREETING}-world"},
		WorkDir: dir,
	})
	require.NoError(t, err)
	proc := p.(*Process)
	<-proc.done
	logs, _ := p.Logs(context.Background())
	assert.Contains(t, logs.Stdout, "hello hello-world")
	assert.Contains(t, logs.Stdout, filepath.Base(dir))
}

func TestProcessOutputFiles(t *testing.T) {
	dir := t.TempDir()
	h := newTestHost(t, Options{Log: logger.Config{File: logger.FileConfig{Dir: dir}}})
	p, err := h.Start(context.Background(), host.LaunchSpec{
		Name:    "logdemo",
		Command: "sh -c 'echo out; echo err 1>&2'",
	})
	require.NoError(t, err)
	<-p.(*Process).done

	ob, err := os.ReadFile(filepath.Join(dir, "logdemo.stdout.log"))
	require.NoError(t, err)
	eb, err := os.ReadFile(filepath.Join(dir, "logdemo.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(ob), "out")
	assert.Contains(t, string(eb), "err")
}

func TestLaunchLogFileCombinesStreams(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "svc.log")
	h := newTestHost(t, Options{})
	p, err := h.Start(context.Background(), host.LaunchSpec{
		Command: "sh -c 'echo one; echo two 1>&2'",
		LogFile: logFile,
	})
	require.NoError(t, err)
	<-p.(*Process).done
	b, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "one")
	assert.Contains(t, string(b), "two")
}

func TestRetentionPrunesExited(t *testing.T) {
	h := newTestHost(t, Options{Retention: 10 * time.Millisecond})
	p, err := h.Start(context.Background(), host.LaunchSpec{Command: "true"})
	require.NoError(t, err)
	<-p.(*Process).done
	time.Sleep(30 * time.Millisecond)
	procs, err := h.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestLive(t *testing.T) {
	h := newTestHost(t, Options{})
	_, err := h.Start(context.Background(), host.LaunchSpec{Name: "a", Command: "sleep 5"})
	require.NoError(t, err)
	live := h.Live()
	assert.Contains(t, live, "a")
}

func TestScanSystemListsForeignProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("scans the whole process table")
	}
	h := newTestHost(t, Options{ScanSystem: true})
	procs, err := h.List(context.Background())
	require.NoError(t, err)
	self := os.Getpid()
	for _, p := range procs {
		assert.NotEqual(t, self, p.Info().PID, "own pid must not be listed")
	}
}

func mustAtoi(t *testing.T, s string) int {
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
