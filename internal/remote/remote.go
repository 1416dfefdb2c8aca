// Package remote implements host.Host over the HTTP API of another keepup daemon.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/pkg/client"
)

// Host forwards process table operations to a remote daemon.
type Host struct {
	c *client.Client
}

func New(c *client.Client) *Host { return &Host{c: c} }

func (h *Host) List(ctx context.Context) ([]host.Process, error) {
	infos, err := h.c.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote processes: %w", err)
	}
	out := make([]host.Process, 0, len(infos))
	for _, i := range infos {
		out = append(out, &remoteProcess{c: h.c, info: toInfo(i)})
	}
	return out, nil
}

func (h *Host) Start(ctx context.Context, spec host.LaunchSpec) (host.Process, error) {
	info, err := h.c.Start(ctx, client.LaunchRequest{
		Name:    spec.Name,
		Command: spec.Command,
		Env:     spec.Env,
		WorkDir: spec.WorkDir,
		Labels:  spec.Labels,
		LogFile: spec.LogFile,
	})
	if err != nil {
		return nil, &host.StartError{Command: spec.Command, Err: err}
	}
	return &remoteProcess{c: h.c, info: toInfo(info)}, nil
}

type remoteProcess struct {
	c    *client.Client
	info host.Info
}

func (p *remoteProcess) Info() host.Info { return p.info }

// WaitForPort maps every failure that is not a caller cancellation to a
// *host.TimeoutError: the process did not become ready either way.
func (p *remoteProcess) WaitForPort(ctx context.Context, check host.ReadinessCheck) error {
	check = check.WithDefaults()
	err := p.c.Wait(ctx, p.info.ID, client.ReadinessRequest{
		Port:     check.Port,
		Mode:     string(check.Mode),
		Timeout:  check.Timeout,
		Host:     check.Host,
		Path:     check.Path,
		Command:  check.Command,
		Interval: check.Interval,
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("wait for %s: %w", p.info.ID, ctx.Err())
	}
	if client.StatusCode(err) == http.StatusNotFound {
		err = fmt.Errorf("%w: %v", host.ErrNotFound, err)
	}
	return &host.TimeoutError{ProcessID: p.info.ID, Port: check.Port, Timeout: check.Timeout, Err: err}
}

// Kill treats an unknown process as already gone.
func (p *remoteProcess) Kill(ctx context.Context) error {
	err := p.c.Kill(ctx, p.info.ID)
	if err == nil || client.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return &host.KillError{ProcessID: p.info.ID, Err: err}
}

func (p *remoteProcess) Logs(ctx context.Context) (host.Logs, error) {
	l, err := p.c.Logs(ctx, p.info.ID)
	if err != nil {
		if client.StatusCode(err) == http.StatusNotFound {
			return host.Logs{}, errors.Join(host.ErrNotFound, err)
		}
		return host.Logs{}, err
	}
	return host.Logs{Stdout: l.Stdout, Stderr: l.Stderr}, nil
}

func toInfo(i client.ProcessInfo) host.Info {
	return host.Info{
		ID:        i.ID,
		Name:      i.Name,
		Command:   i.Command,
		Status:    host.Status(i.Status),
		PID:       i.PID,
		StartedAt: i.StartedAt,
		Labels:    i.Labels,
	}
}
