package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/keepup/internal/auth"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/supervisor"
)

type stubProc struct {
	info    host.Info
	waitErr error
	killErr error
	logs    host.Logs
}

func (p *stubProc) Info() host.Info { return p.info }
func (p *stubProc) WaitForPort(context.Context, host.ReadinessCheck) error {
	return p.waitErr
}
func (p *stubProc) Kill(context.Context) error { return p.killErr }
func (p *stubProc) Logs(context.Context) (host.Logs, error) {
	return p.logs, nil
}

type stubHost struct {
	mu       sync.Mutex
	procs    []*stubProc
	startErr error
}

func (h *stubHost) List(context.Context) ([]host.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.Process, 0, len(h.procs))
	for _, p := range h.procs {
		out = append(out, p)
	}
	return out, nil
}

func (h *stubHost) Start(_ context.Context, spec host.LaunchSpec) (host.Process, error) {
	if h.startErr != nil {
		return nil, &host.StartError{Command: spec.Command, Err: h.startErr}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &stubProc{info: host.Info{
		ID:      "p" + strconv.Itoa(len(h.procs)+1),
		Name:    spec.Name,
		Command: spec.Command,
		Status:  host.StatusStarting,
		Labels:  spec.Labels,
	}}
	h.procs = append(h.procs, p)
	return p, nil
}

func testAuth(t *testing.T) *auth.Service {
	t.Helper()
	hash := func(pw string) string {
		b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)
		return string(b)
	}
	s, err := auth.NewService(auth.Config{
		Enabled:   true,
		JWTSecret: "router-test-secret-router-test-secret",
		Users: []auth.User{
			{Username: "ops", PasswordHash: hash("ops-pw"), Roles: []string{auth.RoleOperator}},
			{Username: "view", PasswordHash: hash("view-pw"), Roles: []string{auth.RoleViewer}},
		},
	})
	require.NoError(t, err)
	return s
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.SetBasicAuth(user, user+"-pw")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func setup(t *testing.T, h host.Host, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Auth == nil {
		opts.Auth = testAuth(t)
	}
	return NewRouter(h, opts).Handler()
}

func TestHealthAndMetricsUnauthenticated(t *testing.T) {
	h := setup(t, &stubHost{}, Options{BasePath: "/api", MetricsPath: "/metrics"})
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/healthz", nil, "").Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/metrics", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/api/processes", nil, "").Code)
}

func TestListAndLogs(t *testing.T) {
	sh := &stubHost{procs: []*stubProc{{
		info: host.Info{ID: "a", Command: "sleep 1", Status: host.StatusRunning, PID: 42},
		logs: host.Logs{Stdout: "hello"},
	}}}
	h := setup(t, sh, Options{BasePath: "/api"})

	rec := doReq(t, h, http.MethodGet, "/api/processes", nil, "view")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []host.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, 42, infos[0].PID)

	rec = doReq(t, h, http.MethodGet, "/api/processes/a/logs", nil, "view")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/processes/zzz/logs", nil, "view").Code)
}

func TestStartValidationAndRoles(t *testing.T) {
	sh := &stubHost{}
	h := setup(t, sh, Options{BasePath: "/api"})
	spec := host.LaunchSpec{Name: "web", Command: "sleep 5"}

	assert.Equal(t, http.StatusForbidden, doReq(t, h, http.MethodPost, "/api/processes", spec, "view").Code)

	rec := doReq(t, h, http.MethodPost, "/api/processes", spec, "ops")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info host.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "sleep 5", info.Command)

	bad := []host.LaunchSpec{
		{Command: ""},
		{Name: "../x", Command: "true"},
		{Command: "true", WorkDir: "relative/dir"},
		{Command: "true", LogFile: "/var/log/../etc/passwd"},
	}
	for _, b := range bad {
		assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/api/processes", b, "ops").Code, "%+v", b)
	}

	sh.startErr = errors.New("no such file")
	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodPost, "/api/processes", spec, "ops").Code)
}

func TestKillAndWaitStatusMapping(t *testing.T) {
	sh := &stubHost{procs: []*stubProc{
		{info: host.Info{ID: "ok"}},
		{info: host.Info{ID: "stuck"}, killErr: &host.KillError{ProcessID: "stuck", Err: errors.New("EPERM")}},
		{info: host.Info{ID: "slow"}, waitErr: &host.TimeoutError{ProcessID: "slow", Port: 1, Timeout: time.Second}},
	}}
	h := setup(t, sh, Options{})

	assert.Equal(t, http.StatusNoContent, doReq(t, h, http.MethodDelete, "/processes/ok", nil, "ops").Code)
	assert.Equal(t, http.StatusBadGateway, doReq(t, h, http.MethodDelete, "/processes/stuck", nil, "ops").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodDelete, "/processes/missing", nil, "ops").Code)

	check := host.ReadinessCheck{Port: 8080, Timeout: time.Second}
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/processes/ok/wait", check, "ops").Code)
	assert.Equal(t, http.StatusGatewayTimeout, doReq(t, h, http.MethodPost, "/processes/slow/wait", check, "ops").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/processes/ok/wait", host.ReadinessCheck{Port: 70000}, "ops").Code)
}

func newSupervisor(t *testing.T, h host.Host, port int) *supervisor.Supervisor {
	t.Helper()
	s, err := supervisor.New(h, supervisor.Config{
		Service:     "api",
		Launch:      host.LaunchSpec{Name: "api", Command: "api-server --port " + strconv.Itoa(port)},
		Readiness:   host.ReadinessCheck{Port: port, Timeout: time.Second},
		Diagnostics: supervisor.DiagnosticsConfig{Disabled: true},
	})
	require.NoError(t, err)
	return s
}

func TestEnsure(t *testing.T) {
	h := setup(t, &stubHost{}, Options{})
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/ensure", nil, "ops").Code)

	sh := &stubHost{}
	h = setup(t, sh, Options{Supervisor: newSupervisor(t, sh, 9000)})
	rec := doReq(t, h, http.MethodPost, "/ensure", nil, "ops")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ensureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, supervisor.OutcomeStarted, res.Outcome)
	require.NotNil(t, res.Process)

	rec = doReq(t, h, http.MethodPost, "/ensure", nil, "ops")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, supervisor.OutcomeReused, res.Outcome)

	failing := &stubHost{startErr: errors.New("boom")}
	h = setup(t, failing, Options{Supervisor: newSupervisor(t, failing, 9000)})
	rec = doReq(t, h, http.MethodPost, "/ensure", nil, "ops")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestTokenExchange(t *testing.T) {
	h := setup(t, &stubHost{}, Options{BasePath: "/api"})
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodPost, "/api/auth/token", nil, "").Code)

	rec := doReq(t, h, http.MethodPost, "/api/auth/token", tokenRequest{Roles: []string{auth.RoleViewer, auth.RoleAdmin}}, "ops")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	req := httptest.NewRequest(http.MethodGet, "/api/processes", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// admin was not granted, so the token cannot start processes
	req = httptest.NewRequest(http.MethodPost, "/api/processes", bytes.NewReader([]byte(`{"command":"true"}`)))
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy(t *testing.T) {
	var gotPath, gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("from backend"))
	}))
	defer backend.Close()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	sh := &stubHost{}
	srv := httptest.NewServer(setup(t, sh, Options{ProxyPath: "/app", Supervisor: newSupervisor(t, sh, port)}))
	defer srv.Close()

	code, body := liveGet(t, srv.URL+"/app/v1/items?x=1", "view")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "from backend", body)
	assert.Equal(t, "/v1/items?x=1", gotPath)
	assert.Empty(t, gotAuth, "keepup credentials must not reach the service")
	assert.Len(t, sh.procs, 1)

	code, _ = liveGet(t, srv.URL+"/app/v1", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	failing := &stubHost{startErr: errors.New("cannot start")}
	down := httptest.NewServer(setup(t, failing, Options{ProxyPath: "/app", Supervisor: newSupervisor(t, failing, port)}))
	defer down.Close()
	code, body = liveGet(t, down.URL+"/app/", "view")
	assert.Equal(t, http.StatusServiceUnavailable, code, body)
}

// liveGet goes through a real server: the reverse proxy needs a response
// writer that supports cancellation, which a recorder does not.
func liveGet(t *testing.T, target, user string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, user+"-pw")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestMountEcho(t *testing.T) {
	disabled, err := auth.NewService(auth.Config{})
	require.NoError(t, err)
	handler := setup(t, &stubHost{}, Options{BasePath: "/api", Auth: disabled})
	e := echo.New()
	MountEcho(e, "/api", handler)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
