package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/keepup/internal/auth"
	"github.com/loykin/keepup/internal/process"
	"github.com/loykin/keepup/internal/server"
	"github.com/loykin/keepup/pkg/client"
)

func testCommand(t *testing.T, stdin string) (command, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	return command{in: strings.NewReader(stdin), out: out, sessions: NewSessionManager(t.TempDir())}, out
}

func run(t *testing.T, c command, args ...string) error {
	t.Helper()
	root := buildRoot(c)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

func TestHelp(t *testing.T) {
	c, out := testCommand(t, "")
	if err := run(t, c, "--help"); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(out.String(), "keepup") {
		t.Fatalf("unexpected help output: %s", out)
	}
}

func TestTokenCommand(t *testing.T) {
	c, out := testCommand(t, "")
	err := run(t, c, "token", "--secret", "cli-secret-cli-secret", "--subject", "bot", "--roles", "operator", "--issuer", "keepup", "--audience", "ops")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	v := auth.NewJWTVerifier(auth.JWTConfig{Secret: []byte("cli-secret-cli-secret"), Issuer: "keepup", Audience: "ops"})
	id, err := v.Verify(context.Background(), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "bot" || !id.HasRole(auth.RoleOperator) {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestTokenSecretFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keepup.toml")
	if err := os.WriteFile(path, []byte("[auth]\njwt_secret = \"from-config-secret\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, out := testCommand(t, "")
	if err := run(t, c, "token", "--config", path, "--subject", "me"); err != nil {
		t.Fatalf("token: %v", err)
	}
	v := auth.NewJWTVerifier(auth.JWTConfig{Secret: []byte("from-config-secret"), Issuer: "keepup"})
	if _, err := v.Verify(context.Background(), strings.TrimSpace(out.String())); err != nil {
		t.Fatalf("verify: %v", err)
	}

	c, _ = testCommand(t, "")
	if err := run(t, c, "token", "--subject", "me"); err == nil {
		t.Fatal("expected error without any secret")
	}
}

func TestHashPassword(t *testing.T) {
	c, out := testCommand(t, "s3cret\n")
	if err := run(t, c, "hash-password"); err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("hash does not match: %v", err)
	}

	c, _ = testCommand(t, "")
	if err := run(t, c, "hash-password"); err == nil {
		t.Fatal("expected error on empty stdin")
	}
}

func newDaemonURL(t *testing.T, authCfg auth.Config) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	gin.SetMode(gin.TestMode)
	a, err := auth.NewService(authCfg)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := process.NewHost(process.Options{})
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	srv := httptest.NewServer(server.NewRouter(h, server.Options{BasePath: "/api", Auth: a}).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func TestRemoteCommands(t *testing.T) {
	api := newDaemonURL(t, auth.Config{})
	ctx := context.Background()
	cl, err := client.New(client.Config{BaseURL: api})
	if err != nil {
		t.Fatal(err)
	}
	p, err := cl.Start(ctx, client.LaunchRequest{Command: "sh -c 'echo hello; sleep 30'"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	c, out := testCommand(t, "")
	if err := run(t, c, "ps", "--api-url", api); err != nil {
		t.Fatalf("ps: %v", err)
	}
	var list []client.ProcessInfo
	if err := json.Unmarshal(out.Bytes(), &list); err != nil || len(list) != 1 || list[0].ID != p.ID {
		t.Fatalf("ps output: %v %s", err, out)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		out.Reset()
		if err := run(t, c, "logs", p.ID, "--api-url", api); err != nil {
			t.Fatalf("logs: %v", err)
		}
		if strings.Contains(out.String(), "hello") || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "--- stdout ---\nhello") {
		t.Fatalf("logs output: %q", out)
	}

	if err := run(t, c, "kill", p.ID, "--api-url", api); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := run(t, c, "kill", "missing", "--api-url", api); err == nil {
		t.Fatal("kill of unknown id should fail")
	}
	if err := run(t, c, "ensure", "--api-url", api); err == nil {
		t.Fatal("ensure without a configured service should fail")
	}
}

func TestLoginUsesSavedToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	api := newDaemonURL(t, auth.Config{
		Enabled:   true,
		JWTSecret: "login-secret-login-secret",
		Users:     []auth.User{{Username: "ops", PasswordHash: string(hash), Roles: []string{auth.RoleOperator}}},
	})

	c, out := testCommand(t, "pw\n")
	if err := run(t, c, "ps", "--api-url", api); err == nil {
		t.Fatal("ps without credentials should fail")
	}
	if err := run(t, c, "login", "--api-url", api, "--user", "ops"); err != nil {
		t.Fatalf("login: %v", err)
	}
	s, err := c.sessions.Load()
	if err != nil || s == nil || s.Token == "" || s.ServerURL != api {
		t.Fatalf("session not saved: %v %+v", err, s)
	}

	out.Reset()
	if err := run(t, c, "ps"); err != nil {
		t.Fatalf("ps with session: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("unexpected ps output: %q", out)
	}

	if err := run(t, c, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := os.Stat(c.sessions.Path()); !os.IsNotExist(err) {
		t.Fatalf("session file still present: %v", err)
	}
}

func TestEnsureLocalFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keepup.toml")
	cfg := `
[service]
command = "/nonexistent/keepup-service"
[service.readiness]
port = 1
timeout = "200ms"
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	c, out := testCommand(t, "")
	if err := run(t, c, "ensure", "--config", path); err == nil {
		t.Fatal("expected start failure")
	}
	var res ensureOutput
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v %s", err, out)
	}
	if res.Outcome != "failed" || res.Error == "" {
		t.Fatalf("unexpected output: %+v", res)
	}
}

func TestSessionExpiry(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	if s, err := sm.Load(); err != nil || s != nil {
		t.Fatalf("empty store: %v %+v", err, s)
	}
	if err := sm.Save(&Session{Token: "t", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if s, err := sm.Load(); err != nil || s != nil {
		t.Fatalf("expired session returned: %v %+v", err, s)
	}
	if _, err := os.Stat(sm.Path()); !os.IsNotExist(err) {
		t.Fatal("expired session not removed")
	}
}

func TestStripDaemonFlags(t *testing.T) {
	in := []string{"serve", "cfg.toml", "--daemonize", "--pidfile", "/run/k.pid", "--logfile=/var/log/k.log", "--config", "x"}
	got := strings.Join(stripDaemonFlags(in), " ")
	if got != "serve cfg.toml --config x" {
		t.Fatalf("unexpected args: %q", got)
	}
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "keepup.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	data, err := os.ReadFile(pidFile)
	if err != nil || string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file content: %q %v", data, err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	c, out := testCommand(t, "")
	path := filepath.Join(t.TempDir(), "keepup.toml")

	if err := run(t, c, "init", "--type", "api", "--name", "orders", "--output", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("unexpected output: %s", out.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "orders") || !strings.Contains(string(data), "/healthz") {
		t.Fatalf("unexpected config:\n%s", data)
	}
	if err := run(t, c, "init", "--type", "api", "--output", path); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if err := run(t, c, "init", "--type", "web", "--output", path, "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if err := run(t, c, "init", "--type", "cron", "--output", "-"); err == nil {
		t.Fatal("expected unknown type error")
	}
}
