// Package server exposes a process host and the supervised service over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/keepup/internal/auth"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/metrics"
	"github.com/loykin/keepup/internal/supervisor"
)

// Options configures the Router.
type Options struct {
	// BasePath prefixes the API routes. Empty or "/" mounts them at the root.
	BasePath string
	// ProxyPath, when set together with Supervisor, reverse-proxies
	// {ProxyPath}/* to the service after making sure it is ready.
	ProxyPath string
	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string
	Auth        *auth.Service
	Supervisor  *supervisor.Supervisor
	Logger      *slog.Logger
}

// Router provides embeddable HTTP handlers for a process host.
//
// Endpoints (under BasePath):
//
//	GET    /processes            list
//	POST   /processes            start, body: LaunchSpec
//	DELETE /processes/:id        kill
//	GET    /processes/:id/logs   captured output
//	POST   /processes/:id/wait   readiness wait, body: ReadinessCheck
//	POST   /ensure               converge the configured service
//	POST   /auth/token           exchange basic credentials for a JWT
//
// /healthz and the metrics path are never authenticated.
type Router struct {
	host   host.Host
	opts   Options
	auth   *auth.Service
	logger *slog.Logger
}

func NewRouter(h host.Host, opts Options) *Router {
	opts.BasePath = normalizePrefix(opts.BasePath)
	opts.ProxyPath = normalizePrefix(opts.ProxyPath)
	a := opts.Auth
	if a == nil {
		a, _ = auth.NewService(auth.Config{})
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{host: h, opts: opts, auth: a, logger: l}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, gin.H{"status": "ok"}) })
	if r.opts.MetricsPath != "" {
		g.GET(r.opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	api := g.Group(r.opts.BasePath)
	api.POST("/auth/token", r.handleToken)

	read := api.Group("", r.auth.GinAuth(), r.auth.GinRequireRole(auth.RoleViewer))
	read.GET("/processes", r.handleList)
	read.GET("/processes/:id/logs", r.handleLogs)

	write := api.Group("", r.auth.GinAuth(), r.auth.GinRequireRole(auth.RoleOperator))
	write.POST("/processes", r.handleStart)
	write.DELETE("/processes/:id", r.handleKill)
	write.POST("/processes/:id/wait", r.handleWait)
	write.POST("/ensure", r.handleEnsure)

	if r.opts.ProxyPath != "" && r.opts.Supervisor != nil {
		p := newServiceProxy(r.opts.Supervisor, r.opts.ProxyPath, r.auth.Enabled(), r.logger)
		proxy := g.Group(r.opts.ProxyPath, r.auth.GinAuth(), r.auth.GinRequireRole(auth.RoleViewer))
		proxy.Any("", p.handle)
		proxy.Any("/*path", p.handle)
	}
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(begin))
	}
}

// NewServer builds an *http.Server for handler. Write timeouts are left to
// request contexts because readiness waits may legitimately take long.
func NewServer(addr string, handler http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// MountEcho serves handler from an echo instance under base.
func MountEcho(e *echo.Echo, base string, handler http.Handler) {
	base = normalizePrefix(base)
	if base == "" {
		e.Any("/*", echo.WrapHandler(handler))
		return
	}
	e.Any(base, echo.WrapHandler(handler))
	e.Any(base+"/*", echo.WrapHandler(handler))
}

// --- Handlers ---

func (r *Router) handleList(c *gin.Context) {
	procs, err := r.host.List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	infos := make([]host.Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Info())
	}
	writeJSON(c, http.StatusOK, infos)
}

func (r *Router) handleStart(c *gin.Context) {
	var spec host.LaunchSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, errors.New("invalid JSON: "+err.Error()))
		return
	}
	if err := validateLaunch(spec); err != nil {
		badRequest(c, err)
		return
	}
	p, err := r.host.Start(c.Request.Context(), spec)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusCreated, p.Info())
}

func (r *Router) find(c *gin.Context) (host.Process, bool) {
	p, err := host.Find(c.Request.Context(), r.host, c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return nil, false
	}
	return p, true
}

func (r *Router) handleKill(c *gin.Context) {
	p, ok := r.find(c)
	if !ok {
		return
	}
	if err := p.Kill(c.Request.Context()); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleLogs(c *gin.Context) {
	p, ok := r.find(c)
	if !ok {
		return
	}
	logs, err := p.Logs(c.Request.Context())
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleWait(c *gin.Context) {
	var check host.ReadinessCheck
	if err := c.ShouldBindJSON(&check); err != nil {
		badRequest(c, errors.New("invalid JSON: "+err.Error()))
		return
	}
	check = check.WithDefaults()
	if check.Mode != host.ProbeExec && (check.Port <= 0 || check.Port > 65535) {
		badRequest(c, supervisor.ErrInvalidPort)
		return
	}
	p, ok := r.find(c)
	if !ok {
		return
	}
	if err := p.WaitForPort(c.Request.Context(), check); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ready": true})
}

type ensureResponse struct {
	Outcome supervisor.Outcome `json:"outcome"`
	Process *host.Info         `json:"process,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (r *Router) handleEnsure(c *gin.Context) {
	if r.opts.Supervisor == nil {
		writeError(c, http.StatusNotFound, errors.New("no service configured"))
		return
	}
	res, err := r.opts.Supervisor.Ensure(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, ensureResponse{Outcome: res.Outcome, Error: err.Error()})
		return
	}
	info := res.Info()
	writeJSON(c, http.StatusOK, ensureResponse{Outcome: res.Outcome, Process: &info})
}

type tokenRequest struct {
	TTL   time.Duration `json:"ttl,omitempty"`
	Roles []string      `json:"roles,omitempty"`
}

type tokenResponse struct {
	Type      string    `json:"type"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken mints a JWT for a caller authenticated with basic credentials.
// Requested roles are narrowed to those the caller already has.
func (r *Router) handleToken(c *gin.Context) {
	if !r.auth.Enabled() || r.auth.JWT() == nil {
		writeError(c, http.StatusNotFound, errors.New("token issuance not configured"))
		return
	}
	id, err := r.auth.Authenticate(c.Request)
	if err != nil || id.Method != auth.MethodBasic {
		writeError(c, http.StatusUnauthorized, auth.ErrUnauthorized)
		return
	}
	var req tokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, errors.New("invalid JSON: "+err.Error()))
			return
		}
	}
	roles := id.Roles
	if len(req.Roles) > 0 {
		roles = roles[:0:0]
		for _, want := range req.Roles {
			if id.HasRole(want) {
				roles = append(roles, want)
			}
		}
	}
	tok, exp, err := r.auth.JWT().Issue(id.Subject, roles, req.TTL)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	writeJSON(c, http.StatusOK, tokenResponse{Type: "Bearer", Token: tok, ExpiresAt: exp})
}

// statusFor maps host errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, host.ErrNotFound):
		return http.StatusNotFound
	case host.IsStartError(err):
		return http.StatusConflict
	case host.IsTimeout(err):
		return http.StatusGatewayTimeout
	case host.IsKillError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
