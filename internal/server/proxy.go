package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/keepup/internal/supervisor"
)

// serviceProxy makes sure the service is ready, then forwards the request to it.
type serviceProxy struct {
	sup    *supervisor.Supervisor
	prefix string
	rp     *httputil.ReverseProxy
	target *url.URL
	logger *slog.Logger
}

func newServiceProxy(sup *supervisor.Supervisor, prefix string, stripAuth bool, logger *slog.Logger) *serviceProxy {
	check := sup.Config().Readiness
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(check.Host, strconv.Itoa(check.Port))}
	p := &serviceProxy{sup: sup, prefix: prefix, target: target, logger: logger}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = "/" + strings.TrimPrefix(strings.TrimPrefix(pr.In.URL.Path, prefix), "/")
			pr.Out.URL.RawPath = ""
			if stripAuth {
				// credentials for keepup are not meant for the service
				pr.Out.Header.Del("Authorization")
				q := pr.Out.URL.Query()
				if q.Has("token") {
					q.Del("token")
					pr.Out.URL.RawQuery = q.Encode()
				}
			}
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy request failed", "path", r.URL.Path, "target", target.String(), "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"service unreachable"}`))
		},
	}
	return p
}

func (p *serviceProxy) handle(c *gin.Context) {
	if p.sup.Config().Readiness.Port <= 0 {
		writeError(c, http.StatusServiceUnavailable, errors.New("service has no port to proxy to"))
		return
	}
	if _, err := p.sup.Ensure(c.Request.Context()); err != nil {
		p.logger.Error("service not available for proxy", "error", err)
		writeError(c, http.StatusServiceUnavailable, err)
		return
	}
	p.rp.ServeHTTP(c.Writer, c.Request)
}
