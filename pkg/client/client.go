// Package client talks to the keepup daemon HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	ktls "github.com/loykin/keepup/internal/tls"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8420/api"
	DefaultTimeout = 10 * time.Second
)

// Client provides HTTP client functionality to communicate with the keepup daemon
type Client struct {
	baseURL string
	timeout time.Duration
	token   string
	user    string
	pass    string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request; readiness waits get it on top of their own timeout.
	Timeout time.Duration
	Token   string // bearer token
	// Username and Password are sent as basic credentials when Token is empty.
	Username string
	Password string
	CAFile   string
	Insecure bool // Skip TLS verification
	Logger   *slog.Logger
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// New creates a keepup API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if u.Scheme == "https" || cfg.Insecure || cfg.CAFile != "" {
		tc, err := ktls.ClientConfig(cfg.CAFile, cfg.Insecure)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		token:   cfg.Token,
		user:    cfg.Username,
		pass:    cfg.Password,
		logger:  cfg.Logger,
		client:  &http.Client{Transport: transport},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, c.timeout, http.MethodGet, c.rootURL()+"/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return true
}

// rootURL strips the API base path; healthz lives at the server root.
func (c *Client) rootURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	u.Path = ""
	return u.String()
}

func (c *Client) List(ctx context.Context) ([]ProcessInfo, error) {
	var out []ProcessInfo
	err := c.do(ctx, c.timeout, http.MethodGet, c.baseURL+"/processes", nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, req LaunchRequest) (ProcessInfo, error) {
	c.logger.Debug("starting process", "name", req.Name, "command", req.Command)
	var out ProcessInfo
	err := c.do(ctx, c.timeout, http.MethodPost, c.baseURL+"/processes", req, &out)
	return out, err
}

func (c *Client) Kill(ctx context.Context, id string) error {
	return c.do(ctx, c.timeout, http.MethodDelete, c.processURL(id), nil, nil)
}

func (c *Client) Logs(ctx context.Context, id string) (Logs, error) {
	var out Logs
	err := c.do(ctx, c.timeout, http.MethodGet, c.processURL(id)+"/logs", nil, &out)
	return out, err
}

// Wait blocks until the daemon reports the process ready or the check times out.
func (c *Client) Wait(ctx context.Context, id string, req ReadinessRequest) error {
	return c.do(ctx, req.Timeout+c.timeout, http.MethodPost, c.processURL(id)+"/wait", req, nil)
}

// Ensure asks the daemon to converge its configured service. A failed
// ensure returns the decoded response together with an *APIError.
func (c *Client) Ensure(ctx context.Context) (EnsureResponse, error) {
	var out EnsureResponse
	err := c.do(ctx, 0, http.MethodPost, c.baseURL+"/ensure", nil, &out)
	return out, err
}

// Token exchanges the configured basic credentials for a bearer token.
func (c *Client) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	var out TokenResponse
	err := c.do(ctx, c.timeout, http.MethodPost, c.baseURL+"/auth/token", req, &out)
	return out, err
}

func (c *Client) processURL(id string) string {
	return c.baseURL + "/processes/" + url.PathEscape(id)
}

// do sends body as JSON and decodes a 2xx response into out. timeout of zero
// leaves the deadline to ctx.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, u string, body, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Message = er.Error
		}
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		c.logger.Debug("API request failed", "method", method, "url", u, "status", resp.StatusCode, "error", apiErr.Message)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
