// Package opensearch indexes history events in OpenSearch or Elasticsearch
// through the document REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/keepup/internal/history"
)

type Config struct {
	URL      string // scheme://host:port
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes one document per event. Each document gets a fresh ID and is
// created with op_type=create, so a retried request cannot index it twice.
type Sink struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Sink {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Sink{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s?op_type=create", s.cfg.URL, url.PathEscape(s.cfg.Index), uuid.NewString())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.cfg.Index, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
