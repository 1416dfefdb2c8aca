package detector

import (
	"context"
	"io"
	"net/http"
	"time"
)

// HTTPDetector reports alive when a GET on URL answers with a status below 500.
type HTTPDetector struct {
	URL    string
	Client *http.Client
}

func NewHTTPDetector(url string) HTTPDetector {
	return HTTPDetector{URL: url, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (d HTTPDetector) Alive(ctx context.Context) (bool, error) {
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode < http.StatusInternalServerError, nil
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }
