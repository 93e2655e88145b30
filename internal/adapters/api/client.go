// Package api implements the platform REST API over HTTP.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/orbis/internal/adapters/auth"
	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// Config holds the transport settings of the API client.
type Config struct {
	BaseURL        string        // protocol://host/basepath
	VerifyTLS      bool          // Verify server certificates
	Timeout        time.Duration // Wait for response headers; 0 disables. Bodies are bounded by ctx only
	Retries        int           // Additional attempts after the first
	RetryBaseDelay time.Duration // First backoff delay
	RetryMaxDelay  time.Duration // Backoff cap
}

// Client talks to the platform REST API. One Client is shared by all
// queries and upload jobs of a process so they reuse its connection pool.
type Client struct {
	http    *http.Client
	baseURL string
	auth    auth.Provider
	cfg     Config
	metrics output.MetricsCollector
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewHTTPClient builds the pooled HTTP client used for the platform. The
// timeout applies to the response headers only, so archive downloads can
// stream for as long as the caller's context allows.
func NewHTTPClient(verifyTLS bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !verifyTLS}, //#nosec G402 -- opt-out is operator configuration
	}
	return &http.Client{Transport: transport}
}

// NewClient creates a new API client. A nil httpClient builds one from cfg.
func NewClient(cfg Config, httpClient *http.Client, provider auth.Provider, metrics output.MetricsCollector, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.VerifyTLS, cfg.Timeout)
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		auth:    provider,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// BaseURL builds the API root from its parts.
func BaseURL(protocol, host, basePath string) string {
	basePath = "/" + strings.Trim(basePath, "/")
	if basePath == "/" {
		basePath = ""
	}
	return fmt.Sprintf("%s://%s%s", protocol, host, basePath)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryable decides whether a response status is worth another attempt.
// POSTs are only retried when the server signals it did not process them.
func retryable(method string, status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return method == http.MethodGet && status >= 500
}

func (c *Client) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
				return min(time.Duration(secs)*time.Second, c.cfg.RetryMaxDelay)
			}
		}
	}
	d := c.cfg.RetryBaseDelay << attempt
	if d <= 0 || d > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return d
}

// do sends a request with retry and backoff. The caller owns the body of
// the returned response, whatever its status.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (*http.Response, error) {
	url := c.baseURL + strings.TrimPrefix(path, "/")
	reqID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", reqID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.auth != nil {
			if err := c.auth.Apply(ctx, req); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.IncAPIRequests(op, 0)
			if ctx.Err() != nil || method != http.MethodGet || attempt >= c.cfg.Retries {
				return nil, &domain.APIError{Operation: op, Err: err}
			}
			c.logger.Warn("api request failed, retrying",
				"operation", op, "attempt", attempt+1, "request_id", reqID, "error", err)
			if err := c.sleep(ctx, c.backoff(attempt, nil)); err != nil {
				return nil, err
			}
			continue
		}

		c.metrics.IncAPIRequests(op, resp.StatusCode)
		c.logger.Debug("api request",
			"operation", op, "method", method, "path", path,
			"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds(), "request_id", reqID)

		if !retryable(method, resp.StatusCode) || attempt >= c.cfg.Retries {
			return resp, nil
		}

		wait := c.backoff(attempt, resp)
		drain(resp)
		c.logger.Warn("api request rejected, retrying",
			"operation", op, "status", resp.StatusCode, "attempt", attempt+1, "wait", wait, "request_id", reqID)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// doJSON sends a request and decodes a 2xx JSON answer into out.
func (c *Client) doJSON(ctx context.Context, op, remoteID, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}

	resp, err := c.do(ctx, op, method, path, body)
	if err != nil {
		return withRemoteID(err, remoteID)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(op, remoteID, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.APIError{Operation: op, RemoteID: remoteID, StatusCode: resp.StatusCode,
			Message: "response is not valid JSON", Err: err}
	}
	return nil
}

func withRemoteID(err error, remoteID string) error {
	var ae *domain.APIError
	if errors.As(err, &ae) && ae.RemoteID == "" {
		ae.RemoteID = remoteID
	}
	return err
}

// apiError builds an APIError with the server supplied message.
func apiError(op, remoteID string, resp *http.Response) *domain.APIError {
	return &domain.APIError{
		Operation:  op,
		RemoteID:   remoteID,
		StatusCode: resp.StatusCode,
		Message:    serverMessage(resp.Body),
	}
}

// serverMessage extracts a message from an error body. JSON bodies with a
// message or error field are preferred, otherwise the raw text is used.
func serverMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(b, &m) == nil {
		for _, s := range []string{m.Message, m.Error, m.Detail} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(b))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
