// Package fhirclient is a small FHIR R4 REST client used to push resources
// into a server such as HAPI FHIR. It applies a per-request timeout, optional
// client-side rate limiting and bearer authentication, and turns non-2xx
// responses into *StatusError values carrying OperationOutcome diagnostics.
package fhirclient

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
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/claimloader/internal/platform/fhir"
)

const (
	ContentTypeFHIRJSON = "application/fhir+json"
	RequestIDHeader     = "X-Request-ID"

	maxErrorBody = 200
)

// TokenSource supplies bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the FHIR service base, e.g. http://localhost:8080/fhir.
	BaseURL string

	// Timeout bounds each individual request (default: 30s).
	Timeout time.Duration

	// RateLimit in requests per second; zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter bucket size (default: 10).
	RateBurst int

	// UserAgent string (default: "claim-loader/1.0").
	UserAgent string

	// Tokens, when set, adds an Authorization: Bearer header.
	Tokens TokenSource

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// Client talks to one FHIR server. It is safe for concurrent use.
type Client struct {
	base       string
	timeout    time.Duration
	userAgent  string
	tokens     TokenSource
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a Client, filling defaults for zero-valued fields.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "claim-loader/1.0"
	}

	c := &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		tokens:    cfg.Tokens,
		httpClient: &http.Client{
			Transport: cfg.Transport,
		},
		logger: logger.With().Str("component", "fhirclient").Logger(),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return c
}

// BaseURL returns the normalized service base.
func (c *Client) BaseURL() string {
	return c.base
}

// Response is a successful (2xx) FHIR interaction.
type Response struct {
	StatusCode int
	// ID is the logical id confirmed by the server, taken from the body or,
	// failing that, the Location header.
	ID        string
	VersionID string
	Location  string
	RequestID string
}

// Created reports whether the server created a new resource (201).
func (r *Response) Created() bool {
	return r.StatusCode == http.StatusCreated
}

// Read performs GET [base]/[type]/[id].
func (c *Client) Read(ctx context.Context, resourceType, id string) (*Response, error) {
	return c.do(ctx, http.MethodGet, resourcePath(resourceType, id), nil)
}

// Update performs PUT [base]/[type]/[id] (update-as-create on servers that
// allow client-assigned ids).
func (c *Client) Update(ctx context.Context, resourceType, id string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPut, resourcePath(resourceType, id), body)
}

// Create performs POST [base]/[type].
func (c *Client) Create(ctx context.Context, resourceType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, url.PathEscape(resourceType), body)
}

// Get performs a GET against a path relative to the base; used by the
// readiness probe.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, strings.TrimPrefix(path, "/"), nil)
}

func resourcePath(resourceType, id string) string {
	return url.PathEscape(resourceType) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fullURL := c.base + "/" + path
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.New().String()
	req.Header.Set("Accept", ContentTypeFHIRJSON)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", ContentTypeFHIRJSON)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).
			Str("request_id", requestID).
			Str("method", method).
			Str("url", fullURL).
			Dur("latency", time.Since(start)).
			Msg("request failed")
		return nil, fmt.Errorf("%s %s: %w", method, fullURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, fullURL, err)
	}

	c.logger.Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("url", fullURL).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method:      method,
			URL:         fullURL,
			StatusCode:  resp.StatusCode,
			Diagnostics: fhir.DiagnosticsFromBody(respBody, maxErrorBody),
			RequestID:   requestID,
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Location:   resp.Header.Get("Location"),
		RequestID:  requestID,
	}
	var res fhir.Resource
	if len(respBody) > 0 && json.Unmarshal(respBody, &res) == nil {
		out.ID = res.ID
		if res.Meta != nil {
			out.VersionID = res.Meta.VersionID
		}
	}
	if out.ID == "" && out.Location != "" {
		if _, id, ok := fhir.ParseReference(out.Location); ok {
			out.ID = id
		}
	}
	return out, nil
}
