// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apiclient is the single point of HTTP access to the backend.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/observability/metrics"
	"github.com/opentrusty/tenantsession/internal/observability/tracing"
)

const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderRequestID = "X-Request-ID"

	maxBodyBytes = 10 << 20
)

// Session supplies credentials to the client and owns their renewal.
type Session interface {
	AccessToken() string
	TenantID() string
	CanRefresh() bool
	// RefreshAccessToken returns a new access token. On failure the
	// implementation has already cleared the session.
	RefreshAccessToken(ctx context.Context) (string, error)
	// ExpireSession clears the session after an unrecoverable 401
	ExpireSession(ctx context.Context)
}

// Request describes one backend call
type Request struct {
	Method      string
	Endpoint    string
	Body        any
	RequireAuth bool
	Headers     map[string]string
	// TenantID pins the tenant header instead of the session's active tenant
	TenantID string
	// NoRefresh disables 401 recovery, used by the refresh call itself
	NoRefresh bool
}

// Meta carries the non-data parts of a successful envelope
type Meta struct {
	StatusCode int
	Message    string
	Warning    string
	RateLimit  *RateLimitInfo
}

// Config holds client configuration
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// Client performs backend calls
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	tracer     *tracing.Tracer
	inst       *metrics.ClientInstruments

	mu      sync.RWMutex
	session Session
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the tracer
func WithTracer(t *tracing.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithInstruments sets the metric instruments
func WithInstruments(inst *metrics.ClientInstruments) Option {
	return func(c *Client) { c.inst = inst }
}

// New creates a client
func New(cfg Config, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: ua,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  slog.Default(),
		tracer:  tracing.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.inst == nil {
		c.inst, _ = metrics.NewClientInstruments(metrics.Noop())
	}
	c.logger = c.logger.With(logger.Component("apiclient"))
	return c
}

// DefaultUserAgent is sent when none is configured
const DefaultUserAgent = "sessionctl/0.1 (Go; linux)"

// UserAgent returns the configured user agent
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Attach binds the session whose credentials are sent
func (c *Client) Attach(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Client) currentSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Do performs req and decodes the envelope data into out. A 401 on an
// authenticated call is recovered by exactly one refresh and one retry.
func (c *Client) Do(ctx context.Context, req Request, out any) (meta Meta, err error) {
	ctx, span := c.tracer.Start(ctx, "apiclient "+req.Method+" "+req.Endpoint)
	defer func() { tracing.End(span, err) }()

	sess := c.currentSession()
	token := ""
	if req.RequireAuth && sess != nil {
		token = sess.AccessToken()
	}

	meta, err = c.send(ctx, req, token, out)
	if meta.StatusCode != http.StatusUnauthorized || !req.RequireAuth || req.NoRefresh || sess == nil || !sess.CanRefresh() {
		return meta, err
	}

	c.logger.InfoContext(ctx, "access token rejected, refreshing", logger.Endpoint(req.Endpoint))
	token, rerr := sess.RefreshAccessToken(ctx)
	if rerr != nil {
		if ctx.Err() != nil {
			return meta, rerr
		}
		c.inst.Refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return meta, fmt.Errorf("%w: %w", ErrSessionExpired, rerr)
	}
	c.inst.Refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))

	meta, err = c.send(ctx, req, token, out)
	if meta.StatusCode == http.StatusUnauthorized {
		c.logger.WarnContext(ctx, "request rejected after refresh, expiring session", logger.Endpoint(req.Endpoint))
		sess.ExpireSession(ctx)
		return meta, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return meta, err
}

func (c *Client) send(ctx context.Context, req Request, token string, out any) (Meta, error) {
	start := time.Now()
	meta, outcome, err := c.roundTrip(ctx, req, token, out)

	attrs := metric.WithAttributes(
		attribute.String("endpoint", req.Endpoint),
		attribute.String("outcome", outcome),
	)
	c.inst.Requests.Add(ctx, 1, attrs)
	c.inst.Latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	return meta, err
}

func (c *Client) roundTrip(ctx context.Context, req Request, token string, out any) (Meta, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Meta{}, "throttled", &NetworkError{Endpoint: req.Endpoint, Err: err}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return Meta{}, "encode_error", fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Endpoint, body)
	if err != nil {
		return Meta{}, "encode_error", fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set(HeaderRequestID, uuid.New().String())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	tenantID := req.TenantID
	if tenantID == "" {
		if sess := c.currentSession(); sess != nil {
			tenantID = sess.TenantID()
		}
	}
	if tenantID != "" {
		httpReq.Header.Set(HeaderTenantID, tenantID)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "backend unreachable", logger.Endpoint(req.Endpoint), logger.Error(err))
		return Meta{}, "network_error", &NetworkError{Endpoint: req.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Meta{StatusCode: resp.StatusCode}, "network_error", &NetworkError{Endpoint: req.Endpoint, Err: err}
	}

	meta := Meta{StatusCode: resp.StatusCode}
	env, isEnvelope := decodeEnvelope(raw)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := newAPIError(resp.StatusCode, env, raw, resp.Header)
		meta.RateLimit = apiErr.RateLimit
		c.logger.DebugContext(ctx, "backend error",
			logger.Endpoint(req.Endpoint),
			logger.StatusCode(resp.StatusCode),
			logger.Error(apiErr),
		)
		return meta, "http_error", apiErr
	}

	if !isEnvelope {
		if len(bytes.TrimSpace(raw)) == 0 {
			return meta, "ok", nil
		}
		return meta, "decode_error", &APIError{StatusCode: resp.StatusCode, Message: "invalid response from server"}
	}

	meta.Message = env.Message
	meta.Warning = env.Warning
	meta.RateLimit = mergeRateLimit(env.RateLimitInfo.info(), rateLimitFromHeaders(resp.Header, time.Now()))

	if !env.Success {
		return meta, "http_error", newAPIError(resp.StatusCode, env, raw, resp.Header)
	}
	if env.Warning != "" {
		c.logger.WarnContext(ctx, "backend warning", logger.Endpoint(req.Endpoint), logger.String("warning", env.Warning))
	}

	if out != nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return meta, "decode_error", fmt.Errorf("decode %s response: %w", req.Endpoint, err)
		}
	}
	return meta, "ok", nil
}

// IsUnauthorized reports whether err is a 401 from the backend
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrSessionExpired) || StatusOf(err) == http.StatusUnauthorized
}
