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

// Package onboarding takes a freshly created tenant to a navigable
// dashboard URL: validate access, sync the new tokens, compute the URL.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/observability/metrics"
	"github.com/opentrusty/tenantsession/internal/observability/tracing"
	"github.com/opentrusty/tenantsession/internal/pubsub"
	"github.com/opentrusty/tenantsession/internal/tokenstore"
)

// TenantContextUpdated is published after new tenant tokens are persisted.
// Delivery is at-least-once; subscribers re-read the token store instead
// of trusting the payload.
type TenantContextUpdated struct {
	TenantID  string
	Tokens    auth.TokenPair
	Timestamp time.Time
}

// Bus carries TenantContextUpdated events
type Bus = pubsub.Broadcaster[TenantContextUpdated]

// NewBus creates an event bus
func NewBus() *Bus {
	return pubsub.New[TenantContextUpdated]("tenant_context_bus")
}

// API is the backend transport used by the sequencer
type API interface {
	Do(ctx context.Context, req apiclient.Request, out any) (apiclient.Meta, error)
}

// Config holds sequencer settings
type Config struct {
	DashboardPath string
	SettleDelay   time.Duration
	Retry         RetryPolicy
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		DashboardPath: "/dashboard",
		SettleDelay:   500 * time.Millisecond,
		Retry:         DefaultRetryPolicy(),
	}
}

// Result is the outcome of HandlePostOnboardingRedirect
type Result struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	Error       *Error `json:"error,omitempty"`
	// Retryable tells the caller whether offering a retry makes sense
	Retryable bool `json:"retryable"`
	Attempts  int  `json:"attempts"`
}

// Sequencer runs the post-onboarding redirect sequence
type Sequencer struct {
	api    API
	store  *tokenstore.Store
	bus    *Bus
	cfg    Config
	logger *slog.Logger
	tracer *tracing.Tracer
	inst   *metrics.SessionInstruments
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// Option configures a Sequencer
type Option func(*Sequencer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

func WithTracer(t *tracing.Tracer) Option {
	return func(s *Sequencer) { s.tracer = t }
}

func WithInstruments(inst *metrics.SessionInstruments) Option {
	return func(s *Sequencer) { s.inst = inst }
}

// WithTimer replaces the retry wait timer
func WithTimer(t backoff.Timer) Option {
	return func(s *Sequencer) { s.cfg.Retry.Timer = t }
}

// WithSleep replaces the settle delay wait
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) { s.sleep = fn }
}

// NewSequencer creates a sequencer
func NewSequencer(api API, store *tokenstore.Store, bus *Bus, cfg Config, opts ...Option) *Sequencer {
	if cfg.DashboardPath == "" {
		cfg.DashboardPath = "/dashboard"
	}
	s := &Sequencer{
		api:    api,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: tracing.Noop(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.inst == nil {
		s.inst, _ = metrics.NewSessionInstruments(metrics.Noop())
	}
	s.logger = s.logger.With(logger.Component("onboarding"))
	return s
}

// Bus returns the event bus the sequencer publishes on
func (s *Sequencer) Bus() *Bus {
	return s.bus
}

// ValidateTenantAccess asks the backend whether the current session may
// enter tenantID, sending the current bearer token and tenantID as the
// tenant header. 404 and 403 yield false with a classified error.
func (s *Sequencer) ValidateTenantAccess(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, NewError(ErrValidation, "Organization id is required", nil)
	}

	ctx, span := s.tracer.Start(ctx, "onboarding.validate", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	var resp struct {
		IsValid bool `json:"isValid"`
	}
	_, err := s.api.Do(ctx, apiclient.Request{
		Method:      http.MethodGet,
		Endpoint:    "/tenants/" + url.PathEscape(tenantID) + "/validate",
		RequireAuth: true,
		TenantID:    tenantID,
	}, &resp)
	tracing.End(span, err)
	if err != nil {
		return false, Classify(err)
	}
	return resp.IsValid, nil
}

// SyncTenantContext persists tokens for tenantID in the active tier,
// publishes TenantContextUpdated and then waits the settle delay. Running
// it again with the same input rewrites the same values.
func (s *Sequencer) SyncTenantContext(ctx context.Context, tenantID string, tokens auth.TokenPair) error {
	if tokens.AccessToken == "" {
		return NewError(ErrTokenSyncFailed, "No access token was issued for the organization", nil)
	}

	ctx, span := s.tracer.Start(ctx, "onboarding.sync", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	err := s.persist(ctx, tenantID, tokens)
	tracing.End(span, err)
	if err != nil {
		return NewError(ErrTokenSyncFailed, "Could not store the organization session", err)
	}

	s.bus.Publish(TenantContextUpdated{TenantID: tenantID, Tokens: tokens, Timestamp: s.now()})
	s.logger.DebugContext(ctx, "tenant context broadcast", logger.TenantID(tenantID), logger.Delay(s.cfg.SettleDelay))

	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		return Classify(err)
	}
	return nil
}

func (s *Sequencer) persist(ctx context.Context, tenantID string, tokens auth.TokenPair) error {
	scope, err := s.store.ActiveScope(ctx)
	if err != nil {
		return err
	}
	if err := s.store.SetTokens(ctx, tokens.AccessToken, tokens.RefreshToken, scope); err != nil {
		return err
	}
	return s.store.StoreCurrentTenant(ctx, tenantID)
}

// RedirectURL returns the first-access dashboard URL for tenantID
func (s *Sequencer) RedirectURL(tenantID string) string {
	return fmt.Sprintf("%s?tenant=%s&firstAccess=true", s.cfg.DashboardPath, url.QueryEscape(tenantID))
}

// HandlePostOnboardingRedirect validates access to tenantID with retries,
// syncs tokens when the creation call issued any, and computes the
// redirect URL. Failures are reported in the Result, never returned.
func (s *Sequencer) HandlePostOnboardingRedirect(ctx context.Context, tenantID string, tokens *auth.TokenPair) Result {
	ctx, span := s.tracer.Start(ctx, "onboarding.redirect", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, err *Error, wait time.Duration) {
		s.inst.RetryAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", "validate"),
			attribute.String("error_type", string(err.Type)),
		))
		s.logger.WarnContext(ctx, "tenant validation failed, retrying",
			logger.TenantID(tenantID), logger.Attempt(attempt), logger.ErrorType(string(err.Type)), logger.Delay(wait))
	}

	_, attempts, err := WithRetry(ctx, policy, func(ctx context.Context) (bool, error) {
		valid, err := s.ValidateTenantAccess(ctx, tenantID)
		if err == nil && !valid {
			err = NewError(ErrDashboardAccess, "Access to the organization dashboard was denied", nil)
		}
		return valid, err
	})
	if err != nil {
		return s.failed(ctx, span, tenantID, attempts, err)
	}

	if tokens != nil {
		if err := s.SyncTenantContext(ctx, tenantID, *tokens); err != nil {
			return s.failed(ctx, span, tenantID, attempts, err)
		}
	}

	redirect := s.RedirectURL(tenantID)
	s.logger.InfoContext(ctx, "onboarding redirect ready", logger.TenantID(tenantID), logger.Attempt(attempts))
	return Result{Success: true, RedirectURL: redirect, Attempts: attempts}
}

func (s *Sequencer) failed(ctx context.Context, span trace.Span, tenantID string, attempts int, err error) Result {
	oe := Classify(err)
	span.RecordError(oe)
	s.logger.ErrorContext(ctx, "onboarding redirect failed",
		logger.TenantID(tenantID), logger.ErrorType(string(oe.Type)), logger.Error(oe))
	return Result{
		Error:     oe,
		Retryable: userRetryable(oe),
		Attempts:  attempts,
	}
}

// userRetryable reports whether the caller should offer another run of the
// whole sequence. It is wider than Error.Retryable: a missing tenant is not
// retried automatically but may be retried by the user.
func userRetryable(e *Error) bool {
	return e.Type != ErrDashboardAccess && e.Type != ErrValidation
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
