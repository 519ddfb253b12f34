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

// Package auth owns the client session: current user, tenant context and
// memberships. It moves between Unauthenticated, AuthenticatedNoTenant and
// AuthenticatedWithTenant and notifies listeners after every transition.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/audit"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/observability/metrics"
	"github.com/opentrusty/tenantsession/internal/pubsub"
	"github.com/opentrusty/tenantsession/internal/tenant"
	"github.com/opentrusty/tenantsession/internal/tokenstore"
)

// API is the backend transport used by the service
type API interface {
	Do(ctx context.Context, req apiclient.Request, out any) (apiclient.Meta, error)
	Attach(s apiclient.Session)
}

// Service is the auth session manager. Create one per isolated session.
type Service struct {
	api       API
	store     *tokenstore.Store
	audit     audit.Logger
	logger    *slog.Logger
	validate  *validator.Validate
	device    DeviceInfo
	inst      *metrics.SessionInstruments
	now       func() time.Time
	refreshes singleflight.Group

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	user         *User
	tenantCtx    *tenant.Context
	memberships  []tenant.Membership

	// notifyMu orders replay on subscribe with publication
	notifyMu  sync.Mutex
	listeners *pubsub.Broadcaster[AuthState]
}

// Option configures a Service
type Option func(*Service)

func WithAudit(l audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDevice sets the fingerprint sent on login
func WithDevice(d DeviceInfo) Option {
	return func(s *Service) { s.device = d }
}

func WithInstruments(inst *metrics.SessionInstruments) Option {
	return func(s *Service) { s.inst = inst }
}

// WithClock replaces time.Now, for token expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service and attaches it to api as the credential source
func NewService(api API, store *tokenstore.Store, opts ...Option) *Service {
	s := &Service{
		api:       api,
		store:     store,
		audit:     audit.Nop{},
		logger:    slog.Default(),
		validate:  newValidator(),
		device:    ParseDevice(apiclient.DefaultUserAgent, ""),
		now:       time.Now,
		listeners: pubsub.New[AuthState]("auth_listeners"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.inst == nil {
		s.inst, _ = metrics.NewSessionInstruments(metrics.Noop())
	}
	s.logger = s.logger.With(logger.Component("auth"))
	api.Attach(s)
	return s
}

// AccessToken implements apiclient.Session
func (s *Service) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// TenantID implements apiclient.Session
func (s *Service) TenantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantCtx.TenantID()
}

// CanRefresh implements apiclient.Session
func (s *Service) CanRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken != ""
}

// IsAuthenticated reports whether a user and access token are held
func (s *Service) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAuthenticated()
}

func (s *Service) isAuthenticated() bool {
	return s.accessToken != "" && s.user != nil
}

// State returns a deep copy of the current session state
func (s *Service) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AuthState{
		User:             cloneUser(s.user),
		TenantContext:    s.tenantCtx.Clone(),
		IsAuthenticated:  s.isAuthenticated(),
		AvailableTenants: cloneMemberships(s.memberships),
	}
}

// OnAuthStateChanged registers fn. fn runs once with the current state
// before this returns and again after every state mutation. fn must not
// call mutating methods of the service synchronously.
func (s *Service) OnAuthStateChanged(fn func(AuthState)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	fn(s.State())
	return s.listeners.Subscribe(fn)
}

func (s *Service) notify(ctx context.Context) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	state := s.State()
	s.inst.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", state.Status().String())))
	s.listeners.Publish(state)
}

func (s *Service) actorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Register creates an account. The session is not authenticated by it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	var res RegisterResult
	if _, err := s.api.Do(ctx, apiclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/register",
		Body:     req,
	}, &res); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	s.audit.Log(ctx, audit.Event{Type: audit.TypeRegistered, Resource: "user", Metadata: map[string]any{"email": req.Email}})
	return &res, nil
}

// Login authenticates and persists the tokens in the tier selected by
// RememberMe. When the backend requires tenant selection no context is
// adopted and the caller must call SwitchTenant.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	var resp loginResponse
	_, err := s.api.Do(ctx, apiclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/login",
		Body:     loginBody{LoginRequest: req, DeviceInfo: s.device},
	}, &resp)
	if err != nil {
		s.logger.InfoContext(ctx, "login rejected", logger.Email(req.Email), logger.Error(err))
		s.audit.Log(ctx, audit.Event{Type: audit.TypeLoginFailed, TenantID: req.TenantID, Resource: "session", Metadata: map[string]any{"email": req.Email}})
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if resp.Token == "" {
		return nil, ErrMissingToken
	}

	memberships := resp.AvailableTenants
	var tc *tenant.Context
	if !resp.RequiresTenantSelection && resp.TenantContext != nil {
		tc = completeContext(resp.TenantContext, memberships)
	}

	if err := s.store.Clear(ctx); err != nil {
		return nil, fmt.Errorf("reset token storage: %w", err)
	}
	if err := s.store.SetTokens(ctx, resp.Token, resp.RefreshToken, tokenstore.ScopeFor(req.RememberMe)); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	if tc != nil {
		if err := s.store.StoreCurrentTenant(ctx, tc.TenantID()); err != nil {
			return nil, fmt.Errorf("persist tenant: %w", err)
		}
	}

	user := resp.User
	s.mu.Lock()
	s.accessToken = resp.Token
	s.refreshToken = resp.RefreshToken
	s.user = &user
	s.tenantCtx = tc
	s.memberships = cloneMemberships(memberships)
	s.mu.Unlock()

	s.notify(ctx)
	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeLoginSuccess,
		TenantID: tc.TenantID(),
		ActorID:  user.ID,
		Resource: "session",
		Metadata: map[string]any{"remember_me": req.RememberMe, "requires_tenant_selection": resp.RequiresTenantSelection},
	})
	s.logger.InfoContext(ctx, "logged in", logger.UserID(user.ID), logger.TenantID(tc.TenantID()))

	return &LoginResult{
		User:                    cloneUser(&user),
		TenantContext:           tc.Clone(),
		AvailableTenants:        cloneMemberships(memberships),
		RequiresTenantSelection: resp.RequiresTenantSelection,
	}, nil
}

// SwitchTenant asks the backend for a token scoped to tenantID. The new
// token and tenant id are persisted first, then token and context are
// swapped together before listeners are notified.
func (s *Service) SwitchTenant(ctx context.Context, tenantID string) (*tenant.Context, error) {
	if tenantID == "" {
		return nil, tenant.ErrMissingTenantID
	}
	if s.AccessToken() == "" {
		return nil, ErrNotAuthenticated
	}

	var resp switchResponse
	if _, err := s.api.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Endpoint:    "/tenants/switch-context",
		Body:        map[string]string{"tenantId": tenantID},
		RequireAuth: true,
	}, &resp); err != nil {
		return nil, fmt.Errorf("switch tenant: %w", err)
	}
	if resp.Token == "" {
		return nil, ErrMissingToken
	}
	if resp.TenantContext == nil || resp.TenantContext.TenantID() != tenantID {
		return nil, fmt.Errorf("switch tenant: %w", tenant.ErrTenantMismatch)
	}
	if claimed, ok := tokenTenant(resp.Token); ok && claimed != tenantID {
		return nil, fmt.Errorf("switch tenant: token scoped to %q: %w", claimed, tenant.ErrTenantMismatch)
	}

	if err := s.store.SetAccessToken(ctx, resp.Token); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	if err := s.store.StoreCurrentTenant(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("persist tenant: %w", err)
	}

	s.mu.Lock()
	tc := completeContext(resp.TenantContext, s.memberships)
	s.accessToken = resp.Token
	s.tenantCtx = tc
	actor := ""
	if s.user != nil {
		actor = s.user.ID
	}
	s.mu.Unlock()

	s.notify(ctx)
	s.audit.Log(ctx, audit.Event{Type: audit.TypeTenantSwitched, TenantID: tenantID, ActorID: actor, Resource: "tenant_context"})
	s.logger.InfoContext(ctx, "tenant switched", logger.TenantID(tenantID))

	return tc.Clone(), nil
}

// CreateTenant registers a new tenant and refreshes memberships. It does
// not switch to the new tenant.
func (s *Service) CreateTenant(ctx context.Context, req CreateTenantRequest) (*CreateTenantResult, error) {
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	var resp createTenantResponse
	if _, err := s.api.Do(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Endpoint:    "/tenants/register",
		Body:        req,
		RequireAuth: true,
	}, &resp); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}

	s.audit.Log(ctx, audit.Event{Type: audit.TypeTenantCreated, TenantID: resp.ID, ActorID: s.actorID(), Resource: "tenant", Metadata: map[string]any{"slug": resp.Slug}})

	if _, err := s.GetUserTenants(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to refresh memberships after tenant creation", logger.TenantID(resp.ID), logger.Error(err))
	}

	return &CreateTenantResult{Tenant: resp.Tenant, Tokens: resp.Tokens}, nil
}

// GetUserTenants replaces the membership list with the backend's
func (s *Service) GetUserTenants(ctx context.Context) ([]tenant.Membership, error) {
	var memberships []tenant.Membership
	if _, err := s.api.Do(ctx, apiclient.Request{
		Method:      http.MethodGet,
		Endpoint:    "/auth/tenants",
		RequireAuth: true,
	}, &memberships); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	s.mu.Lock()
	s.memberships = cloneMemberships(memberships)
	s.mu.Unlock()

	s.notify(ctx)
	return cloneMemberships(memberships), nil
}

// RefreshAccessToken exchanges the refresh token for a new access token.
// Concurrent callers share one backend call, which is not bound to any
// single caller's cancellation. A caller whose ctx ends gets ctx.Err()
// and the session is left alone. Any failure of the shared call clears
// the whole session.
func (s *Service) RefreshAccessToken(ctx context.Context) (string, error) {
	ch := s.refreshes.DoChan("refresh", func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Service) refresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()

	if refreshToken == "" {
		s.expire(ctx, "no refresh token")
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, ErrNoRefreshToken)
	}

	var resp refreshResponse
	_, err := s.api.Do(ctx, apiclient.Request{
		Method:    http.MethodPost,
		Endpoint:  "/auth/refresh",
		Body:      map[string]string{"refreshToken": refreshToken},
		NoRefresh: true,
	}, &resp)
	if err == nil && resp.Token == "" {
		err = ErrMissingToken
	}
	if err != nil {
		s.expire(ctx, "refresh failed")
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	if resp.RefreshToken != "" {
		scope, serr := s.store.ActiveScope(ctx)
		if serr == nil {
			serr = s.store.SetTokens(ctx, resp.Token, resp.RefreshToken, scope)
		}
		err = serr
	} else {
		err = s.store.SetAccessToken(ctx, resp.Token)
	}
	if err != nil {
		s.expire(ctx, "refresh persist failed")
		return "", fmt.Errorf("%w: persist refreshed token: %w", ErrSessionExpired, err)
	}

	s.mu.Lock()
	s.accessToken = resp.Token
	if resp.RefreshToken != "" {
		s.refreshToken = resp.RefreshToken
	}
	s.mu.Unlock()

	s.audit.Log(ctx, audit.Event{Type: audit.TypeTokenRefreshed, TenantID: s.TenantID(), ActorID: s.actorID(), Resource: "session"})
	return resp.Token, nil
}

// ExpireSession implements apiclient.Session
func (s *Service) ExpireSession(ctx context.Context) {
	s.expire(ctx, "unauthorized after refresh")
}

func (s *Service) expire(ctx context.Context, reason string) {
	actor, tenantID := s.actorID(), s.TenantID()
	if err := s.clearSession(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear token storage", logger.Error(err))
	}
	s.audit.Log(ctx, audit.Event{Type: audit.TypeSessionExpired, TenantID: tenantID, ActorID: actor, Resource: "session", Metadata: map[string]any{"reason": reason}})
	s.logger.WarnContext(ctx, "session expired", logger.String("reason", reason))
}

// Logout invalidates the session on the backend, best effort, and always
// clears local state. Only a storage failure is returned.
func (s *Service) Logout(ctx context.Context) error {
	actor, tenantID := s.actorID(), s.TenantID()

	if s.AccessToken() != "" {
		if _, err := s.api.Do(ctx, apiclient.Request{
			Method:      http.MethodPost,
			Endpoint:    "/auth/logout",
			RequireAuth: true,
			NoRefresh:   true,
		}, nil); err != nil {
			s.logger.WarnContext(ctx, "backend logout failed", logger.Error(err))
		}
	}

	err := s.clearSession(ctx)
	s.audit.Log(ctx, audit.Event{Type: audit.TypeLogout, TenantID: tenantID, ActorID: actor, Resource: "session"})
	return err
}

func (s *Service) clearSession(ctx context.Context) error {
	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.user = nil
	s.tenantCtx = nil
	s.memberships = nil
	s.mu.Unlock()

	err := s.store.Clear(ctx)
	s.notify(ctx)
	return err
}

// InitializeFromStorage restores a persisted session. Every failure clears
// the session silently; the return value reports whether a session was
// restored.
func (s *Service) InitializeFromStorage(ctx context.Context) bool {
	tokens, ok, err := s.store.Load(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read token storage", logger.Error(err))
		s.abandonRestore(ctx)
		return false
	}
	if !ok {
		return false
	}

	s.mu.Lock()
	s.accessToken = tokens.AccessToken
	s.refreshToken = tokens.RefreshToken
	s.mu.Unlock()

	if tokens.AccessToken == "" || tokenExpired(tokens.AccessToken, s.now()) {
		if _, err := s.RefreshAccessToken(ctx); err != nil {
			s.logger.DebugContext(ctx, "stored session could not be refreshed", logger.Error(err))
			return false
		}
	}

	if err := s.restore(ctx); err != nil {
		s.logger.DebugContext(ctx, "stored session rejected", logger.Error(err))
		s.abandonRestore(ctx)
		return false
	}
	return true
}

func (s *Service) restore(ctx context.Context) error {
	if _, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Endpoint: "/auth/session", RequireAuth: true}, nil); err != nil {
		return fmt.Errorf("validate session: %w", err)
	}

	var user User
	if _, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Endpoint: "/users/me", RequireAuth: true}, &user); err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	var memberships []tenant.Membership
	if _, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Endpoint: "/auth/tenants", RequireAuth: true}, &memberships); err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}

	s.mu.Lock()
	s.user = &user
	s.memberships = cloneMemberships(memberships)
	s.mu.Unlock()

	tenantID, err := s.store.CurrentTenant(ctx)
	if err != nil {
		return fmt.Errorf("read stored tenant: %w", err)
	}
	if tenantID != "" {
		if _, err := s.SwitchTenant(ctx, tenantID); err != nil {
			return fmt.Errorf("restore tenant: %w", err)
		}
	} else {
		s.notify(ctx)
	}

	s.audit.Log(ctx, audit.Event{Type: audit.TypeSessionRestore, TenantID: tenantID, ActorID: user.ID, Resource: "session"})
	return nil
}

func (s *Service) abandonRestore(ctx context.Context) {
	if err := s.clearSession(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to clear token storage", logger.Error(err))
	}
}

// ReloadTenantContext re-reads the token store and adopts what it holds:
// the stored tokens and, when it differs from the active one, the stored
// tenant. Calling it repeatedly with unchanged storage is a no-op apart
// from refreshing memberships.
func (s *Service) ReloadTenantContext(ctx context.Context) error {
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}

	tokens, ok, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("read token storage: %w", err)
	}
	if ok {
		s.mu.Lock()
		if tokens.AccessToken != "" {
			s.accessToken = tokens.AccessToken
		}
		if tokens.RefreshToken != "" {
			s.refreshToken = tokens.RefreshToken
		}
		s.mu.Unlock()
	}

	memberships, err := s.GetUserTenants(ctx)
	if err != nil {
		return err
	}

	tenantID, err := s.store.CurrentTenant(ctx)
	if err != nil {
		return fmt.Errorf("read stored tenant: %w", err)
	}
	if tenantID == "" || tenantID == s.TenantID() {
		return nil
	}
	if _, ok := tenant.FindMembership(memberships, tenantID); !ok {
		return fmt.Errorf("reload tenant %q: %w", tenantID, tenant.ErrNotMember)
	}
	_, err = s.SwitchTenant(ctx, tenantID)
	return err
}

// GetProfile reloads the user profile
func (s *Service) GetProfile(ctx context.Context) (*User, error) {
	var user User
	if _, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Endpoint: "/users/me", RequireAuth: true}, &user); err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()

	s.notify(ctx)
	return cloneUser(&user), nil
}

// ForgotPassword requests a password reset email
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return &ValidationError{Field: "email", Message: "email must be a valid email address"}
	}
	if _, err := s.api.Do(ctx, apiclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/forgot-password",
		Body:     map[string]string{"email": email},
	}, nil); err != nil {
		return fmt.Errorf("password reset request failed: %w", err)
	}
	return nil
}

// VerifyEmail confirms an email address with the emailed token
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return &ValidationError{Field: "token", Message: "token is required"}
	}
	if _, err := s.api.Do(ctx, apiclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/verify-email",
		Body:     map[string]string{"token": token},
	}, nil); err != nil {
		return fmt.Errorf("email verification failed: %w", err)
	}
	return nil
}

// SendEmailVerification resends the verification email. Throttling
// metadata is returned when the backend reports it, also on a 429.
func (s *Service) SendEmailVerification(ctx context.Context, email string) (*apiclient.RateLimitInfo, error) {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, &ValidationError{Field: "email", Message: "email must be a valid email address"}
	}

	var data struct {
		RateLimitInfo *rateLimitPayload `json:"rateLimitInfo,omitempty"`
	}
	meta, err := s.api.Do(ctx, apiclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/send-email-verification",
		Body:     map[string]string{"email": email},
	}, &data)
	if err != nil {
		info, _ := apiclient.RateLimitInfoOf(err)
		return info, fmt.Errorf("send verification email: %w", err)
	}

	if p := data.RateLimitInfo; p != nil {
		return &apiclient.RateLimitInfo{
			Remaining:  p.RemainingAttempts,
			ResetAt:    p.ResetTime,
			RetryAfter: time.Duration(p.RetryAfter) * time.Second,
		}, nil
	}
	return meta.RateLimit, nil
}

// completeContext fills a missing membership from the membership list
func completeContext(tc *tenant.Context, memberships []tenant.Membership) *tenant.Context {
	out := tc.Clone()
	if out.Membership.TenantID == "" {
		if m, ok := tenant.FindMembership(memberships, out.Tenant.ID); ok {
			out.Membership = m
			out.Membership.Permissions = append([]string(nil), m.Permissions...)
			out.Membership.Tenant = nil
		}
	}
	if out.Features == nil {
		out.Features = tenant.Features{}
	}
	return out
}
