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

// Package sessionctx mirrors the auth session into a reactive State that
// consumers subscribe to, and derives permission and feature predicates.
package sessionctx

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/onboarding"
	"github.com/opentrusty/tenantsession/internal/pubsub"
	"github.com/opentrusty/tenantsession/internal/tenant"
)

const (
	msgSoftTimeout   = "This is taking longer than expected. You can keep waiting or try again."
	msgNoTenant      = "No organization is selected"
	msgAccessInvalid = "Access to this organization is no longer valid"
)

// AuthService is the session manager the provider mirrors
type AuthService interface {
	InitializeFromStorage(ctx context.Context) bool
	OnAuthStateChanged(fn func(auth.AuthState)) (unsubscribe func())
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	Logout(ctx context.Context) error
	SwitchTenant(ctx context.Context, tenantID string) (*tenant.Context, error)
	CreateTenant(ctx context.Context, req auth.CreateTenantRequest) (*auth.CreateTenantResult, error)
	GetUserTenants(ctx context.Context) ([]tenant.Membership, error)
	ReloadTenantContext(ctx context.Context) error
	TenantID() string
}

// Sequencer runs the post-onboarding steps
type Sequencer interface {
	ValidateTenantAccess(ctx context.Context, tenantID string) (bool, error)
	SyncTenantContext(ctx context.Context, tenantID string, tokens auth.TokenPair) error
	HandlePostOnboardingRedirect(ctx context.Context, tenantID string, tokens *auth.TokenPair) onboarding.Result
	Bus() *onboarding.Bus
}

// State is the consumer view of the session
type State struct {
	IsAuthenticated  bool                `json:"isAuthenticated"`
	IsLoading        bool                `json:"isLoading"`
	User             *auth.User          `json:"user,omitempty"`
	TenantContext    *tenant.Context     `json:"tenantContext,omitempty"`
	CurrentTenant    *tenant.Tenant      `json:"currentTenant,omitempty"`
	AvailableTenants []tenant.Membership `json:"availableTenants"`
	IsTransitioning  bool                `json:"isTransitioning"`
	TransitionError  string              `json:"transitionError,omitempty"`
}

func (s State) clone() State {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	out.TenantContext = s.TenantContext.Clone()
	if out.TenantContext != nil {
		out.CurrentTenant = &out.TenantContext.Tenant
	} else {
		out.CurrentTenant = nil
	}
	out.AvailableTenants = slices.Clone(s.AvailableTenants)
	for i := range out.AvailableTenants {
		out.AvailableTenants[i].Permissions = slices.Clone(out.AvailableTenants[i].Permissions)
		if t := out.AvailableTenants[i].Tenant; t != nil {
			c := *t
			out.AvailableTenants[i].Tenant = &c
		}
	}
	return out
}

// Provider is the session context façade. Create one per process and
// Mount it before use.
type Provider struct {
	auth        AuthService
	seq         Sequencer
	brander     Brander
	logger      *slog.Logger
	softTimeout time.Duration
	override    bool

	mu         sync.RWMutex
	state      State
	brandedFor string
	generation uint64
	mounted    bool
	baseCtx    context.Context
	unsubs     []func()

	notifyMu sync.Mutex
	subs     *pubsub.Broadcaster[State]
}

// Option configures a Provider
type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithBrander sets the branding side effect applied on tenant change
func WithBrander(b Brander) Option {
	return func(p *Provider) { p.brander = b }
}

// WithSoftTimeout sets how long onboarding may run before TransitionError
// is set. The operation itself is not cancelled.
func WithSoftTimeout(d time.Duration) Option {
	return func(p *Provider) { p.softTimeout = d }
}

// WithDeveloperOverride forces HasPermission and HasFeature to true. It
// only takes effect in binaries built with the devoverride tag.
func WithDeveloperOverride(enabled bool) Option {
	return func(p *Provider) { p.override = enabled }
}

// NewProvider creates an unmounted provider
func NewProvider(svc AuthService, seq Sequencer, opts ...Option) *Provider {
	p := &Provider{
		auth:        svc,
		seq:         seq,
		brander:     NopBrander{},
		logger:      slog.Default(),
		softTimeout: 30 * time.Second,
		baseCtx:     context.Background(),
		subs:        pubsub.New[State]("session_context"),
		state:       State{IsLoading: true},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logger.Component("sessionctx"))
	if p.override && !overrideCompiled {
		p.logger.Warn("developer override requested but not compiled in, ignoring")
	}
	p.override = p.override && overrideCompiled
	if p.override {
		p.logger.Warn("developer override active: all permission and feature checks pass")
	}
	return p
}

// Mount restores the stored session and subscribes to the auth service and
// the tenant context bus. Mounting twice is a no-op.
func (p *Provider) Mount(ctx context.Context) {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return
	}
	p.mounted = true
	p.baseCtx = context.WithoutCancel(ctx)
	p.mu.Unlock()

	busUnsub := p.seq.Bus().Subscribe(p.onTenantContextUpdated)
	restored := p.auth.InitializeFromStorage(ctx)
	authUnsub := p.auth.OnAuthStateChanged(p.onAuthState)

	p.mu.Lock()
	p.unsubs = append(p.unsubs, busUnsub, authUnsub)
	p.state.IsLoading = false
	p.mu.Unlock()
	p.publish()

	p.logger.DebugContext(ctx, "session context mounted", slog.Bool("restored", restored))
}

// Unmount unsubscribes from every source. It is idempotent.
func (p *Provider) Unmount() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mounted = false
	p.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// State returns a copy of the current state
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clone()
}

// Subscribe registers fn; it runs once with the current state before this
// returns and again after every change. fn must not call mutating methods
// of the provider synchronously.
func (p *Provider) Subscribe(fn func(State)) (unsubscribe func()) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	fn(p.State())
	return p.subs.Subscribe(fn)
}

func (p *Provider) publish() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.subs.Publish(p.State())
}

func (p *Provider) onAuthState(s auth.AuthState) {
	p.mu.Lock()
	p.state.IsAuthenticated = s.IsAuthenticated
	p.state.User = s.User
	p.state.TenantContext = s.TenantContext
	p.state.AvailableTenants = s.AvailableTenants
	if s.TenantContext != nil {
		p.state.CurrentTenant = &s.TenantContext.Tenant
	} else {
		p.state.CurrentTenant = nil
	}
	tenantID := s.TenantContext.TenantID()
	var branding *tenant.Branding
	rebrand := tenantID != p.brandedFor
	if rebrand {
		p.brandedFor = tenantID
		if s.TenantContext != nil {
			branding = s.TenantContext.Tenant.Branding
		}
	}
	ctx := p.baseCtx
	p.mu.Unlock()

	if rebrand {
		p.brander.ApplyBranding(ctx, tenantID, branding)
	}
	p.publish()
}

// onTenantContextUpdated re-reads the token store; the event payload is
// not trusted.
func (p *Provider) onTenantContextUpdated(e onboarding.TenantContextUpdated) {
	p.mu.RLock()
	ctx := p.baseCtx
	p.mu.RUnlock()

	if err := p.auth.ReloadTenantContext(ctx); err != nil {
		p.logger.WarnContext(ctx, "failed to reload tenant context", logger.TenantID(e.TenantID), logger.Error(err))
	}
}

// HasPermission reports whether the active membership grants name
func (p *Provider) HasPermission(name string) bool {
	if p.override {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.TenantContext == nil {
		return false
	}
	return p.state.TenantContext.Membership.HasPermission(name)
}

// HasFeature reports whether the active tenant enables feature name
func (p *Provider) HasFeature(name string) bool {
	if p.override {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.TenantContext == nil {
		return false
	}
	return p.state.TenantContext.Features.Enabled(name)
}

// beginTransition marks a transition in progress and returns its id
func (p *Provider) beginTransition() uint64 {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.state.IsTransitioning = true
	p.state.TransitionError = ""
	p.mu.Unlock()
	p.publish()
	return gen
}

func (p *Provider) endTransition(gen uint64, errMsg string) {
	p.mu.Lock()
	if p.generation == gen {
		p.state.IsTransitioning = false
		p.state.TransitionError = errMsg
	}
	p.mu.Unlock()
	p.publish()
}

func (p *Provider) setTransitionError(msg string) {
	p.mu.Lock()
	p.state.TransitionError = msg
	p.mu.Unlock()
	p.publish()
}

// SyncAfterTenantCreation adopts a freshly created tenant. With tokens it
// runs the sequencer's sync step, otherwise it switches directly. The
// transitioning flag is cleared on every path.
func (p *Provider) SyncAfterTenantCreation(ctx context.Context, tenantID string, tokens *auth.TokenPair) (err error) {
	gen := p.beginTransition()
	defer func() {
		msg := ""
		if err != nil {
			msg = onboarding.Classify(err).Message
		}
		p.endTransition(gen, msg)
	}()

	if tokens != nil {
		if err := p.seq.SyncTenantContext(ctx, tenantID, *tokens); err != nil {
			return err
		}
	} else if _, err := p.auth.SwitchTenant(ctx, tenantID); err != nil {
		return err
	}

	if _, err := p.auth.GetUserTenants(ctx); err != nil {
		return err
	}
	if p.auth.TenantID() != tenantID {
		return p.auth.ReloadTenantContext(ctx)
	}
	return nil
}

// ValidateCurrentTenantAccess checks the active tenant with the backend.
// Failures set TransitionError instead of returning an error.
func (p *Provider) ValidateCurrentTenantAccess(ctx context.Context) bool {
	tenantID := p.auth.TenantID()
	if tenantID == "" {
		p.setTransitionError(msgNoTenant)
		return false
	}

	ok, err := p.seq.ValidateTenantAccess(ctx, tenantID)
	switch {
	case err != nil:
		p.setTransitionError(onboarding.Classify(err).Message)
		return false
	case !ok:
		p.setTransitionError(msgAccessInvalid)
		return false
	}
	p.setTransitionError("")
	return true
}

// CompleteOnboarding runs the redirect sequence for a created tenant and
// adopts it on success. After the soft timeout TransitionError is set
// while the sequence keeps running.
func (p *Provider) CompleteOnboarding(ctx context.Context, tenantID string, tokens *auth.TokenPair) onboarding.Result {
	gen := p.beginTransition()

	soft := time.AfterFunc(p.softTimeout, func() {
		p.mu.Lock()
		stale := p.generation != gen || !p.state.IsTransitioning
		if !stale {
			p.state.TransitionError = msgSoftTimeout
		}
		p.mu.Unlock()
		if !stale {
			p.logger.WarnContext(ctx, "onboarding exceeded soft timeout", logger.TenantID(tenantID), logger.Delay(p.softTimeout))
			p.publish()
		}
	})
	defer soft.Stop()

	res := p.seq.HandlePostOnboardingRedirect(ctx, tenantID, tokens)
	if !res.Success {
		p.endTransition(gen, res.Error.Message)
		return res
	}

	if _, err := p.auth.GetUserTenants(ctx); err != nil {
		p.logger.WarnContext(ctx, "failed to refresh memberships after onboarding", logger.Error(err))
	}
	if p.auth.TenantID() != tenantID {
		var err error
		if tokens != nil {
			err = p.auth.ReloadTenantContext(ctx)
		} else {
			_, err = p.auth.SwitchTenant(ctx, tenantID)
		}
		if err != nil {
			oe := onboarding.Classify(err)
			p.endTransition(gen, oe.Message)
			return onboarding.Result{Error: oe, Retryable: oe.Retryable, Attempts: res.Attempts}
		}
	}

	p.endTransition(gen, "")
	return res
}

// Login passes through to the auth service
func (p *Provider) Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error) {
	return p.auth.Login(ctx, req)
}

// Logout passes through to the auth service
func (p *Provider) Logout(ctx context.Context) error {
	return p.auth.Logout(ctx)
}

// SwitchTenant switches tenant with the transitioning flag set
func (p *Provider) SwitchTenant(ctx context.Context, tenantID string) (tc *tenant.Context, err error) {
	gen := p.beginTransition()
	defer func() {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		p.endTransition(gen, msg)
	}()
	return p.auth.SwitchTenant(ctx, tenantID)
}

// CreateTenant passes through to the auth service
func (p *Provider) CreateTenant(ctx context.Context, req auth.CreateTenantRequest) (*auth.CreateTenantResult, error) {
	return p.auth.CreateTenant(ctx, req)
}

// RefreshTenants reloads the membership list
func (p *Provider) RefreshTenants(ctx context.Context) ([]tenant.Membership, error) {
	return p.auth.GetUserTenants(ctx)
}
