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

package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/audit"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/tenant"
	"github.com/opentrusty/tenantsession/internal/testutil/fakeapi"
	"github.com/opentrusty/tenantsession/internal/tokenstore"
)

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) Log(ctx context.Context, event audit.Event) {
	m.Called(ctx, event)
}

// failingTier wraps a MemoryTier and rejects writes once failSet is true
type failingTier struct {
	*tokenstore.MemoryTier
	failSet atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *failingTier) Set(ctx context.Context, key, value string) error {
	if f.failSet.Load() {
		return errDiskFull
	}
	return f.MemoryTier.Set(ctx, key, value)
}

type harness struct {
	srv       *fakeapi.Server
	durable   *tokenstore.MemoryTier
	ephemeral *tokenstore.MemoryTier
	store     *tokenstore.Store
	svc       *Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		srv:       fakeapi.New(t),
		durable:   tokenstore.NewMemoryTier(),
		ephemeral: tokenstore.NewMemoryTier(),
	}
	h.store = tokenstore.New(h.durable, h.ephemeral, logger.Discard())
	h.svc = h.newService(opts...)
	return h
}

// newService builds another service over the same backend and storage,
// as a process restart would.
func (h *harness) newService(opts ...Option) *Service {
	client := apiclient.New(apiclient.Config{BaseURL: h.srv.URL, Timeout: 5 * time.Second}, apiclient.WithLogger(logger.Discard()))
	return NewService(client, h.store, append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func (h *harness) seedUser(tenants ...string) (userID string, tenantIDs []string) {
	userID = h.srv.AddUser("ada@example.com", "correct-horse", "Ada", "Lovelace")
	for _, slug := range tenants {
		id := h.srv.AddTenant(slug+" Inc", slug, "pro")
		h.srv.AddMembership(userID, id, tenant.RoleAdmin)
		tenantIDs = append(tenantIDs, id)
	}
	return userID, tenantIDs
}

func (h *harness) login(t *testing.T, remember bool) *LoginResult {
	t.Helper()
	res, err := h.svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "correct-horse", RememberMe: remember})
	require.NoError(t, err)
	return res
}

// TestPurpose: Validates login with one membership and remember-me.
// Scope: Integration Test (fake backend)
// Expected: Tokens land only in the durable tier, one tenant is available and its context is adopted.
// Test Case ID: AUTH-01
func TestService_Login_RememberMeSingleTenant(t *testing.T) {
	h := newHarness(t)
	_, tenants := h.seedUser("acme")

	res := h.login(t, true)

	assert.Len(t, res.AvailableTenants, 1)
	assert.False(t, res.RequiresTenantSelection)
	assert.Equal(t, 0, h.ephemeral.Len())
	_, ok, _ := h.durable.Get(context.Background(), tokenstore.KeyAccessToken)
	assert.True(t, ok)

	state := h.svc.State()
	assert.Equal(t, AuthenticatedWithTenant, state.Status())
	assert.Equal(t, tenants[0], state.TenantContext.TenantID())
	assert.Equal(t, tenant.RoleAdmin, state.TenantContext.Membership.Role)

	stored, err := h.store.CurrentTenant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tenants[0], stored)
}

// TestPurpose: Validates that tenant selection is left to the caller when the backend requires it.
// Scope: Integration Test (fake backend)
// Expected: No tenant context after login; an explicit switch adopts the chosen tenant.
// Test Case ID: AUTH-02
func TestService_Login_RequiresTenantSelection(t *testing.T) {
	h := newHarness(t)
	_, tenants := h.seedUser("acme", "globex")

	res := h.login(t, false)

	assert.True(t, res.RequiresTenantSelection)
	assert.Len(t, res.AvailableTenants, 2)
	assert.Nil(t, res.TenantContext)
	assert.Equal(t, AuthenticatedNoTenant, h.svc.State().Status())
	assert.Equal(t, 0, h.durable.Len())

	tc, err := h.svc.SwitchTenant(context.Background(), tenants[1])
	require.NoError(t, err)
	assert.Equal(t, "globex", tc.Tenant.Slug)
	assert.Equal(t, AuthenticatedWithTenant, h.svc.State().Status())
}

// TestPurpose: Validates that a tenant switch is observed atomically.
// Scope: Integration Test (fake backend)
// Security: Tenant isolation of issued tokens
// Expected: Every notification pairs the token's tenant claim with the context tenant; storage holds the new tenant.
// Test Case ID: AUTH-03
func TestService_SwitchTenant_Atomic(t *testing.T) {
	h := newHarness(t)
	_, tenants := h.seedUser("acme", "globex")
	h.login(t, true)

	_, err := h.svc.SwitchTenant(context.Background(), tenants[0])
	require.NoError(t, err)

	var observed int
	unsubscribe := h.svc.OnAuthStateChanged(func(s AuthState) {
		observed++
		claimed, ok := tokenTenant(h.svc.AccessToken())
		require.True(t, ok)
		assert.Equal(t, claimed, s.TenantContext.TenantID())
	})
	defer unsubscribe()

	tc, err := h.svc.SwitchTenant(context.Background(), tenants[1])
	require.NoError(t, err)

	assert.Equal(t, 2, observed)
	assert.Equal(t, tenants[1], tc.Tenant.ID)
	assert.Equal(t, tenants[1], h.svc.State().TenantContext.TenantID())
	stored, err := h.store.CurrentTenant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tenants[1], stored)
}

// TestPurpose: Validates that switching to a tenant without membership fails and keeps the current context.
// Scope: Integration Test (fake backend)
// Security: Cross-tenant access prevention
// Expected: 403 error; context and stored tenant unchanged.
// Test Case ID: AUTH-04
func TestService_SwitchTenant_NotMember(t *testing.T) {
	h := newHarness(t)
	_, tenants := h.seedUser("acme")
	other := h.srv.AddTenant("Other", "other", "basic")
	h.login(t, false)

	_, err := h.svc.SwitchTenant(context.Background(), other)

	assert.Equal(t, http.StatusForbidden, apiclient.StatusOf(err))
	assert.Equal(t, tenants[0], h.svc.TenantID())
	stored, _ := h.store.CurrentTenant(context.Background())
	assert.Equal(t, tenants[0], stored)
}

// TestPurpose: Validates listener replay on subscribe.
// Scope: Unit Test
// Expected: The callback runs once with the current state before OnAuthStateChanged returns, then once per mutation.
// Test Case ID: AUTH-05
func TestService_OnAuthStateChanged_Replay(t *testing.T) {
	h := newHarness(t)
	h.seedUser("acme")

	var states []AuthState
	unsubscribe := h.svc.OnAuthStateChanged(func(s AuthState) { states = append(states, s) })

	require.Len(t, states, 1)
	assert.False(t, states[0].IsAuthenticated)

	h.login(t, false)
	require.Len(t, states, 2)
	assert.True(t, states[1].IsAuthenticated)

	unsubscribe()
	unsubscribe()
	require.NoError(t, h.svc.Logout(context.Background()))
	assert.Len(t, states, 2)
}

// TestPurpose: Validates that a failing refresh terminates the session.
// Scope: Integration Test (fake backend)
// Security: No partially degraded sessions
// Expected: The call fails with ErrSessionExpired, the service is unauthenticated and both tiers are empty.
// Test Case ID: AUTH-06
func TestService_RefreshFailure_ClearsSession(t *testing.T) {
	h := newHarness(t)
	h.seedUser("acme")
	h.login(t, true)

	h.srv.SetFailRefresh(true)
	h.srv.ForceUnauthorized(1)

	_, err := h.svc.GetUserTenants(context.Background())

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, h.svc.IsAuthenticated())
	assert.Equal(t, 0, h.durable.Len())
	assert.Equal(t, 0, h.ephemeral.Len())
	assert.Equal(t, 1, h.srv.Calls("POST /auth/refresh"))
	assert.Equal(t, 1, h.srv.Calls("GET /auth/tenants"))
}

// TestPurpose: Validates transparent recovery from an expired access token.
// Scope: Integration Test (fake backend)
// Expected: One refresh, one retry, the new token persisted in the same tier.
// Test Case ID: AUTH-07
func TestService_RefreshRecovery(t *testing.T) {
	h := newHarness(t)
	h.seedUser("acme")
	h.login(t, false)
	before := h.svc.AccessToken()

	h.srv.ForceUnauthorized(1)
	memberships, err := h.svc.GetUserTenants(context.Background())

	require.NoError(t, err)
	assert.Len(t, memberships, 1)
	assert.Equal(t, 1, h.srv.Calls("POST /auth/refresh"))
	assert.Equal(t, 2, h.srv.Calls("GET /auth/tenants"))
	assert.NotEqual(t, before, h.svc.AccessToken())

	tokens, ok, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tokenstore.Ephemeral, tokens.Scope)
	assert.Equal(t, h.svc.AccessToken(), tokens.AccessToken)
}

// TestPurpose: Validates session restore on start-up.
// Scope: Integration Test (fake backend)
// Expected: A new service over the same storage restores user, memberships and the persisted tenant.
// Test Case ID: AUTH-08
func TestService_InitializeFromStorage(t *testing.T) {
	h := newHarness(t)
	_, tenants := h.seedUser("acme", "globex")
	h.login(t, true)
	_, err := h.svc.SwitchTenant(context.Background(), tenants[1])
	require.NoError(t, err)

	restored := h.newService()
	assert.True(t, restored.InitializeFromStorage(context.Background()))

	state := restored.State()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, "ada@example.com", state.User.Email)
	assert.Len(t, state.AvailableTenants, 2)
	assert.Equal(t, tenants[1], state.TenantContext.TenantID())
	assert.Equal(t, 1, h.srv.Calls("GET /auth/session"))
	assert.Equal(t, 1, h.srv.Calls("GET /users/me"))
}

// TestPurpose: Validates that an access token past its expiry is refreshed before the liveness call.
// Scope: Integration Test (fake backend)
// Expected: Exactly one refresh precedes a successful restore; the liveness call is not rejected.
// Test Case ID: AUTH-09
func TestService_InitializeFromStorage_ExpiredToken(t *testing.T) {
	h := newHarness(t)
	h.seedUser("acme")
	h.srv.SetAccessTTL(-time.Minute)
	h.login(t, true)
	h.srv.SetAccessTTL(15 * time.Minute)

	restored := h.newService()
	assert.True(t, restored.InitializeFromStorage(context.Background()))
	assert.Equal(t, 1, h.srv.Calls("POST /auth/refresh"))
	assert.Equal(t, 1, h.srv.Calls("GET /auth/session"))
}

// TestPurpose: Validates that restore failures are silent and leave no credentials behind.
// Scope: Integration Test (fake backend)
// Expected: InitializeFromStorage reports false, returns no error and both tiers are empty.
// Test Case ID: AUTH-10
func TestService_InitializeFromStorage_Invalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetTokens(ctx, "garbage", "unknown-refresh", tokenstore.Durable))

	assert.False(t, h.svc.InitializeFromStorage(ctx))
	assert.False(t, h.svc.IsAuthenticated())
	assert.Equal(t, 0, h.durable.Len())
	assert.Equal(t, 0, h.ephemeral.Len())
}

// TestPurpose: Validates that logout clears locally even when the backend call fails.
// Scope: Integration Test (fake backend)
// Expected: No error is returned and storage is empty.
// Test Case ID: AUTH-11
func TestService_Logout_BestEffort(t *testing.T) {
	h := newHarness(t)
	h.seedUser("acme")
	h.login(t, true)

	h.srv.ForceUnauthorized(1)
	require.NoError(t, h.svc.Logout(context.Background()))

	assert.False(t, h.svc.IsAuthenticated())
	assert.Nil(t, h.svc.State().TenantContext)
	assert.Equal(t, 0, h.durable.Len())
	assert.Equal(t, 0, h.srv.Calls("POST /auth/refresh"))
}

// TestPurpose: Validates tenant creation: validation, membership refresh and no implicit switch.
// Scope: Integration Test (fake backend)
// Expected: Invalid slugs never reach the backend; a valid tenant appears in memberships while the active context stays.
// Test Case ID: AUTH-12
func TestService_CreateTenant(t *testing.T) {
	h := newHarness(t)
	_, tenants := h.seedUser("acme")
	h.login(t, false)

	_, err := h.svc.CreateTenant(context.Background(), CreateTenantRequest{Name: "Bad", Slug: "Bad Slug", PlanID: "basic"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "slug", verr.Field)
	assert.Equal(t, 0, h.srv.Calls("POST /tenants/register"))

	res, err := h.svc.CreateTenant(context.Background(), CreateTenantRequest{Name: "Globex", Slug: "globex", PlanID: "basic"})
	require.NoError(t, err)
	assert.Equal(t, "globex", res.Tenant.Slug)
	require.NotNil(t, res.Tokens)

	state := h.svc.State()
	assert.Len(t, state.AvailableTenants, 2)
	assert.Equal(t, tenants[0], state.TenantContext.TenantID())

	_, err = h.svc.CreateTenant(context.Background(), CreateTenantRequest{Name: "Globex", Slug: "globex", PlanID: "basic"})
	assert.EqualError(t, err, "create tenant: Slug already taken")
}

// TestPurpose: Validates login failure reporting and audit.
// Scope: Integration Test (fake backend)
// Security: Authentication failure auditing
// Expected: Human readable error; a login_failed audit event and log line carrying the email; nothing persisted.
// Test Case ID: AUTH-13
func TestService_Login_InvalidCredentials(t *testing.T) {
	auditor := new(mockAudit)
	auditor.On("Log", mock.Anything, mock.MatchedBy(func(e audit.Event) bool {
		return e.Type == audit.TypeLoginFailed
	})).Return().Once()

	var logs bytes.Buffer
	h := newHarness(t, WithAudit(auditor), WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	h.seedUser()

	_, err := h.svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "wrong"})

	assert.EqualError(t, err, "login failed: Invalid email or password")
	assert.Equal(t, 0, h.durable.Len()+h.ephemeral.Len())
	auditor.AssertExpectations(t)
	assert.Contains(t, logs.String(), `"msg":"login rejected"`)
	assert.Contains(t, logs.String(), `"email":"ada@example.com"`)
}

// TestPurpose: Validates the account lifecycle endpoints.
// Scope: Integration Test (fake backend)
// Expected: Registration reports verification, verification succeeds once, resends expose throttling metadata.
// Test Case ID: AUTH-14
func TestService_RegistrationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Register(ctx, RegisterRequest{FirstName: "Grace", LastName: "Hopper", Email: "grace@example.com", Password: "longenough", ConfirmPassword: "different", AcceptTerms: true})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confirmPassword", verr.Field)

	res, err := h.svc.Register(ctx, RegisterRequest{FirstName: "Grace", LastName: "Hopper", Email: "grace@example.com", Password: "longenough", ConfirmPassword: "longenough", AcceptTerms: true})
	require.NoError(t, err)
	assert.True(t, res.VerificationSent)
	assert.False(t, h.svc.IsAuthenticated())

	token := h.srv.VerificationToken("grace@example.com")
	require.NotEmpty(t, token)
	require.NoError(t, h.svc.VerifyEmail(ctx, token))
	assert.Error(t, h.svc.VerifyEmail(ctx, token))

	info, err := h.svc.SendEmailVerification(ctx, "grace@example.com")
	require.NoError(t, err)
	require.NotNil(t, info.Remaining)
	assert.Equal(t, 2, *info.Remaining)

	for range 2 {
		_, err = h.svc.SendEmailVerification(ctx, "grace@example.com")
		require.NoError(t, err)
	}
	info, err = h.svc.SendEmailVerification(ctx, "grace@example.com")
	assert.True(t, apiclient.IsRateLimited(err))
	require.NotNil(t, info)
	assert.Equal(t, time.Minute, info.RetryAfter)

	require.NoError(t, h.svc.ForgotPassword(ctx, "grace@example.com"))
}

// TestPurpose: Validates that login sends the device fingerprint.
// Scope: Integration Test (fake backend)
// Expected: The backend receives the parsed type, OS and device id.
// Test Case ID: AUTH-15
func TestService_Login_DeviceInfo(t *testing.T) {
	h := newHarness(t, WithDevice(ParseDevice("sessionctl/0.1 (Go; linux)", "device-1")))
	h.seedUser("acme")
	h.login(t, false)

	device := h.srv.LastDevice()
	assert.Equal(t, "cli", device["type"])
	assert.Equal(t, "Linux", device["os"])
	assert.Equal(t, "device-1", device["deviceId"])
}

// TestPurpose: Validates re-hydration from storage after another component rewrote it.
// Scope: Integration Test (fake backend)
// Expected: The service adopts the stored tokens and switches to the stored tenant; a second call changes nothing.
// Test Case ID: AUTH-16
func TestService_ReloadTenantContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID, _ := h.seedUser("acme")
	h.login(t, true)

	created, err := h.svc.CreateTenant(ctx, CreateTenantRequest{Name: "Globex", Slug: "globex", PlanID: "pro"})
	require.NoError(t, err)

	require.NoError(t, h.store.SetTokens(ctx, created.Tokens.AccessToken, created.Tokens.RefreshToken, tokenstore.Durable))
	require.NoError(t, h.store.StoreCurrentTenant(ctx, created.Tenant.ID))

	require.NoError(t, h.svc.ReloadTenantContext(ctx))
	assert.Equal(t, "globex", h.svc.State().TenantContext.Tenant.Slug)

	switches := h.srv.Calls("POST /tenants/switch-context")
	require.NoError(t, h.svc.ReloadTenantContext(ctx))
	assert.Equal(t, switches, h.srv.Calls("POST /tenants/switch-context"))
	assert.Equal(t, userID, h.svc.State().User.ID)
}

// TestPurpose: Validates that a refresh accepted by the backend but not persisted still ends the session.
// Scope: Integration Test (fake backend)
// Security: No partially degraded sessions
// Expected: The call fails with ErrSessionExpired, the service is unauthenticated and both tiers are empty.
// Test Case ID: AUTH-17
func TestService_RefreshPersistFailure_ClearsSession(t *testing.T) {
	h := &harness{
		srv:       fakeapi.New(t),
		durable:   tokenstore.NewMemoryTier(),
		ephemeral: tokenstore.NewMemoryTier(),
	}
	durable := &failingTier{MemoryTier: h.durable}
	h.store = tokenstore.New(durable, h.ephemeral, logger.Discard())
	h.svc = h.newService()
	h.seedUser("acme")
	h.login(t, true)

	durable.failSet.Store(true)
	h.srv.ForceUnauthorized(1)

	_, err := h.svc.GetUserTenants(context.Background())

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, errDiskFull)
	assert.False(t, h.svc.IsAuthenticated())
	assert.Empty(t, h.svc.AccessToken())
	assert.Equal(t, 0, h.durable.Len())
	assert.Equal(t, 0, h.ephemeral.Len())
	assert.Equal(t, 1, h.srv.Calls("POST /auth/refresh"))
}

// TestPurpose: Validates that one caller abandoning a shared refresh does not end the session for the others.
// Scope: Integration Test (fake backend)
// Expected: The cancelled caller gets context.Canceled; the other caller receives the new token and the session stays authenticated.
// Test Case ID: AUTH-18
func TestService_RefreshSurvivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	h.seedUser("acme")
	h.login(t, true)

	entered, release := h.srv.HoldRefresh()
	defer release()

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := h.svc.RefreshAccessToken(ctxA)
		errA <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not reach the backend")
	}

	type result struct {
		token string
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		tok, err := h.svc.RefreshAccessToken(context.Background())
		resB <- result{tok, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	assert.True(t, h.svc.IsAuthenticated())

	release()
	var b result
	select {
	case b = <-resB:
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller did not return")
	}

	require.NoError(t, b.err)
	assert.NotEmpty(t, b.token)
	assert.Equal(t, b.token, h.svc.AccessToken())
	assert.True(t, h.svc.IsAuthenticated())
	assert.Greater(t, h.durable.Len(), 0)
	assert.LessOrEqual(t, h.srv.Calls("POST /auth/refresh"), 2)
}
