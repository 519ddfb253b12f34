package sessionctx

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/onboarding"
	"github.com/opentrusty/tenantsession/internal/tenant"
	"github.com/opentrusty/tenantsession/internal/testutil/fakeapi"
	"github.com/opentrusty/tenantsession/internal/tokenstore"
)

type brandings struct {
	mu      sync.Mutex
	tenants []string
}

func (b *brandings) record(_ context.Context, tenantID string, _ *tenant.Branding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenants = append(b.tenants, tenantID)
}

func (b *brandings) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tenants...)
}

type env struct {
	srv      *fakeapi.Server
	store    *tokenstore.Store
	client   *apiclient.Client
	svc      *auth.Service
	seq      *onboarding.Sequencer
	home     string
	brand    *brandings
	provider *Provider
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{srv: fakeapi.New(t), store: tokenstore.NewInMemory(), brand: &brandings{}}

	userID := e.srv.AddUser("ada@example.com", "correct-horse", "Ada", "Lovelace")
	e.home = e.srv.AddTenant("Home", "home", "basic")
	e.srv.AddMembership(userID, e.home, tenant.RoleMember)

	e.client = apiclient.New(apiclient.Config{BaseURL: e.srv.URL, Timeout: 5 * time.Second}, apiclient.WithLogger(logger.Discard()))
	e.svc = auth.NewService(e.client, e.store, auth.WithLogger(logger.Discard()))
	e.seq = onboarding.NewSequencer(e.client, e.store, onboarding.NewBus(), onboarding.DefaultConfig(),
		onboarding.WithLogger(logger.Discard()),
		onboarding.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	e.provider = e.newProvider(e.seq, opts...)
	return e
}

func (e *env) newProvider(seq Sequencer, opts ...Option) *Provider {
	base := []Option{WithLogger(logger.Discard()), WithBrander(BrandingFunc(e.brand.record))}
	return NewProvider(e.svc, seq, append(base, opts...)...)
}

func (e *env) login(t *testing.T) {
	t.Helper()
	_, err := e.provider.Login(context.Background(), auth.LoginRequest{Email: "ada@example.com", Password: "correct-horse", RememberMe: true})
	require.NoError(t, err)
}

// TestPurpose: Validates that mounting restores a stored session into the reactive state.
// Scope: Integration Test (fake backend)
// Expected: Loading ends, the user and tenant are mirrored and branding is applied once.
// Test Case ID: SCX-01
func TestProvider_MountRestores(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	restoredSvc := auth.NewService(e.client, e.store, auth.WithLogger(logger.Discard()))
	p := NewProvider(restoredSvc, e.seq, WithLogger(logger.Discard()), WithBrander(BrandingFunc(e.brand.record)))
	assert.True(t, p.State().IsLoading)

	p.Mount(context.Background())
	defer p.Unmount()

	state := p.State()
	assert.False(t, state.IsLoading)
	assert.True(t, state.IsAuthenticated)
	require.NotNil(t, state.CurrentTenant)
	assert.Equal(t, "home", state.CurrentTenant.Slug)
	assert.Equal(t, "ada@example.com", state.User.Email)
	assert.Contains(t, e.brand.seen(), e.home)
}

// TestPurpose: Validates the permission and feature predicates.
// Scope: Integration Test (fake backend)
// Security: Client-side authorization hints follow the active membership
// Expected: Predicates are false without a tenant and follow the membership and feature map with one.
// Test Case ID: SCX-02
func TestProvider_Predicates(t *testing.T) {
	e := newEnv(t)
	e.provider.Mount(context.Background())
	defer e.provider.Unmount()

	assert.False(t, e.provider.HasPermission(tenant.PermAttendanceView))
	assert.False(t, e.provider.HasFeature("attendance"))

	e.login(t)

	assert.True(t, e.provider.HasPermission(tenant.PermAttendanceView))
	assert.False(t, e.provider.HasPermission(tenant.PermUsersManage))
	assert.False(t, e.provider.HasPermission("*"))
	assert.True(t, e.provider.HasFeature("attendance"))
	assert.False(t, e.provider.HasFeature("reports"))
	assert.False(t, e.provider.HasFeature("unknown"))

	require.NoError(t, e.provider.Logout(context.Background()))
	assert.False(t, e.provider.HasPermission(tenant.PermAttendanceView))
	assert.Nil(t, e.provider.State().CurrentTenant)
}

// TestPurpose: Validates tenant adoption after creation.
// Scope: Integration Test (fake backend)
// Expected: The new tenant becomes current, the transition flag is set during the call and cleared after, no transition error.
// Test Case ID: SCX-03
func TestProvider_SyncAfterTenantCreation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.provider.Mount(ctx)
	defer e.provider.Unmount()
	e.login(t)

	var sawTransitioning bool
	unsubscribe := e.provider.Subscribe(func(s State) {
		if s.IsTransitioning {
			sawTransitioning = true
		}
	})
	defer unsubscribe()

	created, err := e.provider.CreateTenant(ctx, auth.CreateTenantRequest{Name: "Acme", Slug: "acme", PlanID: "basic"})
	require.NoError(t, err)
	require.NoError(t, e.provider.SyncAfterTenantCreation(ctx, created.Tenant.ID, created.Tokens))

	state := e.provider.State()
	require.NotNil(t, state.CurrentTenant)
	assert.Equal(t, "acme", state.CurrentTenant.Slug)
	assert.False(t, state.IsTransitioning)
	assert.Empty(t, state.TransitionError)
	assert.True(t, sawTransitioning)
	assert.Len(t, state.AvailableTenants, 2)
	assert.True(t, e.provider.HasPermission(tenant.PermBillingManage))
	assert.Equal(t, []string{e.home, created.Tenant.ID}, e.brand.seen())

	stored, err := e.store.CurrentTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.Tenant.ID, stored)
}

// TestPurpose: Validates that a failed adoption never leaves the transition flag set.
// Scope: Integration Test (fake backend)
// Expected: The error is returned, IsTransitioning is false and TransitionError is set.
// Test Case ID: SCX-04
func TestProvider_SyncAfterTenantCreation_Failure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.provider.Mount(ctx)
	defer e.provider.Unmount()
	e.login(t)

	foreign := e.srv.AddTenant("Foreign", "foreign", "basic")
	err := e.provider.SyncAfterTenantCreation(ctx, foreign, nil)

	require.Error(t, err)
	state := e.provider.State()
	assert.False(t, state.IsTransitioning)
	assert.NotEmpty(t, state.TransitionError)
	assert.Equal(t, "home", state.CurrentTenant.Slug)
}

// TestPurpose: Validates inline error reporting of tenant access checks.
// Scope: Integration Test (fake backend)
// Expected: A 403 yields false with TransitionError; a later success clears it.
// Test Case ID: SCX-05
func TestProvider_ValidateCurrentTenantAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.provider.Mount(ctx)
	defer e.provider.Unmount()

	assert.False(t, e.provider.ValidateCurrentTenantAccess(ctx))
	assert.Equal(t, msgNoTenant, e.provider.State().TransitionError)

	e.login(t)
	e.srv.SetValidateStatus(http.StatusForbidden)
	assert.False(t, e.provider.ValidateCurrentTenantAccess(ctx))
	assert.Equal(t, "You do not have access to this organization", e.provider.State().TransitionError)

	e.srv.SetValidateStatus(0)
	assert.True(t, e.provider.ValidateCurrentTenantAccess(ctx))
	assert.Empty(t, e.provider.State().TransitionError)
}

// TestPurpose: Validates that unmounting stops mirroring.
// Scope: Integration Test (fake backend)
// Expected: Unmount is idempotent and later service changes do not reach the provider.
// Test Case ID: SCX-06
func TestProvider_Unmount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.provider.Mount(ctx)
	e.login(t)

	e.provider.Unmount()
	e.provider.Unmount()

	require.NoError(t, e.svc.Logout(ctx))
	assert.True(t, e.provider.State().IsAuthenticated)
	assert.Equal(t, 0, e.seq.Bus().Len())
}

// TestPurpose: Validates subscription replay and state isolation.
// Scope: Unit Test
// Expected: The callback runs immediately; mutating a received state does not affect the provider.
// Test Case ID: SCX-07
func TestProvider_SubscribeReplay(t *testing.T) {
	e := newEnv(t)
	e.provider.Mount(context.Background())
	defer e.provider.Unmount()
	e.login(t)

	var got []State
	unsubscribe := e.provider.Subscribe(func(s State) { got = append(got, s) })
	defer unsubscribe()

	require.Len(t, got, 1)
	got[0].CurrentTenant.Slug = "mutated"
	got[0].AvailableTenants[0].Permissions[0] = "mutated"

	state := e.provider.State()
	assert.Equal(t, "home", state.CurrentTenant.Slug)
	assert.NotEqual(t, "mutated", state.AvailableTenants[0].Permissions[0])
}

// TestPurpose: Validates that a subscriber may trigger provider actions off the delivery goroutine.
// Scope: Integration Test (fake backend)
// Expected: An action started from the replayed callback completes and its update reaches the subscriber.
// Test Case ID: SCX-12
func TestProvider_SubscriberTriggersAction(t *testing.T) {
	e := newEnv(t)
	e.provider.Mount(context.Background())
	defer e.provider.Unmount()
	e.login(t)

	var calls atomic.Int32
	done := make(chan error, 1)
	unsubscribe := e.provider.Subscribe(func(State) {
		if calls.Add(1) == 1 {
			go func() {
				_, err := e.provider.RefreshTenants(context.Background())
				done <- err
			}()
		}
	})
	defer unsubscribe()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("action started from subscriber did not complete")
	}
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

// blockingSequencer holds HandlePostOnboardingRedirect until released
type blockingSequencer struct {
	*onboarding.Sequencer
	release chan struct{}
}

func (b *blockingSequencer) HandlePostOnboardingRedirect(ctx context.Context, tenantID string, tokens *auth.TokenPair) onboarding.Result {
	<-b.release
	return b.Sequencer.HandlePostOnboardingRedirect(ctx, tenantID, tokens)
}

// TestPurpose: Validates the onboarding soft timeout.
// Scope: Integration Test (fake backend)
// Expected: TransitionError appears while the sequence is still running; completion clears it and adopts the tenant.
// Test Case ID: SCX-08
func TestProvider_CompleteOnboarding_SoftTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seq := &blockingSequencer{Sequencer: e.seq, release: make(chan struct{})}
	p := e.newProvider(seq, WithSoftTimeout(10*time.Millisecond))
	p.Mount(ctx)
	defer p.Unmount()

	_, err := p.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	created, err := p.CreateTenant(ctx, auth.CreateTenantRequest{Name: "Acme", Slug: "acme", PlanID: "pro"})
	require.NoError(t, err)

	done := make(chan onboarding.Result, 1)
	go func() { done <- p.CompleteOnboarding(ctx, created.Tenant.ID, created.Tokens) }()

	require.Eventually(t, func() bool {
		s := p.State()
		return s.IsTransitioning && s.TransitionError == msgSoftTimeout
	}, time.Second, 5*time.Millisecond)

	close(seq.release)
	res := <-done

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, "/dashboard?tenant="+created.Tenant.ID+"&firstAccess=true", res.RedirectURL)
	state := p.State()
	assert.False(t, state.IsTransitioning)
	assert.Empty(t, state.TransitionError)
	assert.Equal(t, "acme", state.CurrentTenant.Slug)
	assert.True(t, p.HasFeature("reports"))
}

// TestPurpose: Validates onboarding failure reporting.
// Scope: Integration Test (fake backend)
// Expected: The result carries the classified error and the provider keeps the previous tenant.
// Test Case ID: SCX-09
func TestProvider_CompleteOnboarding_Failure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.provider.Mount(ctx)
	defer e.provider.Unmount()
	e.login(t)

	created, err := e.provider.CreateTenant(ctx, auth.CreateTenantRequest{Name: "Acme", Slug: "acme", PlanID: "basic"})
	require.NoError(t, err)
	e.srv.SetValidateStatus(http.StatusNotFound)

	res := e.provider.CompleteOnboarding(ctx, created.Tenant.ID, created.Tokens)

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	state := e.provider.State()
	assert.False(t, state.IsTransitioning)
	assert.Equal(t, res.Error.Message, state.TransitionError)
	assert.Equal(t, "home", state.CurrentTenant.Slug)
}
