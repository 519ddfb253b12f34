package app

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/config"
	"github.com/opentrusty/tenantsession/internal/tenant"
	"github.com/opentrusty/tenantsession/internal/testutil/fakeapi"
	"github.com/opentrusty/tenantsession/internal/tokenstore"
)

func buildApp(t *testing.T, srv *fakeapi.Server, vars map[string]string) *App {
	t.Helper()
	vars["API_BASE_URL"] = srv.URL
	cfg, err := config.LoadFrom(vars)
	require.NoError(t, err)

	a, err := Build(context.Background(), cfg, Options{LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

// TestPurpose: Validates that the container wires a working session stack.
// Scope: Integration Test (fake backend)
// Expected: Login through the provider selects the only tenant and sends the installation id.
// Test Case ID: APP-01
func TestBuild_Wiring(t *testing.T) {
	srv := fakeapi.New(t)
	userID := srv.AddUser("ada@example.com", "correct-horse", "Ada", "Lovelace")
	home := srv.AddTenant("Home", "home", "basic")
	srv.AddMembership(userID, home, tenant.RoleOwner)

	a := buildApp(t, srv, map[string]string{"STORAGE_BACKEND": "memory"})
	a.Provider.Mount(context.Background())

	_, err := a.Provider.Login(context.Background(), auth.LoginRequest{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	state := a.Provider.State()
	require.NotNil(t, state.CurrentTenant)
	assert.Equal(t, home, state.CurrentTenant.ID)
	assert.Equal(t, auth.InstallationID(), srv.LastDevice()["deviceId"])
	assert.Nil(t, a.DB)
}

// TestPurpose: Validates that the file backend persists sessions across processes.
// Scope: Integration Test (fake backend)
// Expected: A second container over the same directory restores the remembered session.
// Test Case ID: APP-02
func TestBuild_FileBackendRestores(t *testing.T) {
	srv := fakeapi.New(t)
	userID := srv.AddUser("ada@example.com", "correct-horse", "Ada", "Lovelace")
	home := srv.AddTenant("Home", "home", "basic")
	srv.AddMembership(userID, home, tenant.RoleMember)

	dir := t.TempDir()
	vars := func() map[string]string {
		return map[string]string{"STORAGE_BACKEND": "file", "STORAGE_DIR": dir, "STORAGE_PROFILE": "test"}
	}

	first := buildApp(t, srv, vars())
	_, err := first.Auth.Login(context.Background(), auth.LoginRequest{Email: "ada@example.com", Password: "correct-horse", RememberMe: true})
	require.NoError(t, err)

	second := buildApp(t, srv, vars())
	assert.True(t, second.Auth.InitializeFromStorage(context.Background()))
	assert.Equal(t, home, second.Auth.TenantID())

	scope, err := second.Store.ActiveScope(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Durable, scope)
}
