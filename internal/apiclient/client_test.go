package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSession struct {
	mock.Mock
}

func (m *MockSession) AccessToken() string { return m.Called().String(0) }
func (m *MockSession) TenantID() string    { return m.Called().String(0) }
func (m *MockSession) CanRefresh() bool    { return m.Called().Bool(0) }

func (m *MockSession) RefreshAccessToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSession) ExpireSession(ctx context.Context) {
	m.Called(ctx)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api", Timeout: 5 * time.Second})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// TestPurpose: Validates the 401 recovery path: one refresh and one retry.
// Scope: Unit Test
// Expected: Exactly one refresh, two backend calls, and the 200 payload is returned with the new token.
// Test Case ID: AC-01
func TestClient_Do_RetryOnceAfterRefresh(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, `{"success":false,"error":"token expired"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"id":"u1"}}`)
	})

	sess := new(MockSession)
	sess.On("AccessToken").Return("stale")
	sess.On("TenantID").Return("")
	sess.On("CanRefresh").Return(true)
	sess.On("RefreshAccessToken", mock.Anything).Return("fresh", nil).Once()
	c.Attach(sess)

	var out struct{ ID string }
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/users/me", RequireAuth: true}, &out)

	require.NoError(t, err)
	assert.Equal(t, "u1", out.ID)
	assert.Equal(t, int32(2), calls.Load())
	sess.AssertNumberOfCalls(t, "RefreshAccessToken", 1)
	sess.AssertNotCalled(t, "ExpireSession", mock.Anything)
}

// TestPurpose: Validates that a failed refresh is terminal and not retried.
// Scope: Unit Test
// Expected: The error matches ErrSessionExpired and the original request is not repeated.
// Test Case ID: AC-02
func TestClient_Do_RefreshFailure(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"success":false,"error":"token expired"}`)
	})

	sess := new(MockSession)
	sess.On("AccessToken").Return("stale")
	sess.On("TenantID").Return("")
	sess.On("CanRefresh").Return(true)
	sess.On("RefreshAccessToken", mock.Anything).Return("", errors.New("refresh rejected"))
	c.Attach(sess)

	_, err := c.Do(context.Background(), Request{Endpoint: "/auth/tenants", RequireAuth: true}, nil)

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), calls.Load())
	sess.AssertNumberOfCalls(t, "RefreshAccessToken", 1)
}

// TestPurpose: Validates that a second 401 after a successful refresh expires the session without looping.
// Scope: Unit Test
// Expected: Two backend calls, one refresh, ExpireSession invoked once.
// Test Case ID: AC-03
func TestClient_Do_SecondUnauthorized(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"success":false,"error":"nope"}`)
	})

	sess := new(MockSession)
	sess.On("AccessToken").Return("stale")
	sess.On("TenantID").Return("")
	sess.On("CanRefresh").Return(true)
	sess.On("RefreshAccessToken", mock.Anything).Return("fresh", nil)
	sess.On("ExpireSession", mock.Anything).Return()
	c.Attach(sess)

	_, err := c.Do(context.Background(), Request{Endpoint: "/auth/session", RequireAuth: true}, nil)

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(2), calls.Load())
	sess.AssertNumberOfCalls(t, "RefreshAccessToken", 1)
	sess.AssertNumberOfCalls(t, "ExpireSession", 1)
}

// TestPurpose: Validates that NoRefresh calls surface the 401 directly.
// Scope: Unit Test
// Expected: No refresh attempt; the error is an APIError with status 401.
// Test Case ID: AC-04
func TestClient_Do_NoRefresh(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"success":false,"error":"invalid refresh token"}`)
	})

	sess := new(MockSession)
	sess.On("AccessToken").Return("stale")
	sess.On("TenantID").Return("")
	c.Attach(sess)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/auth/refresh", RequireAuth: true, NoRefresh: true}, nil)

	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
	assert.EqualError(t, err, "invalid refresh token")
	sess.AssertNotCalled(t, "RefreshAccessToken", mock.Anything)
}

// TestPurpose: Validates that transport failures are distinguished from HTTP failures.
// Scope: Unit Test
// Expected: The error matches ErrNetwork and its message starts with "network error".
// Test Case ID: AC-05
func TestClient_Do_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(Config{BaseURL: srv.URL, Timeout: time.Second})

	_, err := c.Do(context.Background(), Request{Endpoint: "/auth/session"}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "network error:")
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

// TestPurpose: Validates that success=false is an error even with HTTP 200 and that field errors are flattened.
// Scope: Unit Test
// Expected: APIError whose message is the first field error in field-name order.
// Test Case ID: AC-06
func TestClient_Do_EnvelopeFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":false,"error":"Validation failed","errors":{"slug":["slug already taken"],"name":"name too short"}}`)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/tenants/register", Body: map[string]string{"slug": "acme"}}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "name too short", apiErr.Message)
	assert.Equal(t, map[string]string{"slug": "slug already taken", "name": "name too short"}, apiErr.Fields)
}

// TestPurpose: Validates rate-limit metadata extraction from headers and envelope.
// Scope: Unit Test
// Expected: IsRateLimited is true; remaining attempts come from the envelope and Retry-After from the header.
// Test Case ID: AC-07
func TestClient_Do_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.Header().Set("X-RateLimit-Remaining", "5")
		writeJSON(w, http.StatusTooManyRequests, `{"success":false,"error":"Too many requests","rateLimitInfo":{"remainingAttempts":0}}`)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/auth/send-email-verification"}, nil)

	assert.True(t, IsRateLimited(err))
	info, ok := RateLimitInfoOf(err)
	require.True(t, ok)
	require.NotNil(t, info.Remaining)
	assert.Equal(t, 0, *info.Remaining)
	assert.Equal(t, 30*time.Second, info.RetryAfter)
}

// TestPurpose: Validates header injection for authenticated and tenant-scoped calls.
// Scope: Unit Test
// Security: Tenant scoping of backend calls
// Expected: Bearer and tenant headers follow the session; a pinned tenant overrides it; every call has a request id.
// Test Case ID: AC-08
func TestClient_Do_Headers(t *testing.T) {
	var got http.Header
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"isValid":true},"warning":"plan expiring"}`)
	})

	sess := new(MockSession)
	sess.On("AccessToken").Return("tok")
	sess.On("TenantID").Return("tenant-a")
	c.Attach(sess)

	meta, err := c.Do(context.Background(), Request{Endpoint: "/users/me", RequireAuth: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, "tenant-a", got.Get(HeaderTenantID))
	assert.NotEmpty(t, got.Get(HeaderRequestID))
	assert.Equal(t, "plan expiring", meta.Warning)

	_, err = c.Do(context.Background(), Request{Endpoint: "/tenants/tenant-b/validate", RequireAuth: true, TenantID: "tenant-b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tenant-b", got.Get(HeaderTenantID))

	_, err = c.Do(context.Background(), Request{Endpoint: "/auth/forgot-password"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got.Get("Authorization"))
}
