// Package fakeapi is an in-process backend for tests. It serves every
// endpoint the session client calls, mints HS256 access tokens carrying a
// tenant_id claim and exposes knobs to inject failures.
package fakeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opentrusty/tenantsession/internal/tenant"
)

// User is a backend account
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	EmailVerified bool   `json:"emailVerified"`
	password      string
}

type session struct {
	userID       string
	tenantID     string
	refreshToken string
}

type claims struct {
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Server is the fake backend
type Server struct {
	*httptest.Server

	secret []byte

	mu            sync.Mutex
	users         map[string]*User
	byEmail       map[string]string
	tenants       map[string]*tenant.Tenant
	memberships   map[string][]tenant.Membership
	sessions      map[string]*session
	refreshIndex  map[string]string
	verifications map[string]string
	resends       map[string]int
	calls         map[string]int
	lastHeaders   map[string]http.Header
	lastDevice    map[string]any

	accessTTL           time.Duration
	failRefresh         bool
	forceUnauthorized   int
	validateStatus      int
	validateFailures    int
	issueTokensOnCreate bool
	refreshEntered      chan struct{}
	refreshGate         chan struct{}
}

// New starts a fake backend; it is closed when the test ends
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		secret:              []byte("fakeapi-signing-key"),
		users:               map[string]*User{},
		byEmail:             map[string]string{},
		tenants:             map[string]*tenant.Tenant{},
		memberships:         map[string][]tenant.Membership{},
		sessions:            map[string]*session{},
		refreshIndex:        map[string]string{},
		verifications:       map[string]string{},
		resends:             map[string]int{},
		calls:               map[string]int{},
		lastHeaders:         map[string]http.Header{},
		accessTTL:           15 * time.Minute,
		issueTokensOnCreate: true,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/forgot-password", s.handleForgotPassword)
	r.Post("/auth/verify-email", s.handleVerifyEmail)
	r.Post("/auth/send-email-verification", s.handleSendVerification)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/auth/logout", s.handleLogout)
		r.Get("/auth/session", s.handleSession)
		r.Get("/auth/tenants", s.handleTenants)
		r.Get("/users/me", s.handleMe)
		r.Post("/tenants/register", s.handleCreateTenant)
		r.Post("/tenants/switch-context", s.handleSwitch)
		r.Get("/tenants/{id}/validate", s.handleValidate)
	})
	return r
}

// Fixtures and knobs

// AddUser creates a verified account and returns its id
func (s *Server) AddUser(email, password, firstName, lastName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUser(email, password, firstName, lastName, true)
}

func (s *Server) addUser(email, password, firstName, lastName string, verified bool) string {
	id := uuid.NewString()
	s.users[id] = &User{ID: id, Email: email, FirstName: firstName, LastName: lastName, EmailVerified: verified, password: password}
	s.byEmail[strings.ToLower(email)] = id
	return id
}

// AddTenant registers a tenant and returns its id
func (s *Server) AddTenant(name, slug, planID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTenant(name, slug, planID).ID
}

func (s *Server) addTenant(name, slug, planID string) *tenant.Tenant {
	now := time.Now().UTC().Truncate(time.Second)
	t := &tenant.Tenant{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		Status:    tenant.StatusActive,
		PlanID:    planID,
		Settings:  tenant.Settings{Timezone: "UTC", Locale: "en-US", Currency: "USD"},
		Branding:  &tenant.Branding{PrimaryColor: "#1d4ed8", SecondaryColor: "#f59e0b"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tenants[t.ID] = t
	return t
}

// AddMembership grants userID role in tenantID with the role's default permissions
func (s *Server) AddMembership(userID, tenantID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMembership(userID, tenantID, role)
}

func (s *Server) addMembership(userID, tenantID, role string) {
	s.memberships[userID] = append(s.memberships[userID], tenant.Membership{
		TenantID:    tenantID,
		Role:        role,
		Permissions: tenant.DefaultPermissions(role),
		IsActive:    true,
		JoinedAt:    time.Now().UTC().Truncate(time.Second),
	})
}

// SetFailRefresh makes every refresh call fail with 401
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// HoldRefresh parks refresh calls in the handler until release is called.
// entered receives once for every refresh that reaches the backend.
func (s *Server) HoldRefresh() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshEntered = make(chan struct{}, 16)
	s.refreshGate = make(chan struct{})
	var once sync.Once
	gate := s.refreshGate
	return s.refreshEntered, func() { once.Do(func() { close(gate) }) }
}

// ForceUnauthorized makes the next n authenticated calls return 401
func (s *Server) ForceUnauthorized(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceUnauthorized = n
}

// SetValidateStatus forces the validation endpoint to answer with status; 0 restores normal behaviour
func (s *Server) SetValidateStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validateStatus = status
}

// FailValidate makes the next n validation calls return 503
func (s *Server) FailValidate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validateFailures = n
}

// SetIssueTokensOnCreate controls whether tenant creation returns a token pair
func (s *Server) SetIssueTokensOnCreate(issue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueTokensOnCreate = issue
}

// SetAccessTTL changes the lifetime of newly minted access tokens
func (s *Server) SetAccessTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = ttl
}

// Calls returns how often "METHOD /path" was requested; the path is the route pattern
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// LastHeaders returns the headers of the latest call to route
func (s *Server) LastHeaders(route string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders[route].Clone()
}

// LastDevice returns the device info sent with the latest login
func (s *Server) LastDevice() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDevice
}

// VerificationToken returns the pending verification token for email
func (s *Server) VerificationToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, e := range s.verifications {
		if e == strings.ToLower(email) {
			return tok
		}
	}
	return ""
}

// TenantBySlug returns the tenant with slug
func (s *Server) TenantBySlug(slug string) (tenant.Tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			return *t, true
		}
	}
	return tenant.Tenant{}, false
}

// Mint issues an access token for userID scoped to tenantID with ttl
func (s *Server) Mint(userID, tenantID string, ttl time.Duration) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSession(userID, tenantID, ttl)
}

func (s *Server) newSession(userID, tenantID string, ttl time.Duration) (string, string) {
	sid := uuid.NewString()
	refresh := uuid.NewString()
	s.sessions[sid] = &session{userID: userID, tenantID: tenantID, refreshToken: refresh}
	s.refreshIndex[refresh] = sid
	return s.mint(sid, ttl), refresh
}

func (s *Server) mint(sid string, ttl time.Duration) string {
	sess := s.sessions[sid]
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TenantID:  sess.tenantID,
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("fakeapi: sign token: %v", err))
	}
	return signed
}

// Middleware

type ctxKey struct{}

// record counts calls per "METHOD /route/pattern" once routing has resolved
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := r.Header.Clone()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		key := r.Method + " " + route
		s.mu.Lock()
		s.calls[key]++
		s.lastHeaders[key] = headers
		s.mu.Unlock()
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.forceUnauthorized > 0 {
			s.forceUnauthorized--
			s.mu.Unlock()
			fail(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		s.mu.Unlock()

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			fail(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		c := &claims{}
		_, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (any, error) { return s.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			fail(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		s.mu.Lock()
		_, live := s.sessions[c.SessionID]
		s.mu.Unlock()
		if !live {
			fail(w, http.StatusUnauthorized, "Session revoked")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, c)))
	})
}

// Handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirstName       string `json:"firstName"`
		LastName        string `json:"lastName"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
		AcceptTerms     bool   `json:"acceptTerms"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[strings.ToLower(req.Email)]; exists {
		failFields(w, http.StatusConflict, "Registration failed", map[string]any{"email": []string{"Email already registered"}})
		return
	}
	s.addUser(req.Email, req.Password, req.FirstName, req.LastName, false)
	s.verifications[uuid.NewString()] = strings.ToLower(req.Email)

	ok(w, map[string]any{
		"email":            req.Email,
		"verificationSent": true,
		"expiresIn":        86400,
		"canResend":        true,
		"actionRequired":   "verify_email",
		"nextStep":         "Check your inbox to verify your email address",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string         `json:"email"`
		Password   string         `json:"password"`
		TenantID   string         `json:"tenantId"`
		RememberMe bool           `json:"rememberMe"`
		DeviceInfo map[string]any `json:"deviceInfo"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDevice = req.DeviceInfo

	id, exists := s.byEmail[strings.ToLower(req.Email)]
	if !exists || s.users[id].password != req.Password {
		fail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	user := s.users[id]
	memberships := s.membershipsOf(id)

	resp := map[string]any{
		"user":             user,
		"availableTenants": memberships,
	}

	tenantID := ""
	switch {
	case req.TenantID != "":
		if _, ok := tenant.FindMembership(memberships, req.TenantID); !ok {
			fail(w, http.StatusForbidden, "Access denied to tenant")
			return
		}
		tenantID = req.TenantID
	case len(memberships) == 1:
		tenantID = memberships[0].TenantID
	case len(memberships) > 1:
		resp["requiresTenantSelection"] = true
	}

	access, refresh := s.newSession(id, tenantID, s.accessTTL)
	resp["token"] = access
	resp["refreshToken"] = refresh
	if tenantID != "" {
		resp["tenantContext"] = s.contextFor(id, tenantID)
	}
	ok(w, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	entered, gate := s.refreshEntered, s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sid, known := s.refreshIndex[req.RefreshToken]
	if s.failRefresh || !known {
		fail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	if _, live := s.sessions[sid]; !live {
		fail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	ok(w, map[string]any{"token": s.mint(sid, s.accessTTL), "expiresIn": int(s.accessTTL.Seconds())})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	okMessage(w, "If an account exists, a reset link has been sent")
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email, found := s.verifications[req.Token]
	if !found {
		fail(w, http.StatusBadRequest, "Invalid or expired verification token")
		return
	}
	delete(s.verifications, req.Token)
	if id, exists := s.byEmail[email]; exists {
		s.users[id].EmailVerified = true
	}
	okMessage(w, "Email verified")
}

const maxResends = 3

func (s *Server) handleSendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(req.Email)
	s.resends[key]++
	remaining := maxResends - s.resends[key]
	if remaining < 0 {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":       false,
			"error":         "Too many verification emails requested",
			"rateLimitInfo": map[string]any{"remainingAttempts": 0, "retryAfter": 60},
		})
		return
	}
	ok(w, map[string]any{"rateLimitInfo": map[string]any{"remainingAttempts": remaining}})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	s.mu.Lock()
	if sess, found := s.sessions[c.SessionID]; found {
		delete(s.refreshIndex, sess.refreshToken)
		delete(s.sessions, c.SessionID)
	}
	s.mu.Unlock()
	okMessage(w, "Logged out")
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	ok(w, map[string]any{"valid": true, "userId": c.Subject, "tenantId": c.TenantID})
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(w, s.membershipsOf(c.Subject))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	user, found := s.users[c.Subject]
	if !found {
		fail(w, http.StatusNotFound, "User not found")
		return
	}
	ok(w, user)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string           `json:"name"`
		Slug     string           `json:"slug"`
		PlanID   string           `json:"planId"`
		Settings *tenant.Settings `json:"settings"`
		Industry string           `json:"industry"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !tenant.IsValidSlug(req.Slug) {
		failFields(w, http.StatusBadRequest, "Validation failed", map[string]any{"slug": []string{"Invalid slug"}})
		return
	}

	c := claimsFrom(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Slug == req.Slug {
			failFields(w, http.StatusConflict, "Validation failed", map[string]any{"slug": []string{"Slug already taken"}})
			return
		}
	}

	t := s.addTenant(req.Name, req.Slug, req.PlanID)
	t.Status = tenant.StatusTrial
	if req.Settings != nil {
		t.Settings = *req.Settings
	}
	s.addMembership(c.Subject, t.ID, tenant.RoleOwner)

	resp := map[string]any{}
	raw, _ := json.Marshal(t)
	_ = json.Unmarshal(raw, &resp)
	if s.issueTokensOnCreate {
		access, refresh := s.newSession(c.Subject, t.ID, s.accessTTL)
		resp["tokens"] = map[string]string{"accessToken": access, "refreshToken": refresh}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": resp})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenantId"`
	}
	if !decode(w, r, &req) {
		return
	}

	c := claimsFrom(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.tenants[req.TenantID]; !found {
		fail(w, http.StatusNotFound, "Tenant not found")
		return
	}
	if _, member := tenant.FindMembership(s.memberships[c.Subject], req.TenantID); !member {
		fail(w, http.StatusForbidden, "Access denied to tenant")
		return
	}

	s.sessions[c.SessionID].tenantID = req.TenantID
	ok(w, map[string]any{
		"token":         s.mint(c.SessionID, s.accessTTL),
		"tenantContext": s.contextFor(c.Subject, req.TenantID),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c := claimsFrom(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validateFailures > 0 {
		s.validateFailures--
		fail(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	if s.validateStatus != 0 {
		fail(w, s.validateStatus, http.StatusText(s.validateStatus))
		return
	}
	if r.Header.Get("X-Tenant-ID") != id {
		fail(w, http.StatusBadRequest, "Tenant header does not match")
		return
	}
	if _, found := s.tenants[id]; !found {
		fail(w, http.StatusNotFound, "Tenant not found")
		return
	}
	if _, member := tenant.FindMembership(s.memberships[c.Subject], id); !member {
		fail(w, http.StatusForbidden, "Access denied to tenant")
		return
	}
	ok(w, map[string]any{"isValid": true})
}

// Helpers

func (s *Server) membershipsOf(userID string) []tenant.Membership {
	out := make([]tenant.Membership, 0, len(s.memberships[userID]))
	for _, m := range s.memberships[userID] {
		if t, found := s.tenants[m.TenantID]; found {
			tc := *t
			m.Tenant = &tc
		}
		out = append(out, m)
	}
	return out
}

func (s *Server) contextFor(userID, tenantID string) tenant.Context {
	t := *s.tenants[tenantID]
	m, _ := tenant.FindMembership(s.memberships[userID], tenantID)
	return tenant.Context{
		Tenant:     t,
		Membership: m,
		Features: tenant.Features{
			"attendance": true,
			"reports":    t.PlanID != "basic",
			"sso":        t.PlanID == "enterprise",
		},
		Subscription: &tenant.Subscription{
			PlanID: t.PlanID,
			Usage:  tenant.Usage{Users: int64(len(s.membersOf(tenantID)))},
			Limits: tenant.Limits{MaxUsers: 25, MaxEvents: 10000},
		},
	}
}

func (s *Server) membersOf(tenantID string) []string {
	var out []string
	for userID, ms := range s.memberships {
		if _, found := tenant.FindMembership(ms, tenantID); found {
			out = append(out, userID)
		}
	}
	return out
}

func claimsFrom(ctx context.Context) *claims {
	c, _ := ctx.Value(ctxKey{}).(*claims)
	if c == nil {
		return &claims{}
	}
	return c
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		fail(w, http.StatusBadRequest, "Malformed request body")
		return false
	}
	return true
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func okMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func failFields(w http.ResponseWriter, status int, msg string, fields map[string]any) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg, "errors": fields})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
