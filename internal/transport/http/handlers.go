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

// Package http is the loopback gateway exposing the session context to
// local tools. Responses use the {success, data, error} envelope.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/onboarding"
	"github.com/opentrusty/tenantsession/internal/sessionctx"
	"github.com/opentrusty/tenantsession/internal/tenant"
)

// Provider is the session context served by the gateway
type Provider interface {
	State() sessionctx.State
	HasPermission(name string) bool
	HasFeature(name string) bool
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	Logout(ctx context.Context) error
	SwitchTenant(ctx context.Context, tenantID string) (*tenant.Context, error)
	CreateTenant(ctx context.Context, req auth.CreateTenantRequest) (*auth.CreateTenantResult, error)
	CompleteOnboarding(ctx context.Context, tenantID string, tokens *auth.TokenPair) onboarding.Result
	RefreshTenants(ctx context.Context) ([]tenant.Membership, error)
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(provider Provider, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{provider: provider, logger: l.With(logger.Component("gateway"))}
}

// NewRouter creates the gateway router
func NewRouter(h *Handler, rateLimiter *RateLimiter, timeout time.Duration) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", h.HealthCheck)

	r.Route("/session", func(r chi.Router) {
		r.Use(CSRFMiddleware)

		r.Get("/", h.GetSession)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)

			r.Post("/logout", h.Logout)
			r.Get("/tenants", h.ListTenants)
			r.Post("/tenants", h.CreateTenant)
			r.Post("/tenants/switch", h.SwitchTenant)

			r.Group(func(r chi.Router) {
				r.Use(RequireTenant)
				r.Get("/permissions/{name}", h.CheckPermission)
				r.Get("/features/{name}", h.CheckFeature)
			})
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sessionctl",
	})
}

// GetSession returns the current session state
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.provider.State())
}

// Login authenticates the session
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.provider.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user":                    res.User,
		"tenantContext":           res.TenantContext,
		"availableTenants":        res.AvailableTenants,
		"requiresTenantSelection": res.RequiresTenantSelection,
	})
}

// Logout ends the session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.Logout(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	respondMessage(w, "logged out successfully")
}

// ListTenants reloads and returns the memberships
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	memberships, err := h.provider.RefreshTenants(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, memberships)
}

// CreateTenant registers a tenant and runs onboarding for it
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.provider.CreateTenant(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res := h.provider.CompleteOnboarding(r.Context(), created.Tenant.ID, created.Tokens)
	if !res.Success && res.Error != nil {
		h.logger.WarnContext(r.Context(), "tenant created but onboarding failed",
			logger.UserID(GetUserID(r.Context())), logger.TenantID(created.Tenant.ID), logger.ErrorType(string(res.Error.Type)))
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"tenant":     created.Tenant,
		"onboarding": res,
	})
}

type switchRequest struct {
	TenantID string `json:"tenantId"`
}

// SwitchTenant changes the active tenant
func (h *Handler) SwitchTenant(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	tc, err := h.provider.SwitchTenant(r.Context(), req.TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tc)
}

// CheckPermission reports whether the active membership grants a permission
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	respondJSON(w, http.StatusOK, map[string]any{
		"tenantId": GetTenantID(r.Context()),
		"name":     name,
		"granted":  h.provider.HasPermission(name),
	})
}

// CheckFeature reports whether the active tenant enables a feature
func (h *Handler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	respondJSON(w, http.StatusOK, map[string]any{
		"tenantId": GetTenantID(r.Context()),
		"name":     name,
		"enabled":  h.provider.HasFeature(name),
	})
}

// fail maps a session error to a response
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *auth.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, envelope{
			Error:  verr.Message,
			Errors: map[string][]string{verr.Field: {verr.Message}},
		})
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "session operation failed", logger.Path(r.URL.Path), logger.Error(err))
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, apiclient.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, apiclient.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, tenant.ErrTenantMismatch):
		return http.StatusBadGateway
	case errors.Is(err, tenant.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrMissingTenantID), errors.Is(err, tenant.ErrInvalidSlug):
		return http.StatusBadRequest
	}
	if status := apiclient.StatusOf(err); status >= 400 && status < 500 {
		return status
	} else if status >= 500 {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Success bool                `json:"success"`
	Data    any                 `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, ok := data.(envelope)
	if !ok {
		body = envelope{Success: status < 400, Data: data}
	}
	json.NewEncoder(w).Encode(body)
}

func respondMessage(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusOK, envelope{Success: true, Message: message})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, envelope{Error: message})
}
