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
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/tenant"
)

// Domain errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoRefreshToken   = errors.New("no refresh token available")
	ErrMissingToken     = errors.New("response did not include an access token")
	ErrSessionExpired   = apiclient.ErrSessionExpired
)

// Status is the session state machine position
type Status int

const (
	Unauthenticated Status = iota
	AuthenticatedNoTenant
	AuthenticatedWithTenant
)

func (s Status) String() string {
	switch s {
	case AuthenticatedNoTenant:
		return "authenticated_no_tenant"
	case AuthenticatedWithTenant:
		return "authenticated_with_tenant"
	default:
		return "unauthenticated"
	}
}

// User is the profile snapshot of the signed-in user
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Role          string `json:"role,omitempty"`
	IsSuperAdmin  bool   `json:"isSuperAdmin,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

// DisplayName returns the user's full name, falling back to the email
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// AuthState is the snapshot delivered to listeners
type AuthState struct {
	User             *User               `json:"user"`
	TenantContext    *tenant.Context     `json:"tenantContext"`
	IsAuthenticated  bool                `json:"isAuthenticated"`
	AvailableTenants []tenant.Membership `json:"availableTenants"`
}

// Status derives the state machine position
func (s AuthState) Status() Status {
	switch {
	case !s.IsAuthenticated:
		return Unauthenticated
	case s.TenantContext == nil:
		return AuthenticatedNoTenant
	default:
		return AuthenticatedWithTenant
	}
}

// TokenPair is a freshly issued credential pair
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RegisterRequest is the self sign-up form
type RegisterRequest struct {
	FirstName       string `json:"firstName" validate:"required,max=50"`
	LastName        string `json:"lastName" validate:"required,max=50"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	AcceptTerms     bool   `json:"acceptTerms" validate:"required"`
}

// RegisterResult tells the caller how to continue after sign-up
type RegisterResult struct {
	Email            string `json:"email"`
	VerificationSent bool   `json:"verificationSent"`
	ExpiresIn        *int   `json:"expiresIn,omitempty"`
	CanResend        bool   `json:"canResend"`
	ActionRequired   string `json:"actionRequired"`
	NextStep         string `json:"nextStep"`
}

// LoginRequest holds the credentials for Login
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	TenantID   string `json:"tenantId,omitempty"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

type loginBody struct {
	LoginRequest
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

type loginResponse struct {
	User                    User                `json:"user"`
	Token                   string              `json:"token"`
	RefreshToken            string              `json:"refreshToken"`
	TenantContext           *tenant.Context     `json:"tenantContext,omitempty"`
	AvailableTenants        []tenant.Membership `json:"availableTenants,omitempty"`
	RequiresTenantSelection bool                `json:"requiresTenantSelection,omitempty"`
}

// LoginResult is returned to the caller of Login
type LoginResult struct {
	User                    *User
	TenantContext           *tenant.Context
	AvailableTenants        []tenant.Membership
	RequiresTenantSelection bool
}

type refreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
}

type switchResponse struct {
	Token         string          `json:"token"`
	TenantContext *tenant.Context `json:"tenantContext"`
}

// CreateTenantRequest is the organization registration form
type CreateTenantRequest struct {
	Name     string           `json:"name" validate:"required,min=2,max=100"`
	Slug     string           `json:"slug" validate:"required,slug"`
	PlanID   string           `json:"planId" validate:"required"`
	Settings *tenant.Settings `json:"settings,omitempty"`
	Size     string           `json:"size,omitempty" validate:"omitempty,oneof=1-10 11-50 51-200 201-1000 1000+"`
	Industry string           `json:"industry,omitempty" validate:"omitempty,max=100"`
}

// CreateTenantResult is the created tenant plus any tokens issued for it
type CreateTenantResult struct {
	Tenant tenant.Tenant
	Tokens *TokenPair
}

type createTenantResponse struct {
	tenant.Tenant
	Tokens *TokenPair `json:"tokens,omitempty"`
}

type rateLimitPayload struct {
	RemainingAttempts *int      `json:"remainingAttempts,omitempty"`
	ResetTime         time.Time `json:"resetTime,omitzero"`
	RetryAfter        int       `json:"retryAfter,omitempty"`
}

func cloneMemberships(in []tenant.Membership) []tenant.Membership {
	if in == nil {
		return nil
	}
	out := slices.Clone(in)
	for i := range out {
		out[i].Permissions = slices.Clone(out[i].Permissions)
		if out[i].Tenant != nil {
			t := *out[i].Tenant
			out[i].Tenant = &t
		}
	}
	return out
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
