package onboarding

import (
	"context"
	"errors"
	"net/http"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/tenant"
)

// ErrorType classifies onboarding failures for the caller
type ErrorType string

const (
	ErrTenantCreationFailed ErrorType = "TENANT_CREATION_FAILED"
	ErrTokenSyncFailed      ErrorType = "TOKEN_SYNC_FAILED"
	ErrDashboardAccess      ErrorType = "DASHBOARD_ACCESS_DENIED"
	ErrNetwork              ErrorType = "NETWORK_ERROR"
	ErrValidation           ErrorType = "VALIDATION_ERROR"
	ErrTenantNotFound       ErrorType = "TENANT_NOT_FOUND"
)

type classification struct {
	retryable bool
	action    string
}

var taxonomy = map[ErrorType]classification{
	ErrTenantCreationFailed: {true, "Try creating the organization again. If the problem persists, contact support."},
	ErrTokenSyncFailed:      {true, "Sign out and sign in again to load your new organization."},
	ErrDashboardAccess:      {false, "Ask an administrator of the organization for access, or contact support."},
	ErrNetwork:              {true, "Check your connection and try again."},
	ErrValidation:           {false, "Correct the highlighted fields and submit again."},
	ErrTenantNotFound:       {false, "Create a new organization or return to the home page."},
}

// Error is a classified onboarding failure
type Error struct {
	Type            ErrorType `json:"type"`
	Message         string    `json:"message"`
	Retryable       bool      `json:"retryable"`
	SuggestedAction string    `json:"suggestedAction"`
	Err             error     `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with the default retry policy and action for t
func NewError(t ErrorType, message string, err error) *Error {
	c := taxonomy[t]
	return &Error{Type: t, Message: message, Retryable: c.retryable, SuggestedAction: c.action, Err: err}
}

// Classify converts any error returned during onboarding into an *Error.
// It returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	var verr *auth.ValidationError
	if errors.As(err, &verr) {
		return NewError(ErrValidation, verr.Error(), err)
	}

	switch {
	case errors.Is(err, apiclient.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return NewError(ErrNetwork, "Unable to reach the server", err)
	case errors.Is(err, tenant.ErrTenantNotFound):
		return NewError(ErrTenantNotFound, "The organization could not be found", err)
	case errors.Is(err, apiclient.ErrSessionExpired),
		errors.Is(err, auth.ErrNotAuthenticated),
		errors.Is(err, tenant.ErrTenantMismatch),
		errors.Is(err, tenant.ErrNotMember):
		return NewError(ErrDashboardAccess, err.Error(), err)
	case errors.Is(err, tenant.ErrInvalidSlug),
		errors.Is(err, tenant.ErrMissingTenantID):
		return NewError(ErrValidation, err.Error(), err)
	}

	switch status := apiclient.StatusOf(err); {
	case status == http.StatusNotFound:
		return NewError(ErrTenantNotFound, "The organization could not be found", err)
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return NewError(ErrDashboardAccess, "You do not have access to this organization", err)
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return NewError(ErrValidation, err.Error(), err)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return NewError(ErrNetwork, err.Error(), err)
	}
	return NewError(ErrTenantCreationFailed, err.Error(), err)
}
