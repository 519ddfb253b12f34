package tenant

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrInvalidSlug     = errors.New("tenant slug must be lowercase alphanumeric with single hyphens")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrNotMember       = errors.New("user is not a member of the tenant")
	ErrTenantMismatch  = errors.New("tenant context does not match requested tenant")
	ErrMissingTenantID = errors.New("tenant id is required")
)

// Tenant represents an isolated organization account
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Status    string    `json:"status"`
	PlanID    string    `json:"planId"`
	Settings  Settings  `json:"settings"`
	Branding  *Branding `json:"branding,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Settings holds regional preferences of a tenant
type Settings struct {
	Timezone string `json:"timezone,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Branding is purely presentational and never affects session correctness.
type Branding struct {
	PrimaryColor   string `json:"primaryColor,omitempty"`
	SecondaryColor string `json:"secondaryColor,omitempty"`
	FaviconURL     string `json:"faviconUrl,omitempty"`
	LogoURL        string `json:"logoUrl,omitempty"`
}

// Status constants
const (
	StatusActive    = "active"
	StatusTrial     = "trial"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// IsActive reports whether the tenant can be used for a session
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive || t.Status == StatusTrial
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug checks the slug format: lowercase alphanumerics separated by single hyphens.
func ValidateSlug(slug string) error {
	if !IsValidSlug(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// IsValidSlug is the boolean form of ValidateSlug.
func IsValidSlug(slug string) bool {
	return len(slug) <= 63 && slugPattern.MatchString(slug)
}
