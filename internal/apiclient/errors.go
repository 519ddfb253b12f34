package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNetwork matches every transport-level failure
	ErrNetwork = errors.New("network error")
	// ErrSessionExpired is returned when a 401 could not be recovered by a refresh
	ErrSessionExpired = errors.New("session expired")
)

// NetworkError wraps a failure to reach the backend
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// RateLimitInfo describes backend throttling
type RateLimitInfo struct {
	Remaining  *int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// APIError is a failure reported by the backend
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string]string
	RateLimit  *RateLimitInfo
}

func (e *APIError) Error() string {
	return e.Message
}

// IsRateLimited reports whether err is a throttling response
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// RateLimitInfoOf extracts throttling metadata from err
func RateLimitInfoOf(err error) (*RateLimitInfo, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RateLimit != nil {
		return apiErr.RateLimit, true
	}
	return nil, false
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
