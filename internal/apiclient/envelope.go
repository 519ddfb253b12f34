package apiclient

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

type envelope struct {
	Success       bool                       `json:"success"`
	Data          json.RawMessage            `json:"data,omitempty"`
	Error         string                     `json:"error,omitempty"`
	Message       string                     `json:"message,omitempty"`
	Warning       string                     `json:"warning,omitempty"`
	Errors        map[string]json.RawMessage `json:"errors,omitempty"`
	RateLimitInfo *rateLimitWire             `json:"rateLimitInfo,omitempty"`
}

type rateLimitWire struct {
	RemainingAttempts *int      `json:"remainingAttempts,omitempty"`
	ResetTime         time.Time `json:"resetTime,omitzero"`
	RetryAfter        int       `json:"retryAfter,omitempty"`
}

func (w *rateLimitWire) info() *RateLimitInfo {
	if w == nil {
		return nil
	}
	return &RateLimitInfo{
		Remaining:  w.RemainingAttempts,
		ResetAt:    w.ResetTime,
		RetryAfter: time.Duration(w.RetryAfter) * time.Second,
	}
}

// fieldErrors reduces backend field errors to one message per field. Values
// may be a string or a list of strings.
func fieldErrors(raw map[string]json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for field, v := range raw {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			if len(list) > 0 {
				out[field] = list[0]
			}
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			out[field] = s
		}
	}
	return out
}

// firstFieldError returns the message of the alphabetically first field
func firstFieldError(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fields[names[0]]
}

func decodeEnvelope(body []byte) (*envelope, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	return &env, true
}

func newAPIError(status int, env *envelope, body []byte, h http.Header) *APIError {
	e := &APIError{StatusCode: status}
	if env != nil {
		e.Fields = fieldErrors(env.Errors)
		e.Message = firstNonEmpty(firstFieldError(e.Fields), env.Error, env.Message)
		e.RateLimit = env.RateLimitInfo.info()
	} else if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 200 {
		e.Message = s
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if e.Message == "" {
		e.Message = "request failed with status " + strconv.Itoa(status)
	}
	e.RateLimit = mergeRateLimit(e.RateLimit, rateLimitFromHeaders(h, time.Now()))
	return e
}

func rateLimitFromHeaders(h http.Header, now time.Time) *RateLimitInfo {
	var info RateLimitInfo
	found := false

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(secs) * time.Second
			found = true
		} else if at, err := http.ParseTime(v); err == nil {
			info.RetryAfter = at.Sub(now)
			found = true
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = &n
			found = true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetAt = time.Unix(ts, 0)
			found = true
		}
	}

	if !found {
		return nil
	}
	return &info
}

// mergeRateLimit fills gaps in a from b
func mergeRateLimit(a, b *RateLimitInfo) *RateLimitInfo {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	if a.Remaining == nil {
		a.Remaining = b.Remaining
	}
	if a.ResetAt.IsZero() {
		a.ResetAt = b.ResetAt
	}
	if a.RetryAfter == 0 {
		a.RetryAfter = b.RetryAfter
	}
	return a
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
