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

package tenant

import "maps"

// Features maps feature names to their enabled flag
type Features map[string]bool

// Enabled reports whether the feature is explicitly enabled
func (f Features) Enabled(name string) bool {
	return f[name]
}

// Context bundles everything the session knows about the active tenant
type Context struct {
	Tenant       Tenant        `json:"tenant"`
	Membership   Membership    `json:"membership"`
	Features     Features      `json:"features"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// TenantID returns the id of the tenant, or "" for a nil context
func (c *Context) TenantID() string {
	if c == nil {
		return ""
	}
	return c.Tenant.ID
}

// Clone returns a deep copy so listeners cannot mutate session state
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.Tenant.Branding != nil {
		b := *c.Tenant.Branding
		out.Tenant.Branding = &b
	}
	out.Membership.Permissions = append([]string(nil), c.Membership.Permissions...)
	out.Membership.Tenant = nil
	out.Features = maps.Clone(c.Features)
	if c.Subscription != nil {
		s := *c.Subscription
		out.Subscription = &s
	}
	return &out
}

// Usage is the consumption reported by the backend
type Usage struct {
	Users    int64 `json:"users"`
	Events   int64 `json:"events"`
	Storage  int64 `json:"storage"`
	APICalls int64 `json:"apiCalls"`
}

// Limits is the plan allowance; zero means unlimited
type Limits struct {
	MaxUsers         int64 `json:"maxUsers"`
	MaxEvents        int64 `json:"maxEvents"`
	MaxStorage       int64 `json:"maxStorage"`
	APICallsPerMonth int64 `json:"apiCallsPerMonth"`
}

// Resource names a metered dimension of a subscription
type Resource string

const (
	ResourceUsers    Resource = "users"
	ResourceEvents   Resource = "events"
	ResourceStorage  Resource = "storage"
	ResourceAPICalls Resource = "apiCalls"
)

// Subscription is read-only on the client and only drives guards
type Subscription struct {
	PlanID string `json:"planId,omitempty"`
	Usage  Usage  `json:"usage"`
	Limits Limits `json:"limits"`
}

func (s *Subscription) pair(r Resource) (used, limit int64) {
	switch r {
	case ResourceUsers:
		return s.Usage.Users, s.Limits.MaxUsers
	case ResourceEvents:
		return s.Usage.Events, s.Limits.MaxEvents
	case ResourceStorage:
		return s.Usage.Storage, s.Limits.MaxStorage
	case ResourceAPICalls:
		return s.Usage.APICalls, s.Limits.APICallsPerMonth
	}
	return 0, 0
}

// Remaining returns how much of r is left, or -1 when unlimited
func (s *Subscription) Remaining(r Resource) int64 {
	if s == nil {
		return -1
	}
	used, limit := s.pair(r)
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// Exceeded reports whether usage of r reached its limit
func (s *Subscription) Exceeded(r Resource) bool {
	return s.Remaining(r) == 0
}
