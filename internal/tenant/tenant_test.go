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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPurpose: Validates the slug format rules.
// Scope: Unit Test
// Expected: Only lowercase alphanumerics separated by single hyphens are accepted.
// Test Case ID: TEN-01
func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug  string
		valid bool
	}{
		{"acme", true},
		{"acme-corp", true},
		{"a1-b2-c3", true},
		{"Acme", false},
		{"-acme", false},
		{"acme-", false},
		{"acme--corp", false},
		{"acme corp", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidSlug(tt.slug))
			if tt.valid {
				assert.NoError(t, ValidateSlug(tt.slug))
			} else {
				assert.ErrorIs(t, ValidateSlug(tt.slug), ErrInvalidSlug)
			}
		})
	}
}

// TestPurpose: Validates that permission checks are exact and nil-safe.
// Scope: Unit Test
// Security: Authorization predicate correctness
// Expected: Only listed permissions match; a nil membership has none.
// Test Case ID: TEN-02
func TestMembership_HasPermission(t *testing.T) {
	m := &Membership{TenantID: "t1", Role: RoleManager, Permissions: DefaultPermissions(RoleManager)}

	assert.True(t, m.HasPermission(PermAttendanceManage))
	assert.False(t, m.HasPermission(PermBillingManage))
	assert.False(t, m.HasPermission("attendance:*"))

	var none *Membership
	assert.False(t, none.HasPermission(PermUsersView))
}

// TestPurpose: Validates role name checking against the known set.
// Scope: Unit Test
// Expected: The five defined roles are valid; anything else is not.
// Test Case ID: TEN-03
func TestIsValidRole(t *testing.T) {
	for _, r := range []string{RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleViewer} {
		assert.True(t, IsValidRole(r), r)
		assert.NotEmpty(t, DefaultPermissions(r), r)
	}
	assert.False(t, IsValidRole("superuser"))
	assert.Nil(t, DefaultPermissions("superuser"))
}

// TestPurpose: Validates that a cloned context does not share mutable state.
// Scope: Unit Test
// Expected: Mutating the clone leaves the original untouched.
// Test Case ID: TEN-04
func TestContext_Clone(t *testing.T) {
	orig := &Context{
		Tenant:     Tenant{ID: "t1", Branding: &Branding{PrimaryColor: "#111"}},
		Membership: Membership{TenantID: "t1", Permissions: []string{PermUsersView}},
		Features:   Features{"reports": true},
	}

	c := orig.Clone()
	c.Tenant.Branding.PrimaryColor = "#222"
	c.Membership.Permissions[0] = PermBillingManage
	c.Features["reports"] = false

	assert.Equal(t, "#111", orig.Tenant.Branding.PrimaryColor)
	assert.Equal(t, PermUsersView, orig.Membership.Permissions[0])
	assert.True(t, orig.Features.Enabled("reports"))

	var nilCtx *Context
	assert.Nil(t, nilCtx.Clone())
	assert.Equal(t, "", nilCtx.TenantID())
}

// TestPurpose: Validates subscription guard predicates.
// Scope: Unit Test
// Expected: Zero limits are unlimited; reaching a limit counts as exceeded.
// Test Case ID: TEN-05
func TestSubscription_Guards(t *testing.T) {
	s := &Subscription{
		Usage:  Usage{Users: 10, Events: 3},
		Limits: Limits{MaxUsers: 10, MaxEvents: 5},
	}

	assert.True(t, s.Exceeded(ResourceUsers))
	assert.Equal(t, int64(2), s.Remaining(ResourceEvents))
	assert.Equal(t, int64(-1), s.Remaining(ResourceStorage))
	assert.False(t, s.Exceeded(ResourceAPICalls))

	var none *Subscription
	assert.Equal(t, int64(-1), none.Remaining(ResourceUsers))
}
