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
	"slices"
	"time"
)

// Membership Roles
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleViewer  = "viewer"
)

// Permission names understood by the attendance backend
const (
	PermUsersView        = "users:view"
	PermUsersManage      = "users:manage"
	PermAttendanceView   = "attendance:view"
	PermAttendanceRecord = "attendance:record"
	PermAttendanceManage = "attendance:manage"
	PermReportsView      = "reports:view"
	PermReportsExport    = "reports:export"
	PermSettingsManage   = "settings:manage"
	PermBillingManage    = "billing:manage"
)

// Membership links a user to a tenant with a role and a permission set
type Membership struct {
	TenantID    string    `json:"tenantId"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	IsActive    bool      `json:"isActive"`
	JoinedAt    time.Time `json:"joinedAt"`
	Tenant      *Tenant   `json:"tenant,omitempty"`
}

// HasPermission reports whether the permission set contains name.
// No wildcard expansion happens on the client; the backend owns role mapping.
func (m *Membership) HasPermission(name string) bool {
	if m == nil {
		return false
	}
	return slices.Contains(m.Permissions, name)
}

// IsValidRole checks the role against the known role names
func IsValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleViewer:
		return true
	}
	return false
}

// DefaultPermissions returns the permission set the backend grants a role
// at membership creation. The client only uses it to seed fixtures.
func DefaultPermissions(role string) []string {
	switch role {
	case RoleOwner:
		return []string{
			PermUsersView, PermUsersManage,
			PermAttendanceView, PermAttendanceRecord, PermAttendanceManage,
			PermReportsView, PermReportsExport,
			PermSettingsManage, PermBillingManage,
		}
	case RoleAdmin:
		return []string{
			PermUsersView, PermUsersManage,
			PermAttendanceView, PermAttendanceRecord, PermAttendanceManage,
			PermReportsView, PermReportsExport,
			PermSettingsManage,
		}
	case RoleManager:
		return []string{
			PermUsersView,
			PermAttendanceView, PermAttendanceRecord, PermAttendanceManage,
			PermReportsView,
		}
	case RoleMember:
		return []string{PermAttendanceView, PermAttendanceRecord}
	case RoleViewer:
		return []string{PermAttendanceView}
	}
	return nil
}

// FindMembership returns the membership for tenantID, if any
func FindMembership(memberships []Membership, tenantID string) (Membership, bool) {
	for _, m := range memberships {
		if m.TenantID == tenantID {
			return m, true
		}
	}
	return Membership{}, false
}
