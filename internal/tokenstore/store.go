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

// Package tokenstore persists session credentials across a durable and an
// ephemeral tier. For any logical key at most one tier holds a value.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opentrusty/tenantsession/internal/observability/logger"
)

// Persisted keys
const (
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyRememberMe      = "rememberMe"
	KeyCurrentTenantID = "currentTenantId"
)

// Keys lists every key the store writes
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyRememberMe, KeyCurrentTenantID}

// Scope selects a persistence tier
type Scope int

const (
	Ephemeral Scope = iota
	Durable
)

func (s Scope) String() string {
	if s == Durable {
		return "durable"
	}
	return "ephemeral"
}

// Other returns the opposite scope
func (s Scope) Other() Scope {
	if s == Durable {
		return Ephemeral
	}
	return Durable
}

// ScopeFor maps a remember-me flag to a scope
func ScopeFor(rememberMe bool) Scope {
	if rememberMe {
		return Durable
	}
	return Ephemeral
}

// Tier is a flat key-value persistence backend
type Tier interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Tokens is the credential pair read back from storage
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Scope        Scope
}

// Store coordinates the two tiers
type Store struct {
	mu     sync.Mutex
	tiers  [2]Tier
	logger *slog.Logger
}

// New creates a store over the given tiers
func New(durable, ephemeral Tier, l *slog.Logger) *Store {
	if l == nil {
		l = slog.Default()
	}
	s := &Store{logger: l.With(logger.Component("tokenstore"))}
	s.tiers[Durable] = durable
	s.tiers[Ephemeral] = ephemeral
	return s
}

// NewInMemory returns a store whose tiers both live in process memory
func NewInMemory() *Store {
	return New(NewMemoryTier(), NewMemoryTier(), nil)
}

// Tier returns the backend for scope
func (s *Store) Tier(scope Scope) Tier {
	return s.tiers[scope]
}

// SetTokens writes the credentials to the tier selected by scope and
// removes every key from the other tier. A tenant id held by the other
// tier moves along with the credentials.
func (s *Store) SetTokens(ctx context.Context, access, refresh string, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, other := s.tiers[scope], s.tiers[scope.Other()]

	tenantID, movedTenant, err := other.Get(ctx, KeyCurrentTenantID)
	if err != nil {
		return fmt.Errorf("read %s tier: %w", scope.Other(), err)
	}

	writes := []struct{ key, value string }{
		{KeyAccessToken, access},
		{KeyRefreshToken, refresh},
		{KeyRememberMe, fmt.Sprint(scope == Durable)},
	}
	if movedTenant {
		writes = append(writes, struct{ key, value string }{KeyCurrentTenantID, tenantID})
	}
	for _, w := range writes {
		if w.key == KeyRefreshToken && w.value == "" {
			if err := target.Delete(ctx, KeyRefreshToken); err != nil {
				return fmt.Errorf("write %s tier: %w", scope, err)
			}
			continue
		}
		if err := target.Set(ctx, w.key, w.value); err != nil {
			return fmt.Errorf("write %s tier: %w", scope, err)
		}
	}

	if err := other.Delete(ctx, Keys...); err != nil {
		return fmt.Errorf("clear %s tier: %w", scope.Other(), err)
	}

	s.logger.DebugContext(ctx, "tokens stored", logger.Scope(scope.String()))
	return nil
}

// SetAccessToken replaces the access token in the active tier, keeping the
// refresh token and scope.
func (s *Store) SetAccessToken(ctx context.Context, access string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, err := s.activeScope(ctx)
	if err != nil {
		return err
	}
	if err := s.tiers[scope].Set(ctx, KeyAccessToken, access); err != nil {
		return fmt.Errorf("write %s tier: %w", scope, err)
	}
	return nil
}

// StoreCurrentTenant writes the tenant id to the tier holding the
// remember-me flag, or to the ephemeral tier when neither does.
func (s *Store) StoreCurrentTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, err := s.activeScope(ctx)
	if err != nil {
		return err
	}
	if err := s.tiers[scope].Set(ctx, KeyCurrentTenantID, tenantID); err != nil {
		return fmt.Errorf("write %s tier: %w", scope, err)
	}
	if err := s.tiers[scope.Other()].Delete(ctx, KeyCurrentTenantID); err != nil {
		return fmt.Errorf("clear %s tier: %w", scope.Other(), err)
	}
	return nil
}

// Load reads the credentials, preferring the durable tier. ok is false when
// neither tier holds an access or refresh token.
func (s *Store) Load(ctx context.Context) (tokens Tokens, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, scope := range []Scope{Durable, Ephemeral} {
		tier := s.tiers[scope]
		access, hasAccess, err := tier.Get(ctx, KeyAccessToken)
		if err != nil {
			return Tokens{}, false, fmt.Errorf("read %s tier: %w", scope, err)
		}
		refresh, hasRefresh, err := tier.Get(ctx, KeyRefreshToken)
		if err != nil {
			return Tokens{}, false, fmt.Errorf("read %s tier: %w", scope, err)
		}
		if hasAccess || hasRefresh {
			return Tokens{AccessToken: access, RefreshToken: refresh, Scope: scope}, true, nil
		}
	}
	return Tokens{}, false, nil
}

// CurrentTenant returns the persisted tenant id, durable tier first
func (s *Store) CurrentTenant(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, scope := range []Scope{Durable, Ephemeral} {
		id, ok, err := s.tiers[scope].Get(ctx, KeyCurrentTenantID)
		if err != nil {
			return "", fmt.Errorf("read %s tier: %w", scope, err)
		}
		if ok {
			return id, nil
		}
	}
	return "", nil
}

// ActiveScope reports which tier holds the remember-me flag
func (s *Store) ActiveScope(ctx context.Context) (Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeScope(ctx)
}

func (s *Store) activeScope(ctx context.Context) (Scope, error) {
	_, ok, err := s.tiers[Durable].Get(ctx, KeyRememberMe)
	if err != nil {
		return Ephemeral, fmt.Errorf("read durable tier: %w", err)
	}
	if ok {
		return Durable, nil
	}
	return Ephemeral, nil
}

// Clear deletes every key from both tiers regardless of the active scope
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, scope := range []Scope{Durable, Ephemeral} {
		if err := s.tiers[scope].Delete(ctx, Keys...); err != nil {
			errs = append(errs, fmt.Errorf("clear %s tier: %w", scope, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "tokens cleared")
	return nil
}
