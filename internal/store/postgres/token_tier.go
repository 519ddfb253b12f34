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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TokenTier is a durable token tier shared by every host using the same
// database. Rows are namespaced by profile.
type TokenTier struct {
	db      *DB
	profile string
}

// NewTokenTier creates a token tier for profile
func NewTokenTier(db *DB, profile string) *TokenTier {
	return &TokenTier{db: db, profile: profile}
}

// Get returns the value stored under key
func (r *TokenTier) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.pool.QueryRow(ctx, `
		SELECT value FROM client_tokens
		WHERE profile = $1 AND key = $2
	`, r.profile, key).Scan(&value)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get token %s: %w", key, err)
	}

	return value, true, nil
}

// Set upserts key
func (r *TokenTier) Set(ctx context.Context, key, value string) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO client_tokens (profile, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, r.profile, key, value)

	if err != nil {
		return fmt.Errorf("failed to set token %s: %w", key, err)
	}

	return nil
}

// Delete removes keys
func (r *TokenTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := r.db.pool.Exec(ctx, `
		DELETE FROM client_tokens WHERE profile = $1 AND key = ANY($2)
	`, r.profile, keys)

	if err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}

	return nil
}

// Prune deletes rows of every profile not written since before
func (r *TokenTier) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM client_tokens WHERE updated_at < $1
	`, before)

	if err != nil {
		return 0, fmt.Errorf("failed to prune tokens: %w", err)
	}

	return result.RowsAffected(), nil
}
