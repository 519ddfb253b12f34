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

// Package app assembles the session stack from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/audit"
	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/config"
	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/observability/metrics"
	"github.com/opentrusty/tenantsession/internal/observability/tracing"
	"github.com/opentrusty/tenantsession/internal/onboarding"
	"github.com/opentrusty/tenantsession/internal/sessionctx"
	"github.com/opentrusty/tenantsession/internal/store/postgres"
	"github.com/opentrusty/tenantsession/internal/tokenstore"
)

// App holds the wired components
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Tracer    *tracing.Tracer
	Store     *tokenstore.Store
	Client    *apiclient.Client
	Auth      *auth.Service
	Sequencer *onboarding.Sequencer
	Provider  *sessionctx.Provider

	// DB is nil unless the postgres backend is selected
	DB *postgres.DB
}

// Options tune Build for the calling command
type Options struct {
	// LogOutput defaults to stderr
	LogOutput io.Writer
}

// Build wires every component. The provider is not mounted.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	l := logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Output:      opts.LogOutput,
		OTelEnabled: cfg.Observability.OTELEnabled,
	})

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   cfg.Observability.SamplingRate,
		EndpointURL:    cfg.Observability.EndpointURL,
	})
	if err != nil {
		l.Warn("failed to initialize tracer, continuing without tracing", logger.Error(err))
		tracer = tracing.Noop()
	}

	meter, err := metrics.New(ctx, metrics.Config{Enabled: cfg.Observability.OTELEnabled}, cfg.Observability.ServiceName)
	if err != nil {
		l.Warn("failed to initialize meter", logger.Error(err))
		meter = metrics.Noop()
	}
	clientInst, err := metrics.NewClientInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("create client instruments: %w", err)
	}
	sessionInst, err := metrics.NewSessionInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("create session instruments: %w", err)
	}

	a := &App{Config: cfg, Logger: l, Tracer: tracer}

	durable, err := a.durableTier(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Store = tokenstore.New(durable, tokenstore.NewMemoryTier(), l)

	a.Client = apiclient.New(apiclient.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		UserAgent:         cfg.API.UserAgent,
	},
		apiclient.WithLogger(l),
		apiclient.WithTracer(tracer),
		apiclient.WithInstruments(clientInst),
	)

	a.Auth = auth.NewService(a.Client, a.Store,
		auth.WithLogger(l),
		auth.WithAudit(audit.NewSlogLogger(l)),
		auth.WithDevice(auth.ParseDevice(a.Client.UserAgent(), auth.InstallationID())),
		auth.WithInstruments(sessionInst),
	)

	a.Sequencer = onboarding.NewSequencer(a.Client, a.Store, onboarding.NewBus(), onboarding.Config{
		DashboardPath: cfg.Onboarding.DashboardPath,
		SettleDelay:   cfg.Onboarding.SettleDelay,
		Retry: onboarding.RetryPolicy{
			Base:        cfg.Onboarding.RetryBase,
			MaxAttempts: cfg.Onboarding.MaxAttempts,
		},
	},
		onboarding.WithLogger(l),
		onboarding.WithTracer(tracer),
		onboarding.WithInstruments(sessionInst),
	)

	a.Provider = sessionctx.NewProvider(a.Auth, a.Sequencer,
		sessionctx.WithLogger(l),
		sessionctx.WithBrander(sessionctx.LogBrander{Logger: l}),
		sessionctx.WithSoftTimeout(cfg.Onboarding.SoftTimeout),
		sessionctx.WithDeveloperOverride(cfg.Debug.PermissionOverride),
	)

	return a, nil
}

func (a *App) durableTier(ctx context.Context) (tokenstore.Tier, error) {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return tokenstore.NewMemoryTier(), nil
	case config.StoragePostgres:
		db, err := postgres.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect token database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate token database: %w", err)
		}
		a.DB = db
		return postgres.NewTokenTier(db, cfg.Storage.Profile), nil
	default:
		return tokenstore.NewFileTier(cfg.Storage.Dir, cfg.Storage.Profile, cfg.Storage.Passphrase), nil
	}
}

// Close releases the database pool and flushes traces
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Provider != nil {
		a.Provider.Unmount()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Tracer != nil {
		errs = append(errs, a.Tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
