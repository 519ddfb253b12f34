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

// Package cli implements the sessionctl commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentrusty/tenantsession/internal/app"
	"github.com/opentrusty/tenantsession/internal/config"
)

// Options configure the command tree
type Options struct {
	// Env replaces the process environment when non-nil
	Env map[string]string
	// LogOutput receives structured logs, stderr by default
	LogOutput io.Writer
}

type runtime struct {
	opts   Options
	output string
}

// NewRootCommand builds the sessionctl command tree
func NewRootCommand(opts Options) *cobra.Command {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	rt := &runtime{opts: opts}

	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Multi-tenant session client",
		Long: `sessionctl signs in to the tenant backend, keeps the session tokens in the
configured store and manages the active organization.

Configuration is read from the environment (API_BASE_URL, STORAGE_BACKEND, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rt.output, "output", "o", formatText, "output format: text, json or yaml")

	root.AddCommand(
		newLoginCmd(rt),
		newLogoutCmd(rt),
		newWhoamiCmd(rt),
		newTenantsCmd(rt),
		newSwitchCmd(rt),
		newCreateTenantCmd(rt),
		newRegisterCmd(rt),
		newForgotPasswordCmd(rt),
		newVerifyEmailCmd(rt),
		newServeCmd(rt),
		newMigrateCmd(rt),
	)
	return root
}

// ExecuteContext runs sessionctl against the process environment
func ExecuteContext(ctx context.Context) error {
	return NewRootCommand(Options{}).ExecuteContext(ctx)
}

func (rt *runtime) config() (*config.Config, error) {
	if rt.opts.Env != nil {
		return config.LoadFrom(rt.opts.Env)
	}
	return config.Load()
}

// withApp builds the stack, restores any stored session and runs fn
func (rt *runtime) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := rt.config()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, app.Options{LogOutput: rt.opts.LogOutput})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	a.Provider.Mount(ctx)
	return fn(a)
}

func requireSession(a *app.App) error {
	if !a.Provider.State().IsAuthenticated {
		return fmt.Errorf("not logged in, run 'sessionctl login' first")
	}
	return nil
}
