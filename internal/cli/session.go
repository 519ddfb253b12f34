package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opentrusty/tenantsession/internal/app"
	"github.com/opentrusty/tenantsession/internal/auth"
	"github.com/opentrusty/tenantsession/internal/sessionctx"
	"github.com/opentrusty/tenantsession/internal/tenant"
)

func newLoginCmd(rt *runtime) *cobra.Command {
	var req auth.LoginRequest
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and select a tenant",
		Long: `Sign in with email and password. When --password is omitted it is read
from the first line of standard input.

Examples:
  sessionctl login --email ada@example.com --remember
  echo "$PASSWORD" | sessionctl login --email ada@example.com --tenant <id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				pw, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				req.Password = pw
			}
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Provider.Login(cmd.Context(), req)
				if err != nil {
					return err
				}
				return rt.render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Logged in as %s\n", res.User.Email)
					if res.RequiresTenantSelection {
						fmt.Fprintln(w, "Select a tenant with 'sessionctl switch <tenant>':")
						printMemberships(w, res.AvailableTenants, "")
						return
					}
					if res.TenantContext != nil {
						fmt.Fprintf(w, "Tenant: %s (%s)\n", res.TenantContext.Tenant.Name, res.TenantContext.Tenant.Slug)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password")
	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "tenant id to select")
	cmd.Flags().BoolVar(&req.RememberMe, "remember", false, "keep the session across restarts")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Provider.Logout(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func newWhoamiCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				state := a.Provider.State()
				return rt.render(cmd.OutOrStdout(), state, func(w io.Writer) {
					printState(w, state)
				})
			})
		},
	}
}

func newTenantsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List the organizations you belong to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				if err := requireSession(a); err != nil {
					return err
				}
				memberships, err := a.Provider.RefreshTenants(cmd.Context())
				if err != nil {
					return err
				}
				return rt.render(cmd.OutOrStdout(), memberships, func(w io.Writer) {
					printMemberships(w, memberships, a.Auth.TenantID())
				})
			})
		},
	}
}

func newSwitchCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <tenant-id|slug>",
		Short: "Change the active tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				if err := requireSession(a); err != nil {
					return err
				}
				id := resolveTenant(a.Provider.State().AvailableTenants, args[0])
				tc, err := a.Provider.SwitchTenant(cmd.Context(), id)
				if err != nil {
					return err
				}
				return rt.render(cmd.OutOrStdout(), tc, func(w io.Writer) {
					fmt.Fprintf(w, "Switched to %s (%s) as %s\n", tc.Tenant.Name, tc.Tenant.Slug, tc.Membership.Role)
				})
			})
		},
	}
}

func newCreateTenantCmd(rt *runtime) *cobra.Command {
	var req auth.CreateTenantRequest
	cmd := &cobra.Command{
		Use:   "create-tenant",
		Short: "Register an organization and switch to it",
		Long: `Create an organization, wait until the backend confirms access and make it
the active tenant.

Examples:
  sessionctl create-tenant --name "Acme Corp" --slug acme --plan basic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				if err := requireSession(a); err != nil {
					return err
				}
				created, err := a.Provider.CreateTenant(cmd.Context(), req)
				if err != nil {
					return err
				}
				res := a.Provider.CompleteOnboarding(cmd.Context(), created.Tenant.ID, created.Tokens)
				if !res.Success {
					return fmt.Errorf("tenant %s created but onboarding failed: %w", created.Tenant.Slug, res.Error)
				}
				return rt.render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Created %s (%s)\n", created.Tenant.Name, created.Tenant.ID)
					fmt.Fprintf(w, "Continue at %s\n", res.RedirectURL)
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "organization name")
	cmd.Flags().StringVar(&req.Slug, "slug", "", "url-safe identifier")
	cmd.Flags().StringVar(&req.PlanID, "plan", "", "subscription plan id")
	cmd.Flags().StringVar(&req.Size, "size", "", "company size (1-10, 11-50, 51-200, 201-1000, 1000+)")
	cmd.Flags().StringVar(&req.Industry, "industry", "", "industry")
	return cmd
}

// resolveTenant maps a slug to its tenant id, passing ids through
func resolveTenant(memberships []tenant.Membership, ref string) string {
	for _, m := range memberships {
		if m.Tenant != nil && m.Tenant.Slug == ref {
			return m.TenantID
		}
	}
	return ref
}

func printState(w io.Writer, s sessionctx.State) {
	if !s.IsAuthenticated || s.User == nil {
		fmt.Fprintln(w, "Not logged in")
		return
	}
	fmt.Fprintf(w, "User:   %s <%s>\n", s.User.DisplayName(), s.User.Email)
	if s.TenantContext == nil {
		fmt.Fprintln(w, "Tenant: none selected")
		return
	}
	fmt.Fprintf(w, "Tenant: %s (%s)\n", s.TenantContext.Tenant.Name, s.TenantContext.Tenant.Slug)
	fmt.Fprintf(w, "Role:   %s\n", s.TenantContext.Membership.Role)
}

func printMemberships(w io.Writer, memberships []tenant.Membership, active string) {
	for _, m := range memberships {
		marker := " "
		if m.TenantID == active {
			marker = "*"
		}
		name, slug := m.TenantID, ""
		if m.Tenant != nil {
			name, slug = m.Tenant.Name, m.Tenant.Slug
		}
		fmt.Fprintf(w, "%s %-24s %-16s %-8s %s\n", marker, name, slug, m.Role, m.TenantID)
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
