package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/opentrusty/tenantsession/internal/apiclient"
	"github.com/opentrusty/tenantsession/internal/app"
	"github.com/opentrusty/tenantsession/internal/auth"
)

func newRegisterCmd(rt *runtime) *cobra.Command {
	var req auth.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Long: `Create an account. A verification email is sent to the address; confirm it
with 'sessionctl verify-email <token>' before logging in. When --password is
omitted it is read from standard input.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				pw, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				req.Password = pw
			}
			req.ConfirmPassword = req.Password
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Auth.Register(cmd.Context(), req)
				if err != nil {
					return err
				}
				return rt.render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Registered %s\n", res.Email)
					if res.VerificationSent {
						fmt.Fprintln(w, "Check your inbox for the verification link.")
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password")
	cmd.Flags().BoolVar(&req.AcceptTerms, "accept-terms", false, "accept the terms of service")
	return cmd
}

func newForgotPasswordCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "forgot-password <email>",
		Short: "Request a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Auth.ForgotPassword(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "If the account exists, a reset link has been sent.")
				return nil
			})
		},
	}
}

func newVerifyEmailCmd(rt *runtime) *cobra.Command {
	var resend string
	cmd := &cobra.Command{
		Use:   "verify-email [token]",
		Short: "Confirm an email address or resend the verification link",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resend == "" && len(args) == 0 {
				return fmt.Errorf("a token or --resend <email> is required")
			}
			return rt.withApp(cmd.Context(), func(a *app.App) error {
				if resend != "" {
					info, err := a.Auth.SendEmailVerification(cmd.Context(), resend)
					if err != nil {
						if rl, ok := apiclient.RateLimitInfoOf(err); ok && rl.RetryAfter > 0 {
							return fmt.Errorf("%w (retry in %s)", err, rl.RetryAfter)
						}
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Verification email sent to %s\n", resend)
					if info != nil && info.Remaining != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%d resends left\n", *info.Remaining)
					}
					return nil
				}

				if err := a.Auth.VerifyEmail(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Email verified")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resend, "resend", "", "resend the verification link to this email")
	return cmd
}
