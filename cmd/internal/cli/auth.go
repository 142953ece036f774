package cli

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/app"
	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
)

func newLoginCmd(o *rootOptions) *cobra.Command {
	var cr api.Credentials

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session tokens",
		Long: `Sign in with email and password. Missing values are prompted for.

The access and refresh tokens are stored in the configured token store
(~/.dashctl/session.db by default).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := promptIfEmpty(&cr.Email, "Email", false, required); err != nil {
				return err
			}
			if err := promptIfEmpty(&cr.Password, "Password", true, required); err != nil {
				return err
			}
			return o.withApp(cmd, func(a *app.App) error {
				s, err := a.Coordinator.SignIn(cmd.Context(), cr)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", s.DisplayName(), s.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cr.Email, "email", "", "account email")
	cmd.Flags().StringVar(&cr.Password, "password", "", "account password (prompted when omitted)")
	return cmd
}

func newRegisterCmd(o *rootOptions) *cobra.Command {
	var r api.Registration

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Long:  `Create an account. It does not sign in; run dashctl login afterwards.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, f := range []struct {
				dst    *string
				label  string
				secret bool
			}{
				{&r.FirstName, "First name", false},
				{&r.LastName, "Last name", false},
				{&r.Email, "Email", false},
				{&r.PhoneNumber, "Phone number", false},
				{&r.Password, "Password", true},
			} {
				if err := promptIfEmpty(f.dst, f.label, f.secret, required); err != nil {
					return err
				}
			}
			if r.ConfirmPassword == "" {
				if err := promptIfEmpty(&r.ConfirmPassword, "Confirm password", true, required); err != nil {
					return err
				}
			}
			return o.withApp(cmd, func(a *app.App) error {
				if err := a.Coordinator.SignUp(cmd.Context(), r); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Account created for %s; run `dashctl login` to sign in\n", r.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&r.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&r.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&r.Email, "email", "", "email")
	cmd.Flags().StringVar(&r.PhoneNumber, "phone", "", "phone number (E.164)")
	cmd.Flags().StringVar(&r.Password, "password", "", "password")
	cmd.Flags().StringVar(&r.ConfirmPassword, "confirm-password", "", "password confirmation (defaults to a prompt)")
	return cmd
}

func newLogoutCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(a *app.App) error {
				a.Coordinator.SignOut(cmd.Context())
				printf(cmd.OutOrStdout(), "Signed out\n")
				return nil
			})
		},
	}
}

func newWhoamiCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Long: `Show the signed-in user. An expired access token is refreshed first when
a refresh token is stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(a *app.App) error {
				s, err := currentSession(cmd, a)
				if err != nil {
					return err
				}
				writeSession(cmd.OutOrStdout(), s, time.Now())
				if p, ok := a.Store.LoadProfile(cmd.Context()); ok && p.PhoneNumber != "" {
					printf(cmd.OutOrStdout(), "Phone:   %s\n", p.PhoneNumber)
				}
				return nil
			})
		},
	}
}

func newRefreshCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(a *app.App) error {
				if _, err := a.Coordinator.Refresh(cmd.Context()); err != nil {
					if session.IsAuthKind(err, session.ErrNoRefreshToken) {
						return errNotSignedIn
					}
					return err
				}
				s, _ := a.State.Current()
				printf(cmd.OutOrStdout(), "Access token renewed, expires %s\n", humanize.Time(s.ExpiresAt))
				return nil
			})
		},
	}
}

// currentSession restores the stored session, refreshing once when the
// access token has expired.
func currentSession(cmd *cobra.Command, a *app.App) (session.Session, error) {
	if a.Coordinator.Restore(cmd.Context()) {
		s, _ := a.State.Current()
		return s, nil
	}
	if _, ok := a.Store.LoadRefresh(cmd.Context()); !ok {
		return session.Session{}, errNotSignedIn
	}
	if _, err := a.Coordinator.Refresh(cmd.Context()); err != nil {
		if errors.Is(err, session.ErrSessionExpired) || session.IsAuthKind(err, session.ErrNoRefreshToken) {
			return session.Session{}, errNotSignedIn
		}
		return session.Session{}, err
	}
	s, ok := a.State.Current()
	if !ok {
		return session.Session{}, errNotSignedIn
	}
	return s, nil
}

func writeSession(w io.Writer, s session.Session, now time.Time) {
	printf(w, "User:    %s\n", s.DisplayName())
	printf(w, "Email:   %s\n", s.Email)
	printf(w, "ID:      %s\n", s.UserID)
	printf(w, "Roles:   %s\n", strings.Join(s.Roles, ", "))
	if !s.ExpiresAt.IsZero() {
		printf(w, "Expires: %s\n", humanize.RelTime(s.ExpiresAt, now, "ago", "from now"))
	}
}
