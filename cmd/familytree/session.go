package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/familytree/internal/api"
	"github.com/nhle/familytree/internal/model"
)

func newLoginCmd(r *root) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session in the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := promptCredentials(&email, &password); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if sess := e.auth.CurrentSession(); sess.Active() {
				if strings.EqualFold(sess.User.Email, email) {
					fmt.Fprintf(r.out, "Already logged in as %s\n", sess.User.DisplayName())
					return nil
				}
				e.auth.Logout(ctx)
			}

			sess, err := e.auth.Login(ctx, email, password)
			if err != nil {
				return explain(err)
			}

			fmt.Fprintf(r.out, "Logged in as %s <%s>\n", sess.User.DisplayName(), sess.User.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted when empty)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when empty)")

	return cmd
}

func newSignupCmd(r *root) *cobra.Command {
	var req model.SignupRequest

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := promptCredentials(&req.Email, &req.Password); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if e.auth.CurrentSession().Active() {
				e.auth.Logout(ctx)
			}

			sess, err := e.auth.Signup(ctx, req)
			if err != nil {
				return explain(err)
			}

			fmt.Fprintf(r.out, "Welcome, %s! You are now logged in.\n", sess.User.DisplayName())
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "Account email (prompted when empty)")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password, at least 8 characters (prompted when empty)")
	cmd.Flags().StringVar(&req.Username, "username", "", "Username (required)")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "First name (required)")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "Last name (required)")
	cmd.Flags().StringVar(&req.BirthDate, "birth-date", "", "Birth date, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.Gender, "gender", "", "Gender")

	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("first-name")
	_ = cmd.MarkFlagRequired("last-name")

	return cmd
}

func newLogoutCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			sess := e.auth.CurrentSession()
			e.auth.Logout(ctx)
			if e.cache != nil && sess.User.ID != "" {
				if err := e.cache.ClearFeed(ctx, sess.User.ID); err != nil {
					r.log.Warn().Err(err).Msg("clearing cached feed")
				}
			}

			fmt.Fprintln(r.out, "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.requireSession(); err != nil {
				return err
			}

			u := e.auth.CurrentSession().User
			fmt.Fprintf(r.out, "%s <%s>\n", u.DisplayName(), u.Email)
			if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
				fmt.Fprintf(r.out, "Name: %s\n", name)
			}
			fmt.Fprintf(r.out, "ID:   %s\n", u.ID)
			return nil
		},
	}
}

// promptCredentials asks for whichever of email and password is empty.
func promptCredentials(email, password *string) error {
	var fields []huh.Field
	if *email == "" {
		fields = append(fields, huh.NewInput().
			Title("Email").
			Value(email).
			Validate(notEmpty))
	}
	if *password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(password).
			Validate(notEmpty))
	}
	if len(fields) == 0 {
		return nil
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	*email = strings.TrimSpace(*email)
	return nil
}

// explain adds field details to validation failures.
func explain(err error) error {
	fields := api.FieldErrors(err)
	if len(fields) == 0 {
		return err
	}

	var b strings.Builder
	for _, field := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(&b, "\n  %s: %s", field, fields[field])
	}
	return fmt.Errorf("%w%s", err, b.String())
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}
