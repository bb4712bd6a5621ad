package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omochice/roomlink/internal/backend"
	"github.com/omochice/roomlink/pkg/protocol"
)

var (
	flagEmail    string
	flagPassword string
	flagFullname string
	flagConfirm  string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.client.Login(cmd.Context(), flagEmail, flagPassword)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", u.Fullname, u.Email)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		confirm := flagConfirm
		if confirm == "" {
			confirm = flagPassword
		}
		u, err := a.client.Register(cmd.Context(), backend.RegisterInput{
			Fullname:        flagFullname,
			Email:           flagEmail,
			Password:        flagPassword,
			ConfirmPassword: confirm,
		})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", u.Fullname, u.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.client.Logout(cmd.Context()); err != nil {
			a.logger.Warn().Err(err).Msg("backend logout failed, local credentials cleared")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		u, ok := a.client.Identity()
		if !ok {
			return errors.New("not signed in")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", u.ID, u.Fullname, u.Email)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVar(&flagEmail, "email", "", "account email")
		c.Flags().StringVar(&flagPassword, "password", "", "account password")
		_ = c.MarkFlagRequired("email")
		_ = c.MarkFlagRequired("password")
	}
	registerCmd.Flags().StringVar(&flagFullname, "fullname", "", "display name")
	registerCmd.Flags().StringVar(&flagConfirm, "confirm-password", "", "password confirmation (defaults to --password)")
	_ = registerCmd.MarkFlagRequired("fullname")
}

// describe turns backend field errors into a readable message.
func describe(err error) error {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	if errors.Is(err, protocol.ErrRefreshCredentialInvalid) {
		return fmt.Errorf("session expired, sign in again: %w", err)
	}
	return err
}
