package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/internal/client"
	"github.com/telhawk-systems/backbone/cli/pkg/output"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in through the gateway",
	Long:  "Authenticate with the identity service and save the token to a profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if username == "" {
			return fmt.Errorf("username is required")
		}
		if password == "" {
			return fmt.Errorf("password is required")
		}

		url := gatewayURL(cmd)
		c := client.New(url, "")
		resp, err := c.Login(cmd.Context(), username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		subject := ""
		if me, err := c.WithToken(resp.AccessToken).Me(cmd.Context()); err == nil {
			subject = me.ID
		} else {
			output.Warn("Could not resolve subject: %v", err)
		}

		profile := profileName(cmd)
		if err := cfg.SaveProfile(profile, url, resp.AccessToken, subject); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}

		output.Success("Logged in as %s", username)
		output.Info("Profile '%s' saved (token expires %s)", profile, resp.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a customer account",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req client.RegisterRequest
		req.Username, _ = cmd.Flags().GetString("username")
		req.Password, _ = cmd.Flags().GetString("password")
		req.Email, _ = cmd.Flags().GetString("email")
		req.Name, _ = cmd.Flags().GetString("name")

		customer, err := client.New(gatewayURL(cmd), "").Register(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), customer); handled {
			return err
		}
		output.Success("Registered %s (%s)", customer.Username, customer.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the token and forget the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		if err := c.Logout(cmd.Context()); err != nil {
			output.Warn("Server-side logout failed: %v", err)
		}

		profile := profileName(cmd)
		if err := cfg.RemoveProfile(profile); err != nil {
			return err
		}
		output.Success("Logged out from profile '%s'", profile)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Display the current customer",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		me, err := c.Me(cmd.Context())
		if err != nil {
			return fmt.Errorf("token invalid or expired, run 'bbctl login': %w", err)
		}

		if handled, err := output.Structured(outputFormat(cmd), me); handled {
			return err
		}
		output.Info("Profile:  %s", profileName(cmd))
		output.Info("ID:       %s", me.ID)
		output.Info("Username: %s", me.Username)
		output.Info("Email:    %s", me.Email)
		output.Info("Roles:    %s", strings.Join(me.Roles, ", "))
		output.Info("Gateway:  %s", gatewayURL(cmd))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	loginCmd.Flags().StringP("username", "u", "", "Username")
	loginCmd.Flags().StringP("password", "p", "", "Password")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")

	registerCmd.Flags().StringP("username", "u", "", "Username (3-64 characters)")
	registerCmd.Flags().StringP("password", "p", "", "Password (8-72 characters)")
	registerCmd.Flags().String("email", "", "Email address")
	registerCmd.Flags().String("name", "", "Display name")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("password")
	_ = registerCmd.MarkFlagRequired("email")
}
