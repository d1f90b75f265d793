package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/internal/client"
	"github.com/telhawk-systems/backbone/common/config"
)

var (
	cfgFile string
	cfg     *config.CLIConfig
)

var rootCmd = &cobra.Command{
	Use:   "bbctl",
	Short: "Backbone CLI",
	Long: `bbctl is the command-line interface for the backbone services.

Log in through the gateway, place and inspect orders, seed the catalog,
manage signing keys and tokens, replay dead-lettered events, and run the
whole stack locally with 'bbctl dev'.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree under ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.bbctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("gateway", "", "gateway URL (default from profile or config)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
}

func initConfig() {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadCLIFrom(cfgFile)
	} else {
		cfg, err = config.LoadCLI()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

func profileName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("profile")
	if name == "" {
		name = cfg.CurrentProfile
	}
	if name == "" {
		name = "default"
	}
	return name
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

func gatewayURL(cmd *cobra.Command) string {
	if url, _ := cmd.Flags().GetString("gateway"); url != "" {
		return url
	}
	return cfg.GetGatewayURL(profileName(cmd))
}

// authedClient returns a gateway client carrying the profile's token.
func authedClient(cmd *cobra.Command) (*client.Client, error) {
	name := profileName(cmd)
	p, err := cfg.GetProfile(name)
	if err != nil || p.AccessToken == "" {
		return nil, fmt.Errorf("not logged in (profile %q), run 'bbctl login'", name)
	}
	return client.New(gatewayURL(cmd), p.AccessToken), nil
}
