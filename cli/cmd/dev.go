package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/pkg/output"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/devstack"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the whole stack in one process",
	Long: `Run identity, catalog, ordering, notification and the gateway in one
process on the in-memory bus and stores. State is lost on exit.

Example:
  bbctl dev --addr 127.0.0.1:8080 --admin-password s3cret-admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := config.Default()
		if path, _ := cmd.Flags().GetString("server-config"); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			sc = loaded
		}
		if user, _ := cmd.Flags().GetString("admin-user"); user != "" {
			sc.Identity.BootstrapAdmin.Username = user
			sc.Identity.BootstrapAdmin.Password, _ = cmd.Flags().GetString("admin-password")
			sc.Identity.BootstrapAdmin.Email, _ = cmd.Flags().GetString("admin-email")
		}
		if cost, _ := cmd.Flags().GetInt("bcrypt-cost"); cost > 0 {
			sc.Identity.BcryptCost = cost
		}
		level, _ := cmd.Flags().GetString("log-level")
		addr, _ := cmd.Flags().GetString("addr")
		dir, _ := cmd.Flags().GetString("dlq-dir")

		stack, err := devstack.New(devstack.Options{
			Config:      sc,
			Logger:      logging.New(logging.ParseLevel(level), sc.Logging.Format),
			GatewayAddr: addr,
			DLQDir:      dir,
		})
		if err != nil {
			return err
		}
		defer stack.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- stack.Run(ctx) }()

		readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
		err = stack.Ready(readyCtx)
		readyCancel()
		if err != nil {
			cancel()
			<-done
			return err
		}

		output.Success("Stack ready at %s", stack.GatewayURL())
		if admin := sc.Identity.BootstrapAdmin.Username; admin != "" {
			output.Info("Log in with: bbctl login --gateway %s -u %s -p <password>", stack.GatewayURL(), admin)
		}
		output.Info("Press Ctrl+C to stop")
		return <-done
	},
}

func init() {
	rootCmd.AddCommand(devCmd)
	devCmd.Flags().String("addr", "127.0.0.1:8080", "gateway listen address")
	devCmd.Flags().String("dlq-dir", "", "directory for dead-lettered events (default: log only)")
	devCmd.Flags().String("server-config", "", "service config file")
	devCmd.Flags().String("admin-user", "admin", "bootstrap administrator username")
	devCmd.Flags().String("admin-password", "admin-password", "bootstrap administrator password")
	devCmd.Flags().String("admin-email", "admin@localhost", "bootstrap administrator email")
	devCmd.Flags().Int("bcrypt-cost", 0, "bcrypt cost (default from config)")
	devCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
}
