package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/pkg/output"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/dlq"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging/broker"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered events",
	Long: `Inspect and replay events a consumer gave up on.

Entries live under <dir>/<service>, the layout services write with
dlq.enabled and dlq.base_path.`,
}

func openQueue(cmd *cobra.Command) (*dlq.Queue, error) {
	dir, _ := cmd.Flags().GetString("dir")
	service, _ := cmd.Flags().GetString("service")
	if service == "" {
		return nil, fmt.Errorf("--service is required")
	}
	return dlq.NewQueue(filepath.Join(dir, service), logging.Discard())
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List parked events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := q.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if handled, err := output.Structured(outputFormat(cmd), entries); handled {
			return err
		}

		table := output.NewTable([]string{"ID", "Topic", "Group", "Event", "Seq", "Error"})
		for _, e := range entries {
			eventType, seq := "", ""
			if e.Envelope != nil {
				eventType = e.Envelope.EventType
				seq = strconv.FormatUint(e.Envelope.Sequence, 10)
			}
			table.AddRow([]string{e.ID, e.Topic, e.Group, eventType, seq, e.Error})
		}
		table.Render()
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [id...]",
	Short: "Republish parked events on their original topics",
	Long: `Republish parked events through the configured bus and remove them.

The event ids are unchanged, so consumers that already applied an event skip it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("server-config")
		sc, err := config.Load(path)
		if err != nil {
			return err
		}
		if sc.Bus.Backend == "" || sc.Bus.Backend == broker.BackendMemory {
			return fmt.Errorf("replay needs a durable bus backend, got %q", sc.Bus.Backend)
		}
		b, err := broker.Open(cmd.Context(), sc, logging.Discard())
		if err != nil {
			return fmt.Errorf("failed to open bus: %w", err)
		}
		defer b.Close()

		failed := 0
		for _, id := range args {
			if err := q.Replay(cmd.Context(), id, b.Events); err != nil {
				output.Error("%s: %v", id, err)
				failed++
				continue
			}
			output.Success("Replayed %s", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d entries failed", failed, len(args))
		}
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every parked event",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("purge deletes every entry, pass --yes to confirm")
		}
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		n, err := q.Purge(cmd.Context())
		if err != nil {
			return err
		}
		output.Success("Purged %d entries", n)
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		stats := q.Stats()
		if outputFormat(cmd) == output.FormatYAML {
			return output.YAML(stats)
		}
		return output.JSON(stats)
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	dlqCmd.AddCommand(dlqStatsCmd)

	dlqCmd.PersistentFlags().String("dir", "/var/lib/backbone/dlq", "DLQ base path")
	dlqCmd.PersistentFlags().String("service", "", "consumer service name")

	dlqListCmd.Flags().Int("limit", 100, "maximum entries to list")
	dlqReplayCmd.Flags().String("server-config", "", "service config file naming the bus backend")
	dlqPurgeCmd.Flags().Bool("yes", false, "confirm deletion")
}
