package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// NewPurgeCmd creates the purge command.
func NewPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed outbox events",
		Long: `Delete completed outbox events older than the retention window.
Pending, processing and failed events are never purged.`,
		Example: `  # Use outbox.retention from the config
  pulsesync purge

  # Keep one day
  pulsesync purge --older-than 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of purged events (default: outbox.retention)")

	return cmd
}

func runPurge(cmd *cobra.Command, olderThan time.Duration) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	if olderThan <= 0 {
		olderThan = container.Config().Outbox.Retention
	}

	n, err := container.EventStore().PurgeCompleted(cmd.Context(), olderThan)
	if err != nil {
		return err
	}

	formatter := GetFormatter()
	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(map[string]any{
			"purged":     n,
			"older_than": olderThan.String(),
		})
	}
	return formatter.Success("Purged %d completed event(s) older than %s", n, olderThan)
}
