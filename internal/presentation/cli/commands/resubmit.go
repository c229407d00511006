package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// NewResubmitCmd creates the resubmit command.
func NewResubmitCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resubmit [entry-id...]",
		Short: "Queue failed entries for delivery again",
		Long: `Re-enqueue metric entries whose delivery exhausted its retries.

Each entry returns to pending with a fresh outbox event and a full retry
budget. Pass entry IDs, or --all for every failed entry of the owner.`,
		Example: `  pulsesync resubmit 5f0c...
  pulsesync resubmit --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResubmit(cmd, args, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "resubmit every failed entry")

	return cmd
}

func runResubmit(cmd *cobra.Command, ids []string, all bool) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if all {
		owner, err := resolveOwner(container)
		if err != nil {
			return err
		}
		if ids, err = failedEntryIDs(ctx, container.EntryRepository(), owner); err != nil {
			return err
		}
	}

	formatter := GetFormatter()
	if len(ids) == 0 {
		if formatter.Format() == output.FormatJSON {
			return formatter.JSON(map[string][]string{"resubmitted": {}})
		}
		return formatter.Info("Nothing to resubmit")
	}

	resubmitted := make([]string, 0, len(ids))
	for _, id := range ids {
		event, err := container.Store().Resubmit(ctx, id)
		if err != nil {
			return err
		}
		resubmitted = append(resubmitted, id)
		if formatter.Format() != output.FormatJSON {
			formatter.Success("%s queued as event %s", id, event.ID)
		}
	}

	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(map[string][]string{"resubmitted": resubmitted})
	}
	return nil
}

func failedEntryIDs(ctx context.Context, entries ports.MetricEntryStoragePort, owner string) ([]string, error) {
	failed, err := entries.List(ctx, ports.MetricEntryFilter{
		OwnerID: owner,
		Status:  []metric.SyncStatus{metric.SyncStatusFailed},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(failed))
	for _, e := range failed {
		ids = append(ids, e.ID)
	}
	return ids, nil
}
