package commands

import (
	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// resetFlags holds the flags for the reset command.
type resetFlags struct {
	Type       string
	LedgerOnly bool
}

// NewResetCmd creates the reset command.
func NewResetCmd() *cobra.Command {
	var opts resetFlags

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete local data and force a full re-sync",
		Long: `Delete the owner's local entries and undelivered outbox events, then clear
the sync ledger so the next pass refetches from the initial lookback.

Entries already delivered to the backend are not deleted remotely.`,
		Example: `  # Everything for the owner
  pulsesync reset

  # Only heart rate
  pulsesync reset --type heart_rate

  # Keep entries, just refetch
  pulsesync reset --ledger-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "metric type (default: all)")
	cmd.Flags().BoolVar(&opts.LedgerOnly, "ledger-only", false, "only clear the sync ledger")

	return cmd
}

func runReset(cmd *cobra.Command, opts resetFlags) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	owner, err := resolveOwner(container)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var metricType metric.Type
	if opts.Type != "" {
		if metricType, err = metric.ParseType(opts.Type); err != nil {
			return err
		}
	}

	var entries, events int64
	if !opts.LedgerOnly {
		res, err := container.Store().DeleteAll(ctx, owner, metricType)
		if err != nil {
			return err
		}
		entries, events = res.Entries, res.Events
	}

	if err := container.Gate().Reset(ctx, owner, metricType); err != nil {
		return err
	}

	formatter := GetFormatter()
	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(map[string]any{
			"owner_id":        owner,
			"metric_type":     string(metricType),
			"entries_deleted": entries,
			"events_deleted":  events,
		})
	}

	scope := "all metric types"
	if metricType != "" {
		scope = string(metricType)
	}
	return formatter.Success("Reset %s for %s: %d entries and %d events deleted", scope, owner, entries, events)
}
