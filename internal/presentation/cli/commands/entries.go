package commands

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// entriesFlags holds the flags for the entries command.
type entriesFlags struct {
	Type   string
	Since  string
	Status string
	Limit  int
}

// EntryOutput is the JSON shape of a metric entry.
type EntryOutput struct {
	ID          string          `json:"id"`
	MetricType  string          `json:"metric_type"`
	BucketStart time.Time       `json:"bucket_start"`
	Value       float64         `json:"value"`
	Unit        string          `json:"unit"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SyncStatus  string          `json:"sync_status"`
	RemoteID    string          `json:"remote_id,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewEntriesCmd creates the entries command.
func NewEntriesCmd() *cobra.Command {
	var opts entriesFlags

	cmd := &cobra.Command{
		Use:     "entries",
		Aliases: []string{"ls"},
		Short:   "List local metric entries",
		Example: `  # Everything from the last day
  pulsesync entries

  # Failed heart rate buckets since March 1st
  pulsesync entries --type heart_rate --since 2024-03-01 --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntries(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "metric type (default: all)")
	cmd.Flags().StringVarP(&opts.Since, "since", "s", "24h", "duration or time of the earliest bucket")
	cmd.Flags().StringVar(&opts.Status, "status", "", "sync status: pending, synced, failed")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum entries to show")

	return cmd
}

func runEntries(cmd *cobra.Command, opts entriesFlags) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	owner, err := resolveOwner(container)
	if err != nil {
		return err
	}

	loc := container.Location()
	from, err := parseSince(opts.Since, time.Now(), loc)
	if err != nil {
		return err
	}

	filter := ports.MetricEntryFilter{OwnerID: owner, From: from, Limit: opts.Limit}
	if opts.Type != "" {
		if filter.MetricType, err = metric.ParseType(opts.Type); err != nil {
			return err
		}
	}
	if opts.Status != "" {
		filter.Status = []metric.SyncStatus{metric.SyncStatus(opts.Status)}
	}

	entries, err := container.EntryRepository().List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	formatter := GetFormatter()
	if len(entries) == 0 && formatter.Format() != output.FormatJSON {
		return formatter.Info("No entries for %s since %s", owner, output.Bucket(from, loc))
	}

	out := make([]EntryOutput, 0, len(entries))
	table := output.TableData{
		Columns: []output.TableColumn{
			{Header: "BUCKET"},
			{Header: "TYPE"},
			{Header: "VALUE", Align: output.AlignRight},
			{Header: "STATUS"},
			{Header: "ID"},
		},
	}
	for _, e := range entries {
		def, _ := metric.Lookup(e.MetricType)
		out = append(out, EntryOutput{
			ID:          e.ID,
			MetricType:  string(e.MetricType),
			BucketStart: e.BucketStart,
			Value:       e.Value,
			Unit:        def.Unit,
			Payload:     e.Payload,
			SyncStatus:  string(e.SyncStatus),
			RemoteID:    e.RemoteID,
			UpdatedAt:   e.UpdatedAt,
		})
		table.Rows = append(table.Rows, []string{
			output.Bucket(e.BucketStart, loc),
			string(e.MetricType),
			output.Value(e.Value, def.Unit),
			formatter.EntryStatus(e.SyncStatus),
			e.ID,
		})
	}
	return formatter.FormatAuto(out, &table)
}
