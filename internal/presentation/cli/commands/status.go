package commands

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	domainOutbox "github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// LedgerStatus is the last sync state of one metric type.
type LedgerStatus struct {
	MetricType string     `json:"metric_type"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastBucket *time.Time `json:"last_bucket,omitempty"`
}

// SystemStatus represents the sync state of one owner.
type SystemStatus struct {
	Version string                      `json:"version"`
	OwnerID string                      `json:"owner_id"`
	Storage string                      `json:"storage"`
	Remote  string                      `json:"remote,omitempty"`
	Source  string                      `json:"source"`
	Outbox  map[domainOutbox.Status]int `json:"outbox"`
	Backlog int                         `json:"backlog"`
	Entries map[metric.SyncStatus]int   `json:"entries"`
	Ledger  []LedgerStatus              `json:"ledger"`
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outbox and sync status",
		Long: `Display the sync state of the configured owner:

  • outbox events by status (pending, processing, completed, failed)
  • local entries by sync status
  • last sync time and bucket per metric type`,
		Example: `  pulsesync status
  pulsesync status -o json`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	owner, err := resolveOwner(container)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := container.Config()

	events, err := container.EventStore().CountByStatus(ctx, owner)
	if err != nil {
		return err
	}
	entries, err := container.Store().CountByStatus(ctx, owner)
	if err != nil {
		return err
	}

	status := SystemStatus{
		Version: Version,
		OwnerID: owner,
		Storage: cfg.Storage.Path,
		Remote:  cfg.Remote.BaseURL,
		Source:  cfg.Source.Type,
		Outbox:  make(map[domainOutbox.Status]int, len(domainOutbox.ValidStatuses)),
		Backlog: events.Backlog(),
		Entries: make(map[metric.SyncStatus]int, 3),
	}
	for _, s := range domainOutbox.ValidStatuses {
		status.Outbox[s] = events[s]
	}
	for _, s := range []metric.SyncStatus{metric.SyncStatusPending, metric.SyncStatusSynced, metric.SyncStatusFailed} {
		status.Entries[s] = entries[s]
	}

	for _, t := range container.MetricTypes() {
		rec, err := container.Gate().Status(ctx, owner, t)
		if err != nil {
			return err
		}
		ls := LedgerStatus{MetricType: string(t)}
		if rec != nil {
			if !rec.LastSyncAt.IsZero() {
				at := rec.LastSyncAt
				ls.LastSyncAt = &at
			}
			if !rec.LastBucket.IsZero() {
				b := rec.LastBucket
				ls.LastBucket = &b
			}
		}
		status.Ledger = append(status.Ledger, ls)
	}

	formatter := GetFormatter()
	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(status)
	}
	return printStatusText(formatter, status, container.Location())
}

func printStatusText(f *output.Formatter, s SystemStatus, loc *time.Location) error {
	remote := s.Remote
	if remote == "" {
		remote = f.Dim("not configured")
	}

	f.Header("PulseSync " + s.Version)
	f.Item("Owner", s.OwnerID)
	f.Item("Storage", s.Storage)
	f.Item("Remote", remote)
	f.Item("Source", s.Source)
	f.Println("")

	f.Header("Outbox")
	for _, st := range domainOutbox.ValidStatuses {
		f.Item(f.EventStatus(st), strconv.Itoa(s.Outbox[st]))
	}
	if failed := s.Outbox[domainOutbox.StatusFailed]; failed > 0 {
		f.Warning("%d event(s) exhausted their retries; see 'pulsesync entries --status failed'", failed)
	}
	f.Println("")

	f.Header("Entries")
	for _, st := range []metric.SyncStatus{metric.SyncStatusPending, metric.SyncStatusSynced, metric.SyncStatusFailed} {
		f.Item(f.EntryStatus(st), strconv.Itoa(s.Entries[st]))
	}
	f.Println("")

	now := time.Now()
	table := output.TableData{
		Columns: []output.TableColumn{
			{Header: "TYPE"},
			{Header: "LAST SYNC"},
			{Header: "LAST BUCKET"},
		},
	}
	for _, l := range s.Ledger {
		var lastSync, lastBucket time.Time
		if l.LastSyncAt != nil {
			lastSync = *l.LastSyncAt
		}
		if l.LastBucket != nil {
			lastBucket = *l.LastBucket
		}
		table.Rows = append(table.Rows, []string{
			l.MetricType,
			output.Ago(lastSync, now),
			output.Bucket(lastBucket, loc),
		})
	}
	return f.Table(table)
}
