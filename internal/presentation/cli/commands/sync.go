package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/application/metricsync"
	"github.com/jbctechsolutions/pulsesync/internal/application/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// syncFlags holds the flags for the sync command.
type syncFlags struct {
	NoPush    bool
	MaxCycles int
}

// PassOutput is the JSON shape of one metric sync pass.
type PassOutput struct {
	MetricType string    `json:"metric_type"`
	Skipped    bool      `json:"skipped"`
	From       time.Time `json:"from,omitempty"`
	To         time.Time `json:"to,omitempty"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Errors     []string  `json:"errors,omitempty"`
}

// SyncOutput is the JSON shape of a one-shot sync.
type SyncOutput struct {
	Passes []PassOutput        `json:"passes"`
	Outbox *outbox.CycleResult `json:"outbox,omitempty"`
}

func newPassOutput(r *metricsync.SyncResult) PassOutput {
	p := PassOutput{
		MetricType: string(r.MetricType),
		Skipped:    r.Skipped,
		From:       r.From,
		To:         r.To,
		Created:    r.Created,
		Updated:    r.Updated,
		Unchanged:  r.Unchanged,
	}
	for _, e := range r.Errors {
		p.Errors = append(p.Errors, e.Error())
	}
	return p
}

// NewSyncCmd creates the sync command.
func NewSyncCmd() *cobra.Command {
	var opts syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and flush the outbox",
		Long: `Pull every configured metric type from the sensor source once, then
deliver pending outbox events until the queue is empty or --max-cycles is
reached. The sync gate still applies to each metric type.`,
		Example: `  # Pull and push
  pulsesync sync

  # Pull only
  pulsesync sync --no-push`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoPush, "no-push", false, "skip outbox delivery")
	cmd.Flags().IntVar(&opts.MaxCycles, "max-cycles", 10, "maximum outbox delivery cycles")

	return cmd
}

func runSync(cmd *cobra.Command, opts syncFlags) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	owner, err := resolveOwner(container)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	formatter := GetFormatter()

	var out SyncOutput
	var errs []error

	if container.HasSource() {
		results, err := container.Scheduler().SyncNow(ctx, owner)
		for _, r := range results {
			if r != nil {
				out.Passes = append(out.Passes, newPassOutput(r))
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	} else if formatter.Format() != output.FormatJSON {
		formatter.Warning("No sensor source configured; skipping pull")
	}

	if !opts.NoPush {
		processor, err := container.Processor()
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		res, err := processor.Drain(ctx, owner, opts.MaxCycles)
		out.Outbox = &res
		if err != nil {
			errs = append(errs, err)
		}
	}

	if formatter.Format() == output.FormatJSON {
		if err := formatter.JSON(out); err != nil {
			return err
		}
		return errors.Join(errs...)
	}

	for _, r := range out.Passes {
		if r.Skipped {
			formatter.Info("%s: skipped (synced recently)", r.MetricType)
			continue
		}
		msg := "%s: %d created, %d updated, %d unchanged"
		if len(r.Errors) > 0 {
			formatter.Warning(msg+", %d failed", r.MetricType, r.Created, r.Updated, r.Unchanged, len(r.Errors))
		} else {
			formatter.Success(msg, r.MetricType, r.Created, r.Updated, r.Unchanged)
		}
	}
	if out.Outbox != nil {
		formatter.Success("outbox: %d delivered, %d failed, %d recovered",
			out.Outbox.Delivered, out.Outbox.Failed, out.Outbox.Recovered)
	}

	return errors.Join(errs...)
}
