package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/pulsesync/internal/adapters/export"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/presentation/cli/output"
)

// exportFlags holds the flags for the export command.
type exportFlags struct {
	Out   string
	Types []string
	Since string
}

// NewExportCmd creates the export command.
func NewExportCmd() *cobra.Command {
	var opts exportFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export metric entries to an XLSX workbook",
		Long:  `Write the owner's local entries to an Excel workbook with one sheet per metric type.`,
		Example: `  pulsesync export --out metrics.xlsx
  pulsesync export --out steps.xlsx --type step_count --since 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "output file (required)")
	cmd.Flags().StringSliceVarP(&opts.Types, "type", "t", nil, "metric types (default: all)")
	cmd.Flags().StringVarP(&opts.Since, "since", "s", "", "duration or time of the earliest bucket (default: everything)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runExport(cmd *cobra.Command, opts exportFlags) error {
	container, err := requireContainer()
	if err != nil {
		return err
	}
	owner, err := resolveOwner(container)
	if err != nil {
		return err
	}

	req := export.Request{OwnerID: owner}
	for _, s := range opts.Types {
		t, err := metric.ParseType(s)
		if err != nil {
			return err
		}
		req.Types = append(req.Types, t)
	}
	if opts.Since != "" {
		if req.From, err = parseSince(opts.Since, time.Now(), container.Location()); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(opts.Out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.Out, err)
	}

	rows, err := container.Exporter().Export(cmd.Context(), f, req)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(opts.Out)
		return err
	}

	formatter := GetFormatter()
	if formatter.Format() == output.FormatJSON {
		return formatter.JSON(map[string]any{"path": opts.Out, "rows": rows})
	}
	return formatter.Success("Exported %d entries to %s", rows, opts.Out)
}
