// Package export writes stored metric entries to spreadsheet files.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Headers are the column titles of every metric sheet.
var Headers = []string{"Bucket Start", "Value", "Unit", "Sync Status", "Remote ID", "Updated At", "Payload"}

var columnWidths = []float64{22, 12, 8, 12, 38, 22, 60}

// EntryLister lists stored entries.
type EntryLister interface {
	List(ctx context.Context, filter ports.MetricEntryFilter) ([]*metric.Entry, error)
}

// Request selects what to export.
type Request struct {
	OwnerID string
	// Types defaults to every supported metric type.
	Types []metric.Type
	// From and To bound bucket starts as [From, To); zero values are open.
	From time.Time
	To   time.Time
}

// XLSXExporter writes one sheet per metric type.
type XLSXExporter struct {
	entries EntryLister
	loc     *time.Location
}

// NewXLSXExporter creates an exporter. Times are rendered in loc.
func NewXLSXExporter(entries EntryLister, loc *time.Location) *XLSXExporter {
	if loc == nil {
		loc = time.Local
	}
	return &XLSXExporter{entries: entries, loc: loc}
}

// Export writes the workbook to w and returns the number of exported rows.
func (e *XLSXExporter) Export(ctx context.Context, w io.Writer, req Request) (int, error) {
	types := req.Types
	if len(types) == 0 {
		types = metric.Types()
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create header style: %w", err)
	}

	total := 0
	for i, mt := range types {
		entries, err := e.entries.List(ctx, ports.MetricEntryFilter{
			OwnerID:    req.OwnerID,
			MetricType: mt,
			From:       req.From,
			To:         req.To,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s entries: %w", mt, err)
		}

		sheet := string(mt)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return 0, fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return 0, fmt.Errorf("failed to create sheet: %w", err)
		}

		if err := e.writeSheet(f, sheet, mt, entries, headerStyle); err != nil {
			return 0, err
		}
		total += len(entries)
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write workbook: %w", err)
	}
	return total, nil
}

func (e *XLSXExporter) writeSheet(f *excelize.File, sheet string, mt metric.Type, entries []*metric.Entry, headerStyle int) error {
	for col, header := range Headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, name, name, columnWidths[col]); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	unit := ""
	if def, ok := metric.Lookup(mt); ok {
		unit = def.Unit
	}

	for i, entry := range entries {
		row := []interface{}{
			entry.BucketStart.In(e.loc).Format("2006-01-02 15:04"),
			entry.Value,
			unit,
			string(entry.SyncStatus),
			entry.RemoteID,
			entry.UpdatedAt.In(e.loc).Format(time.RFC3339),
			string(entry.Payload),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}
