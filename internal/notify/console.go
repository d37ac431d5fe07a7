package notify

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/jorgepascosoto/rethink-backup/internal/backup"
	"github.com/jorgepascosoto/rethink-backup/internal/config"
)

// WriteTable prints one row per table the run completed. Nothing is printed
// when no table completed.
func WriteTable(w io.Writer, summary *RunSummary) {
	if len(summary.Tables) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	if summary.Mode == config.ModeImport {
		table.SetHeader([]string{"Table", "Rows", "Size", "Created", "Inserted", "Replaced", "Unchanged"})
	} else {
		table.SetHeader([]string{"Table", "Rows", "Size"})
	}
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	table.SetAutoFormatHeaders(false)

	for _, t := range summary.Tables {
		table.Append(tableRow(summary.Mode, t))
	}

	footer := []string{"Total", humanize.Comma(int64(summary.TotalRows())), humanize.Bytes(uint64(summary.TotalBytes()))}
	if summary.Mode == config.ModeImport {
		footer = append(footer, "", "", "", "")
	}
	table.SetFooter(footer)
	table.Render()
}

func tableRow(mode config.Mode, t backup.Stats) []string {
	row := []string{t.Table, humanize.Comma(int64(t.Rows)), humanize.Bytes(uint64(t.Bytes))}
	if mode == config.ModeImport {
		created := "no"
		if t.Created {
			created = "yes"
		}
		row = append(row, created, fmt.Sprint(t.Inserted), fmt.Sprint(t.Replaced), fmt.Sprint(t.Unchanged))
	}
	return row
}
