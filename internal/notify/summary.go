// Package notify reports the outcome of a run: a table on the console, the
// GitHub Actions step summary and outputs, and an optional webhook.
package notify

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jorgepascosoto/rethink-backup/internal/backup"
	"github.com/jorgepascosoto/rethink-backup/internal/config"
	"github.com/jorgepascosoto/rethink-backup/internal/pipeline"
)

// RunSummary is what gets reported about a finished run.
type RunSummary struct {
	Mode     config.Mode
	Database string
	Folder   string
	Tables   []backup.Stats
	Duration time.Duration
	Success  bool
	Error    error

	// Set when an export was shipped offsite.
	OffsiteKey     string
	OffsiteSize    int64
	Compressed     bool
	Encrypted      bool
	DeletedBackups int
}

// NewRunSummary captures result. Offsite details are filled in by the caller.
func NewRunSummary(result *pipeline.Result) *RunSummary {
	return &RunSummary{
		Mode:     result.Mode,
		Database: result.Database,
		Folder:   result.Folder,
		Tables:   result.Tables,
		Duration: result.Duration,
		Success:  result.Success(),
		Error:    result.Err,
	}
}

func (s *RunSummary) TotalRows() int {
	total := 0
	for _, t := range s.Tables {
		total += t.Rows
	}
	return total
}

func (s *RunSummary) TotalBytes() int64 {
	var total int64
	for _, t := range s.Tables {
		total += t.Bytes
	}
	return total
}

// Fail marks the run failed with err, keeping the first error seen.
func (s *RunSummary) Fail(err error) {
	s.Success = false
	if s.Error == nil {
		s.Error = err
	}
}

func (s *RunSummary) title() string {
	if s.Mode == config.ModeImport {
		return "RethinkDB Import Summary"
	}
	return "RethinkDB Backup Summary"
}

func WriteGitHubSummary(summary *RunSummary) error {
	summaryFile := os.Getenv("GITHUB_STEP_SUMMARY")
	if summaryFile == "" {
		return nil
	}

	f, err := os.OpenFile(summaryFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(buildSummaryMarkdown(summary)); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func buildSummaryMarkdown(summary *RunSummary) string {
	var sb strings.Builder

	sb.WriteString("## " + summary.title() + "\n\n")
	if summary.Success {
		sb.WriteString("**Status:** :white_check_mark: Success\n\n")
	} else {
		sb.WriteString("**Status:** :x: Failed\n\n")
	}

	sb.WriteString("| Property | Value |\n")
	sb.WriteString("|----------|-------|\n")
	fmt.Fprintf(&sb, "| Database | %s |\n", summary.Database)
	fmt.Fprintf(&sb, "| Folder | `%s` |\n", summary.Folder)
	fmt.Fprintf(&sb, "| Tables | %d |\n", len(summary.Tables))
	fmt.Fprintf(&sb, "| Rows | %s |\n", humanize.Comma(int64(summary.TotalRows())))
	fmt.Fprintf(&sb, "| Size | %s |\n", humanize.Bytes(uint64(summary.TotalBytes())))
	fmt.Fprintf(&sb, "| Duration | %s |\n", summary.Duration.Round(time.Millisecond))

	if summary.OffsiteKey != "" {
		fmt.Fprintf(&sb, "| Offsite Key | `%s` |\n", summary.OffsiteKey)
		fmt.Fprintf(&sb, "| Offsite Size | %s |\n", humanize.Bytes(uint64(summary.OffsiteSize)))
		fmt.Fprintf(&sb, "| Compressed | %s |\n", boolToEmoji(summary.Compressed))
		fmt.Fprintf(&sb, "| Encrypted | %s |\n", boolToEmoji(summary.Encrypted))
		if summary.DeletedBackups > 0 {
			fmt.Fprintf(&sb, "| Old Backups Deleted | %d |\n", summary.DeletedBackups)
		}
	}
	if summary.Error != nil {
		fmt.Fprintf(&sb, "| Error | %s |\n", escapeCell(summary.Error.Error()))
	}

	if len(summary.Tables) > 0 {
		sb.WriteString("\n| Table | Rows | Size |\n")
		sb.WriteString("|-------|------|------|\n")
		for _, t := range summary.Tables {
			fmt.Fprintf(&sb, "| %s | %s | %s |\n", t.Table, humanize.Comma(int64(t.Rows)), humanize.Bytes(uint64(t.Bytes)))
		}
	}

	sb.WriteString("\n")
	return sb.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func boolToEmoji(b bool) string {
	if b {
		return ":white_check_mark:"
	}
	return ":x:"
}

func SetGitHubOutput(name, value string) error {
	outputFile := os.Getenv("GITHUB_OUTPUT")
	if outputFile == "" {
		return nil
	}

	f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s=%s\n", name, value); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// SetGitHubOutputs publishes the summary as step outputs.
func SetGitHubOutputs(summary *RunSummary) error {
	outputs := [][2]string{
		{"status", status(summary)},
		{"folder", summary.Folder},
		{"table_count", fmt.Sprint(len(summary.Tables))},
		{"row_count", fmt.Sprint(summary.TotalRows())},
		{"backup_size", fmt.Sprint(summary.TotalBytes())},
	}
	if summary.OffsiteKey != "" {
		outputs = append(outputs,
			[2]string{"backup_key", summary.OffsiteKey},
			[2]string{"bundle_size", fmt.Sprint(summary.OffsiteSize)},
		)
	}
	for _, o := range outputs {
		if err := SetGitHubOutput(o[0], o[1]); err != nil {
			return err
		}
	}
	return nil
}

func status(summary *RunSummary) string {
	if summary.Success {
		return "success"
	}
	return "failure"
}
