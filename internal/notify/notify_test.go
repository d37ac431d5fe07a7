package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgepascosoto/rethink-backup/internal/backup"
	"github.com/jorgepascosoto/rethink-backup/internal/config"
	"github.com/jorgepascosoto/rethink-backup/internal/pipeline"
)

func exportSummary() *RunSummary {
	return &RunSummary{
		Mode:     config.ModeExport,
		Database: "app",
		Folder:   "/backups/10-19-2026_08.0.0",
		Tables: []backup.Stats{
			{Table: "orders", Rows: 1200, Bytes: 2048},
			{Table: "users", Rows: 3, Bytes: 61},
		},
		Duration: 1500 * time.Millisecond,
		Success:  true,
	}
}

func failedSummary() *RunSummary {
	return &RunSummary{
		Mode:     config.ModeImport,
		Database: "app",
		Folder:   "/backups/restore",
		Tables:   []backup.Stats{{Table: "accounts", Rows: 1, Bytes: 25, Created: true, Inserted: 1}},
		Duration: time.Second,
		Success:  false,
		Error:    errors.New("Failed to parse table json file (ledger)."),
	}
}

func TestNewRunSummary(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	result := &pipeline.Result{
		Mode:     config.ModeImport,
		Database: "app",
		Folder:   "/tmp/x",
		Tables:   []backup.Stats{{Table: "a", Rows: 2, Bytes: 10}, {Table: "b", Rows: 3, Bytes: 5}},
		Duration: time.Minute,
		Err:      cause,
	}

	summary := NewRunSummary(result)
	assert.Equal(t, config.ModeImport, summary.Mode)
	assert.Equal(t, "app", summary.Database)
	assert.Equal(t, "/tmp/x", summary.Folder)
	assert.False(t, summary.Success)
	assert.Equal(t, cause, summary.Error)
	assert.Equal(t, 5, summary.TotalRows())
	assert.Equal(t, int64(15), summary.TotalBytes())
}

func TestRunSummary_Fail(t *testing.T) {
	t.Parallel()

	summary := exportSummary()
	first := errors.New("upload failed")
	summary.Fail(first)
	summary.Fail(errors.New("retention failed"))

	assert.False(t, summary.Success)
	assert.Equal(t, first, summary.Error)
}

func TestBuildSummaryMarkdown_Export(t *testing.T) {
	t.Parallel()

	summary := exportSummary()
	summary.OffsiteKey = "backups/app/app-20261019-080000.tar.gz.enc"
	summary.OffsiteSize = 900
	summary.Compressed = true
	summary.Encrypted = true
	summary.DeletedBackups = 2

	md := buildSummaryMarkdown(summary)

	assert.True(t, strings.HasPrefix(md, "## RethinkDB Backup Summary\n\n"))
	assert.Contains(t, md, ":white_check_mark: Success")
	assert.Contains(t, md, "| Database | app |")
	assert.Contains(t, md, "| Tables | 2 |")
	assert.Contains(t, md, "| Rows | 1,203 |")
	assert.Contains(t, md, "| Size | 2.1 kB |")
	assert.Contains(t, md, "| Duration | 1.5s |")
	assert.Contains(t, md, "| Offsite Key | `backups/app/app-20261019-080000.tar.gz.enc` |")
	assert.Contains(t, md, "| Old Backups Deleted | 2 |")
	assert.Contains(t, md, "| orders | 1,200 | 2.0 kB |")
	assert.NotContains(t, md, "| Error |")
}

func TestBuildSummaryMarkdown_Failure(t *testing.T) {
	t.Parallel()

	summary := failedSummary()
	summary.Error = errors.New("bad | value\nsecond line")

	md := buildSummaryMarkdown(summary)

	assert.True(t, strings.HasPrefix(md, "## RethinkDB Import Summary\n\n"))
	assert.Contains(t, md, ":x: Failed")
	assert.Contains(t, md, `| Error | bad \| value second line |`)
	assert.NotContains(t, md, "Offsite")
	assert.Contains(t, md, "| accounts | 1 | 25 B |")
}

func TestBuildSummaryMarkdown_NoTables(t *testing.T) {
	t.Parallel()

	summary := exportSummary()
	summary.Tables = nil

	md := buildSummaryMarkdown(summary)
	assert.Contains(t, md, "| Tables | 0 |")
	assert.NotContains(t, md, "| Table | Rows | Size |")
}

func TestWriteGitHubSummary_NotInGitHubActions(t *testing.T) {
	t.Setenv("GITHUB_STEP_SUMMARY", "")
	assert.NoError(t, WriteGitHubSummary(exportSummary()))
}

func TestWriteGitHubSummary_AppendsToExisting(t *testing.T) {
	summaryFile := filepath.Join(t.TempDir(), "summary.md")
	require.NoError(t, os.WriteFile(summaryFile, []byte("# Existing Content\n"), 0644))
	t.Setenv("GITHUB_STEP_SUMMARY", summaryFile)

	require.NoError(t, WriteGitHubSummary(exportSummary()))

	content, err := os.ReadFile(summaryFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "# Existing Content\n## RethinkDB Backup Summary"))
}

func TestWriteGitHubSummary_InvalidPath(t *testing.T) {
	t.Setenv("GITHUB_STEP_SUMMARY", filepath.Join(t.TempDir(), "missing", "summary.md"))
	assert.Error(t, WriteGitHubSummary(exportSummary()))
}

func TestSetGitHubOutput_NotInGitHubActions(t *testing.T) {
	t.Setenv("GITHUB_OUTPUT", "")
	assert.NoError(t, SetGitHubOutput("test_key", "test_value"))
}

func TestSetGitHubOutputs(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "output.txt")
	t.Setenv("GITHUB_OUTPUT", outputFile)

	summary := exportSummary()
	summary.OffsiteKey = "backups/app/app.tar.gz"
	summary.OffsiteSize = 512
	require.NoError(t, SetGitHubOutputs(summary))

	content, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Equal(t, "status=success\n"+
		"folder=/backups/10-19-2026_08.0.0\n"+
		"table_count=2\n"+
		"row_count=1203\n"+
		"backup_size=2109\n"+
		"backup_key=backups/app/app.tar.gz\n"+
		"bundle_size=512\n", string(content))
}

func TestSetGitHubOutputs_Failure(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "output.txt")
	t.Setenv("GITHUB_OUTPUT", outputFile)

	require.NoError(t, SetGitHubOutputs(failedSummary()))

	content, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "status=failure\n")
	assert.NotContains(t, string(content), "backup_key=")
}

func TestSetGitHubOutput_InvalidPath(t *testing.T) {
	t.Setenv("GITHUB_OUTPUT", filepath.Join(t.TempDir(), "missing", "output.txt"))
	assert.Error(t, SetGitHubOutput("k", "v"))
}

func TestWriteTable_Export(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	WriteTable(&buf, exportSummary())
	out := buf.String()

	assert.Contains(t, out, "Table")
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "Total")
	assert.Contains(t, out, "1,203")
	assert.NotContains(t, out, "Inserted")
}

func TestWriteTable_Import(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	WriteTable(&buf, failedSummary())
	out := buf.String()

	assert.Contains(t, out, "Inserted")
	assert.Contains(t, out, "accounts")
	assert.Contains(t, out, "yes")
}

func TestWriteTable_NoTables(t *testing.T) {
	t.Parallel()

	summary := exportSummary()
	summary.Tables = nil

	var buf bytes.Buffer
	WriteTable(&buf, summary)
	assert.Empty(t, buf.String())
}

func TestShouldNotify(t *testing.T) {
	t.Parallel()

	ok := exportSummary()
	failed := failedSummary()

	tests := []struct {
		name      string
		summary   *RunSummary
		onSuccess bool
		onFailure bool
		want      bool
	}{
		{"success notified", ok, true, false, true},
		{"success muted", ok, false, true, false},
		{"failure notified", failed, false, true, true},
		{"failure muted", failed, true, false, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ShouldNotify(tt.summary, tt.onSuccess, tt.onFailure))
		})
	}
}

func TestBuildWebhookPayload(t *testing.T) {
	t.Setenv("GITHUB_REPOSITORY", "acme/infra")
	t.Setenv("GITHUB_RUN_ID", "42")
	t.Setenv("GITHUB_SERVER_URL", "https://github.com")

	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	summary := exportSummary()
	summary.OffsiteKey = "backups/app/app.tar.gz"
	summary.OffsiteSize = 700
	summary.Compressed = true

	payload := buildWebhookPayload(summary, now)

	assert.Equal(t, "success", payload.Status)
	assert.Equal(t, "export", payload.Mode)
	assert.Equal(t, "app", payload.Database)
	assert.Equal(t, 2, payload.Tables)
	assert.Equal(t, 1203, payload.Rows)
	assert.Equal(t, int64(2109), payload.Bytes)
	assert.Equal(t, "1.5s", payload.Duration)
	assert.Equal(t, "backups/app/app.tar.gz", payload.OffsiteKey)
	assert.True(t, payload.Compressed)
	assert.Empty(t, payload.Error)
	assert.Equal(t, time.UTC, payload.Timestamp.Location())
	assert.Equal(t, "acme/infra", payload.Repository)
	assert.Equal(t, "https://github.com/acme/infra/actions/runs/42", payload.RunURL)
}

func TestBuildWebhookPayload_WithoutGitHubContext(t *testing.T) {
	t.Setenv("GITHUB_REPOSITORY", "")
	t.Setenv("GITHUB_RUN_ID", "")

	payload := buildWebhookPayload(failedSummary(), time.Now())

	assert.Equal(t, "failure", payload.Status)
	assert.Equal(t, "import", payload.Mode)
	assert.Equal(t, "Failed to parse table json file (ledger).", payload.Error)
	assert.Empty(t, payload.Repository)
	assert.Empty(t, payload.RunID)
	assert.Empty(t, payload.RunURL)

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "offsite_key")
	assert.NotContains(t, string(data), "run_url")
}

func TestWebhookNotifier_Notify_EmptyURL(t *testing.T) {
	t.Parallel()
	assert.NoError(t, NewWebhookNotifier("").Notify(context.Background(), exportSummary()))
}

func TestWebhookNotifier_Notify_Success(t *testing.T) {
	t.Parallel()

	var received WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "rethink-backup/1.0", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	require.NoError(t, NewWebhookNotifier(server.URL).Notify(context.Background(), exportSummary()))
	assert.Equal(t, "success", received.Status)
	assert.Equal(t, "app", received.Database)
	assert.Equal(t, 1203, received.Rows)
}

func TestWebhookNotifier_Notify_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError, http.StatusBadGateway} {
		code := code
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		err := NewWebhookNotifier(server.URL).Notify(context.Background(), failedSummary())
		server.Close()

		require.Error(t, err, "status %d", code)
		assert.Contains(t, err.Error(), "non-success status")
	}
}

func TestWebhookNotifier_Notify_NetworkError(t *testing.T) {
	t.Parallel()

	err := NewWebhookNotifier("http://127.0.0.1:1").Notify(context.Background(), exportSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send webhook")
}

func TestWebhookNotifier_Notify_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, NewWebhookNotifier(server.URL).Notify(ctx, exportSummary()))
}
