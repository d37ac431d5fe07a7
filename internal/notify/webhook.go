package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

type WebhookPayload struct {
	Status      string    `json:"status"`
	Mode        string    `json:"mode"`
	Database    string    `json:"database"`
	Folder      string    `json:"folder"`
	Tables      int       `json:"tables"`
	Rows        int       `json:"rows"`
	Bytes       int64     `json:"bytes"`
	Duration    string    `json:"duration"`
	OffsiteKey  string    `json:"offsite_key,omitempty"`
	OffsiteSize int64     `json:"offsite_size,omitempty"`
	Compressed  bool      `json:"compressed"`
	Encrypted   bool      `json:"encrypted"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Repository  string    `json:"repository,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	RunURL      string    `json:"run_url,omitempty"`
}

type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ShouldNotify applies the success and failure switches to summary.
func ShouldNotify(summary *RunSummary, onSuccess, onFailure bool) bool {
	return (summary.Success && onSuccess) || (!summary.Success && onFailure)
}

func (n *WebhookNotifier) Notify(ctx context.Context, summary *RunSummary) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(buildWebhookPayload(summary, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rethink-backup/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-success status: %d", resp.StatusCode)
	}
	return nil
}

func buildWebhookPayload(summary *RunSummary, now time.Time) *WebhookPayload {
	payload := &WebhookPayload{
		Status:      status(summary),
		Mode:        string(summary.Mode),
		Database:    summary.Database,
		Folder:      summary.Folder,
		Tables:      len(summary.Tables),
		Rows:        summary.TotalRows(),
		Bytes:       summary.TotalBytes(),
		Duration:    summary.Duration.String(),
		OffsiteKey:  summary.OffsiteKey,
		OffsiteSize: summary.OffsiteSize,
		Compressed:  summary.Compressed,
		Encrypted:   summary.Encrypted,
		Timestamp:   now.UTC(),
	}
	if summary.Error != nil {
		payload.Error = summary.Error.Error()
	}

	repo := os.Getenv("GITHUB_REPOSITORY")
	payload.Repository = repo
	if runID := os.Getenv("GITHUB_RUN_ID"); runID != "" {
		payload.RunID = runID
		if serverURL := os.Getenv("GITHUB_SERVER_URL"); serverURL != "" && repo != "" {
			payload.RunURL = fmt.Sprintf("%s/%s/actions/runs/%s", serverURL, repo, runID)
		}
	}
	return payload
}
