package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts notifications as JSON to an arbitrary endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	ProjectID string `json:"project_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// LevelForType returns the textual level for a notification type
func LevelForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "success"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Send posts the notification to the configured endpoint
func (w *WebhookNotifier) Send(n Notification) error {
	if w.url == "" {
		return nil // Disabled
	}

	payload, err := json.Marshal(webhookPayload{
		Title:     n.Title,
		Message:   n.Message,
		Level:     LevelForType(n.Type),
		ProjectID: n.ProjectID,
		JobID:     n.JobID,
	})
	if err != nil {
		return err
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	return nil
}
