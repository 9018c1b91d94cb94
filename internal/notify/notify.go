package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier posts a short message to a webhook when a job reaches a terminal
// state. Delivery is best-effort; orchestration never depends on it.
type Notifier struct {
	url        string
	httpClient *http.Client
}

// New returns a notifier, or nil when no webhook URL is configured.
func New(url string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type message struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Send delivers one notification.
func (n *Notifier) Send(ctx context.Context, title, content string) error {
	raw, err := json.Marshal(message{Title: title, Content: content})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("send notification: status %d", resp.StatusCode)
	}
	return nil
}
