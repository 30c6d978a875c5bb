package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/rideflow/internal/ride/domain"
)

// HTTPNotifier posts to the notification service at /api/v1/notifications.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPNotifier builds the notifier. A nil http.Client gets a 3s timeout.
func NewHTTPNotifier(baseURL string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPNotifier{endpoint: strings.TrimRight(baseURL, "/") + "/api/v1/notifications", client: client}
}

type notificationRequest struct {
	RecipientID      string `json:"recipientId"`
	RecipientType    string `json:"recipientType"`
	NotificationType string `json:"notificationType"`
	MessageContent   string `json:"messageContent"`
}

func (h *HTTPNotifier) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(notificationRequest{
		RecipientID:      n.RecipientID,
		RecipientType:    string(n.RecipientType),
		NotificationType: string(n.Type),
		MessageContent:   n.Message,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", domain.ErrNotification, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", domain.ErrNotification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := traceIDFromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotification, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", domain.ErrNotification, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
