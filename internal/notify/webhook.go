package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Webhook posts each event as JSON {"text": msg} to a URL, e.g. a chat bot relay.
type Webhook struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhook creates a webhook sink with the given request timeout.
func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Webhook{client: client, url: url, logger: logger.Named("webhook")}
}

func (w *Webhook) Send(ctx context.Context, msg string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": msg}).
		Post(w.url)
	if err != nil {
		w.logger.Warn("Failed to deliver notification", zap.Error(err))
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		w.logger.Warn("Webhook rejected notification", zap.Int("status", resp.StatusCode()))
		return fmt.Errorf("webhook returned status %s", resp.Status())
	}
	return nil
}
