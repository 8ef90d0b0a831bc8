package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	engine "meact/internal/engine/domain"
)

type webhookPayload struct {
	MsgType  string           `json:"msgtype"`
	Text     *webhookText     `json:"text,omitempty"`
	Markdown *webhookMarkdown `json:"markdown,omitempty"`
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Webhook posts the rule message to a DingTalk/WeCom compatible endpoint.
type Webhook struct {
	client *http.Client
}

// WebhookOption configures the webhook action.
type WebhookOption func(*Webhook)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		if client != nil {
			w.client = client
		}
	}
}

// NewWebhook constructs the action.
func NewWebhook(opts ...WebhookOption) *Webhook {
	w := &Webhook{client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run implements Action. Config: url (required), msgtype text|markdown.
func (w *Webhook) Run(ctx context.Context, event engine.SensorEvent, config map[string]any) error {
	if !Enabled(config) {
		return ErrDisabled
	}
	url := configString(config, "url")
	if url == "" {
		return errors.New("webhook: empty url")
	}
	payload := webhookPayload{MsgType: "text", Text: &webhookText{Content: event.Message}}
	if configString(config, "msgtype") == "markdown" {
		payload = webhookPayload{
			MsgType:  "markdown",
			Markdown: &webhookMarkdown{Title: event.SensorType, Text: event.Message},
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
