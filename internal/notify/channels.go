package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookChannel posts each notification as JSON.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

// NewWebhookChannel creates a WebhookChannel for url.
func NewWebhookChannel(url string) *WebhookChannel {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "trade-connector/notify")
	return &WebhookChannel{url: url, client: client}
}

func (w *WebhookChannel) Name() string { return "webhook" }

// Send posts {type,title,message,data,timestamp}.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"type":      n.Type,
			"title":     n.Title,
			"message":   n.Message,
			"data":      n.Data,
			"timestamp": n.Timestamp.Format(time.RFC3339),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// TelegramChannel sends notifications through the Telegram Bot API.
type TelegramChannel struct {
	chatID string
	client *resty.Client
}

// NewTelegramChannel creates a TelegramChannel. baseURL defaults to the
// public Bot API.
func NewTelegramChannel(token, chatID, baseURL string) *TelegramChannel {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/") + "/bot" + token).
		SetTimeout(10 * time.Second)
	return &TelegramChannel{chatID: chatID, client: client}
}

func (t *TelegramChannel) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the notification as an HTML message.
func (t *TelegramChannel) Send(ctx context.Context, n Notification) error {
	var out telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("<b>%s</b>\n%s", escapeHTML(n.Title), escapeHTML(n.Message)),
			"parse_mode": "HTML",
		}).
		SetResult(&out).
		SetError(&out).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram API error: %s", out.Description)
	}
	return nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
