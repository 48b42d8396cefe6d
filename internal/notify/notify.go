// Package notify delivers best-effort operational alerts to a webhook.
// Delivery failures are logged and dropped; trading never waits on or
// fails because of a notification.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Notifier posts messages somewhere a human will see them.
type Notifier interface {
	Send(ctx context.Context, title, body string)
}

// Webhook posts JSON payloads to a configured URL.
type Webhook struct {
	url  string
	rest *resty.Client
}

func NewWebhook(url string) *Webhook {
	r := resty.New().SetTimeout(5 * time.Second).SetRetryCount(1)
	return &Webhook{url: url, rest: r}
}

func (w *Webhook) Send(ctx context.Context, title, body string) {
	if w == nil || w.url == "" {
		return
	}
	resp, err := w.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"title": title, "body": body}).
		Post(w.url)
	if err != nil {
		log.Warn().Err(err).Str("title", title).Msg("notification send failed")
		return
	}
	if resp.StatusCode() >= 300 {
		log.Warn().Int("status", resp.StatusCode()).Str("title", title).Msg("notification rejected")
	}
}

// Nop discards all notifications. Used in dry runs and tests.
type Nop struct{}

func (Nop) Send(context.Context, string, string) {}
