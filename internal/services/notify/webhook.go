package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"SignalFlow/internal/domain/models"
	xhttp "SignalFlow/pkg/http"
)

type WebhookConfig struct {
	URL             string
	Headers         map[string]string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Webhook posts the alert as JSON behind a circuit breaker.
type Webhook struct {
	cfg    WebhookConfig
	client *xhttp.Client
	cb     *gobreaker.CircuitBreaker
}

type webhookPayload struct {
	AlertID   string                 `json:"alert_id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      models.AlertType       `json:"type"`
	Priority  models.Priority        `json:"priority"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Symbol    string                 `json:"symbol,omitempty"`
	SignalID  string                 `json:"signal_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func NewWebhook(cfg WebhookConfig, client *xhttp.Client) *Webhook {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if client == nil {
		client = xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout))
	}
	failures := cfg.BreakerFailures
	st := gobreaker.Settings{
		Name:    "webhook",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
	}
	return &Webhook{cfg: cfg, client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func (w *Webhook) Name() string { return ChannelWebhook }

func (w *Webhook) Attempt(ctx context.Context, a *models.Alert) error {
	body := webhookPayload{
		AlertID:   a.ID,
		Timestamp: a.CreatedAt,
		Type:      a.Type,
		Priority:  a.Priority,
		Title:     a.Title,
		Message:   a.Message,
		Symbol:    a.Symbol,
		SignalID:  a.SignalID,
		Data:      a.Data,
	}
	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, w.client.SendAndParse(ctx, &xhttp.RequestOptions{
			Method:  xhttp.MethodPost,
			URL:     w.cfg.URL,
			Headers: w.cfg.Headers,
			Body:    body,
		}, nil)
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// State exposes the breaker state for diagnostics.
func (w *Webhook) State() string { return w.cb.State().String() }
