package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"SignalFlow/internal/domain/models"
	xhttp "SignalFlow/pkg/http"
)

type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string
	Timeout  time.Duration
}

// Telegram sends alerts through the Bot API sendMessage method.
type Telegram struct {
	cfg    TelegramConfig
	client *xhttp.Client
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegram(cfg TelegramConfig, client *xhttp.Client) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if client == nil {
		client = xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout))
	}
	return &Telegram{cfg: cfg, client: client}
}

func (t *Telegram) Name() string { return ChannelTelegram }

func (t *Telegram) Attempt(ctx context.Context, a *models.Alert) error {
	u := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIURL, "/"), t.cfg.BotToken)
	var resp telegramResponse
	err := t.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    u,
		Body: map[string]interface{}{
			"chat_id":    t.cfg.ChatID,
			"text":       HTMLMessage(a),
			"parse_mode": "HTML",
		},
	}, &resp)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("telegram: api error: %s", resp.Description)
	}
	return nil
}
