package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"SignalFlow/internal/domain/models"
)

type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers alerts over SMTP.
type Email struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
}

func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (e *Email) Name() string { return ChannelEmail }

// Attempt sends to the alert recipients, or the configured ones when the alert has none.
func (e *Email) Attempt(ctx context.Context, a *models.Alert) error {
	to := a.Recipients
	if len(to) == 0 {
		to = e.cfg.Recipients
	}
	if len(to) == 0 {
		return fmt.Errorf("email: no recipients")
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	msg := e.compose(a, to)

	done := make(chan error, 1)
	go func() { done <- e.sendMail(addr, auth, e.cfg.From, to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	}
}

func (e *Email) compose(a *models.Alert, to []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", a.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString("<html><body><pre>")
	b.WriteString(HTMLMessage(a))
	b.WriteString("</pre></body></html>\r\n")
	return []byte(b.String())
}
