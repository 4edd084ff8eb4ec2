package notify

import (
	"fmt"
	"html"
	"strings"

	"SignalFlow/internal/domain/models"
)

// Channel names used in configuration and alert routing.
const (
	ChannelEmail     = "email"
	ChannelWebhook   = "webhook"
	ChannelTelegram  = "telegram"
	ChannelWebsocket = "websocket"
)

// SignalTitle renders e.g. "HIGH BULLISH Signal: AAPL".
func SignalTitle(s *models.TradingSignal) string {
	return fmt.Sprintf("%s %s Signal: %s", s.Priority, strings.ToUpper(string(s.Direction)), s.Symbol)
}

// SignalMessage renders the plain-text body of a signal alert.
func SignalMessage(s *models.TradingSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", s.Symbol)
	fmt.Fprintf(&b, "Timeframe: %s\n", s.Timeframe)
	fmt.Fprintf(&b, "Pattern: %s\n", s.PatternType)
	fmt.Fprintf(&b, "Direction: %s\n", strings.ToUpper(string(s.Direction)))
	fmt.Fprintf(&b, "Status: %s\n\n", s.Status)

	fmt.Fprintf(&b, "Entry Price: %.4f\n", s.EntryPrice)
	fmt.Fprintf(&b, "Stop Loss: %.4f (%.1f%%)\n", s.StopLoss, pct(s.EntryPrice-s.StopLoss, s.EntryPrice))
	fmt.Fprintf(&b, "Take Profit: %.4f (%.1f%%)\n\n", s.TakeProfit, pct(s.TakeProfit-s.EntryPrice, s.EntryPrice))

	fmt.Fprintf(&b, "Risk/Reward: 1:%.1f\n", models.RiskRewardRatio(s.EntryPrice, s.StopLoss, s.TakeProfit))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", s.Confidence*100)
	fmt.Fprintf(&b, "Strength: %.2f\n", s.Strength)
	if len(s.Patterns) > 0 {
		fmt.Fprintf(&b, "Contributing Signals: %s\n", strings.Join(s.Patterns, ", "))
	}
	if !s.ValidUntil.IsZero() {
		fmt.Fprintf(&b, "\nValid Until: %s", s.ValidUntil.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return strings.TrimSpace(b.String())
}

func pct(diff, base float64) float64 {
	if base == 0 {
		return 0
	}
	return diff / base * 100
}

// HTMLMessage renders an alert for HTML-capable channels.
func HTMLMessage(a *models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(a.Title))
	fmt.Fprintf(&b, "<i>%s · %s</i>\n\n", a.Priority, a.Type)
	b.WriteString(html.EscapeString(a.Message))
	return b.String()
}
