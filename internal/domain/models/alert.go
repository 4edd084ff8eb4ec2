package models

import (
	"time"
)

// AlertType categorizes an alert by the event that produced it.
type AlertType string

const (
	AlertSignalCreated   AlertType = "signal_created"
	AlertSignalTriggered AlertType = "signal_triggered"
	AlertSignalExecuted  AlertType = "signal_executed"
	AlertSignalExpired   AlertType = "signal_expired"
	AlertSignalCancelled AlertType = "signal_cancelled"
	AlertMarket          AlertType = "market_alert"
	AlertSystem          AlertType = "system_alert"
)

// AlertStatus tracks delivery progress.
type AlertStatus string

const (
	AlertQueued    AlertStatus = "queued"
	AlertRetrying  AlertStatus = "retrying"
	AlertDelivered AlertStatus = "delivered"
	AlertFailed    AlertStatus = "failed"
	AlertDropped   AlertStatus = "dropped"
)

// Alert is a notification owned by the alert engine.
type Alert struct {
	ID                string                 `json:"id"`
	CreatedAt         time.Time              `json:"created_at"`
	Type              AlertType              `json:"type"`
	Priority          Priority               `json:"priority"`
	Symbol            string                 `json:"symbol,omitempty"`
	SignalID          string                 `json:"signal_id,omitempty"`
	Title             string                 `json:"title"`
	Message           string                 `json:"message"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Channels          []string               `json:"channels"`
	Recipients        []string               `json:"recipients,omitempty"`
	DeliveredChannels []string               `json:"delivered_channels"`
	FailedChannels    []string               `json:"failed_channels"`
	RetryCount        int                    `json:"retry_count"`
	Status            AlertStatus            `json:"status"`
	NextAttemptAt     time.Time              `json:"next_attempt_at,omitempty"`
}

// Pending returns the channels not yet delivered, in configured order.
func (a *Alert) Pending() []string {
	out := make([]string, 0, len(a.Channels))
	for _, ch := range a.Channels {
		if !contains(a.DeliveredChannels, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// MarkDelivered records a successful channel attempt exactly once.
func (a *Alert) MarkDelivered(ch string) {
	if !contains(a.DeliveredChannels, ch) {
		a.DeliveredChannels = append(a.DeliveredChannels, ch)
	}
	a.FailedChannels = remove(a.FailedChannels, ch)
}

// MarkFailed records a failed channel attempt exactly once.
func (a *Alert) MarkFailed(ch string) {
	if !contains(a.FailedChannels, ch) {
		a.FailedChannels = append(a.FailedChannels, ch)
	}
}

// Done reports whether every channel has been delivered.
func (a *Alert) Done() bool { return len(a.Pending()) == 0 }

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Channels = append([]string(nil), a.Channels...)
	c.Recipients = append([]string(nil), a.Recipients...)
	c.DeliveredChannels = append([]string(nil), a.DeliveredChannels...)
	c.FailedChannels = append([]string(nil), a.FailedChannels...)
	if a.Data != nil {
		c.Data = make(map[string]interface{}, len(a.Data))
		for k, v := range a.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
