package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks signal urgency. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority accepts the upper or lower case priority name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "LOW":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// SignalStatus is the lifecycle state of a TradingSignal.
type SignalStatus string

const (
	StatusPending   SignalStatus = "PENDING"
	StatusTriggered SignalStatus = "TRIGGERED"
	StatusExecuted  SignalStatus = "EXECUTED"
	StatusExpired   SignalStatus = "EXPIRED"
	StatusCancelled SignalStatus = "CANCELLED"
)

// ParseStatus normalizes a status name.
func ParseStatus(s string) (SignalStatus, error) {
	st := SignalStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusTriggered, StatusExecuted, StatusExpired, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s SignalStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired || s == StatusCancelled
}

// TradingSignal is a tracked, prioritized signal owned by the signal engine.
type TradingSignal struct {
	ID           string                 `json:"id"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Symbol       string                 `json:"symbol"`
	Timeframe    string                 `json:"timeframe"`
	Direction    Direction              `json:"direction"`
	PatternType  string                 `json:"pattern_type"`
	Priority     Priority               `json:"priority"`
	Status       SignalStatus           `json:"status"`
	EntryPrice   float64                `json:"entry_price"`
	StopLoss     float64                `json:"stop_loss"`
	TakeProfit   float64                `json:"take_profit"`
	Confidence   float64                `json:"confidence"`
	Strength     float64                `json:"strength"`
	Patterns     []string               `json:"patterns"`
	ValidUntil   time.Time              `json:"valid_until"`
	CurrentPrice float64                `json:"current_price"`
	RiskReward   float64                `json:"risk_reward"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Key is the cooldown key of the signal.
func (s *TradingSignal) Key() string { return UnitKey(s.Symbol, s.Timeframe) }

// Clone returns a deep copy safe to hand to other components.
func (s *TradingSignal) Clone() *TradingSignal {
	if s == nil {
		return nil
	}
	c := *s
	c.Patterns = append([]string(nil), s.Patterns...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// RiskRewardRatio returns reward over risk, or 0 when risk is zero.
func RiskRewardRatio(entry, stop, target float64) float64 {
	risk := entry - stop
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		return 0
	}
	reward := target - entry
	if reward < 0 {
		reward = -reward
	}
	return reward / risk
}

// UnitKey joins symbol and timeframe into the per-unit key.
func UnitKey(symbol, timeframe string) string { return symbol + "_" + timeframe }

// SignalRecord is the row persisted through the storage collaborator.
type SignalRecord struct {
	SignalID    string                 `json:"signal_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Symbol      string                 `json:"symbol"`
	Timeframe   string                 `json:"timeframe"`
	PatternType string                 `json:"pattern_type"`
	Status      SignalStatus           `json:"status"`
	EntryPrice  float64                `json:"entry_price"`
	StopLoss    float64                `json:"stop_loss"`
	TakeProfit  float64                `json:"take_profit"`
	Confidence  float64                `json:"confidence"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// NewSignalRecord maps a signal to its storage row.
func NewSignalRecord(s *TradingSignal) SignalRecord {
	meta := map[string]interface{}{
		"signal_count":   len(s.Patterns),
		"current_price":  s.CurrentPrice,
		"price_distance": priceDistance(s.EntryPrice, s.CurrentPrice),
		"priority":       s.Priority.String(),
		"strength":       s.Strength,
		"patterns":       s.Patterns,
	}
	return SignalRecord{
		SignalID:    s.ID,
		Timestamp:   s.CreatedAt,
		Symbol:      s.Symbol,
		Timeframe:   s.Timeframe,
		PatternType: fmt.Sprintf("%s_%s", s.PatternType, s.Direction),
		Status:      s.Status,
		EntryPrice:  s.EntryPrice,
		StopLoss:    s.StopLoss,
		TakeProfit:  s.TakeProfit,
		Confidence:  s.Confidence,
		Metadata:    meta,
	}
}

func priceDistance(entry, current float64) float64 {
	if current == 0 {
		return 0
	}
	d := (entry - current) / current
	if d < 0 {
		d = -d
	}
	return d
}

// SignalEvent is emitted on every creation or transition of a signal.
type SignalEvent struct {
	Type      AlertType      `json:"type"`
	Signal    *TradingSignal `json:"signal"`
	From      SignalStatus   `json:"from,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
