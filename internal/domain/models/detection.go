package models

import "time"

// Direction is the market bias of a detection or signal.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// DetectionResult is one pattern hit emitted by a detector.
type DetectionResult struct {
	PatternType string                 `json:"pattern_type"`
	Timestamp   time.Time              `json:"timestamp"`
	EntryPrice  float64                `json:"entry_price"`
	StopLoss    float64                `json:"stop_loss"`
	TakeProfit  float64                `json:"take_profit"`
	Confidence  float64                `json:"confidence"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ConfluenceSignal is the agreement of several same-direction detections.
type ConfluenceSignal struct {
	Timestamp  time.Time              `json:"timestamp"`
	Direction  Direction              `json:"direction"`
	Strength   float64                `json:"strength"`
	Patterns   []string               `json:"patterns"`
	EntryPrice float64                `json:"entry_price"`
	StopLoss   float64                `json:"stop_loss"`
	TakeProfit float64                `json:"take_profit"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
