package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidBars = errors.New("invalid bar series")

// Bar represents one OHLCV observation for a symbol/timeframe.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid reports whether the OHLC ordering invariant holds.
func (b Bar) Valid() bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.Volume < 0 || b.Low <= 0 {
		return false
	}
	return b.High >= math.Max(b.Open, b.Close) && math.Min(b.Open, b.Close) >= b.Low
}

// Bullish reports a close above the open.
func (b Bar) Bullish() bool { return b.Close > b.Open }

// Bearish reports a close below the open.
func (b Bar) Bearish() bool { return b.Close < b.Open }

// Body returns the absolute candle body size.
func (b Bar) Body() float64 { return math.Abs(b.Close - b.Open) }

// Range returns high minus low.
func (b Bar) Range() float64 { return b.High - b.Low }

// ValidateSeries checks every bar and the strictly ascending timestamp order.
func ValidateSeries(bars []Bar) error {
	for i, b := range bars {
		if !b.Valid() {
			return fmt.Errorf("%w: bar %d at %s violates OHLC invariant", ErrInvalidBars, i, b.Timestamp.Format(time.RFC3339))
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: bar %d timestamp not ascending", ErrInvalidBars, i)
		}
	}
	return nil
}
