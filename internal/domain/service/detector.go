package service

import (
	"context"
	"time"

	"SignalFlow/internal/domain/models"
)

// Detector scans a bar window and emits detections. Implementations
// must be deterministic and must not mutate the window.
type Detector interface {
	Name() string
	Detect(bars []models.Bar) []models.DetectionResult
}

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Attempt(ctx context.Context, alert *models.Alert) error
}

// BarProvider fetches fresh bars from the upstream vendor.
type BarProvider interface {
	FetchBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error)
}
