package repository

import (
	"context"
	"time"

	"SignalFlow/internal/domain/models"
)

// BarStore is the storage collaborator for bars and signal records.
type BarStore interface {
	GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error)
	StoreBars(ctx context.Context, symbol, timeframe string, bars []models.Bar) error
	UpsertSignalRecord(ctx context.Context, rec models.SignalRecord) error
	GetAvailableSymbols(ctx context.Context) ([]string, error)
	GetAvailableTimeframes(ctx context.Context, symbol string) ([]string, error)
	Health(ctx context.Context) error
}

// SignalPublisher streams signal lifecycle events to downstream consumers.
type SignalPublisher interface {
	PublishEvent(ctx context.Context, ev models.SignalEvent) error
	Close() error
}

// StateStore persists scheduler state across restarts.
type StateStore interface {
	Load(ctx context.Context) (*models.SchedulerState, error)
	Save(ctx context.Context, st *models.SchedulerState) error
	Close() error
}

// Metrics records pipeline counters and latencies.
type Metrics interface {
	RecordSignalCreated(symbol, timeframe, priority string)
	RecordSignalRejected(reason string)
	RecordSignalTransition(status string)
	SetActiveSignals(n int)
	RecordAlertEnqueued(alertType string)
	RecordAlertDropped(reason string)
	RecordAlertDelivery(channel string, ok bool)
	SetAlertQueueDepth(n int)
	RecordFetch(timeframe string, ok bool)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
