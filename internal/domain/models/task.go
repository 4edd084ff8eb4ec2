package models

import "time"

// UpdateFrequency is the refresh tier of a (symbol, timeframe) pair.
type UpdateFrequency string

const (
	FreqRealTime UpdateFrequency = "real_time"
	FreqFrequent UpdateFrequency = "frequent"
	FreqRegular  UpdateFrequency = "regular"
	FreqHourly   UpdateFrequency = "hourly"
	FreqDaily    UpdateFrequency = "daily"
)

// UpdateTask tracks when a pair needs new bars.
type UpdateTask struct {
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Frequency   UpdateFrequency `json:"frequency"`
	LastUpdate  time.Time       `json:"last_update,omitempty"`
	NextUpdate  time.Time       `json:"next_update"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	Active      bool            `json:"active"`
	ActiveSince time.Time       `json:"active_since,omitempty"`
}

// Key returns the per-unit key.
func (t *UpdateTask) Key() string { return UnitKey(t.Symbol, t.Timeframe) }

// SchedulerState is what survives a restart.
type SchedulerState struct {
	LastUpdateTimes map[string]time.Time `json:"last_update_times"`
	Stats           SchedulerStats       `json:"stats"`
	SavedAt         time.Time            `json:"saved_at"`
}
