package models

import "time"

// EngineStats summarizes the signal engine.
type EngineStats struct {
	Running             bool             `json:"running"`
	SignalsGenerated    int64            `json:"signals_generated"`
	SignalsExpired      int64            `json:"signals_expired"`
	SignalsExecuted     int64            `json:"signals_executed"`
	SignalsTriggered    int64            `json:"signals_triggered"`
	SignalsCancelled    int64            `json:"signals_cancelled"`
	Rejected            map[string]int64 `json:"rejected"`
	ActiveSignals       int              `json:"active_signals"`
	ActiveByPriority    map[string]int   `json:"active_by_priority"`
	HistorySize         int              `json:"history_size"`
	UnitsScanned        int64            `json:"units_scanned"`
	UnitErrors          int64            `json:"unit_errors"`
	LastScanAt          time.Time        `json:"last_scan_at,omitempty"`
	LastScanDuration    time.Duration    `json:"last_scan_duration"`
	MonitoredSymbols    int              `json:"monitored_symbols"`
	MonitoredTimeframes []string         `json:"monitored_timeframes"`
}

// AlertStats summarizes the alert engine.
type AlertStats struct {
	Running         bool  `json:"running"`
	Enqueued        int64 `json:"enqueued"`
	Sent            int64 `json:"sent"`
	Failed          int64 `json:"failed"`
	Retried         int64 `json:"retried"`
	RateLimited     int64 `json:"rate_limited"`
	BelowPriority   int64 `json:"below_priority"`
	DroppedOverflow int64 `json:"dropped_overflow"`
	QueueSize       int   `json:"queue_size"`
	PendingRetries  int   `json:"pending_retries"`
}

// SchedulerStats summarizes the data update scheduler.
type SchedulerStats struct {
	TotalUpdates      int64         `json:"total_updates"`
	SuccessfulUpdates int64         `json:"successful_updates"`
	FailedUpdates     int64         `json:"failed_updates"`
	StuckResets       int64         `json:"stuck_resets"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	LastCycleAt       time.Time     `json:"last_cycle_at,omitempty"`
	QueueSize         int           `json:"queue_size"`
	ActiveTasks       int           `json:"active_tasks"`
}

// Statistics is the control-surface summary of the whole pipeline.
type Statistics struct {
	Engine    EngineStats    `json:"engine"`
	Alerts    AlertStats     `json:"alerts"`
	Scheduler SchedulerStats `json:"scheduler"`
}
