package clickhouse

import "fmt"

// Table names used by the bar store.
const (
	BarsTable    = "bars"
	SignalsTable = "trading_signals"
)

// Schema returns the DDL for the signalflow tables in database.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	symbol LowCardinality(String),
	timeframe LowCardinality(String),
	ts DateTime64(3, 'UTC'),
	open Float64,
	high Float64,
	low Float64,
	close Float64,
	volume Float64,
	inserted_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
PARTITION BY toYYYYMM(ts)
ORDER BY (symbol, timeframe, ts)`, database, BarsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	signal_id String,
	ts DateTime64(3, 'UTC'),
	symbol LowCardinality(String),
	timeframe LowCardinality(String),
	pattern_type String,
	status LowCardinality(String),
	entry_price Float64,
	stop_loss Float64,
	take_profit Float64,
	confidence Float64,
	metadata String,
	updated_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(updated_at)
ORDER BY (signal_id)`, database, SignalsTable),
	}
}
