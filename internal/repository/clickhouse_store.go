package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	pkgch "SignalFlow/pkg/clickhouse"
	applogger "SignalFlow/pkg/logger"
)

// ClickHouseStore implements BarStore backed by ClickHouse.
type ClickHouseStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

func NewClickHouseStore(ch *pkgch.Client, l *applogger.Logger) *ClickHouseStore {
	if l == nil {
		l = applogger.NewNop()
	}
	return &ClickHouseStore{db: ch.DB(), database: ch.Database(), l: l}
}

func (s *ClickHouseStore) table(name string) string { return s.database + "." + name }

func (s *ClickHouseStore) GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error) {
	began := time.Now()
	const qtpl = `
        SELECT ts, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC
    `
	q := fmt.Sprintf(qtpl, s.table(pkgch.BarsTable))
	rows, err := s.db.QueryContext(ctx, q, symbol, timeframe, start.UTC(), end.UTC())
	if err != nil {
		s.l.Error("clickhouse get_bars query error",
			applogger.String("symbol", symbol),
			applogger.String("tf", timeframe),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get bars: %w", err)
	}
	defer rows.Close()

	out := make([]models.Bar, 0, 256)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse get_bars ok",
		applogger.String("symbol", symbol),
		applogger.String("tf", timeframe),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(began)),
	)
	return out, nil
}

// StoreBars inserts bars with multi-row VALUES. Re-sent bars collapse on merge.
func (s *ClickHouseStore) StoreBars(ctx context.Context, symbol, timeframe string, bars []models.Bar) error {
	const chunkSize = 2000
	for start := 0; start < len(bars); start += chunkSize {
		end := start + chunkSize
		if end > len(bars) {
			end = len(bars)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*8)
		for _, b := range bars[start:end] {
			if !b.Valid() {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, symbol, timeframe, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (symbol, timeframe, ts, open, high, low, close, volume) VALUES %s",
			s.table(pkgch.BarsTable), strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse store_bars error",
				applogger.String("symbol", symbol),
				applogger.String("tf", timeframe),
				applogger.Int("rows", len(values)),
				applogger.Error(err),
			)
			return fmt.Errorf("store bars: %w", err)
		}
	}
	return nil
}

// UpsertSignalRecord appends a row version; ReplacingMergeTree keeps the latest per signal_id.
func (s *ClickHouseStore) UpsertSignalRecord(ctx context.Context, rec models.SignalRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (signal_id, ts, symbol, timeframe, pattern_type, status, entry_price, stop_loss, take_profit, confidence, metadata, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.table(pkgch.SignalsTable))
	_, err = s.db.ExecContext(ctx, q,
		rec.SignalID,
		rec.Timestamp.UTC(),
		rec.Symbol,
		rec.Timeframe,
		rec.PatternType,
		string(rec.Status),
		rec.EntryPrice,
		rec.StopLoss,
		rec.TakeProfit,
		rec.Confidence,
		string(meta),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert signal %s: %w", rec.SignalID, err)
	}
	return nil
}

func (s *ClickHouseStore) GetAvailableSymbols(ctx context.Context) ([]string, error) {
	q := fmt.Sprintf("SELECT DISTINCT symbol FROM %s ORDER BY symbol", s.table(pkgch.BarsTable))
	return s.queryStrings(ctx, q)
}

func (s *ClickHouseStore) GetAvailableTimeframes(ctx context.Context, symbol string) ([]string, error) {
	q := fmt.Sprintf("SELECT DISTINCT timeframe FROM %s WHERE symbol = ? ORDER BY timeframe", s.table(pkgch.BarsTable))
	return s.queryStrings(ctx, q, symbol)
}

func (s *ClickHouseStore) queryStrings(ctx context.Context, q string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ domrepo.BarStore = (*ClickHouseStore)(nil)
