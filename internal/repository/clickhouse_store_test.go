package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	pkgch "SignalFlow/pkg/clickhouse"
)

var t0 = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*ClickHouseStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewClickHouseStore(pkgch.NewFromDB(db, "sf"), nil), mock
}

func TestClickHouseStoreGetBars(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"ts", "open", "high", "low", "close", "volume"}).
		AddRow(t0, 100.0, 101.0, 99.5, 100.5, 1000.0).
		AddRow(t0.Add(time.Hour), 100.5, 102.0, 100.0, 101.5, 1200.0)
	mock.ExpectQuery(`FROM sf\.bars FINAL`).
		WithArgs("AAPL", "1h", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	bars, err := s.GetBars(context.Background(), "AAPL", "1h", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, t0.Add(time.Hour), bars[1].Timestamp)
	assert.Equal(t, 101.5, bars[1].Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickHouseStoreGetBarsError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM sf\.bars`).WillReturnError(errors.New("connection refused"))

	_, err := s.GetBars(context.Background(), "AAPL", "1h", t0, t0)
	assert.ErrorContains(t, err, "connection refused")
}

func TestClickHouseStoreStoreBarsSkipsInvalid(t *testing.T) {
	s, mock := newMockStore(t)
	bars := []models.Bar{
		{Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
		{Timestamp: t0.Add(time.Hour), Open: 100, High: 99, Low: 98, Close: 100, Volume: 10},
	}
	mock.ExpectExec(`INSERT INTO sf\.bars \(symbol, timeframe, ts, open, high, low, close, volume\) VALUES \(\?, \?, \?, \?, \?, \?, \?, \?\)$`).
		WithArgs("AAPL", "1h", sqlmock.AnyArg(), 100.0, 101.0, 99.0, 100.5, 10.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.StoreBars(context.Background(), "AAPL", "1h", bars))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickHouseStoreUpsertSignalRecord(t *testing.T) {
	s, mock := newMockStore(t)
	rec := models.SignalRecord{
		SignalID:    "sig-1",
		Timestamp:   t0,
		Symbol:      "AAPL",
		Timeframe:   "1h",
		PatternType: "confluence_bullish",
		Status:      models.StatusPending,
		EntryPrice:  100,
		StopLoss:    99,
		TakeProfit:  103,
		Confidence:  0.85,
		Metadata:    map[string]interface{}{"signal_count": 2},
	}
	mock.ExpectExec(`INSERT INTO sf\.trading_signals`).
		WithArgs("sig-1", sqlmock.AnyArg(), "AAPL", "1h", "confluence_bullish", "PENDING", 100.0, 99.0, 103.0, 0.85, `{"signal_count":2}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertSignalRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickHouseStoreListings(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT DISTINCT symbol FROM sf\.bars`).
		WillReturnRows(sqlmock.NewRows([]string{"symbol"}).AddRow("AAPL").AddRow("MSFT"))
	mock.ExpectQuery(`SELECT DISTINCT timeframe FROM sf\.bars WHERE symbol = \?`).
		WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"timeframe"}).AddRow("1d").AddRow("1h"))

	syms, err := s.GetAvailableSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, syms)
	tfs, err := s.GetAvailableTimeframes(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"1d", "1h"}, tfs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
