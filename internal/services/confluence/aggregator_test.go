package confluence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
)

var ts = time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

func det(pattern string, at time.Time, conf, entry float64) models.DetectionResult {
	return models.DetectionResult{
		PatternType: pattern,
		Timestamp:   at,
		EntryPrice:  entry,
		StopLoss:    entry - 1,
		TakeProfit:  entry + 2,
		Confidence:  conf,
	}
}

func mustNew(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestAggregateTimestamp(t *testing.T) {
	a := mustNew(t, DefaultConfig())

	t.Run("two bullish at one bar", func(t *testing.T) {
		out := a.Aggregate([]models.DetectionResult{
			det("bullish_fvg", ts, 0.8, 100),
			det("bullish_engulfing", ts, 0.9, 102),
		})
		require.Len(t, out, 1)
		s := out[0]
		assert.Equal(t, models.Bullish, s.Direction)
		assert.InDelta(t, 0.85, s.Strength, 1e-9)
		assert.InDelta(t, 101, s.EntryPrice, 1e-9)
		assert.InDelta(t, 100, s.StopLoss, 1e-9)
		assert.InDelta(t, 103, s.TakeProfit, 1e-9)
		assert.Equal(t, []string{"bullish_fvg", "bullish_engulfing"}, s.Patterns)
		assert.Equal(t, ts, s.Timestamp)
	})

	t.Run("opposing directions never merge", func(t *testing.T) {
		out := a.Aggregate([]models.DetectionResult{
			det("bullish_fvg", ts, 0.9, 100),
			det("bearish_fvg", ts, 0.9, 100),
		})
		assert.Empty(t, out)
	})

	t.Run("different timestamps never merge", func(t *testing.T) {
		out := a.Aggregate([]models.DetectionResult{
			det("bullish_fvg", ts, 0.9, 100),
			det("bullish_engulfing", ts.Add(time.Minute), 0.9, 100),
		})
		assert.Empty(t, out)
	})

	t.Run("below threshold", func(t *testing.T) {
		out := a.Aggregate([]models.DetectionResult{
			det("bullish_fvg", ts, 0.5, 100),
			det("bullish_engulfing", ts, 0.6, 100),
		})
		assert.Empty(t, out)
	})

	t.Run("neutral ignored", func(t *testing.T) {
		out := a.Aggregate([]models.DetectionResult{
			det("doji", ts, 0.9, 100),
			det("inside_bar", ts, 0.9, 100),
		})
		assert.Empty(t, out)
	})

	t.Run("NaN filtered before counting", func(t *testing.T) {
		out := a.Aggregate([]models.DetectionResult{
			det("bullish_fvg", ts, 0.9, 100),
			det("bullish_engulfing", ts, 0.9, math.NaN()),
		})
		assert.Empty(t, out)

		out = a.Aggregate([]models.DetectionResult{
			det("bullish_fvg", ts, 0.9, 100),
			det("bullish_engulfing", ts, 0.7, 100),
			det("bullish_order_block", ts, math.Inf(1), 100),
		})
		require.Len(t, out, 1)
		assert.InDelta(t, 0.8, out[0].Strength, 1e-9)
		assert.Equal(t, 2, out[0].Metadata["signal_count"])
	})

	t.Run("ordered by timestamp", func(t *testing.T) {
		later := ts.Add(time.Hour)
		out := a.Aggregate([]models.DetectionResult{
			det("bearish_fvg", later, 0.9, 100),
			det("bearish_choch", later, 0.9, 100),
			det("bullish_fvg", ts, 0.9, 100),
			det("bullish_choch", ts, 0.9, 100),
		})
		require.Len(t, out, 2)
		assert.Equal(t, models.Bullish, out[0].Direction)
		assert.Equal(t, models.Bearish, out[1].Direction)
	})
}

func TestAggregatePriceLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyPriceLevel
	a := mustNew(t, cfg)

	out := a.Aggregate([]models.DetectionResult{
		det("bullish_fvg", ts, 0.8, 1.23451),
		det("swing_low_support", ts.Add(2*time.Hour), 0.9, 1.23449),
		det("bullish_engulfing", ts, 0.9, 1.3),
	})
	require.Len(t, out, 1)
	assert.Equal(t, ts.Add(2*time.Hour), out[0].Timestamp)
	assert.InDelta(t, 0.85, out[0].Strength, 1e-9)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Strategy: "volume", MinSignals: 2})
	assert.Error(t, err)
	_, err = New(Config{Strategy: StrategyTimestamp})
	assert.Error(t, err)
}

func TestRecent(t *testing.T) {
	in := []models.ConfluenceSignal{{Timestamp: ts}, {Timestamp: ts.Add(time.Hour)}}
	out := Recent(in, ts.Add(time.Minute))
	require.Len(t, out, 1)
	assert.Equal(t, ts.Add(time.Hour), out[0].Timestamp)
	assert.Len(t, in, 2)
}
