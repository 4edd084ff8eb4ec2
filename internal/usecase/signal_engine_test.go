package usecase

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/services/confluence"
	"SignalFlow/internal/services/detector"
	"SignalFlow/pkg/logger"
	"SignalFlow/pkg/metrics"
)

func newEngine(t *testing.T, cfg EngineConfig, store *fakeStore, clk *testClock) *SignalEngine {
	t.Helper()
	dets, err := detector.Build(nil)
	require.NoError(t, err)
	agg, err := confluence.New(confluence.DefaultConfig())
	require.NoError(t, err)
	return NewSignalEngine(cfg, store, dets, agg, storeUniverse{store}, metrics.Nop{}, logger.NewNop(), WithEngineClock(clk.now))
}

func bullish(strength float64) models.ConfluenceSignal {
	return models.ConfluenceSignal{
		Timestamp:  t0,
		Direction:  models.Bullish,
		Strength:   strength,
		Patterns:   []string{"bullish_fvg", "bullish_engulfing"},
		EntryPrice: 100,
		StopLoss:   99,
		TakeProfit: 103,
	}
}

func TestEnginePriorityThresholds(t *testing.T) {
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), &testClock{t: t0})
	cases := []struct {
		strength float64
		want     models.Priority
	}{
		{0.95, models.PriorityCritical},
		{0.9, models.PriorityCritical},
		{0.85, models.PriorityHigh},
		{0.75, models.PriorityMedium},
		{0.65, models.PriorityLow},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.strength), func(t *testing.T) {
			assert.Equal(t, tc.want, e.priorityFor(tc.strength))
		})
	}
}

func TestEngineAdmitCreatesSignal(t *testing.T) {
	store := newFakeStore()
	clk := &testClock{t: t0}
	e := newEngine(t, DefaultEngineConfig(), store, clk)

	adm := e.Admit(context.Background(), "AAPL", "1h", bullish(0.85), 100.5)
	require.Equal(t, Accepted, adm.Outcome)
	s := adm.Signal
	assert.Equal(t, models.PriorityHigh, s.Priority)
	assert.Equal(t, models.StatusPending, s.Status)
	assert.Equal(t, t0.Add(30*time.Minute), s.ValidUntil)
	assert.InDelta(t, 3.0, s.RiskReward, 1e-9)
	assert.Equal(t, 100.5, s.CurrentPrice)
	assert.NotEmpty(t, s.ID)

	require.Equal(t, 1, store.recordCount())
	rec := store.records[0]
	assert.Equal(t, "confluence_bullish", rec.PatternType)
	assert.Equal(t, 2, rec.Metadata["signal_count"])
	assert.InDelta(t, 0.005/1.005, rec.Metadata["price_distance"].(float64), 1e-9)
}

func TestEngineCriticalValidityDoubles(t *testing.T) {
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), &testClock{t: t0})
	adm := e.Admit(context.Background(), "AAPL", "1h", bullish(0.95), 100)
	require.Equal(t, Accepted, adm.Outcome)
	assert.Equal(t, t0.Add(time.Hour), adm.Signal.ValidUntil)
}

func TestEngineCooldown(t *testing.T) {
	clk := &testClock{t: t0}
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), clk)
	ctx := context.Background()

	require.Equal(t, Accepted, e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100).Outcome)
	second := e.Admit(ctx, "AAPL", "1h", bullish(0.95), 100)
	assert.Equal(t, RejectedTransient, second.Outcome)
	assert.Equal(t, ReasonCooldown, second.Reason)
	assert.Len(t, e.GetActiveSignals("", nil), 1)

	// other timeframe has its own cooldown
	assert.Equal(t, Accepted, e.Admit(ctx, "AAPL", "15m", bullish(0.85), 100).Outcome)

	clk.advance(15 * time.Minute)
	assert.Equal(t, Accepted, e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100).Outcome)
	assert.Equal(t, int64(1), e.Stats().Rejected[ReasonCooldown])
}

func TestEngineRejectsInvalidAndWeak(t *testing.T) {
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), &testClock{t: t0})
	ctx := context.Background()

	weak := e.Admit(ctx, "AAPL", "1h", bullish(0.5), 100)
	assert.Equal(t, RejectedPermanent, weak.Outcome)
	assert.Equal(t, ReasonBelowMinStrength, weak.Reason)

	neutral := bullish(0.9)
	neutral.Direction = models.Neutral
	assert.Equal(t, ReasonInvalid, e.Admit(ctx, "AAPL", "1h", neutral, 100).Reason)

	nan := bullish(0.9)
	nan.EntryPrice = math.NaN()
	assert.Equal(t, ReasonInvalid, e.Admit(ctx, "AAPL", "1h", nan, 100).Reason)

	assert.Empty(t, e.GetActiveSignals("", nil))
}

func TestEngineCapacityEviction(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxConcurrentSignals = 3
	clk := &testClock{t: t0}
	rec := &eventRecorder{}
	e := newEngine(t, cfg, newFakeStore(), clk)
	e.AddListener(rec)
	ctx := context.Background()

	for i, sym := range []string{"A", "B", "C"} {
		clk.advance(time.Second)
		adm := e.Admit(ctx, sym, "1h", bullish(0.61+0.01*float64(i)), 100)
		require.Equal(t, Accepted, adm.Outcome)
	}

	crit := e.Admit(ctx, "D", "1h", bullish(0.95), 100)
	require.Equal(t, Accepted, crit.Outcome)
	require.NotNil(t, crit.Evicted)
	assert.Equal(t, "A", crit.Evicted.Symbol)
	assert.Equal(t, models.StatusCancelled, crit.Evicted.Status)
	assert.Len(t, e.GetActiveSignals("", nil), 3)

	low := e.Admit(ctx, "E", "1h", bullish(0.61), 100)
	assert.Equal(t, RejectedPermanent, low.Outcome)
	assert.Equal(t, ReasonCapacity, low.Reason)
	assert.Len(t, e.GetActiveSignals("", nil), 3)

	hist := e.GetSignalHistory(10)
	require.Len(t, hist, 1)
	assert.Equal(t, crit.Evicted.ID, hist[0].ID)

	types := rec.types()
	assert.Equal(t, models.AlertSignalCancelled, types[len(types)-2])
	assert.Equal(t, models.AlertSignalCreated, types[len(types)-1])
}

func TestEnginePersistenceFailureLeavesStateUntouched(t *testing.T) {
	store := newFakeStore()
	store.failUpsert = true
	e := newEngine(t, DefaultEngineConfig(), store, &testClock{t: t0})
	ctx := context.Background()

	adm := e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100)
	assert.Equal(t, RejectedTransient, adm.Outcome)
	assert.Equal(t, ReasonPersistence, adm.Reason)
	assert.Empty(t, e.GetActiveSignals("", nil))

	store.mu.Lock()
	store.failUpsert = false
	store.mu.Unlock()
	assert.Equal(t, Accepted, e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100).Outcome)
}

func TestEngineSlowStoreTimesOutUnderLock(t *testing.T) {
	store := newFakeStore()
	store.hangUpsert = true
	cfg := DefaultEngineConfig()
	cfg.PersistTimeout = 50 * time.Millisecond
	e := newEngine(t, cfg, store, &testClock{t: t0})

	began := time.Now()
	adm := e.Admit(context.Background(), "AAPL", "1h", bullish(0.85), 100)
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, RejectedTransient, adm.Outcome)
	assert.Equal(t, ReasonPersistence, adm.Reason)
	// the lock is free again
	assert.Empty(t, e.GetActiveSignals("", nil))
}

func TestEngineExpiryMovesToHistoryOnce(t *testing.T) {
	clk := &testClock{t: t0}
	rec := &eventRecorder{}
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), clk)
	e.AddListener(rec)
	ctx := context.Background()

	adm := e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100)
	require.Equal(t, Accepted, adm.Outcome)

	clk.advance(30 * time.Minute)
	assert.Equal(t, 0, e.CleanupExpired(ctx))

	clk.advance(time.Second)
	assert.Equal(t, 1, e.CleanupExpired(ctx))
	assert.Equal(t, 0, e.CleanupExpired(ctx))

	hist := e.GetSignalHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, models.StatusExpired, hist[0].Status)
	assert.Empty(t, e.GetActiveSignals("", nil))
	assert.Equal(t, int64(1), e.Stats().SignalsExpired)
	assert.Equal(t, []models.AlertType{models.AlertSignalCreated, models.AlertSignalExpired}, rec.types())
}

func TestEngineStatusTransitions(t *testing.T) {
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), &testClock{t: t0})
	ctx := context.Background()
	id := e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100).Signal.ID

	_, err := e.UpdateSignalStatus(ctx, id, models.StatusExecuted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := e.UpdateSignalStatus(ctx, id, models.StatusTriggered)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTriggered, s.Status)
	assert.Empty(t, e.GetActiveSignals("", nil))

	_, err = e.UpdateSignalStatus(ctx, id, models.StatusExecuted)
	require.NoError(t, err)
	hist := e.GetSignalHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, models.StatusExecuted, hist[0].Status)

	got, err := e.GetSignal(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, got.Status)

	_, err = e.UpdateSignalStatus(ctx, id, models.StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.UpdateSignalStatus(ctx, "missing", models.StatusTriggered)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineHistoryBounded(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.HistorySize = 2
	cfg.Cooldown = 0
	clk := &testClock{t: t0}
	e := newEngine(t, cfg, newFakeStore(), clk)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		clk.advance(time.Second)
		id := e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100).Signal.ID
		_, err := e.UpdateSignalStatus(ctx, id, models.StatusCancelled)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	hist := e.GetSignalHistory(0)
	require.Len(t, hist, 2)
	assert.Equal(t, ids[2], hist[0].ID)
	assert.Equal(t, ids[1], hist[1].ID)
}

func TestEngineActiveSignalsOrderAndFilter(t *testing.T) {
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), &testClock{t: t0})
	ctx := context.Background()
	e.Admit(ctx, "A", "1h", bullish(0.72), 100)
	e.Admit(ctx, "B", "1h", bullish(0.95), 100)
	e.Admit(ctx, "C", "1h", bullish(0.84), 100)
	e.Admit(ctx, "D", "1h", bullish(0.81), 100)

	all := e.GetActiveSignals("", nil)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"B", "C", "D", "A"}, []string{all[0].Symbol, all[1].Symbol, all[2].Symbol, all[3].Symbol})

	high := models.PriorityHigh
	assert.Len(t, e.GetActiveSignals("", &high), 2)
	assert.Len(t, e.GetActiveSignals("C", nil), 1)
}

func TestEngineRunCycleEndToEnd(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL_1h"] = gapAndEngulf()
	clk := &testClock{t: t0.Add(8 * time.Hour)}
	e := newEngine(t, DefaultEngineConfig(), store, clk)

	require.NoError(t, e.RunCycle(context.Background()))

	active := e.GetActiveSignals("", nil)
	require.Len(t, active, 1)
	s := active[0]
	assert.Equal(t, "AAPL", s.Symbol)
	assert.Equal(t, "1h", s.Timeframe)
	assert.Equal(t, models.Bullish, s.Direction)
	assert.Equal(t, models.PriorityCritical, s.Priority)
	assert.ElementsMatch(t, []string{"bullish_fvg", "bullish_engulfing"}, s.Patterns)
	assert.Equal(t, 101.9, s.CurrentPrice)

	st := e.Stats()
	assert.Equal(t, int64(1), st.UnitsScanned)
	assert.Equal(t, int64(0), st.UnitErrors)

	// second cycle hits the cooldown
	require.NoError(t, e.RunCycle(context.Background()))
	assert.Len(t, e.GetActiveSignals("", nil), 1)
}

func TestEngineRunCycleIsolatesBadUnits(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL_1h"] = gapAndEngulf()
	bad := gapAndEngulf()
	bad[3].High = bad[3].Low - 1
	store.bars["MSFT_1h"] = bad
	cfg := DefaultEngineConfig()
	cfg.Symbols = []string{"MSFT", "AAPL"}
	cfg.Timeframes = []string{"1h"}
	e := newEngine(t, cfg, store, &testClock{t: t0.Add(8 * time.Hour)})

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Len(t, e.GetActiveSignals("AAPL", nil), 1)
	assert.Equal(t, int64(1), e.Stats().UnitErrors)
}

func TestEngineUnitsPrioritizeRefreshed(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Symbols = []string{"A", "B", "C"}
	cfg.Timeframes = []string{"1h"}
	e := newEngine(t, cfg, newFakeStore(), &testClock{t: t0})
	for i := 0; i < 3; i++ {
		e.NotifyUpdated("C", "1h")
	}
	e.RemoveSymbols([]string{"B"})
	e.unitsMu.Lock()
	assert.Len(t, e.refreshed, 1)
	e.unitsMu.Unlock()

	units, err := e.units(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "C", units[0].symbol)
	assert.Equal(t, "A", units[1].symbol)

	// the marks are consumed by one enumeration
	units, err = e.units(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", units[0].symbol)
}
