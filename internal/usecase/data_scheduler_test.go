package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/cache"
	"SignalFlow/pkg/logger"
	"SignalFlow/pkg/metrics"
)

type fetchCall struct {
	symbol, timeframe string
	start, end        time.Time
}

type fakeProvider struct {
	mu    sync.Mutex
	fail  bool
	calls []fetchCall
}

func (p *fakeProvider) FetchBars(_ context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fetchCall{symbol, timeframe, start, end})
	if p.fail {
		return nil, errors.New("upstream 503")
	}
	return []models.Bar{
		{Timestamp: end.Add(-2 * time.Hour), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
		{Timestamp: end.Add(-time.Hour), Open: 100.5, High: 102, Low: 100, Close: 101, Volume: 12},
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) last() fetchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

type memState struct {
	mu    sync.Mutex
	saved *models.SchedulerState
}

func (m *memState) Load(context.Context) (*models.SchedulerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, nil
}

func (m *memState) Save(_ context.Context, st *models.SchedulerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = st
	return nil
}

func (m *memState) Close() error { return nil }

type updateRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *updateRecorder) NotifyUpdated(symbol, timeframe string) {
	r.mu.Lock()
	r.keys = append(r.keys, models.UnitKey(symbol, timeframe))
	r.mu.Unlock()
}

// monday 2024-03-04 15:00 UTC, inside the default session
var schedT0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, cfg SchedulerConfig, p *fakeProvider, store *fakeStore, st *memState, clk *testClock, opts ...SchedulerOption) *DataScheduler {
	t.Helper()
	opts = append(opts, WithSchedulerClock(clk.now))
	s, err := NewDataScheduler(cfg, p, store, st, metrics.Nop{}, logger.NewNop(), opts...)
	require.NoError(t, err)
	return s
}

func onlyTask(t *testing.T, s *DataScheduler) models.UpdateTask {
	t.Helper()
	q := s.QueueStatus()
	require.Len(t, q, 1)
	return q[0]
}

func TestSchedulerFrequencyMapping(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Frequencies = map[string]models.UpdateFrequency{"4h": models.FreqDaily}
	s := newScheduler(t, cfg, &fakeProvider{}, newFakeStore(), &memState{}, &testClock{t: schedT0})

	assert.Equal(t, models.FreqRealTime, s.FrequencyFor("1m"))
	assert.Equal(t, models.FreqFrequent, s.FrequencyFor("5m"))
	assert.Equal(t, models.FreqRegular, s.FrequencyFor("15m"))
	assert.Equal(t, models.FreqHourly, s.FrequencyFor("1h"))
	assert.Equal(t, models.FreqDaily, s.FrequencyFor("1d"))
	assert.Equal(t, models.FreqDaily, s.FrequencyFor("4h"))

	assert.Equal(t, time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC), s.nextAfter(models.FreqDaily, schedT0))
	assert.Equal(t, time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), s.nextAfter(models.FreqDaily, schedT0.Add(-time.Hour)))
}

func TestSchedulerInvalidCron(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.DailyCron = "not a cron"
	_, err := NewDataScheduler(cfg, &fakeProvider{}, newFakeStore(), nil, metrics.Nop{}, logger.NewNop())
	assert.Error(t, err)
}

func TestSchedulerSuccessfulRefresh(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1h"}
	clk := &testClock{t: schedT0}
	p := &fakeProvider{}
	store := newFakeStore()
	st := &memState{}
	rec := &updateRecorder{}
	s := newScheduler(t, cfg, p, store, st, clk)
	s.AddListener(rec)
	ctx := context.Background()

	require.NoError(t, s.RunCycle(ctx))
	call := p.last()
	assert.Equal(t, schedT0.Add(-30*24*time.Hour), call.start)
	assert.Equal(t, schedT0, call.end)
	assert.Equal(t, 2, store.stored["AAPL_1h"])
	assert.Equal(t, []string{"AAPL_1h"}, rec.keys)

	task := onlyTask(t, s)
	assert.Equal(t, schedT0, task.LastUpdate)
	assert.Equal(t, schedT0.Add(time.Hour), task.NextUpdate)
	assert.False(t, task.Active)

	// not due yet
	clk.advance(30 * time.Minute)
	require.NoError(t, s.RunCycle(ctx))
	assert.Equal(t, 1, p.callCount())

	clk.advance(30 * time.Minute)
	require.NoError(t, s.RunCycle(ctx))
	assert.Equal(t, schedT0.Add(-time.Hour), p.last().start)

	require.NotNil(t, st.saved)
	assert.Equal(t, schedT0.Add(time.Hour), st.saved.LastUpdateTimes["AAPL_1h"])
	assert.Equal(t, int64(2), s.Stats().SuccessfulUpdates)
}

func TestSchedulerRetriesThenFallsBack(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1h"}
	clk := &testClock{t: schedT0}
	p := &fakeProvider{fail: true}
	s := newScheduler(t, cfg, p, newFakeStore(), &memState{}, clk)
	ctx := context.Background()

	require.NoError(t, s.RunCycle(ctx))
	task := onlyTask(t, s)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, clk.now().Add(time.Minute), task.NextUpdate)

	clk.advance(time.Minute)
	require.NoError(t, s.RunCycle(ctx))
	task = onlyTask(t, s)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, clk.now().Add(2*time.Minute), task.NextUpdate)

	clk.advance(2 * time.Minute)
	require.NoError(t, s.RunCycle(ctx))
	task = onlyTask(t, s)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, clk.now().Add(time.Hour), task.NextUpdate)

	st := s.Stats()
	assert.Equal(t, int64(3), st.FailedUpdates)
	assert.Equal(t, int64(0), st.SuccessfulUpdates)
	assert.True(t, task.LastUpdate.IsZero())
}

// cancelingProvider simulates shutdown arriving while a fetch is in flight.
type cancelingProvider struct{ cancel context.CancelFunc }

func (p cancelingProvider) FetchBars(ctx context.Context, _, _ string, _, _ time.Time) ([]models.Bar, error) {
	p.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSchedulerShutdownDuringFetchIsNotAFailure(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1h"}
	clk := &testClock{t: schedT0}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &memState{}
	s, err := NewDataScheduler(cfg, cancelingProvider{cancel: cancel}, newFakeStore(), st, metrics.Nop{}, logger.NewNop(), WithSchedulerClock(clk.now))
	require.NoError(t, err)
	before := onlyTask(t, s).NextUpdate

	require.NoError(t, s.RunCycle(ctx))

	task := onlyTask(t, s)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, before, task.NextUpdate)
	assert.False(t, task.Active)
	stats := s.Stats()
	assert.Equal(t, int64(0), stats.FailedUpdates)
	assert.Equal(t, int64(0), stats.TotalUpdates)
	require.NotNil(t, st.saved)
	assert.Equal(t, int64(0), st.saved.Stats.FailedUpdates)
}

func TestSchedulerPriorityOrder(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.BatchSize = 1
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1d", "1h", "1m"}
	p := &fakeProvider{}
	s := newScheduler(t, cfg, p, newFakeStore(), &memState{}, &testClock{t: schedT0})

	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, "1m", p.last().timeframe)
	assert.Equal(t, schedT0.Add(-7*24*time.Hour), p.last().start)
	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, "1h", p.last().timeframe)
	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, "1d", p.last().timeframe)
	assert.Equal(t, schedT0.Add(-365*24*time.Hour), p.last().start)
}

func TestSchedulerSessionGating(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.ExtendedHours = false
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"15m", "1d"}
	saturday := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	p := &fakeProvider{}
	s := newScheduler(t, cfg, p, newFakeStore(), &memState{}, &testClock{t: saturday})

	require.NoError(t, s.RunCycle(context.Background()))
	require.Equal(t, 1, p.callCount())
	assert.Equal(t, "1d", p.last().timeframe)

	for _, task := range s.QueueStatus() {
		if task.Timeframe == "15m" {
			assert.Equal(t, saturday.Add(15*time.Minute), task.NextUpdate)
			assert.True(t, task.LastUpdate.IsZero())
		}
	}
	assert.Equal(t, int64(1), s.Stats().TotalUpdates)
}

func TestSchedulerResetsStuckTasks(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1h"}
	clk := &testClock{t: schedT0}
	p := &fakeProvider{}
	s := newScheduler(t, cfg, p, newFakeStore(), &memState{}, clk)

	due := s.popDue(schedT0)
	require.Len(t, due, 1)
	assert.Equal(t, 1, s.Stats().ActiveTasks)

	clk.advance(11 * time.Minute)
	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, int64(1), s.Stats().StuckResets)
	assert.Equal(t, 1, p.callCount())

	// the stale run finishing late changes nothing
	before := onlyTask(t, s)
	s.settle(due[0], schedT0, refreshResult{err: errors.New("late")})
	assert.Equal(t, before, onlyTask(t, s))
}

func TestSchedulerForceUpdate(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"5m"}
	clk := &testClock{t: schedT0}
	p := &fakeProvider{}
	s := newScheduler(t, cfg, p, newFakeStore(), &memState{}, clk)
	ctx := context.Background()

	assert.ErrorIs(t, s.ForceUpdate(ctx, "MSFT", "5m"), ErrTaskNotFound)
	require.NoError(t, s.ForceUpdate(ctx, "AAPL", "5m"))
	assert.Equal(t, schedT0.Add(5*time.Minute), onlyTask(t, s).NextUpdate)

	s.popDue(schedT0.Add(time.Hour))
	assert.ErrorIs(t, s.ForceUpdate(ctx, "AAPL", "5m"), ErrTaskBusy)

	p.fail = true
	s2 := newScheduler(t, cfg, p, newFakeStore(), &memState{}, clk)
	assert.Error(t, s2.ForceUpdate(ctx, "AAPL", "5m"))
	assert.Equal(t, 1, onlyTask(t, s2).RetryCount)
}

func TestSchedulerAddRemoveSymbols(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Timeframes = []string{"1h", "1d"}
	s := newScheduler(t, cfg, &fakeProvider{}, newFakeStore(), &memState{}, &testClock{t: schedT0})

	assert.Equal(t, 4, s.AddSymbols([]string{"AAPL", "MSFT"}, nil))
	assert.Equal(t, 0, s.AddSymbols([]string{"AAPL"}, nil))
	assert.Equal(t, 1, s.AddSymbols([]string{"TSLA"}, []string{"5m"}))
	assert.Equal(t, 2, s.RemoveSymbols([]string{"MSFT"}))
	assert.Len(t, s.QueueStatus(), 3)
	assert.Equal(t, 3, s.Stats().QueueSize)
}

func TestSchedulerRestoresState(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1h"}
	last := schedT0.Add(-20 * time.Minute)
	st := &memState{saved: &models.SchedulerState{
		LastUpdateTimes: map[string]time.Time{"AAPL_1h": last},
		Stats:           models.SchedulerStats{SuccessfulUpdates: 7, TotalUpdates: 9},
	}}
	s := newScheduler(t, cfg, &fakeProvider{}, newFakeStore(), st, &testClock{t: schedT0})

	require.NoError(t, s.loadState(context.Background()))
	task := onlyTask(t, s)
	assert.Equal(t, last, task.LastUpdate)
	assert.Equal(t, last.Add(time.Hour), task.NextUpdate)
	assert.Equal(t, int64(7), s.Stats().SuccessfulUpdates)
}

func TestSchedulerCycleLockHeldElsewhere(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.Timeframes = []string{"1h"}
	lock := cache.NewMemoryCache()
	p := &fakeProvider{}
	s := newScheduler(t, cfg, p, newFakeStore(), &memState{}, &testClock{t: schedT0}, WithCycleLock(lock))
	ctx := context.Background()

	ok, err := lock.TryLock(ctx, cycleLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RunCycle(ctx))
	assert.Equal(t, 0, p.callCount())

	require.NoError(t, lock.Unlock(ctx, cycleLockKey))
	require.NoError(t, s.RunCycle(ctx))
	assert.Equal(t, 1, p.callCount())
}
