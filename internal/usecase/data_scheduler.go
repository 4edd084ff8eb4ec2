package usecase

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	domsvc "SignalFlow/internal/domain/service"
	"SignalFlow/pkg/cache"
	"SignalFlow/pkg/logger"
	"SignalFlow/pkg/util"
)

var (
	ErrTaskNotFound = errors.New("update task not found")
	ErrTaskBusy     = errors.New("update task already running")
)

const cycleLockKey = "scheduler:cycle"

type SchedulerConfig struct {
	Symbols              []string
	Timeframes           []string
	CheckInterval        time.Duration
	BatchSize            int
	MaxConcurrentUpdates int
	MaxRetries           int
	RetryDelay           time.Duration
	StuckThreshold       time.Duration
	DailyCron            string
	ExtendedHours        bool
	SessionStart         string
	SessionEnd           string
	// Frequencies overrides the tier of a timeframe.
	Frequencies map[string]models.UpdateFrequency
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckInterval:        30 * time.Second,
		BatchSize:            5,
		MaxConcurrentUpdates: 3,
		MaxRetries:           3,
		RetryDelay:           time.Minute,
		StuckThreshold:       10 * time.Minute,
		DailyCron:            "30 14 * * *",
		ExtendedHours:        true,
		SessionStart:         "13:30",
		SessionEnd:           "20:00",
	}
}

// BarsListener is told about pairs whose bars were refreshed.
type BarsListener interface {
	NotifyUpdated(symbol, timeframe string)
}

type taskEntry struct {
	task  *models.UpdateTask
	index int // position in the heap, -1 when not queued
}

type taskHeap []*taskEntry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if !a.NextUpdate.Equal(b.NextUpdate) {
		return a.NextUpdate.Before(b.NextUpdate)
	}
	return a.Priority < b.Priority
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	e := x.(*taskEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// DataScheduler keeps stored bars fresh per (symbol, timeframe) tier.
type DataScheduler struct {
	cfg          SchedulerConfig
	provider     domsvc.BarProvider
	store        domrepo.BarStore
	state        domrepo.StateStore
	lock         cache.Service
	metrics      domrepo.Metrics
	logger       *logger.Logger
	now          func() time.Time
	daily        cron.Schedule
	sessionOpen  time.Duration
	sessionClose time.Duration

	listeners []BarsListener

	mu    sync.Mutex
	tasks map[string]*taskEntry
	queue taskHeap
	stats models.SchedulerStats

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type SchedulerOption func(*DataScheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *DataScheduler) { s.now = now }
}

// WithCycleLock serializes cycles across instances through lock.
func WithCycleLock(lock cache.Service) SchedulerOption {
	return func(s *DataScheduler) { s.lock = lock }
}

func NewDataScheduler(
	cfg SchedulerConfig,
	provider domsvc.BarProvider,
	store domrepo.BarStore,
	state domrepo.StateStore,
	metrics domrepo.Metrics,
	l *logger.Logger,
	opts ...SchedulerOption,
) (*DataScheduler, error) {
	daily, err := cron.ParseStandard(cfg.DailyCron)
	if err != nil {
		return nil, fmt.Errorf("parse daily cron %q: %w", cfg.DailyCron, err)
	}
	open, err := util.ParseClock(cfg.SessionStart)
	if err != nil {
		return nil, fmt.Errorf("session start: %w", err)
	}
	end, err := util.ParseClock(cfg.SessionEnd)
	if err != nil {
		return nil, fmt.Errorf("session end: %w", err)
	}

	s := &DataScheduler{
		cfg:          cfg,
		provider:     provider,
		store:        store,
		state:        state,
		metrics:      metrics,
		logger:       l,
		now:          time.Now,
		daily:        daily,
		sessionOpen:  open,
		sessionClose: end,
		tasks:        make(map[string]*taskEntry),
	}
	for _, o := range opts {
		o(s)
	}
	s.AddSymbols(cfg.Symbols, nil)
	return s, nil
}

func (s *DataScheduler) AddListener(l BarsListener) { s.listeners = append(s.listeners, l) }

// FrequencyFor maps a timeframe to its refresh tier.
func (s *DataScheduler) FrequencyFor(tf string) models.UpdateFrequency {
	if f, ok := s.cfg.Frequencies[tf]; ok {
		return f
	}
	switch domrepo.Timeframe(tf) {
	case domrepo.TF1m:
		return models.FreqRealTime
	case domrepo.TF5m:
		return models.FreqFrequent
	case domrepo.TF15m:
		return models.FreqRegular
	case domrepo.TF1d:
		return models.FreqDaily
	default:
		return models.FreqHourly
	}
}

// nextAfter returns the next regular refresh time of a tier.
func (s *DataScheduler) nextAfter(f models.UpdateFrequency, from time.Time) time.Time {
	switch f {
	case models.FreqRealTime:
		return from.Add(time.Minute)
	case models.FreqFrequent:
		return from.Add(5 * time.Minute)
	case models.FreqRegular:
		return from.Add(15 * time.Minute)
	case models.FreqDaily:
		return s.daily.Next(from.UTC())
	default:
		return from.Add(time.Hour)
	}
}

func backfill(f models.UpdateFrequency) time.Duration {
	switch f {
	case models.FreqRealTime, models.FreqFrequent:
		return 7 * 24 * time.Hour
	case models.FreqDaily:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// inSession reports whether t falls on a weekday inside the session window (UTC).
func (s *DataScheduler) inSession(t time.Time) bool {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	off := util.SinceMidnight(t)
	return off >= s.sessionOpen && off < s.sessionClose
}

// AddSymbols creates tasks for every symbol and timeframe. Nil timeframes use the configured set.
func (s *DataScheduler) AddSymbols(symbols, timeframes []string) int {
	if len(timeframes) == 0 {
		timeframes = s.cfg.Timeframes
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, sym := range symbols {
		for _, tf := range timeframes {
			key := models.UnitKey(sym, tf)
			if _, ok := s.tasks[key]; ok {
				continue
			}
			e := &taskEntry{task: &models.UpdateTask{
				Symbol:     sym,
				Timeframe:  tf,
				Frequency:  s.FrequencyFor(tf),
				NextUpdate: now,
				Priority:   domrepo.Timeframe(tf).Priority(),
			}, index: -1}
			s.tasks[key] = e
			heap.Push(&s.queue, e)
			added++
		}
	}
	return added
}

// RemoveSymbols drops every task of the given symbols.
func (s *DataScheduler) RemoveSymbols(symbols []string) int {
	drop := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		drop[sym] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.tasks {
		if !drop[e.task.Symbol] {
			continue
		}
		if e.index >= 0 {
			heap.Remove(&s.queue, e.index)
		}
		delete(s.tasks, key)
		removed++
	}
	return removed
}

// QueueStatus returns a copy of every task ordered by next update.
func (s *DataScheduler) QueueStatus() []models.UpdateTask {
	s.mu.Lock()
	out := make([]models.UpdateTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, *e.task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextUpdate.Equal(out[j].NextUpdate) {
			return out[i].NextUpdate.Before(out[j].NextUpdate)
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

func (s *DataScheduler) Stats() models.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.QueueSize = s.queue.Len()
	for _, e := range s.tasks {
		if e.task.Active {
			st.ActiveTasks++
		}
	}
	return st
}

// RunCycle resets stuck tasks, then refreshes up to BatchSize due tasks.
func (s *DataScheduler) RunCycle(ctx context.Context) error {
	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx, cycleLockKey, s.cfg.StuckThreshold)
		if err != nil {
			return fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			s.logger.Debug("scheduler cycle held elsewhere")
			return nil
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx), cycleLockKey); err != nil {
				s.logger.Warn("release cycle lock failed", logger.Error(err))
			}
		}()
	}

	started := s.now()
	s.resetStuck(started)
	due := s.popDue(started)
	if len(due) > 0 {
		limit := s.cfg.MaxConcurrentUpdates
		if limit <= 0 {
			limit = 1
		}
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup
		for _, e := range due {
			wg.Add(1)
			sem <- struct{}{}
			go func(e *taskEntry, token time.Time) {
				defer wg.Done()
				defer func() { <-sem }()
				s.settle(e, token, s.refresh(ctx, e))
			}(e, e.task.ActiveSince)
		}
		wg.Wait()
	}

	took := s.now().Sub(started)
	s.mu.Lock()
	s.stats.LastCycleAt = started
	s.stats.LastCycleDuration = took
	s.mu.Unlock()
	s.metrics.RecordLatency("scheduler_cycle", took.Seconds())

	if err := s.saveState(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("save scheduler state failed", logger.Error(err))
	}
	return nil
}

func (s *DataScheduler) resetStuck(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		t := e.task
		if !t.Active || now.Sub(t.ActiveSince) <= s.cfg.StuckThreshold {
			continue
		}
		s.logger.Warn("resetting stuck update task",
			logger.String("task", t.Key()),
			logger.Duration("active_for", now.Sub(t.ActiveSince)))
		t.Active = false
		t.ActiveSince = time.Time{}
		t.RetryCount = 0
		t.NextUpdate = now
		heap.Push(&s.queue, e)
		s.stats.StuckResets++
	}
}

func (s *DataScheduler) popDue(now time.Time) []*taskEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*taskEntry
	for s.queue.Len() > 0 && len(due) < s.cfg.BatchSize {
		if s.queue[0].task.NextUpdate.After(now) {
			break
		}
		e := heap.Pop(&s.queue).(*taskEntry)
		e.task.Active = true
		e.task.ActiveSince = now
		due = append(due, e)
	}
	return due
}

type refreshResult struct {
	skipped bool
	// canceled marks a fetch cut short by shutdown; it counts as neither outcome.
	canceled bool
	bars     int
	err      error
}

// refresh fetches and stores the update window of one task.
func (s *DataScheduler) refresh(ctx context.Context, e *taskEntry) refreshResult {
	s.mu.Lock()
	t := *e.task
	s.mu.Unlock()

	now := s.now()
	if !s.cfg.ExtendedHours && t.Frequency != models.FreqDaily && !s.inSession(now) {
		return refreshResult{skipped: true}
	}

	start := now.Add(-backfill(t.Frequency))
	if !t.LastUpdate.IsZero() {
		start = t.LastUpdate.Add(-time.Hour)
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.StuckThreshold)
	defer cancel()
	bars, err := s.provider.FetchBars(fctx, t.Symbol, t.Timeframe, start, now)
	if err != nil {
		return refreshResult{canceled: ctx.Err() != nil, err: fmt.Errorf("fetch %s: %w", t.Key(), err)}
	}
	if len(bars) > 0 {
		if err := s.store.StoreBars(fctx, t.Symbol, t.Timeframe, bars); err != nil {
			return refreshResult{canceled: ctx.Err() != nil, err: fmt.Errorf("store %s: %w", t.Key(), err)}
		}
	}
	return refreshResult{bars: len(bars)}
}

// settle applies a refresh outcome unless the task was reset or removed meanwhile.
func (s *DataScheduler) settle(e *taskEntry, token time.Time, r refreshResult) {
	now := s.now()
	s.mu.Lock()
	t := e.task
	if cur, ok := s.tasks[t.Key()]; !ok || cur != e || !t.Active || !t.ActiveSince.Equal(token) {
		s.mu.Unlock()
		return
	}
	t.Active = false
	t.ActiveSince = time.Time{}

	switch {
	case r.canceled:
		// NextUpdate stays as it was so the pair is due again on the next run
	case r.skipped:
		t.NextUpdate = s.nextAfter(t.Frequency, now)
	case r.err == nil:
		t.LastUpdate = now
		t.RetryCount = 0
		t.NextUpdate = s.nextAfter(t.Frequency, now)
		s.stats.TotalUpdates++
		s.stats.SuccessfulUpdates++
	default:
		t.RetryCount++
		if t.RetryCount < s.cfg.MaxRetries {
			t.NextUpdate = now.Add(s.cfg.RetryDelay * time.Duration(t.RetryCount))
		} else {
			t.RetryCount = 0
			t.NextUpdate = s.nextAfter(t.Frequency, now)
		}
		s.stats.TotalUpdates++
		s.stats.FailedUpdates++
	}
	heap.Push(&s.queue, e)
	snapshot := *t
	s.mu.Unlock()

	switch {
	case r.canceled:
		s.logger.Debug("refresh interrupted by shutdown", logger.String("task", snapshot.Key()))
	case r.skipped:
		s.logger.Debug("outside session, update skipped", logger.String("task", snapshot.Key()))
	case r.err == nil:
		s.metrics.RecordFetch(snapshot.Timeframe, true)
		s.logger.Debug("bars refreshed",
			logger.String("task", snapshot.Key()),
			logger.Int("bars", r.bars),
			logger.Time("next_update", snapshot.NextUpdate))
		if r.bars > 0 {
			for _, l := range s.listeners {
				l.NotifyUpdated(snapshot.Symbol, snapshot.Timeframe)
			}
		}
	default:
		s.metrics.RecordFetch(snapshot.Timeframe, false)
		s.logger.Warn("bar refresh failed",
			logger.String("task", snapshot.Key()),
			logger.Int("retry_count", snapshot.RetryCount),
			logger.Time("next_update", snapshot.NextUpdate),
			logger.Error(r.err))
	}
}

// ForceUpdate refreshes one pair immediately and returns the fetch error.
func (s *DataScheduler) ForceUpdate(ctx context.Context, symbol, timeframe string) error {
	now := s.now()
	s.mu.Lock()
	e, ok := s.tasks[models.UnitKey(symbol, timeframe)]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if e.task.Active {
		s.mu.Unlock()
		return ErrTaskBusy
	}
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	e.task.Active = true
	e.task.ActiveSince = now
	s.mu.Unlock()

	r := s.refresh(ctx, e)
	s.settle(e, now, r)
	return r.err
}

func (s *DataScheduler) loadState(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	st, err := s.state.Load(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for key, last := range st.LastUpdateTimes {
		e, ok := s.tasks[key]
		if !ok || e.index < 0 {
			continue
		}
		e.task.LastUpdate = last
		e.task.NextUpdate = s.nextAfter(e.task.Frequency, last)
		heap.Fix(&s.queue, e.index)
		restored++
	}
	s.stats.TotalUpdates = st.Stats.TotalUpdates
	s.stats.SuccessfulUpdates = st.Stats.SuccessfulUpdates
	s.stats.FailedUpdates = st.Stats.FailedUpdates
	s.stats.StuckResets = st.Stats.StuckResets
	s.logger.Info("scheduler state restored",
		logger.Int("tasks", restored),
		logger.Time("saved_at", st.SavedAt))
	return nil
}

func (s *DataScheduler) saveState(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	s.mu.Lock()
	st := &models.SchedulerState{
		LastUpdateTimes: make(map[string]time.Time, len(s.tasks)),
		Stats:           s.stats,
		SavedAt:         s.now(),
	}
	for key, e := range s.tasks {
		if !e.task.LastUpdate.IsZero() {
			st.LastUpdateTimes[key] = e.task.LastUpdate
		}
	}
	s.mu.Unlock()
	return s.state.Save(ctx, st)
}

// Start restores persisted state and launches the poll loop.
func (s *DataScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.loadState(ctx); err != nil {
		s.logger.Warn("load scheduler state failed, starting fresh", logger.Error(err))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduler cycle failed", logger.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	s.logger.Info("data scheduler started",
		logger.Int("tasks", len(s.QueueStatus())),
		logger.Duration("check_interval", s.cfg.CheckInterval))
	return nil
}

// Stop halts the loop and persists state.
func (s *DataScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
	if err := s.saveState(ctx); err != nil {
		return fmt.Errorf("save scheduler state: %w", err)
	}
	s.logger.Info("data scheduler stopped")
	return nil
}
