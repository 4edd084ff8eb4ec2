package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	domsvc "SignalFlow/internal/domain/service"
	"SignalFlow/internal/service/ratelimit"
	"SignalFlow/internal/services/notify"
	"SignalFlow/pkg/logger"
	"SignalFlow/pkg/queue"
)

var (
	ErrBelowPriority = errors.New("alert below minimum priority")
	ErrRateLimited   = errors.New("alert rate limited")
)

const globalLimitKey = "global"

type AlertConfig struct {
	MaxAlertsPerMinute int
	MaxAlertsPerSymbol int
	MaxRetries         int
	RetryDelay         time.Duration
	MaxQueueSize       int
	BatchSize          int
	ProcessingInterval time.Duration
	AttemptTimeout     time.Duration
	MinPriority        models.Priority
	// DefaultChannels routes signal and market alerts; empty means every registered channel.
	DefaultChannels []string
	// SystemChannels routes system alerts; empty falls back to email, then DefaultChannels.
	SystemChannels []string
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		MaxAlertsPerMinute: 10,
		MaxAlertsPerSymbol: 5,
		MaxRetries:         3,
		RetryDelay:         5 * time.Second,
		MaxQueueSize:       1000,
		BatchSize:          10,
		ProcessingInterval: 5 * time.Second,
		AttemptTimeout:     10 * time.Second,
		MinPriority:        models.PriorityMedium,
	}
}

// AlertEngine admits, queues and delivers alerts over the registered channels.
type AlertEngine struct {
	cfg      AlertConfig
	channels map[string]domsvc.Channel
	order    []string
	limiter  *ratelimit.Limiter
	retries  queue.DelayQueue
	metrics  domrepo.Metrics
	logger   *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	queue    []*models.Alert
	inFlight map[string]struct{}

	enqueued, sent, failed, retried      atomic.Int64
	rateLimited, belowPriority, overflow atomic.Int64

	running atomic.Bool
	abort   context.CancelFunc
	stopCh  chan context.Context
	done    chan struct{}
}

type AlertOption func(*AlertEngine)

// WithAlertClock replaces time.Now for admission and retry scheduling.
func WithAlertClock(now func() time.Time) AlertOption {
	return func(e *AlertEngine) { e.now = now }
}

func NewAlertEngine(
	cfg AlertConfig,
	channels []domsvc.Channel,
	retries queue.DelayQueue,
	metrics domrepo.Metrics,
	l *logger.Logger,
	opts ...AlertOption,
) *AlertEngine {
	e := &AlertEngine{
		cfg:      cfg,
		channels: make(map[string]domsvc.Channel, len(channels)),
		retries:  retries,
		metrics:  metrics,
		logger:   l,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	for _, ch := range channels {
		if _, dup := e.channels[ch.Name()]; dup {
			continue
		}
		e.channels[ch.Name()] = ch
		e.order = append(e.order, ch.Name())
	}
	if e.retries == nil {
		e.retries = queue.NewMemoryQueue(queue.Config{})
	}
	e.limiter = ratelimit.NewWithClock(func() time.Time { return e.now() })
	return e
}

// Channels lists registered channel names in registration order.
func (e *AlertEngine) Channels() []string { return append([]string(nil), e.order...) }

// Enqueue applies priority and rate admission and queues the alert.
// When the queue is full the oldest queued alert is dropped.
func (e *AlertEngine) Enqueue(a *models.Alert) error {
	if a.Priority < e.cfg.MinPriority {
		e.belowPriority.Add(1)
		e.metrics.RecordAlertDropped("below_priority")
		return ErrBelowPriority
	}
	if !e.admit(a.Symbol) {
		e.rateLimited.Add(1)
		e.metrics.RecordAlertDropped("rate_limited")
		e.logger.Warn("alert rate limited", logger.String("title", a.Title), logger.String("symbol", a.Symbol))
		return ErrRateLimited
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now()
	}
	if len(a.Channels) == 0 {
		a.Channels = e.routeFor(a.Type)
	}
	a.Status = models.AlertQueued
	e.push(a)
	e.enqueued.Add(1)
	e.metrics.RecordAlertEnqueued(string(a.Type))
	return nil
}

func (e *AlertEngine) admit(symbol string) bool {
	perMin := float64(e.cfg.MaxAlertsPerMinute)
	if symbol == "" {
		return e.limiter.Allow(globalLimitKey, perMin, perMin/60)
	}
	perSym := float64(e.cfg.MaxAlertsPerSymbol)
	return e.limiter.AllowAll(
		[]string{globalLimitKey, "symbol:" + symbol},
		[]float64{perMin, perSym},
		[]float64{perMin / 60, perSym / 60},
	)
}

func (e *AlertEngine) push(a *models.Alert) {
	e.mu.Lock()
	var dropped *models.Alert
	if len(e.queue) >= e.cfg.MaxQueueSize {
		dropped = e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, a)
	depth := len(e.queue)
	e.mu.Unlock()

	e.metrics.SetAlertQueueDepth(depth)
	if dropped != nil {
		dropped.Status = models.AlertDropped
		e.overflow.Add(1)
		e.metrics.RecordAlertDropped("overflow")
		e.logger.Warn("alert queue full, dropped oldest",
			logger.String("alert_id", dropped.ID),
			logger.String("title", dropped.Title))
	}
}

func (e *AlertEngine) pop(n int) []*models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > len(e.queue) {
		n = len(e.queue)
	}
	out := make([]*models.Alert, n)
	copy(out, e.queue[:n])
	for i := 0; i < n; i++ {
		e.queue[i] = nil
	}
	e.queue = e.queue[n:]
	e.metrics.SetAlertQueueDepth(len(e.queue))
	return out
}

// QueueLen returns the number of alerts waiting for a first or retried attempt.
func (e *AlertEngine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *AlertEngine) routeFor(t models.AlertType) []string {
	if t == models.AlertSystem {
		if len(e.cfg.SystemChannels) > 0 {
			return append([]string(nil), e.cfg.SystemChannels...)
		}
		if _, ok := e.channels[notify.ChannelEmail]; ok {
			return []string{notify.ChannelEmail}
		}
	}
	if len(e.cfg.DefaultChannels) > 0 {
		return append([]string(nil), e.cfg.DefaultChannels...)
	}
	return e.Channels()
}

// HandleSignalEvent turns a signal lifecycle event into an alert.
func (e *AlertEngine) HandleSignalEvent(_ context.Context, ev models.SignalEvent) {
	s := ev.Signal
	if s == nil {
		return
	}
	prio := s.Priority
	if ev.Type == models.AlertSignalExpired {
		prio = models.PriorityLow
	}
	a := &models.Alert{
		Type:     ev.Type,
		Priority: prio,
		Symbol:   s.Symbol,
		SignalID: s.ID,
		Title:    alertTitle(ev),
		Message:  notify.SignalMessage(s),
		Data: map[string]interface{}{
			"signal":       s,
			"timeframe":    s.Timeframe,
			"pattern_type": s.PatternType,
		},
	}
	if err := e.Enqueue(a); err != nil {
		e.logger.Debug("signal alert not enqueued",
			logger.String("signal_id", s.ID),
			logger.String("reason", err.Error()))
	}
}

func alertTitle(ev models.SignalEvent) string {
	title := notify.SignalTitle(ev.Signal)
	if ev.Type == models.AlertSignalCreated {
		return title
	}
	return fmt.Sprintf("%s [%s]", title, ev.Signal.Status)
}

// CreateMarketAlert enqueues a free-form market alert.
func (e *AlertEngine) CreateMarketAlert(title, message, symbol string, prio models.Priority) error {
	return e.Enqueue(&models.Alert{Type: models.AlertMarket, Priority: prio, Title: title, Message: message, Symbol: symbol})
}

// CreateSystemAlert enqueues an operational alert.
func (e *AlertEngine) CreateSystemAlert(title, message string, prio models.Priority) error {
	return e.Enqueue(&models.Alert{Type: models.AlertSystem, Priority: prio, Title: title, Message: message})
}

// PublishLogs turns a batch of aggregated error logs into one system alert.
func (e *AlertEngine) PublishLogs(_ context.Context, topic string, entries []logger.AggregatedLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var b strings.Builder
	total := 0
	for _, en := range entries {
		total += en.Count
		fmt.Fprintf(&b, "[%s] %s x%d (last %s)\n", en.Level, en.Message, en.Count, en.LastSeen.UTC().Format(time.RFC3339))
	}
	title := fmt.Sprintf("%d errors logged (%s)", total, topic)
	err := e.CreateSystemAlert(title, strings.TrimSpace(b.String()), models.PriorityMedium)
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBelowPriority) {
		return nil
	}
	return err
}

// Start launches the processing loop. The loop runs on a context that only
// Stop's deadline cancels, so attempts in flight at shutdown can finish.
func (e *AlertEngine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, e.abort = context.WithCancel(context.WithoutCancel(ctx))
	e.stopCh = make(chan context.Context, 1)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.ProcessingInterval)
		defer ticker.Stop()
		for {
			select {
			case deadline := <-e.stopCh:
				e.drain(ctx, deadline)
				return
			case <-ticker.C:
				e.processBatch(ctx)
			}
		}
	}()
	e.logger.Info("alert engine started",
		logger.Strings("channels", e.order),
		logger.Duration("interval", e.cfg.ProcessingInterval))
	return nil
}

// Stop lets the current batch finish, then drains queued and parked alerts
// until ctx expires. Attempts still running at the deadline are abandoned.
func (e *AlertEngine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.stopCh <- ctx
	select {
	case <-e.done:
		e.abort()
		return nil
	case <-ctx.Done():
		e.abort()
		e.logger.Warn("alert drain abandoned at deadline",
			logger.Strings("in_flight", e.inFlightIDs()),
			logger.Int("left_in_queue", e.QueueLen()))
		return fmt.Errorf("alert engine stop: %w", ctx.Err())
	}
}

// drain gives queued alerts and every parked retry one more attempt.
// Parked alerts not reached before the deadline go back to the retry queue.
func (e *AlertEngine) drain(ctx, deadline context.Context) {
	parked := e.takeParked(ctx)
	drained := 0
	for deadline.Err() == nil {
		var batch []*models.Alert
		if len(parked) > 0 {
			n := min(e.cfg.BatchSize, len(parked))
			batch, parked = parked[:n], parked[n:]
		} else {
			batch = e.pop(e.cfg.BatchSize)
		}
		if len(batch) == 0 {
			break
		}
		e.deliverBatch(ctx, batch)
		drained += len(batch)
	}
	e.repark(ctx, parked)

	left := e.QueueLen()
	pending, _ := e.retries.Len(context.WithoutCancel(ctx))
	if left > 0 || len(parked) > 0 {
		e.logger.Warn("alert drain incomplete",
			logger.Int("delivered_or_attempted", drained),
			logger.Int("left_in_queue", left),
			logger.Int("pending_retries", pending))
		return
	}
	e.logger.Info("alert engine stopped",
		logger.Int("drained", drained),
		logger.Int("pending_retries", pending))
}

// takeParked pops every retry that would come due within one retry delay,
// which covers everything settle has scheduled.
func (e *AlertEngine) takeParked(ctx context.Context) []*models.Alert {
	n, err := e.retries.Len(ctx)
	if err != nil || n == 0 {
		return nil
	}
	items, err := e.retries.PopDue(ctx, e.now().Add(e.cfg.RetryDelay), n)
	if err != nil {
		e.logger.Warn("pop parked retries failed", logger.Error(err))
		return nil
	}
	return e.parseRetries(items)
}

func (e *AlertEngine) repark(ctx context.Context, alerts []*models.Alert) {
	for _, a := range alerts {
		if err := queue.ScheduleJSON(context.WithoutCancel(ctx), e.retries, a.ID, a, a.NextAttemptAt); err != nil {
			e.logger.Warn("repark retry failed", logger.String("alert_id", a.ID), logger.Error(err))
		}
	}
}

func (e *AlertEngine) inFlightIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.inFlight))
	for id := range e.inFlight {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *AlertEngine) processBatch(ctx context.Context) {
	e.promoteRetries(ctx)
	batch := e.pop(e.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	e.deliverBatch(ctx, batch)
}

// promoteRetries moves due retries to the front of the queue, never past
// MaxQueueSize. Retries that do not fit stay parked.
func (e *AlertEngine) promoteRetries(ctx context.Context) {
	e.mu.Lock()
	room := e.cfg.MaxQueueSize - len(e.queue)
	e.mu.Unlock()
	if room <= 0 {
		return
	}
	items, err := e.retries.PopDue(ctx, e.now(), min(room, e.cfg.BatchSize))
	if err != nil {
		e.logger.Warn("pop due retries failed", logger.Error(err))
		return
	}
	due := e.parseRetries(items)
	if len(due) == 0 {
		return
	}

	e.mu.Lock()
	room = e.cfg.MaxQueueSize - len(e.queue)
	if room < 0 {
		room = 0
	}
	var spill []*models.Alert
	if len(due) > room {
		due, spill = due[:room:room], due[room:]
	}
	e.queue = append(due, e.queue...)
	depth := len(e.queue)
	e.mu.Unlock()

	e.metrics.SetAlertQueueDepth(depth)
	e.repark(ctx, spill)
}

func (e *AlertEngine) parseRetries(items []queue.Item) []*models.Alert {
	out := make([]*models.Alert, 0, len(items))
	for _, it := range items {
		a, err := queue.ParsePayload[models.Alert](it)
		if err != nil {
			e.logger.Warn("dropping unreadable retry", logger.String("id", it.ID), logger.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out
}

func (e *AlertEngine) deliverBatch(ctx context.Context, batch []*models.Alert) {
	var wg sync.WaitGroup
	for _, a := range batch {
		wg.Add(1)
		e.mu.Lock()
		e.inFlight[a.ID] = struct{}{}
		e.mu.Unlock()
		go func(a *models.Alert) {
			defer wg.Done()
			e.deliver(ctx, a)
			e.settle(ctx, a)
			e.mu.Lock()
			delete(e.inFlight, a.ID)
			e.mu.Unlock()
		}(a)
	}
	wg.Wait()
}

type attemptResult struct {
	channel string
	err     error
}

// deliver attempts every undelivered channel concurrently.
func (e *AlertEngine) deliver(ctx context.Context, a *models.Alert) {
	pending := a.Pending()
	results := make([]attemptResult, len(pending))
	var wg sync.WaitGroup
	for i, name := range pending {
		ch, ok := e.channels[name]
		if !ok {
			results[i] = attemptResult{channel: name, err: fmt.Errorf("channel %q not registered", name)}
			continue
		}
		wg.Add(1)
		go func(i int, name string, ch domsvc.Channel) {
			defer wg.Done()
			actx, cancel := e.attemptContext(ctx)
			defer cancel()
			results[i] = attemptResult{channel: name, err: safeAttempt(actx, ch, a.Clone())}
		}(i, name, ch)
	}
	wg.Wait()

	for _, r := range results {
		e.metrics.RecordAlertDelivery(r.channel, r.err == nil)
		if r.err != nil {
			a.MarkFailed(r.channel)
			e.logger.Warn("alert delivery failed",
				logger.String("alert_id", a.ID),
				logger.String("channel", r.channel),
				logger.Int("retry_count", a.RetryCount),
				logger.String("error", r.err.Error()))
			continue
		}
		a.MarkDelivered(r.channel)
	}
}

func (e *AlertEngine) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

func safeAttempt(ctx context.Context, ch domsvc.Channel, a *models.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panic: %v", ch.Name(), r)
		}
	}()
	return ch.Attempt(ctx, a)
}

// settle decides between delivered, retry and dead letter.
func (e *AlertEngine) settle(ctx context.Context, a *models.Alert) {
	if a.Done() {
		a.Status = models.AlertDelivered
		e.sent.Add(1)
		return
	}
	if a.RetryCount < e.cfg.MaxRetries {
		a.RetryCount++
		a.Status = models.AlertRetrying
		a.NextAttemptAt = e.now().Add(e.cfg.RetryDelay)
		err := queue.ScheduleJSON(context.WithoutCancel(ctx), e.retries, a.ID, a, a.NextAttemptAt)
		if err == nil {
			e.retried.Add(1)
			return
		}
		e.logger.Warn("schedule retry failed", logger.String("alert_id", a.ID), logger.Error(err))
	}

	a.Status = models.AlertFailed
	e.failed.Add(1)
	payload, err := json.Marshal(a)
	if err == nil {
		err = e.retries.DeadLetter(context.WithoutCancel(ctx), a.ID, payload)
	}
	if err != nil {
		e.logger.Warn("dead letter write failed", logger.String("alert_id", a.ID), logger.Error(err))
	}
	e.logger.Warn("alert permanently failed",
		logger.String("alert_id", a.ID),
		logger.Strings("failed_channels", a.FailedChannels),
		logger.Int("retry_count", a.RetryCount))
}

// DeadLetters returns permanently failed alerts, newest first.
func (e *AlertEngine) DeadLetters(ctx context.Context, limit int) ([]*models.Alert, error) {
	items, err := e.retries.DeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	out := make([]*models.Alert, 0, len(items))
	for _, it := range items {
		a, err := queue.ParsePayload[models.Alert](it)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (e *AlertEngine) Stats() models.AlertStats {
	pending, _ := e.retries.Len(context.Background())
	return models.AlertStats{
		Running:         e.running.Load(),
		Enqueued:        e.enqueued.Load(),
		Sent:            e.sent.Load(),
		Failed:          e.failed.Load(),
		Retried:         e.retried.Load(),
		RateLimited:     e.rateLimited.Load(),
		BelowPriority:   e.belowPriority.Load(),
		DroppedOverflow: e.overflow.Load(),
		QueueSize:       e.QueueLen(),
		PendingRetries:  pending,
	}
}
