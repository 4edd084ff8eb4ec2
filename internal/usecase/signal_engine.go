package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	domsvc "SignalFlow/internal/domain/service"
	"SignalFlow/internal/services/confluence"
	"SignalFlow/pkg/logger"
)

var (
	ErrNotFound          = errors.New("signal not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Rejection reasons.
const (
	ReasonCooldown         = "cooldown"
	ReasonPersistence      = "persistence"
	ReasonCapacity         = "capacity"
	ReasonInvalid          = "invalid"
	ReasonBelowMinStrength = "below_min_strength"
)

const confluencePattern = "confluence"

// Outcome classifies an admission attempt.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedTransient
	RejectedPermanent
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedTransient:
		return "rejected_transient"
	case RejectedPermanent:
		return "rejected_permanent"
	}
	return "unknown"
}

// Admission is the result of offering a confluence signal to the engine.
type Admission struct {
	Outcome Outcome
	Reason  string
	Signal  *models.TradingSignal
	Evicted *models.TradingSignal
}

type EngineConfig struct {
	Symbols         []string
	Timeframes      []string
	ScanInterval    time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	Workers         int
	UnitTimeout     time.Duration
	// PersistTimeout bounds each storage write made under the engine lock.
	PersistTimeout       time.Duration
	Cooldown             time.Duration
	Validity             time.Duration
	MaxConcurrentSignals int
	MinSignalStrength    float64
	HistorySize          int
	CriticalThreshold    float64
	HighThreshold        float64
	MediumThreshold      float64
	Lookback             int
	RecentBars           int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ScanInterval:         time.Minute,
		CleanupInterval:      5 * time.Minute,
		BatchSize:            10,
		Workers:              4,
		UnitTimeout:          30 * time.Second,
		PersistTimeout:       5 * time.Second,
		Cooldown:             15 * time.Minute,
		Validity:             30 * time.Minute,
		MaxConcurrentSignals: 50,
		MinSignalStrength:    0.6,
		HistorySize:          1000,
		CriticalThreshold:    0.9,
		HighThreshold:        0.8,
		MediumThreshold:      0.7,
		Lookback:             200,
		RecentBars:           3,
	}
}

// Universe enumerates the symbols and timeframes that have stored bars.
type Universe interface {
	Symbols(ctx context.Context) ([]string, error)
	Timeframes(ctx context.Context, symbol string) ([]string, error)
}

// SignalListener receives a copy of every lifecycle event. It must not block.
type SignalListener interface {
	HandleSignalEvent(ctx context.Context, ev models.SignalEvent)
}

// SignalEngine owns the active signal set, the cooldown map and the history log.
type SignalEngine struct {
	cfg        EngineConfig
	store      domrepo.BarStore
	detectors  []domsvc.Detector
	aggregator *confluence.Aggregator
	universe   Universe
	metrics    domrepo.Metrics
	logger     *logger.Logger
	now        func() time.Time
	listeners  []SignalListener

	mu       sync.Mutex
	active   map[string]*models.TradingSignal
	cooldown map[string]time.Time
	history  []*models.TradingSignal
	rejected map[string]int64

	unitsMu   sync.Mutex
	monitored map[string][]string
	order     []string
	excluded  map[string]struct{}
	refreshed map[string]struct{}

	generated, expired, executed, triggered, cancelled atomic.Int64
	unitsScanned, unitErrors                           atomic.Int64
	lastScanAt                                         atomic.Int64
	lastScanDur                                        atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type EngineOption func(*SignalEngine)

// WithEngineClock replaces time.Now for cooldown, validity and bar windows.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *SignalEngine) { e.now = now }
}

func NewSignalEngine(
	cfg EngineConfig,
	store domrepo.BarStore,
	detectors []domsvc.Detector,
	aggregator *confluence.Aggregator,
	universe Universe,
	metrics domrepo.Metrics,
	l *logger.Logger,
	opts ...EngineOption,
) *SignalEngine {
	e := &SignalEngine{
		cfg:        cfg,
		store:      store,
		detectors:  detectors,
		aggregator: aggregator,
		universe:   universe,
		metrics:    metrics,
		logger:     l,
		now:        time.Now,
		active:     make(map[string]*models.TradingSignal),
		cooldown:   make(map[string]time.Time),
		rejected:   make(map[string]int64),
		monitored:  make(map[string][]string),
		excluded:   make(map[string]struct{}),
		refreshed:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.AddSymbols(cfg.Symbols, nil)
	return e
}

// AddListener registers l for lifecycle events. Call before Start.
func (e *SignalEngine) AddListener(l SignalListener) { e.listeners = append(e.listeners, l) }

func (e *SignalEngine) priorityFor(strength float64) models.Priority {
	switch {
	case strength >= e.cfg.CriticalThreshold:
		return models.PriorityCritical
	case strength >= e.cfg.HighThreshold:
		return models.PriorityHigh
	case strength >= e.cfg.MediumThreshold:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Admit turns a confluence signal into a tracked signal or explains why not.
func (e *SignalEngine) Admit(ctx context.Context, symbol, timeframe string, cs models.ConfluenceSignal, currentPrice float64) Admission {
	if symbol == "" || timeframe == "" ||
		(cs.Direction != models.Bullish && cs.Direction != models.Bearish) ||
		!finite(cs.Strength, cs.EntryPrice, cs.StopLoss, cs.TakeProfit) ||
		cs.Strength < 0 || cs.Strength > 1 || cs.EntryPrice <= 0 {
		return e.reject(RejectedPermanent, ReasonInvalid)
	}
	if cs.Strength < e.cfg.MinSignalStrength {
		return e.reject(RejectedPermanent, ReasonBelowMinStrength)
	}

	key := models.UnitKey(symbol, timeframe)
	now := e.now()

	e.mu.Lock()
	if last, ok := e.cooldown[key]; ok && now.Sub(last) < e.cfg.Cooldown {
		e.mu.Unlock()
		return e.reject(RejectedTransient, ReasonCooldown)
	}

	prio := e.priorityFor(cs.Strength)
	var victim *models.TradingSignal
	if len(e.active) >= e.cfg.MaxConcurrentSignals {
		victim = e.leastUrgentLocked()
		if victim == nil || !moreUrgent(prio, cs.Strength, victim.Priority, victim.Strength) {
			e.mu.Unlock()
			return e.reject(RejectedPermanent, ReasonCapacity)
		}
	}

	sig := e.newSignal(symbol, timeframe, cs, prio, currentPrice, now)
	var evicted *models.TradingSignal
	if victim != nil {
		evicted = victim.Clone()
		evicted.Status = models.StatusCancelled
		evicted.UpdatedAt = now
		evicted.Metadata = withReason(evicted.Metadata, "evicted")
	}

	if err := e.persist(ctx, sig, evicted); err != nil {
		e.mu.Unlock()
		e.logger.Warn("signal persistence failed",
			logger.String("symbol", symbol),
			logger.String("timeframe", timeframe),
			logger.Error(err))
		return e.reject(RejectedTransient, ReasonPersistence)
	}

	if evicted != nil {
		delete(e.active, victim.ID)
		e.appendHistoryLocked(evicted)
	}
	e.active[sig.ID] = sig
	e.cooldown[key] = now
	n := len(e.active)
	out := sig.Clone()
	e.mu.Unlock()

	e.generated.Add(1)
	e.metrics.RecordSignalCreated(symbol, timeframe, prio.String())
	e.metrics.SetActiveSignals(n)
	e.logger.Info("signal created",
		logger.String("signal_id", sig.ID),
		logger.String("symbol", symbol),
		logger.String("timeframe", timeframe),
		logger.String("direction", string(sig.Direction)),
		logger.String("priority", prio.String()),
		logger.Float64("strength", sig.Strength))

	adm := Admission{Outcome: Accepted, Signal: out}
	if evicted != nil {
		e.cancelled.Add(1)
		e.metrics.RecordSignalTransition(string(models.StatusCancelled))
		e.logger.Info("signal evicted",
			logger.String("signal_id", evicted.ID),
			logger.String("by", sig.ID))
		adm.Evicted = evicted.Clone()
		e.emit(ctx, models.AlertSignalCancelled, evicted, models.StatusPending)
	}
	e.emit(ctx, models.AlertSignalCreated, out, "")
	return adm
}

func (e *SignalEngine) reject(o Outcome, reason string) Admission {
	e.mu.Lock()
	e.rejected[reason]++
	e.mu.Unlock()
	e.metrics.RecordSignalRejected(reason)
	return Admission{Outcome: o, Reason: reason}
}

func (e *SignalEngine) newSignal(symbol, timeframe string, cs models.ConfluenceSignal, prio models.Priority, current float64, now time.Time) *models.TradingSignal {
	validity := e.cfg.Validity
	if prio == models.PriorityCritical {
		validity *= 2
	}
	meta := make(map[string]interface{}, len(cs.Metadata)+1)
	for k, v := range cs.Metadata {
		meta[k] = v
	}
	meta["confluence_timestamp"] = cs.Timestamp
	return &models.TradingSignal{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Symbol:       symbol,
		Timeframe:    timeframe,
		Direction:    cs.Direction,
		PatternType:  confluencePattern,
		Priority:     prio,
		Status:       models.StatusPending,
		EntryPrice:   cs.EntryPrice,
		StopLoss:     cs.StopLoss,
		TakeProfit:   cs.TakeProfit,
		Confidence:   cs.Strength,
		Strength:     cs.Strength,
		Patterns:     append([]string(nil), cs.Patterns...),
		ValidUntil:   now.Add(validity),
		CurrentPrice: current,
		RiskReward:   models.RiskRewardRatio(cs.EntryPrice, cs.StopLoss, cs.TakeProfit),
		Metadata:     meta,
	}
}

func withReason(meta map[string]interface{}, reason string) map[string]interface{} {
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	meta["reason"] = reason
	return meta
}

// moreUrgent reports whether (p1, s1) strictly outranks (p2, s2).
func moreUrgent(p1 models.Priority, s1 float64, p2 models.Priority, s2 float64) bool {
	if p1 != p2 {
		return p1 > p2
	}
	return s1 > s2
}

func (e *SignalEngine) leastUrgentLocked() *models.TradingSignal {
	var least *models.TradingSignal
	for _, s := range e.active {
		if least == nil || moreUrgent(least.Priority, least.Strength, s.Priority, s.Strength) ||
			(least.Priority == s.Priority && least.Strength == s.Strength && s.CreatedAt.Before(least.CreatedAt)) {
			least = s
		}
	}
	return least
}

func (e *SignalEngine) persist(ctx context.Context, sigs ...*models.TradingSignal) error {
	if e.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.PersistTimeout)
		defer cancel()
	}
	for _, s := range sigs {
		if s == nil {
			continue
		}
		if err := e.store.UpsertSignalRecord(ctx, models.NewSignalRecord(s)); err != nil {
			return fmt.Errorf("upsert signal %s: %w", s.ID, err)
		}
	}
	return nil
}

func (e *SignalEngine) appendHistoryLocked(s *models.TradingSignal) {
	e.history = append(e.history, s)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		for i := 0; i < over; i++ {
			e.history[i] = nil
		}
		e.history = e.history[over:]
	}
}

func eventType(st models.SignalStatus) models.AlertType {
	switch st {
	case models.StatusTriggered:
		return models.AlertSignalTriggered
	case models.StatusExecuted:
		return models.AlertSignalExecuted
	case models.StatusExpired:
		return models.AlertSignalExpired
	case models.StatusCancelled:
		return models.AlertSignalCancelled
	}
	return models.AlertSignalCreated
}

func (e *SignalEngine) emit(ctx context.Context, t models.AlertType, s *models.TradingSignal, from models.SignalStatus) {
	for _, l := range e.listeners {
		l.HandleSignalEvent(ctx, models.SignalEvent{
			Type:      t,
			Signal:    s.Clone(),
			From:      from,
			Timestamp: e.now(),
		})
	}
}

func allowed(from, to models.SignalStatus) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusTriggered || to == models.StatusCancelled || to == models.StatusExpired
	case models.StatusTriggered:
		return to == models.StatusExecuted || to == models.StatusCancelled
	}
	return false
}

// UpdateSignalStatus applies an external transition. A signal leaving PENDING
// moves to history; later transitions update the history entry in place.
func (e *SignalEngine) UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus) (*models.TradingSignal, error) {
	e.mu.Lock()
	cur, inActive := e.active[id]
	if !inActive {
		cur = e.findHistoryLocked(id)
	}
	if cur == nil {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	from := cur.Status
	if !allowed(from, status) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	next := cur.Clone()
	next.Status = status
	next.UpdatedAt = e.now()
	if err := e.persist(ctx, next); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	if inActive {
		delete(e.active, id)
		e.appendHistoryLocked(next)
	} else {
		*cur = *next
	}
	n := len(e.active)
	e.mu.Unlock()

	e.countTransition(status)
	e.metrics.SetActiveSignals(n)
	e.logger.Info("signal status updated",
		logger.String("signal_id", id),
		logger.String("from", string(from)),
		logger.String("to", string(status)))
	e.emit(ctx, eventType(status), next, from)
	return next.Clone(), nil
}

func (e *SignalEngine) countTransition(st models.SignalStatus) {
	switch st {
	case models.StatusTriggered:
		e.triggered.Add(1)
	case models.StatusExecuted:
		e.executed.Add(1)
	case models.StatusExpired:
		e.expired.Add(1)
	case models.StatusCancelled:
		e.cancelled.Add(1)
	}
	e.metrics.RecordSignalTransition(string(st))
}

func (e *SignalEngine) findHistoryLocked(id string) *models.TradingSignal {
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i]
		}
	}
	return nil
}

// CleanupExpired moves every active signal past its validity to history.
func (e *SignalEngine) CleanupExpired(ctx context.Context) int {
	now := e.now()

	e.mu.Lock()
	var due []*models.TradingSignal
	for _, s := range e.active {
		if now.After(s.ValidUntil) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ValidUntil.Before(due[j].ValidUntil) })

	var moved []*models.TradingSignal
	for _, s := range due {
		next := s.Clone()
		next.Status = models.StatusExpired
		next.UpdatedAt = now
		if err := e.persist(ctx, next); err != nil {
			e.logger.Warn("expire persistence failed", logger.String("signal_id", s.ID), logger.Error(err))
			continue
		}
		delete(e.active, s.ID)
		e.appendHistoryLocked(next)
		moved = append(moved, next)
	}
	n := len(e.active)
	e.mu.Unlock()

	for _, s := range moved {
		e.countTransition(models.StatusExpired)
		e.emit(ctx, models.AlertSignalExpired, s, models.StatusPending)
	}
	if len(moved) > 0 {
		e.metrics.SetActiveSignals(n)
		e.logger.Info("expired signals cleaned", logger.Int("count", len(moved)), logger.Int("active", n))
	}
	return len(moved)
}

// GetActiveSignals returns copies sorted by priority then strength, both descending.
func (e *SignalEngine) GetActiveSignals(symbol string, prio *models.Priority) []*models.TradingSignal {
	e.mu.Lock()
	out := make([]*models.TradingSignal, 0, len(e.active))
	for _, s := range e.active {
		if symbol != "" && s.Symbol != symbol {
			continue
		}
		if prio != nil && s.Priority != *prio {
			continue
		}
		out = append(out, s.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *SignalEngine) GetSignal(id string) (*models.TradingSignal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.active[id]; ok {
		return s.Clone(), nil
	}
	if s := e.findHistoryLocked(id); s != nil {
		return s.Clone(), nil
	}
	return nil, ErrNotFound
}

// GetSignalHistory returns up to limit history entries, newest first.
func (e *SignalEngine) GetSignalHistory(limit int) []*models.TradingSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.TradingSignal, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.history[i].Clone())
	}
	return out
}

func (e *SignalEngine) Stats() models.EngineStats {
	e.mu.Lock()
	rejected := make(map[string]int64, len(e.rejected))
	for k, v := range e.rejected {
		rejected[k] = v
	}
	byPrio := make(map[string]int)
	for _, s := range e.active {
		byPrio[s.Priority.String()]++
	}
	active, hist := len(e.active), len(e.history)
	e.mu.Unlock()

	e.unitsMu.Lock()
	symbols := len(e.order)
	e.unitsMu.Unlock()

	st := models.EngineStats{
		Running:             e.running.Load(),
		SignalsGenerated:    e.generated.Load(),
		SignalsExpired:      e.expired.Load(),
		SignalsExecuted:     e.executed.Load(),
		SignalsTriggered:    e.triggered.Load(),
		SignalsCancelled:    e.cancelled.Load(),
		Rejected:            rejected,
		ActiveSignals:       active,
		ActiveByPriority:    byPrio,
		HistorySize:         hist,
		UnitsScanned:        e.unitsScanned.Load(),
		UnitErrors:          e.unitErrors.Load(),
		LastScanDuration:    time.Duration(e.lastScanDur.Load()),
		MonitoredSymbols:    symbols,
		MonitoredTimeframes: append([]string(nil), e.cfg.Timeframes...),
	}
	if ts := e.lastScanAt.Load(); ts > 0 {
		st.LastScanAt = time.Unix(0, ts).UTC()
	}
	return st
}
