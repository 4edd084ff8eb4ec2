package usecase

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	domsvc "SignalFlow/internal/domain/service"
	"SignalFlow/internal/services/confluence"
	"SignalFlow/pkg/logger"
)

type scanUnit struct {
	symbol    string
	timeframe string
}

func (u scanUnit) key() string { return models.UnitKey(u.symbol, u.timeframe) }

// AddSymbols starts monitoring symbols. Nil timeframes use the configured set.
func (e *SignalEngine) AddSymbols(symbols, timeframes []string) {
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	for _, s := range symbols {
		if s == "" {
			continue
		}
		delete(e.excluded, s)
		if _, ok := e.monitored[s]; !ok {
			e.order = append(e.order, s)
		}
		e.monitored[s] = append([]string(nil), timeframes...)
	}
}

// RemoveSymbols stops monitoring symbols. Active signals are left to expire.
func (e *SignalEngine) RemoveSymbols(symbols []string) {
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	for _, s := range symbols {
		e.excluded[s] = struct{}{}
		if _, ok := e.monitored[s]; !ok {
			continue
		}
		delete(e.monitored, s)
		for i, o := range e.order {
			if o == s {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// Symbols lists the monitored symbols in insertion order.
func (e *SignalEngine) Symbols() []string {
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	return append([]string(nil), e.order...)
}

// NotifyUpdated marks units with fresh bars so the next cycle scans them first.
func (e *SignalEngine) NotifyUpdated(symbol, timeframe string) {
	e.unitsMu.Lock()
	e.refreshed[models.UnitKey(symbol, timeframe)] = struct{}{}
	e.unitsMu.Unlock()
}

// units enumerates (symbol, timeframe) pairs, refreshed ones first.
func (e *SignalEngine) units(ctx context.Context) ([]scanUnit, error) {
	e.unitsMu.Lock()
	symbols := append([]string(nil), e.order...)
	tfs := make(map[string][]string, len(e.monitored))
	for s, t := range e.monitored {
		tfs[s] = t
	}
	excluded := make(map[string]struct{}, len(e.excluded))
	for s := range e.excluded {
		excluded[s] = struct{}{}
	}
	refreshed := e.refreshed
	e.refreshed = make(map[string]struct{})
	e.unitsMu.Unlock()

	if len(symbols) == 0 && e.universe != nil {
		found, err := e.universe.Symbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("list symbols: %w", err)
		}
		for _, s := range found {
			if _, skip := excluded[s]; !skip {
				symbols = append(symbols, s)
			}
		}
	}

	var all []scanUnit
	for _, s := range symbols {
		list := tfs[s]
		if len(list) == 0 {
			list = e.cfg.Timeframes
		}
		if len(list) == 0 && e.universe != nil {
			found, err := e.universe.Timeframes(ctx, s)
			if err != nil {
				e.logger.Warn("list timeframes failed", logger.String("symbol", s), logger.Error(err))
				continue
			}
			list = found
		}
		for _, tf := range list {
			all = append(all, scanUnit{symbol: s, timeframe: tf})
		}
	}

	if len(refreshed) == 0 {
		return all, nil
	}
	ordered := make([]scanUnit, 0, len(all))
	for _, u := range all {
		if _, ok := refreshed[u.key()]; ok {
			ordered = append(ordered, u)
		}
	}
	for _, u := range all {
		if _, ok := refreshed[u.key()]; !ok {
			ordered = append(ordered, u)
		}
	}
	return ordered, nil
}

// ScanUnit runs detection, confluence and admission for one pair.
func (e *SignalEngine) ScanUnit(ctx context.Context, symbol, timeframe string) ([]Admission, error) {
	dur := domrepo.Timeframe(timeframe).Duration()
	if dur == 0 {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	end := e.now()
	start := end.Add(-time.Duration(e.cfg.Lookback) * dur)

	bars, err := e.store.GetBars(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", models.UnitKey(symbol, timeframe), err)
	}
	if len(bars) == 0 {
		return nil, nil
	}
	if err := models.ValidateSeries(bars); err != nil {
		return nil, fmt.Errorf("%s: %w", models.UnitKey(symbol, timeframe), err)
	}

	var detections []models.DetectionResult
	for _, d := range e.detectors {
		detections = append(detections, e.runDetector(d, bars, symbol, timeframe)...)
	}
	signals := e.aggregator.Aggregate(detections)
	if e.cfg.RecentBars > 0 {
		from := len(bars) - e.cfg.RecentBars
		if from < 0 {
			from = 0
		}
		signals = confluence.Recent(signals, bars[from].Timestamp)
	}

	current := bars[len(bars)-1].Close
	out := make([]Admission, 0, len(signals))
	for _, cs := range signals {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out = append(out, e.Admit(ctx, symbol, timeframe, cs, current))
	}
	return out, nil
}

func (e *SignalEngine) runDetector(d domsvc.Detector, bars []models.Bar, symbol, timeframe string) (res []models.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("detector_panic")
			e.logger.Error("detector panicked",
				logger.String("detector", d.Name()),
				logger.String("symbol", symbol),
				logger.String("timeframe", timeframe),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
			res = nil
		}
	}()
	return d.Detect(bars)
}

// RunCycle scans every unit once in bounded batches.
func (e *SignalEngine) RunCycle(ctx context.Context) error {
	started := time.Now()
	units, err := e.units(ctx)
	if err != nil {
		return err
	}

	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = len(units)
	}
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	accepted := 0
	for i := 0; i < len(units); i += batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		j := i + batch
		if j > len(units) {
			j = len(units)
		}
		accepted += e.scanBatch(ctx, units[i:j], workers)
	}

	elapsed := time.Since(started)
	e.lastScanAt.Store(e.now().UnixNano())
	e.lastScanDur.Store(int64(elapsed))
	e.metrics.RecordLatency("scan_cycle", elapsed.Seconds())
	e.logger.Debug("scan cycle finished",
		logger.Int("units", len(units)),
		logger.Int("accepted", accepted),
		logger.Duration("took", elapsed))
	return nil
}

// scanBatch fans units out to a bounded worker set and returns the accepted count.
func (e *SignalEngine) scanBatch(ctx context.Context, units []scanUnit, workers int) int {
	jobs := make(chan scanUnit)
	results := make(chan int, len(units))

	var wg sync.WaitGroup
	if workers > len(units) {
		workers = len(units)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				results <- e.scanIsolated(ctx, u)
			}
		}()
	}
	for _, u := range units {
		jobs <- u
	}
	close(jobs)
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	return total
}

func (e *SignalEngine) scanIsolated(ctx context.Context, u scanUnit) (accepted int) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.unitErrors.Add(1)
			e.metrics.RecordError("scan_unit")
			e.logger.Error("scan unit panicked",
				logger.String("unit", u.key()),
				logger.Any("panic", r))
			accepted = 0
		}
	}()

	uctx := ctx
	if e.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(ctx, e.cfg.UnitTimeout)
		defer cancel()
	}

	adms, err := e.ScanUnit(uctx, u.symbol, u.timeframe)
	e.unitsScanned.Add(1)
	e.metrics.RecordLatency("scan_unit", time.Since(started).Seconds())
	if err != nil {
		e.unitErrors.Add(1)
		e.metrics.RecordError("scan_unit")
		e.logger.Warn("scan unit failed", logger.String("unit", u.key()), logger.Error(err))
		return 0
	}
	for _, a := range adms {
		if a.Outcome == Accepted {
			accepted++
		}
	}
	return accepted
}

// Start launches the scan and cleanup loops.
func (e *SignalEngine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		for {
			if err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("scan cycle failed", logger.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.ScanInterval):
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.CleanupExpired(ctx)
			}
		}
	}()

	e.logger.Info("signal engine started",
		logger.Int("detectors", len(e.detectors)),
		logger.Int("symbols", len(e.Symbols())),
		logger.Duration("scan_interval", e.cfg.ScanInterval))
	return nil
}

// Stop cancels both loops and waits for them until ctx expires.
func (e *SignalEngine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("signal engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("signal engine stop: %w", ctx.Err())
	}
}
