package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"SignalFlow/internal/domain/models"
)

var t0 = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu         sync.Mutex
	bars       map[string][]models.Bar
	records    []models.SignalRecord
	failUpsert bool
	hangUpsert bool
	stored     map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{bars: make(map[string][]models.Bar), stored: make(map[string]int)}
}

func (s *fakeStore) GetBars(_ context.Context, symbol, timeframe string, _, _ time.Time) ([]models.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Bar(nil), s.bars[models.UnitKey(symbol, timeframe)]...), nil
}

func (s *fakeStore) StoreBars(_ context.Context, symbol, timeframe string, bars []models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.UnitKey(symbol, timeframe)
	s.bars[key] = append(s.bars[key], bars...)
	s.stored[key] += len(bars)
	return nil
}

func (s *fakeStore) UpsertSignalRecord(ctx context.Context, rec models.SignalRecord) error {
	s.mu.Lock()
	hang := s.hangUpsert
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return errors.New("clickhouse down")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) GetAvailableSymbols(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for k := range s.bars {
		sym := k[:strings.LastIndex(k, "_")]
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAvailableTimeframes(_ context.Context, symbol string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.bars {
		i := strings.LastIndex(k, "_")
		if k[:i] == symbol {
			out = append(out, k[i+1:])
		}
	}
	return out, nil
}

func (s *fakeStore) Health(context.Context) error { return nil }

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// storeUniverse adapts the fake store to the Universe interface.
type storeUniverse struct{ s *fakeStore }

func (u storeUniverse) Symbols(ctx context.Context) ([]string, error) {
	return u.s.GetAvailableSymbols(ctx)
}

func (u storeUniverse) Timeframes(ctx context.Context, symbol string) ([]string, error) {
	return u.s.GetAvailableTimeframes(ctx, symbol)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.SignalEvent
}

func (r *eventRecorder) HandleSignalEvent(_ context.Context, ev models.SignalEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []models.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AlertType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func bar(i int, o, h, l, c, v float64) models.Bar {
	return models.Bar{Timestamp: t0.Add(time.Duration(i) * time.Hour), Open: o, High: h, Low: l, Close: c, Volume: v}
}

// gapAndEngulf builds a short uptrend whose bar 6 is both the middle of a
// bullish fair value gap and a bullish engulfing candle.
func gapAndEngulf() []models.Bar {
	var bars []models.Bar
	for i := 0; i < 5; i++ {
		c := 100 + 0.2*float64(i)
		bars = append(bars, bar(i, c-0.1, c+0.1, c-0.2, c, 100))
	}
	return append(bars,
		bar(5, 100.85, 100.9, 100.7, 100.75, 100),
		bar(6, 100.6, 101.7, 100.5, 101.6, 300),
		bar(7, 101.7, 102.0, 101.5, 101.9, 150),
	)
}
