package confluence

import (
	"fmt"
	"sort"
	"time"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/services/detector"
	"SignalFlow/pkg/util"
)

const (
	StrategyTimestamp  = "timestamp"
	StrategyPriceLevel = "price_level"
)

type Config struct {
	Strategy       string
	Threshold      float64
	MinSignals     int
	PricePrecision int
}

func DefaultConfig() Config {
	return Config{Strategy: StrategyTimestamp, Threshold: 0.6, MinSignals: 2, PricePrecision: 4}
}

// Aggregator groups same-direction detections into confluence signals.
type Aggregator struct {
	cfg Config
}

func New(cfg Config) (*Aggregator, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyTimestamp
	}
	if cfg.Strategy != StrategyTimestamp && cfg.Strategy != StrategyPriceLevel {
		return nil, fmt.Errorf("unknown confluence strategy %q", cfg.Strategy)
	}
	if cfg.MinSignals < 1 {
		return nil, fmt.Errorf("min signals must be >= 1, got %d", cfg.MinSignals)
	}
	return &Aggregator{cfg: cfg}, nil
}

type bucketKey struct {
	ts    int64
	price float64
	dir   models.Direction
}

type bucket struct {
	key   bucketKey
	items []models.DetectionResult
}

// Aggregate returns one signal per qualifying bucket ordered by timestamp.
// Detections with non-finite numbers and neutral detections are ignored.
func (a *Aggregator) Aggregate(detections []models.DetectionResult) []models.ConfluenceSignal {
	buckets := make(map[bucketKey]*bucket)
	var order []bucketKey
	for _, d := range detections {
		if !usable(d) {
			continue
		}
		dir := detector.Classify(d.PatternType)
		if dir == models.Neutral {
			continue
		}
		k := bucketKey{dir: dir}
		if a.cfg.Strategy == StrategyPriceLevel {
			k.price = util.RoundTo(d.EntryPrice, a.cfg.PricePrecision)
		} else {
			k.ts = d.Timestamp.UnixNano()
		}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{key: k}
			buckets[k] = b
			order = append(order, k)
		}
		b.items = append(b.items, d)
	}

	var out []models.ConfluenceSignal
	for _, k := range order {
		if s, ok := a.emit(buckets[k]); ok {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (a *Aggregator) emit(b *bucket) (models.ConfluenceSignal, bool) {
	n := len(b.items)
	if n == 0 || n < a.cfg.MinSignals {
		return models.ConfluenceSignal{}, false
	}
	conf := make([]float64, n)
	entry := make([]float64, n)
	stop := make([]float64, n)
	target := make([]float64, n)
	patterns := make([]string, n)
	var latest time.Time
	for i, d := range b.items {
		conf[i], entry[i], stop[i], target[i] = d.Confidence, d.EntryPrice, d.StopLoss, d.TakeProfit
		patterns[i] = d.PatternType
		if d.Timestamp.After(latest) {
			latest = d.Timestamp
		}
	}
	strength := util.Mean(conf)
	if strength < a.cfg.Threshold {
		return models.ConfluenceSignal{}, false
	}
	return models.ConfluenceSignal{
		Timestamp:  latest,
		Direction:  b.key.dir,
		Strength:   strength,
		Patterns:   patterns,
		EntryPrice: util.Mean(entry),
		StopLoss:   util.Mean(stop),
		TakeProfit: util.Mean(target),
		Metadata: map[string]interface{}{
			"signal_count": n,
			"strategy":     a.cfg.Strategy,
		},
	}, true
}

func usable(d models.DetectionResult) bool {
	return util.IsFinite(d.Confidence) && util.IsFinite(d.EntryPrice) &&
		util.IsFinite(d.StopLoss) && util.IsFinite(d.TakeProfit) && !d.Timestamp.IsZero()
}

// Recent keeps signals whose timestamp is at or after since.
func Recent(signals []models.ConfluenceSignal, since time.Time) []models.ConfluenceSignal {
	out := signals[:0:0]
	for _, s := range signals {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}
