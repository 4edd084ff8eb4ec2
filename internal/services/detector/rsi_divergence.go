package detector

import (
	"math"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/services/features"
	"SignalFlow/pkg/util"
)

const RSIDivergenceName = "rsi_divergence"

type RSIDivergenceConfig struct {
	Period        int
	PivotWindow   int // bars on each side of a price pivot
	MinDistance   int // bars between the two pivots
	MaxDistance   int
	MinRSIDelta   float64
	RewardRisk    float64
	MinConfidence float64
}

func DefaultRSIDivergenceConfig() RSIDivergenceConfig {
	return RSIDivergenceConfig{
		Period:        14,
		PivotWindow:   3,
		MinDistance:   5,
		MaxDistance:   40,
		MinRSIDelta:   2,
		RewardRisk:    2,
		MinConfidence: 0.4,
	}
}

// RSIDivergence flags regular divergence between price pivots and RSI:
// a lower price low with a higher RSI low is bullish, a higher price high
// with a lower RSI high is bearish.
type RSIDivergence struct {
	cfg RSIDivergenceConfig
}

func NewRSIDivergence(cfg RSIDivergenceConfig) *RSIDivergence { return &RSIDivergence{cfg: cfg} }

func (d *RSIDivergence) Name() string { return RSIDivergenceName }

func (d *RSIDivergence) Detect(bars []models.Bar) []models.DetectionResult {
	rsi := features.RSI(features.Closes(bars), d.cfg.Period)
	if rsi == nil {
		return nil
	}
	var out []models.DetectionResult
	lows, highs := d.pivots(bars, rsi)
	for i := 1; i < len(lows); i++ {
		if r, ok := d.compare(bars, rsi, lows[i-1], lows[i], false); ok {
			out = append(out, r)
		}
	}
	for i := 1; i < len(highs); i++ {
		if r, ok := d.compare(bars, rsi, highs[i-1], highs[i], true); ok {
			out = append(out, r)
		}
	}
	return out
}

func (d *RSIDivergence) pivots(bars []models.Bar, rsi []float64) (lows, highs []int) {
	w := d.cfg.PivotWindow
	for i := w; i < len(bars)-w; i++ {
		if math.IsNaN(rsi[i]) {
			continue
		}
		isLow, isHigh := true, true
		for j := i - w; j <= i+w; j++ {
			if j == i {
				continue
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
		}
		if isLow {
			lows = append(lows, i)
		}
		if isHigh {
			highs = append(highs, i)
		}
	}
	return lows, highs
}

func (d *RSIDivergence) compare(bars []models.Bar, rsi []float64, a, b int, bearish bool) (models.DetectionResult, bool) {
	dist := b - a
	if dist < d.cfg.MinDistance || dist > d.cfg.MaxDistance {
		return models.DetectionResult{}, false
	}

	var priceMove, rsiDelta float64
	if bearish {
		if bars[b].High <= bars[a].High {
			return models.DetectionResult{}, false
		}
		priceMove = (bars[b].High - bars[a].High) / bars[a].High
		rsiDelta = rsi[a] - rsi[b]
	} else {
		if bars[b].Low >= bars[a].Low {
			return models.DetectionResult{}, false
		}
		priceMove = (bars[a].Low - bars[b].Low) / bars[a].Low
		rsiDelta = rsi[b] - rsi[a]
	}
	if rsiDelta < d.cfg.MinRSIDelta {
		return models.DetectionResult{}, false
	}

	extreme := (50 - rsi[b]) / 20
	if bearish {
		extreme = (rsi[b] - 50) / 20
	}
	conf := util.Clamp(
		0.5*util.Clamp(rsiDelta/10, 0, 1)+
			0.3*util.Clamp(priceMove/0.02, 0, 1)+
			0.2*util.Clamp(extreme, 0, 1), 0, 1)
	if conf < d.cfg.MinConfidence {
		return models.DetectionResult{}, false
	}

	entry := bars[b].Close
	r := models.DetectionResult{
		Timestamp:  bars[b].Timestamp,
		EntryPrice: entry,
		Confidence: conf,
		Metadata: map[string]interface{}{
			"rsi":          rsi[b],
			"rsi_delta":    rsiDelta,
			"pivot_bars":   dist,
			"price_change": priceMove,
		},
	}
	if bearish {
		r.PatternType = "bearish_rsi_divergence"
		r.StopLoss = bars[b].High * 1.01
		r.TakeProfit = entry - d.cfg.RewardRisk*(r.StopLoss-entry)
	} else {
		r.PatternType = "bullish_rsi_divergence"
		r.StopLoss = bars[b].Low * 0.99
		r.TakeProfit = entry + d.cfg.RewardRisk*(entry-r.StopLoss)
	}
	return r, true
}
