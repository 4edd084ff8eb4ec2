package detector

import (
	"math"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/services/features"
	"SignalFlow/pkg/util"
)

const SwingName = "swing"

type SwingConfig struct {
	Window        int     // bars on each side of the pivot
	VolumeFactor  float64 // pivot volume must exceed mean(prior Window)*VolumeFactor
	TrendStrength float64 // minimum fraction of moves toward the pivot
	MinConfidence float64
}

func DefaultSwingConfig() SwingConfig {
	return SwingConfig{Window: 5, VolumeFactor: 1.1, TrendStrength: 0.3, MinConfidence: 0.3}
}

// Swing reports confirmed swing highs (resistance) and swing lows (support).
type Swing struct {
	cfg SwingConfig
}

func NewSwing(cfg SwingConfig) *Swing { return &Swing{cfg: cfg} }

func (d *Swing) Name() string { return SwingName }

type swingPoint struct {
	idx   int
	high  bool
	price float64
}

func (d *Swing) Detect(bars []models.Bar) []models.DetectionResult {
	var out []models.DetectionResult
	for _, p := range d.points(bars) {
		conf := d.confidence(bars, p)
		if conf < d.cfg.MinConfidence {
			continue
		}
		b := bars[p.idx]
		r := models.DetectionResult{
			Timestamp:  b.Timestamp,
			Confidence: conf,
			Metadata: map[string]interface{}{
				"volume_ratio": features.VolumeRatio(bars, p.idx, d.cfg.Window),
			},
		}
		if p.high {
			r.PatternType = "swing_high_resistance"
			r.EntryPrice = b.High
			r.StopLoss = b.High * 1.01
			r.TakeProfit = math.Min(bars[p.idx-1].Low, math.Min(b.Low, bars[p.idx+1].Low))
		} else {
			r.PatternType = "swing_low_support"
			r.EntryPrice = b.Low
			r.StopLoss = b.Low * 0.99
			r.TakeProfit = math.Max(bars[p.idx-1].High, math.Max(b.High, bars[p.idx+1].High))
		}
		out = append(out, r)
	}
	return out
}

// points returns confirmed pivots in bar order. A bar is never both.
func (d *Swing) points(bars []models.Bar) []swingPoint {
	w := d.cfg.Window
	if w < 1 {
		return nil
	}
	var out []swingPoint
	for i := w; i < len(bars)-w; i++ {
		if features.VolumeRatio(bars, i, w) <= d.cfg.VolumeFactor {
			continue
		}
		highest, lowest := true, true
		for j := i - w; j <= i+w; j++ {
			if bars[j].High > bars[i].High {
				highest = false
			}
			if bars[j].Low < bars[i].Low {
				lowest = false
			}
		}
		switch {
		case highest && features.TrendScore(bars, i, w, true) >= d.cfg.TrendStrength:
			out = append(out, swingPoint{idx: i, high: true, price: bars[i].High})
		case lowest && features.TrendScore(bars, i, w, false) >= d.cfg.TrendStrength:
			out = append(out, swingPoint{idx: i, high: false, price: bars[i].Low})
		}
	}
	return out
}

func (d *Swing) confidence(bars []models.Bar, p swingPoint) float64 {
	w := d.cfg.Window
	vals := make([]float64, 0, 2*w+1)
	for j := p.idx - w; j <= p.idx+w; j++ {
		if p.high {
			vals = append(vals, bars[j].High)
		} else {
			vals = append(vals, bars[j].Low)
		}
	}
	mean := util.Mean(vals)
	std := 0.0
	for _, v := range vals {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(vals)))

	priceScore := 0.0
	if std > 0 {
		z := (p.price - mean) / std
		if !p.high {
			z = -z
		}
		priceScore = 0.4 * util.Clamp(z/2, 0, 1)
	}
	volScore := 0.3 * util.Clamp(features.VolumeRatio(bars, p.idx, w)/d.cfg.VolumeFactor, 0, 1)
	trendScore := 0.3 * features.TrendScore(bars, p.idx, w, p.high)
	return util.Clamp(priceScore+volScore+trendScore, 0, 1)
}
