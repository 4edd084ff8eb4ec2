package detector

import (
	"math"

	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/services/features"
	"SignalFlow/pkg/util"
)

const CHoCHName = "choch"

type CHoCHConfig struct {
	Swing          SwingConfig
	MinPatternBars int
	MaxPatternBars int
	MinRetracement float64
	MaxRetracement float64
	VolumeFactor   float64
	MomentumBars   int
}

func DefaultCHoCHConfig() CHoCHConfig {
	return CHoCHConfig{
		Swing:          DefaultSwingConfig(),
		MinPatternBars: 4,
		MaxPatternBars: 60,
		MinRetracement: 0.382,
		MaxRetracement: 0.786,
		VolumeFactor:   1.1,
		MomentumBars:   20,
	}
}

// CHoCH detects a change of character across four alternating swing points:
// high, low, higher high, higher low (bullish) or the mirror (bearish).
type CHoCH struct {
	cfg   CHoCHConfig
	swing *Swing
}

func NewCHoCH(cfg CHoCHConfig) *CHoCH {
	return &CHoCH{cfg: cfg, swing: NewSwing(cfg.Swing)}
}

func (d *CHoCH) Name() string { return CHoCHName }

func (d *CHoCH) Detect(bars []models.Bar) []models.DetectionResult {
	pts := d.swing.points(bars)
	var out []models.DetectionResult
	for i := 3; i < len(pts); i++ {
		if r, ok := d.check(bars, pts[i-3:i+1]); ok {
			out = append(out, r)
		}
	}
	return out
}

func (d *CHoCH) check(bars []models.Bar, s []swingPoint) (models.DetectionResult, bool) {
	bull := s[0].high && !s[1].high && s[2].high && !s[3].high
	bear := !s[0].high && s[1].high && !s[2].high && s[3].high
	p := [4]float64{s[0].price, s[1].price, s[2].price, s[3].price}

	var retr float64
	switch {
	case bull:
		if !(p[2] > p[0] && p[3] > p[1]) || p[2] == p[1] {
			return models.DetectionResult{}, false
		}
		retr = (p[2] - p[3]) / (p[2] - p[1])
	case bear:
		if !(p[2] < p[0] && p[3] < p[1]) || p[1] == p[2] {
			return models.DetectionResult{}, false
		}
		retr = (p[3] - p[2]) / (p[1] - p[2])
	default:
		return models.DetectionResult{}, false
	}

	span := s[3].idx - s[0].idx
	if span < d.cfg.MinPatternBars || span > d.cfg.MaxPatternBars {
		return models.DetectionResult{}, false
	}
	if retr < d.cfg.MinRetracement || retr > d.cfg.MaxRetracement {
		return models.DetectionResult{}, false
	}
	last := s[3].idx
	vr := features.VolumeRatio(bars, last, 5)
	if vr < d.cfg.VolumeFactor {
		return models.DetectionResult{}, false
	}

	patternScore := 0.4
	if d.cfg.MaxPatternBars > d.cfg.MinPatternBars {
		patternScore = 0.4 * (1 - float64(span-d.cfg.MinPatternBars)/float64(d.cfg.MaxPatternBars-d.cfg.MinPatternBars))
	}
	retrScore := 0.3 * util.Clamp(1-math.Abs(retr-0.618)/0.236, 0, 1)
	momentum := 0.3 * features.TrendScore(bars, last, d.cfg.MomentumBars, bull)
	conf := util.Clamp(patternScore+retrScore+momentum, 0, 1)

	height := math.Abs(p[2] - p[1])
	r := models.DetectionResult{
		Timestamp:  bars[last].Timestamp,
		EntryPrice: p[3],
		Confidence: conf,
		Metadata: map[string]interface{}{
			"retracement":  retr,
			"volume_ratio": vr,
			"pattern_bars": span,
		},
	}
	if bull {
		r.PatternType = "bullish_choch"
		r.StopLoss = math.Min(math.Min(p[0], p[1]), math.Min(p[2], p[3]))
		r.TakeProfit = p[3] + height
	} else {
		r.PatternType = "bearish_choch"
		r.StopLoss = math.Max(math.Max(p[0], p[1]), math.Max(p[2], p[3]))
		r.TakeProfit = p[3] - height
	}
	return r, true
}
