package detector

import (
	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/util"
)

const EngulfingName = "engulfing"

type EngulfingConfig struct {
	VolumeBoost   float64 // current volume above previous*VolumeBoost raises confidence
	RewardRisk    float64
	MinConfidence float64
}

func DefaultEngulfingConfig() EngulfingConfig {
	return EngulfingConfig{VolumeBoost: 1.5, RewardRisk: 2, MinConfidence: 0.5}
}

// Engulfing detects a candle whose body fully covers the opposite-colored body before it.
type Engulfing struct {
	cfg EngulfingConfig
}

func NewEngulfing(cfg EngulfingConfig) *Engulfing { return &Engulfing{cfg: cfg} }

func (d *Engulfing) Name() string { return EngulfingName }

func (d *Engulfing) Detect(bars []models.Bar) []models.DetectionResult {
	var out []models.DetectionResult
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		if prev.Body() == 0 || !engulfs(cur, prev) {
			continue
		}
		bull := cur.Bullish() && prev.Bearish()
		bear := cur.Bearish() && prev.Bullish()
		if !bull && !bear {
			continue
		}

		ratio := cur.Body() / prev.Body()
		conf := util.Clamp(ratio/2, 0, 1)
		if cur.Volume > prev.Volume*d.cfg.VolumeBoost {
			conf = util.Clamp(conf*1.2, 0, 1)
		}
		if ratio > 3 {
			conf = util.Clamp(conf*1.3, 0, 1)
		}
		if conf < d.cfg.MinConfidence {
			continue
		}

		r := models.DetectionResult{
			Timestamp:  cur.Timestamp,
			EntryPrice: cur.Close,
			Confidence: conf,
			Metadata:   map[string]interface{}{"engulfing_ratio": ratio},
		}
		if bull {
			r.PatternType = "bullish_engulfing"
			r.StopLoss = cur.Low
			r.TakeProfit = cur.Close + d.cfg.RewardRisk*(cur.Close-cur.Low)
		} else {
			r.PatternType = "bearish_engulfing"
			r.StopLoss = cur.High
			r.TakeProfit = cur.Close - d.cfg.RewardRisk*(cur.High-cur.Close)
		}
		out = append(out, r)
	}
	return out
}

func engulfs(cur, prev models.Bar) bool {
	return max(cur.Open, cur.Close) >= max(prev.Open, prev.Close) &&
		min(cur.Open, cur.Close) <= min(prev.Open, prev.Close)
}
