package detector

import (
	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/util"
)

const OrderBlockName = "order_block"

type OrderBlockConfig struct {
	MinImbalance   float64
	MinVolumeRatio float64
	MinCandleSize  float64 // body and range as fraction of mid price
	MaxCandleSize  float64
	Lookback       int
	RewardRisk     float64
	MinConfidence  float64
}

func DefaultOrderBlockConfig() OrderBlockConfig {
	return OrderBlockConfig{
		MinImbalance:   0.02,
		MinVolumeRatio: 1.5,
		MinCandleSize:  0.01,
		MaxCandleSize:  0.05,
		Lookback:       10,
		RewardRisk:     2,
		MinConfidence:  0.5,
	}
}

// OrderBlock finds a large, high-volume candle immediately reversed by the
// next bar. A bearish block reversed upward is bullish and vice versa.
type OrderBlock struct {
	cfg OrderBlockConfig
}

func NewOrderBlock(cfg OrderBlockConfig) *OrderBlock { return &OrderBlock{cfg: cfg} }

func (d *OrderBlock) Name() string { return OrderBlockName }

func (d *OrderBlock) Detect(bars []models.Bar) []models.DetectionResult {
	var out []models.DetectionResult
	for i := 2; i < len(bars); i++ {
		if r, ok := d.at(bars, i); ok {
			out = append(out, r)
		}
	}
	return out
}

func (d *OrderBlock) at(bars []models.Bar, i int) (models.DetectionResult, bool) {
	ob, cur := bars[i-1], bars[i]
	mid := (ob.High + ob.Low) / 2
	if mid <= 0 {
		return models.DetectionResult{}, false
	}
	bodyRatio, rangeRatio := ob.Body()/mid, ob.Range()/mid
	if bodyRatio < d.cfg.MinCandleSize || rangeRatio < d.cfg.MinCandleSize || rangeRatio > d.cfg.MaxCandleSize {
		return models.DetectionResult{}, false
	}

	start := i - 1 - d.cfg.Lookback
	if start < 0 {
		start = 0
	}
	vols := make([]float64, 0, i-1-start)
	for j := start; j < i-1; j++ {
		vols = append(vols, bars[j].Volume)
	}
	avg := util.Mean(vols)
	if !(avg > 0) {
		return models.DetectionResult{}, false
	}
	vr := ob.Volume / avg
	if vr < d.cfg.MinVolumeRatio {
		return models.DetectionResult{}, false
	}

	bull := ob.Bearish() && cur.Bullish() && cur.High > ob.High &&
		(cur.High-ob.Low)/ob.Low > d.cfg.MinImbalance
	bear := ob.Bullish() && cur.Bearish() && cur.Low < ob.Low &&
		(ob.High-cur.Low)/cur.Low > d.cfg.MinImbalance
	if !bull && !bear {
		return models.DetectionResult{}, false
	}

	conf := util.Clamp(
		0.4*util.Clamp(vr/2, 0, 1)+
			0.4*util.Clamp(rangeRatio/0.05, 0, 1)+
			0.2, 0, 1)
	if conf < d.cfg.MinConfidence {
		return models.DetectionResult{}, false
	}

	r := models.DetectionResult{
		Timestamp:  cur.Timestamp,
		EntryPrice: cur.Close,
		Confidence: conf,
		Metadata: map[string]interface{}{
			"volume_ratio":    vr,
			"imbalance_ratio": rangeRatio,
			"ob_high":         ob.High,
			"ob_low":          ob.Low,
		},
	}
	if bull {
		r.PatternType = "bullish_order_block"
		r.StopLoss = ob.Low
		r.TakeProfit = cur.Close + d.cfg.RewardRisk*(cur.Close-ob.Low)
	} else {
		r.PatternType = "bearish_order_block"
		r.StopLoss = ob.High
		r.TakeProfit = cur.Close - d.cfg.RewardRisk*(ob.High-cur.Close)
	}
	return r, true
}
