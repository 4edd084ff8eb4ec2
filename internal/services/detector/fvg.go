package detector

import (
	"SignalFlow/internal/domain/models"
	"SignalFlow/internal/services/features"
	"SignalFlow/pkg/util"
)

const FVGName = "fvg"

// FVGConfig tunes fair value gap detection.
type FVGConfig struct {
	MinGapSize        float64 // fraction of price
	MaxGapSize        float64
	VolumeThreshold   float64 // middle bar volume vs. prior VolumeLookback bars
	VolumeLookback    int
	TrendBars         int
	MaxMitigationBars int
	MinConfidence     float64
}

func DefaultFVGConfig() FVGConfig {
	return FVGConfig{
		MinGapSize:        0.002,
		MaxGapSize:        0.02,
		VolumeThreshold:   1.2,
		VolumeLookback:    5,
		TrendBars:         5,
		MaxMitigationBars: 50,
		MinConfidence:     0.5,
	}
}

// FVG detects three-bar fair value gaps: a bullish gap leaves
// High[i-1] < Low[i+1] around a bullish middle bar, a bearish gap the mirror.
type FVG struct {
	cfg FVGConfig
}

func NewFVG(cfg FVGConfig) *FVG { return &FVG{cfg: cfg} }

func (d *FVG) Name() string { return FVGName }

func (d *FVG) Detect(bars []models.Bar) []models.DetectionResult {
	var out []models.DetectionResult
	start := d.cfg.VolumeLookback
	if start < 1 {
		start = 1
	}
	for i := start; i < len(bars)-1; i++ {
		if r, ok := d.bullish(bars, i); ok {
			out = append(out, r)
		}
		if r, ok := d.bearish(bars, i); ok {
			out = append(out, r)
		}
	}
	return out
}

func (d *FVG) bullish(bars []models.Bar, i int) (models.DetectionResult, bool) {
	prev, mid, next := bars[i-1], bars[i], bars[i+1]
	if prev.High >= next.Low || !mid.Bullish() {
		return models.DetectionResult{}, false
	}
	bottom, top := prev.High, next.Low
	gap := (top - bottom) / bottom
	return d.build(bars, i, "bullish_fvg", gap, bottom, top, true)
}

func (d *FVG) bearish(bars []models.Bar, i int) (models.DetectionResult, bool) {
	prev, mid, next := bars[i-1], bars[i], bars[i+1]
	if prev.Low <= next.High || !mid.Bearish() {
		return models.DetectionResult{}, false
	}
	top, bottom := prev.Low, next.High
	gap := (top - bottom) / top
	return d.build(bars, i, "bearish_fvg", gap, bottom, top, false)
}

func (d *FVG) build(bars []models.Bar, i int, pattern string, gap, bottom, top float64, up bool) (models.DetectionResult, bool) {
	if gap < d.cfg.MinGapSize || gap > d.cfg.MaxGapSize {
		return models.DetectionResult{}, false
	}
	vr := features.VolumeRatio(bars, i, d.cfg.VolumeLookback)
	if vr < d.cfg.VolumeThreshold {
		return models.DetectionResult{}, false
	}

	sizeScore := 0.4 * util.Clamp(gap/d.cfg.MinGapSize, 0, 1)
	volScore := 0.3 * util.Clamp(vr/d.cfg.VolumeThreshold, 0, 1)
	trendScore := 0.3 * features.TrendScore(bars, i, d.cfg.TrendBars, up)
	conf := util.Clamp(sizeScore+volScore+trendScore, 0, 1)
	if conf < d.cfg.MinConfidence {
		return models.DetectionResult{}, false
	}

	r := models.DetectionResult{
		PatternType: pattern,
		Timestamp:   bars[i].Timestamp,
		Confidence:  conf,
		Metadata: map[string]interface{}{
			"gap_size":     gap,
			"gap_top":      top,
			"gap_bottom":   bottom,
			"volume_ratio": vr,
		},
	}
	if up {
		r.EntryPrice, r.StopLoss, r.TakeProfit = bottom, bottom*0.99, top*1.01
	} else {
		r.EntryPrice, r.StopLoss, r.TakeProfit = top, top*1.01, bottom*0.99
	}
	if m := d.mitigation(bars, i, up, top, bottom); m >= 0 {
		r.Metadata["mitigation_index"] = m
	}
	return r, true
}

// mitigation returns the first bar index that trades back into the gap, or -1.
func (d *FVG) mitigation(bars []models.Bar, i int, up bool, top, bottom float64) int {
	end := i + d.cfg.MaxMitigationBars
	if end > len(bars) {
		end = len(bars)
	}
	for j := i + 2; j < end; j++ {
		if up && bars[j].Low <= top {
			return j
		}
		if !up && bars[j].High >= bottom {
			return j
		}
	}
	return -1
}
