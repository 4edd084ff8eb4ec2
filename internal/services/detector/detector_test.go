package detector

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
)

var t0 = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

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
	bars = append(bars,
		bar(5, 100.85, 100.9, 100.7, 100.75, 100),
		bar(6, 100.6, 101.7, 100.5, 101.6, 300),
		bar(7, 101.7, 102.0, 101.5, 101.9, 150),
	)
	return bars
}

// wave is a deterministic noisy oscillation with periodic volume spikes.
func wave(n int) []models.Bar {
	out := make([]models.Bar, n)
	prev := 100.0
	for i := 0; i < n; i++ {
		c := 100 + 5*math.Sin(float64(i)/4) + 1.5*math.Sin(float64(i)*1.7)
		o := prev
		hi := math.Max(o, c) + 0.3 + 0.2*math.Abs(math.Sin(float64(i)))
		lo := math.Min(o, c) - 0.3 - 0.2*math.Abs(math.Cos(float64(i)))
		v := 1000.0
		if i%7 == 0 {
			v = 2600
		}
		out[i] = bar(i, o, hi, lo, c, v)
		prev = c
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want models.Direction
	}{
		{"bullish_fvg", models.Bullish},
		{"BEARISH_FVG", models.Bearish},
		{"swing_low_support", models.Bullish},
		{"swing_high_resistance", models.Bearish},
		{"Long Setup", models.Bullish},
		{"short_squeeze", models.Bearish},
		{"SELL_WALL", models.Bearish},
		{"doji", models.Neutral},
		{"", models.Neutral},
		// bullish keywords win when both appear
		{"bull_trap_sell", models.Bullish},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestBuild(t *testing.T) {
	all, err := Build(nil)
	require.NoError(t, err)
	assert.Len(t, all, len(Names()))

	ds, err := Build([]string{FVGName, EngulfingName, FVGName})
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, FVGName, ds[0].Name())

	_, err = Build([]string{"nope"})
	assert.Error(t, err)
}

func TestFVG(t *testing.T) {
	bars := gapAndEngulf()
	got := NewFVG(DefaultFVGConfig()).Detect(bars)
	require.Len(t, got, 1)

	r := got[0]
	assert.Equal(t, "bullish_fvg", r.PatternType)
	assert.Equal(t, bars[6].Timestamp, r.Timestamp)
	assert.InDelta(t, 100.9, r.EntryPrice, 1e-9)
	assert.InDelta(t, 100.9*0.99, r.StopLoss, 1e-9)
	assert.InDelta(t, 101.5*1.01, r.TakeProfit, 1e-9)
	// size 0.4 + volume 0.3 + trend 0.3*4/5
	assert.InDelta(t, 0.94, r.Confidence, 1e-9)
	assert.Equal(t, models.Bullish, Classify(r.PatternType))
}

func TestFVGRejectsOversizedGap(t *testing.T) {
	bars := gapAndEngulf()
	bars[7].Low, bars[7].Open = 104, 104.1
	bars[7].High, bars[7].Close = 105, 104.5
	assert.Empty(t, NewFVG(DefaultFVGConfig()).Detect(bars))
}

func TestEngulfing(t *testing.T) {
	bars := gapAndEngulf()
	got := NewEngulfing(DefaultEngulfingConfig()).Detect(bars)
	require.Len(t, got, 1)
	assert.Equal(t, "bullish_engulfing", got[0].PatternType)
	assert.Equal(t, bars[6].Timestamp, got[0].Timestamp)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.InDelta(t, 100.5, got[0].StopLoss, 1e-9)
	assert.InDelta(t, 103.8, got[0].TakeProfit, 1e-9)
}

func TestOrderBlock(t *testing.T) {
	var bars []models.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, bar(i, 100, 100.5, 99.5, 100.1, 100))
	}
	// strong bearish candle on heavy volume, then a reversal through its high
	bars = append(bars,
		bar(10, 102, 102.2, 99.9, 100, 300),
		bar(11, 100.2, 103, 100.1, 102.8, 200),
	)
	got := NewOrderBlock(DefaultOrderBlockConfig()).Detect(bars)
	require.Len(t, got, 1)
	assert.Equal(t, "bullish_order_block", got[0].PatternType)
	assert.Equal(t, bars[11].Timestamp, got[0].Timestamp)
	assert.InDelta(t, 99.9, got[0].StopLoss, 1e-9)
}

func TestSwingAndCHoCHShortSeries(t *testing.T) {
	bars := gapAndEngulf()
	assert.Empty(t, NewSwing(DefaultSwingConfig()).Detect(bars))
	assert.Empty(t, NewCHoCH(DefaultCHoCHConfig()).Detect(bars))
	assert.Empty(t, NewRSIDivergence(DefaultRSIDivergenceConfig()).Detect(bars))
}

func TestDetectorsInvariants(t *testing.T) {
	ds, err := Build(nil)
	require.NoError(t, err)

	for _, bars := range [][]models.Bar{wave(300), gapAndEngulf(), nil} {
		snapshot := append([]models.Bar(nil), bars...)
		for _, d := range ds {
			first := d.Detect(bars)
			for _, r := range first {
				assert.GreaterOrEqual(t, r.Confidence, 0.0, d.Name())
				assert.LessOrEqual(t, r.Confidence, 1.0, d.Name())
				assert.NotEqual(t, models.Neutral, Classify(r.PatternType), r.PatternType)
			}
			assert.Equal(t, first, d.Detect(bars), "%s must be deterministic", d.Name())
		}
		assert.Equal(t, snapshot, bars)
	}
}
