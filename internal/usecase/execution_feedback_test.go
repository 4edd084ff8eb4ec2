package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/logger"
	"SignalFlow/pkg/metrics"
)

func TestExecutionFeedbackHandler(t *testing.T) {
	e := newEngine(t, DefaultEngineConfig(), newFakeStore(), &testClock{t: t0})
	ctx := context.Background()
	id := e.Admit(ctx, "AAPL", "1h", bullish(0.85), 100).Signal.ID
	h := NewExecutionFeedbackHandler("signals.feedback", e, metrics.Nop{}, logger.NewNop())
	assert.Equal(t, "signals.feedback", h.Topic())

	require.NoError(t, h.Handle(ctx, []byte(`{"signal_id":"`+id+`","status":"triggered","t":1709560800000}`)))
	s, err := e.GetSignal(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTriggered, s.Status)

	require.NoError(t, h.Handle(ctx, []byte(`{"signal_id":"`+id+`","status":"EXECUTED"}`)))
	// replayed fill and unknown ids are ignored
	assert.NoError(t, h.Handle(ctx, []byte(`{"signal_id":"`+id+`","status":"EXECUTED"}`)))
	assert.NoError(t, h.Handle(ctx, []byte(`{"signal_id":"nope","status":"TRIGGERED"}`)))

	assert.Error(t, h.Handle(ctx, []byte(`{not json`)))
	assert.Error(t, h.Handle(ctx, []byte(`{"signal_id":"x","status":"FILLED"}`)))
	assert.Error(t, h.Handle(ctx, []byte(`{"status":"TRIGGERED"}`)))
	assert.Equal(t, int64(1), e.Stats().SignalsExecuted)
}

func TestBarsUseCase(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL_1h"] = gapAndEngulf()
	uc := NewBarsUseCase(store)
	ctx := context.Background()

	res, err := uc.GetBars(ctx, GetBarsParams{Symbol: "AAPL", Timeframe: "1h", From: t0, To: t0.Add(10 * time.Hour), Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, t0.Add(5*time.Hour), res.Bars[0].Timestamp)

	_, err = uc.GetBars(ctx, GetBarsParams{Timeframe: "1h"})
	assert.Error(t, err)
	_, err = uc.GetBars(ctx, GetBarsParams{Symbol: "AAPL", From: t0.Add(time.Hour), To: t0})
	assert.Error(t, err)
}
