package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/logger"
	"SignalFlow/pkg/metrics"
)

type fakePublisher struct {
	mu    sync.Mutex
	fails int
	got   []string
}

func (f *fakePublisher) PublishEvent(_ context.Context, ev models.SignalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, ev.Signal.ID)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func event(id string) models.SignalEvent {
	return models.SignalEvent{
		Type:   models.AlertSignalCreated,
		Signal: &models.TradingSignal{ID: id, Symbol: "AAPL", Timeframe: "1h"},
	}
}

func TestEventPipelinePublishesInOrderAfterFailures(t *testing.T) {
	pub := &fakePublisher{fails: 2}
	p := NewEventPipeline(pub, metrics.Nop{}, logger.NewNop(), WithBackoff(time.Millisecond, 4*time.Millisecond))
	ctx := context.Background()
	p.Start(ctx)

	p.HandleSignalEvent(ctx, event("a"))
	p.HandleSignalEvent(ctx, event("b"))

	assert.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, pub.published())
	require.NoError(t, p.Stop(ctx))
}

func TestEventPipelineDropsInvalidAndOverflow(t *testing.T) {
	pub := &fakePublisher{}
	p := NewEventPipeline(pub, metrics.Nop{}, logger.NewNop(), WithBufferSize(2))
	ctx := context.Background()

	p.HandleSignalEvent(ctx, models.SignalEvent{Type: models.AlertSignalCreated})
	assert.Equal(t, 0, p.Pending())

	for _, id := range []string{"a", "b", "c"} {
		p.HandleSignalEvent(ctx, event(id))
	}
	assert.Equal(t, 2, p.Pending())
}

func TestEventPipelineStopFlushes(t *testing.T) {
	pub := &fakePublisher{}
	p := NewEventPipeline(pub, metrics.Nop{}, logger.NewNop())
	ctx := context.Background()

	// not started: events stay buffered until Stop flushes them
	p.HandleSignalEvent(ctx, event("a"))
	require.NoError(t, p.Stop(ctx))
	assert.Empty(t, pub.published())

	p.Start(ctx)
	p.HandleSignalEvent(ctx, event("b"))
	require.NoError(t, p.Stop(ctx))
	assert.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, 5*time.Millisecond)
}
