package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/cache"
)

type listingStore struct {
	symbolCalls    int
	timeframeCalls int
}

func (s *listingStore) GetBars(context.Context, string, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, nil
}
func (s *listingStore) StoreBars(context.Context, string, string, []models.Bar) error { return nil }
func (s *listingStore) UpsertSignalRecord(context.Context, models.SignalRecord) error { return nil }
func (s *listingStore) Health(context.Context) error                                  { return nil }

func (s *listingStore) GetAvailableSymbols(context.Context) ([]string, error) {
	s.symbolCalls++
	return []string{"AAPL", "MSFT"}, nil
}

func (s *listingStore) GetAvailableTimeframes(_ context.Context, symbol string) ([]string, error) {
	s.timeframeCalls++
	if symbol == "AAPL" {
		return []string{"1h", "1d"}, nil
	}
	return []string{"1d"}, nil
}

func TestCachedUniverse(t *testing.T) {
	ctx := context.Background()
	store := &listingStore{}
	u := NewCachedUniverse(store, cache.NewMemoryCache(), time.Minute)

	for i := 0; i < 3; i++ {
		syms, err := u.Symbols(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL", "MSFT"}, syms)
	}
	assert.Equal(t, 1, store.symbolCalls)

	tfs, err := u.Timeframes(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"1h", "1d"}, tfs)
	tfs, err = u.Timeframes(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, []string{"1d"}, tfs)
	_, _ = u.Timeframes(ctx, "AAPL")
	assert.Equal(t, 2, store.timeframeCalls)

	require.NoError(t, u.Invalidate(ctx, "AAPL"))
	_, _ = u.Symbols(ctx)
	_, _ = u.Timeframes(ctx, "AAPL")
	_, _ = u.Timeframes(ctx, "MSFT")
	assert.Equal(t, 2, store.symbolCalls)
	assert.Equal(t, 3, store.timeframeCalls)
}
