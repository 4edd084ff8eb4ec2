package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
)

func sampleState() *models.SchedulerState {
	return &models.SchedulerState{
		LastUpdateTimes: map[string]time.Time{
			"AAPL_1h": t0,
			"MSFT_1d": t0.Add(-24 * time.Hour),
		},
		Stats: models.SchedulerStats{
			TotalUpdates:      12,
			SuccessfulUpdates: 10,
			FailedUpdates:     2,
		},
		SavedAt: t0.Add(time.Minute),
	}
}

func assertRoundTrip(t *testing.T, s domrepo.StateStore) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	want := sampleState()
	require.NoError(t, s.Save(ctx, want))
	// second save replaces the first
	want.Stats.TotalUpdates = 13
	delete(want.LastUpdateTimes, "MSFT_1d")
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(13), got.Stats.TotalUpdates)
	assert.Equal(t, int64(2), got.Stats.FailedUpdates)
	assert.True(t, want.SavedAt.Equal(got.SavedAt))
	require.Len(t, got.LastUpdateTimes, 1)
	assert.True(t, t0.Equal(got.LastUpdateTimes["AAPL_1h"]))
	assert.NoError(t, s.Close())
}

func TestFileStateStore(t *testing.T) {
	assertRoundTrip(t, NewFileStateStore(filepath.Join(t.TempDir(), "state", "scheduler.json")))
}

func TestRedisStateStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assertRoundTrip(t, NewRedisStateStore(client, "test"))
	assert.True(t, mr.Exists("test:scheduler:state"))
}

func TestSQLiteStateStore(t *testing.T) {
	s, err := OpenSQLiteStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	assertRoundTrip(t, s)
}

func TestNewStateStore(t *testing.T) {
	s, err := NewStateStore(StateConfig{Backend: StateFile, FilePath: filepath.Join(t.TempDir(), "s.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStateStore{}, s)

	_, err = NewStateStore(StateConfig{Backend: StateRedis}, nil)
	assert.Error(t, err)

	_, err = NewStateStore(StateConfig{Backend: "etcd"}, nil)
	assert.ErrorContains(t, err, "unknown state backend")
}
