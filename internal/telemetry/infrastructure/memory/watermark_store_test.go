package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "stationsync/internal/telemetry/domain"
)

var t0 = time.Date(2024, time.May, 6, 12, 0, 0, 0, time.UTC)

func TestWatermarkStore_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewWatermarkStore(nil)

	wm, err := store.Read(ctx, "st-1")
	require.NoError(t, err)
	assert.Nil(t, wm)

	require.NoError(t, store.Advance(ctx, telemetry.Watermark{StationID: "st-1", Timestamp: t0, Token: "etag-1"}, telemetry.AdvanceOptions{}))
	require.NoError(t, store.Advance(ctx, telemetry.Watermark{StationID: "st-1", Timestamp: t0}, telemetry.AdvanceOptions{}), "equal timestamp is allowed")

	err = store.Advance(ctx, telemetry.Watermark{StationID: "st-1", Timestamp: t0.Add(-time.Second)}, telemetry.AdvanceOptions{})
	require.ErrorIs(t, err, telemetry.ErrStaleWatermark)

	wm, err = store.Read(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, t0, wm.Timestamp, "rejected advance leaves the watermark")

	applied := t0.Add(-48 * time.Hour)
	require.NoError(t, store.Advance(ctx, telemetry.Watermark{StationID: "st-1", Timestamp: t0.Add(-24 * time.Hour), BackfillApplied: &applied}, telemetry.AdvanceOptions{ForceRewind: true}))
	wm, err = store.Read(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-24*time.Hour), wm.Timestamp)
	require.NotNil(t, wm.BackfillApplied)
	assert.Equal(t, applied, *wm.BackfillApplied)

	*wm.BackfillApplied = t0
	again, err := store.Read(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, applied, *again.BackfillApplied, "reads return copies")

	err = store.Advance(ctx, telemetry.Watermark{Timestamp: t0}, telemetry.AdvanceOptions{})
	assert.ErrorIs(t, err, telemetry.ErrEmptyStationID)
}

func TestWatermarkStore_ConcurrentAdvancesAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewWatermarkStore(nil)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Advance(ctx, telemetry.Watermark{StationID: "st-1", Timestamp: t0.Add(time.Duration(i) * time.Minute)}, telemetry.AdvanceOptions{})
			if err != nil {
				assert.ErrorIs(t, err, telemetry.ErrStaleWatermark)
			}
		}(i)
	}
	wg.Wait()

	wm, err := store.Read(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add((writers-1)*time.Minute), wm.Timestamp, "the latest timestamp wins whatever the order")
}

func TestWatermarkStore_AttemptsDoNotMoveTheCursor(t *testing.T) {
	ctx := context.Background()
	store := NewWatermarkStore(nil)

	require.NoError(t, store.RecordAttempt(ctx, telemetry.Attempt{StationID: "st-1", At: t0, Status: telemetry.AttemptError, Error: "HTTP 503", RetryCount: 1}))
	wm, err := store.Read(ctx, "st-1")
	require.NoError(t, err)
	assert.Nil(t, wm)

	attempt, err := store.LastAttempt(ctx, "st-1")
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, 1, attempt.RetryCount)
}
