package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, workers, attempts int) *Bus {
	t.Helper()
	b := NewBus(workers, attempts, utils.NewTestLogger())
	b.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func waitIdle(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func event(c models.Collection, k models.ChangeKind, key string) models.ChangeEvent {
	return models.ChangeEvent{ID: key + string(k), Collection: c, Kind: k, Key: key}
}

func TestSubscribeOneHandlerPerRoute(t *testing.T) {
	b := NewBus(1, 1, utils.NewTestLogger())
	noop := func(context.Context, models.ChangeEvent) error { return nil }

	require.NoError(t, b.Subscribe(models.CollectionList, models.ChangeCreate, noop))
	assert.Error(t, b.Subscribe(models.CollectionList, models.ChangeCreate, noop))
	assert.NoError(t, b.Subscribe(models.CollectionList, models.ChangeDelete, noop))
}

func TestPerKeyOrdering(t *testing.T) {
	b := newTestBus(t, 4, 1)

	var mu sync.Mutex
	seen := map[string][]models.ChangeKind{}
	record := func(_ context.Context, e models.ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Key] = append(seen[e.Key], e.Kind)
		return nil
	}
	for _, k := range []models.ChangeKind{models.ChangeCreate, models.ChangeUpdate, models.ChangeDelete} {
		require.NoError(t, b.Subscribe(models.CollectionSermon, k, record))
	}

	keys := []string{"a", "b", "c", "d", "e"}
	for _, key := range keys {
		b.Publish(event(models.CollectionSermon, models.ChangeCreate, key))
		b.Publish(event(models.CollectionSermon, models.ChangeUpdate, key))
		b.Publish(event(models.CollectionSermon, models.ChangeDelete, key))
	}
	waitIdle(t, b)

	for _, key := range keys {
		assert.Equal(t, []models.ChangeKind{models.ChangeCreate, models.ChangeUpdate, models.ChangeDelete}, seen[key])
	}
}

func TestFailingHandlerIsRetried(t *testing.T) {
	b := newTestBus(t, 1, 3)

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(models.CollectionList, models.ChangeUpdate, func(context.Context, models.ChangeEvent) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	b.Publish(event(models.CollectionList, models.ChangeUpdate, "l1"))
	waitIdle(t, b)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEventDroppedAfterMaxAttempts(t *testing.T) {
	b := newTestBus(t, 1, 2)

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(models.CollectionList, models.ChangeUpdate, func(context.Context, models.ChangeEvent) error {
		calls.Add(1)
		return errors.New("always")
	}))

	b.Publish(event(models.CollectionList, models.ChangeUpdate, "l1"))
	waitIdle(t, b)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWaitCoversNestedPublishes(t *testing.T) {
	b := newTestBus(t, 2, 1)

	var leaves atomic.Int32
	require.NoError(t, b.Subscribe(models.CollectionSermonList, models.ChangeCreate, func(_ context.Context, e models.ChangeEvent) error {
		time.Sleep(10 * time.Millisecond)
		b.Publish(event(models.CollectionListItem, models.ChangeCreate, e.Key+"-item"))
		return nil
	}))
	require.NoError(t, b.Subscribe(models.CollectionListItem, models.ChangeCreate, func(context.Context, models.ChangeEvent) error {
		time.Sleep(10 * time.Millisecond)
		leaves.Add(1)
		return nil
	}))

	b.Publish(event(models.CollectionSermonList, models.ChangeCreate, "r1"))
	b.Publish(event(models.CollectionSermonList, models.ChangeCreate, "r2"))
	waitIdle(t, b)
	assert.Equal(t, int32(2), leaves.Load())
}

func TestUnroutedEventsAreDropped(t *testing.T) {
	b := newTestBus(t, 1, 1)
	b.Publish(event(models.CollectionList, models.ChangeCreate, "l1"))
	waitIdle(t, b)
}

func TestStopReleasesQueuedEvents(t *testing.T) {
	b := NewBus(2, 1, utils.NewTestLogger())
	require.NoError(t, b.Subscribe(models.CollectionList, models.ChangeUpdate, func(context.Context, models.ChangeEvent) error {
		return nil
	}))

	// Never started, so both events stay queued
	b.Publish(event(models.CollectionList, models.ChangeUpdate, "l1"))
	b.Publish(event(models.CollectionList, models.ChangeUpdate, "l2"))
	b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Wait(ctx))

	b.Publish(event(models.CollectionList, models.ChangeUpdate, "l3"))
	assert.NoError(t, b.Wait(ctx))
}
