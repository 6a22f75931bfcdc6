package listlock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/overflow"
	"github.com/amaumene/sermonsync/internal/services/listhost/listhosttest"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *models.Database {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestMutator(db *models.Database, attempts int) *Mutator {
	m := NewMutator(db, &config.Config{LockMaxAttempts: attempts, LockLease: time.Minute}, utils.NewTestLogger())
	m.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }
	return m
}

func TestWithListLockReleasesLease(t *testing.T) {
	db := newTestDatabase(t)
	list := &models.List{Name: "Romans"}
	require.NoError(t, db.CreateList(list))
	m := newTestMutator(db, 3)

	err := m.WithListLock(context.Background(), list.ID, func(ctx context.Context) error {
		held, err := db.GetList(list.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, held.LockToken)
		assert.NotZero(t, held.LastTouched)
		return nil
	})
	require.NoError(t, err)

	released, err := db.GetList(list.ID)
	require.NoError(t, err)
	assert.Empty(t, released.LockToken)
}

func TestWithListLockReturnsFnError(t *testing.T) {
	db := newTestDatabase(t)
	list := &models.List{Name: "Romans"}
	require.NoError(t, db.CreateList(list))
	m := newTestMutator(db, 3)

	boom := errors.New("boom")
	err := m.WithListLock(context.Background(), list.ID, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	released, err := db.GetList(list.ID)
	require.NoError(t, err)
	assert.Empty(t, released.LockToken)
}

func TestWithListLockConflict(t *testing.T) {
	db := newTestDatabase(t)
	list := &models.List{Name: "Romans"}
	require.NoError(t, db.CreateList(list))

	ok, err := db.TryTouchList(list.ID, "someone-else", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	m := newTestMutator(db, 3)
	called := false
	err = m.WithListLock(context.Background(), list.ID, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.False(t, called)

	held, err := db.GetList(list.ID)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", held.LockToken)
}

func TestWithListLockTakesExpiredLease(t *testing.T) {
	db := newTestDatabase(t)
	list := &models.List{Name: "Romans"}
	require.NoError(t, db.CreateList(list))

	ok, err := db.TryTouchList(list.ID, "crashed", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	m := newTestMutator(db, 1)
	require.NoError(t, m.WithListLock(context.Background(), list.ID, func(ctx context.Context) error { return nil }))
}

func TestWithListLockMissingList(t *testing.T) {
	db := newTestDatabase(t)
	m := newTestMutator(db, 3)

	err := m.WithListLock(context.Background(), "missing", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentAddsToLastSlot(t *testing.T) {
	db := newTestDatabase(t)
	remote := listhosttest.NewFake()
	remoteID := remote.AddList("Romans")
	remote.Append(remoteID, models.PayloadSermon, "a", "b")

	list := &models.List{
		Name:           "Romans",
		OverflowPolicy: models.OverflowError,
		MaxCapacity:    3,
		RemoteListID:   remoteID,
	}
	require.NoError(t, db.CreateList(list))

	// Widen the window between reading the count and inserting
	remote.AfterGetCount = func(string) { time.Sleep(50 * time.Millisecond) }

	m := newTestMutator(db, 100)
	resolver := overflow.NewResolver(remote, db, utils.NewTestLogger())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, sermonID := range []string{"c", "d"} {
		wg.Add(1)
		go func(i int, sermonID string) {
			defer wg.Done()
			errs[i] = m.WithListLock(context.Background(), list.ID, func(ctx context.Context) error {
				current, err := db.GetList(list.ID)
				if err != nil {
					return err
				}
				_, err = resolver.AddToList(ctx, overflow.Item{PayloadType: models.PayloadSermon, PayloadID: sermonID}, current)
				return err
			})
		}(i, sermonID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrListFull)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, remote.MaxCount(remoteID))
}
