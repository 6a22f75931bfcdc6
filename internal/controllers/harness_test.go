package controllers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/events"
	"github.com/amaumene/sermonsync/internal/listlock"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/overflow"
	"github.com/amaumene/sermonsync/internal/services/listhost/listhosttest"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/stretchr/testify/require"
)

type harness struct {
	db         *models.Database
	bus        *events.Bus
	remote     *listhosttest.Fake
	membership *MembershipController
	catalog    *CatalogController
	reconcile  *ReconcileController
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := utils.NewTestLogger()

	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	bus := events.NewBus(4, 5, logger)
	db.SetPublisher(bus)

	remote := listhosttest.NewFake()
	mutator := listlock.NewMutator(db, &config.Config{LockMaxAttempts: 50, LockLease: time.Minute}, logger)
	resolver := overflow.NewResolver(remote, db, logger)

	replicas := NewReplicaController(db, resolver, mutator, models.DefaultMaxCapacity, logger)
	require.NoError(t, replicas.Register(bus))

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		bus.Stop()
		cancel()
		db.Close()
	})

	return &harness{
		db:         db,
		bus:        bus,
		remote:     remote,
		membership: NewMembershipController(db, resolver, mutator, logger),
		catalog:    NewCatalogController(db, remote, models.DefaultMaxCapacity, logger),
		reconcile:  NewReconcileController(db, resolver, mutator, bus, logger),
	}
}

// settle waits for every replica handler to finish
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.bus.Wait(ctx))
}

func (h *harness) newList(t *testing.T, name string, policy models.OverflowPolicy, capacity int) *models.List {
	t.Helper()
	list, err := h.catalog.CreateList(context.Background(), ListInput{
		Name:           name,
		Type:           models.ListTypeSeries,
		OverflowPolicy: policy,
		MaxCapacity:    capacity,
	})
	require.NoError(t, err)
	return list
}

func (h *harness) newSermon(t *testing.T, title string) *models.Sermon {
	t.Helper()
	sermon, err := h.catalog.CreateSermon(context.Background(), SermonInput{
		Title:   title,
		Speaker: "J. Smith",
		Date:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return sermon
}

func (h *harness) add(t *testing.T, sermonID string, listIDs ...string) []ListResult {
	t.Helper()
	results, err := h.membership.AddSermonToLists(context.Background(), sermonID, listIDs)
	require.NoError(t, err)
	h.settle(t)
	return results
}

func (h *harness) list(t *testing.T, id string) *models.List {
	t.Helper()
	list, err := h.db.GetList(id)
	require.NoError(t, err)
	return list
}

func (h *harness) sermon(t *testing.T, id string) *models.Sermon {
	t.Helper()
	sermon, err := h.db.GetSermon(id)
	require.NoError(t, err)
	return sermon
}

func (h *harness) record(t *testing.T, sermonID, listID string) *models.SermonList {
	t.Helper()
	record, err := h.db.GetSermonList(sermonID, listID)
	require.NoError(t, err)
	return record
}

// requireConverged checks every list's count against its live items and
// every sermon's counters against its membership records
func (h *harness) requireConverged(t *testing.T) {
	t.Helper()
	lists, err := h.db.GetAllLists()
	require.NoError(t, err)
	for _, l := range lists {
		items, err := h.db.GetListItemsByList(l.ID)
		require.NoError(t, err)
		require.Equal(t, len(items), l.Count, "count of list %s", l.Name)
	}

	sermons, err := h.db.GetAllSermons()
	require.NoError(t, err)
	for _, s := range sermons {
		records, err := h.db.GetSermonListsBySermon(s.ID)
		require.NoError(t, err)
		uploaded := 0
		for _, r := range records {
			if r.UploadStatus == models.UploadStatusUploaded {
				uploaded++
			}
		}
		require.Equal(t, len(records), s.NumberOfLists, "lists of sermon %s", s.Title)
		require.Equal(t, uploaded, s.NumberOfListsUploadedTo, "uploads of sermon %s", s.Title)
	}
}
