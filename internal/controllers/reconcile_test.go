package controllers

import (
	"context"
	"testing"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileRepairsDrift(t *testing.T) {
	h := newHarness(t)
	list := h.newList(t, "Romans", models.OverflowError, 0)
	grace := h.newSermon(t, "Grace")
	hope := h.newSermon(t, "Hope")
	h.add(t, grace.ID, list.ID)
	h.add(t, hope.ID, list.ID)

	// Writes made while no handler is listening leave the counters stale
	h.db.SetPublisher(nil)
	_, err := h.db.AdjustListCount(list.ID, 5)
	require.NoError(t, err)
	_, err = h.db.UpdateSermon(grace.ID, func(s *models.Sermon) error {
		s.NumberOfLists = 7
		s.NumberOfListsUploadedTo = 0
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.db.DeleteListItem(list.ID, hope.ID))
	require.NoError(t, h.db.CreateListItem(models.NewListItem(list.ID, "ghost", models.PayloadSermon)))
	h.db.SetPublisher(h.bus)

	report, err := h.reconcile.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.CreatedItems)
	assert.Equal(t, 1, report.DeletedItems)
	assert.Equal(t, 1, report.ListCounts)
	assert.Equal(t, 1, report.SermonCounts)

	item, err := h.db.GetListItem(list.ID, hope.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hope", item.Title)
	_, err = h.db.GetListItem(list.ID, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, 2, h.list(t, list.ID).Count)
	h.requireConverged(t)
}

func TestReconcileRefreshesReplicaCounts(t *testing.T) {
	h := newHarness(t)
	list := h.newList(t, "Romans", models.OverflowError, 0)
	sermon := h.newSermon(t, "Grace")
	h.add(t, sermon.ID, list.ID)

	report, err := h.reconcile.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Positive(t, report.RefreshedReplicas)

	record := h.record(t, sermon.ID, list.ID)
	assert.Equal(t, h.list(t, list.ID).Count, record.ListCount)
}

func TestReconcileOnConvergedStoreChangesNothing(t *testing.T) {
	h := newHarness(t)
	list := h.newList(t, "Romans", models.OverflowError, 0)
	sermon := h.newSermon(t, "Grace")
	h.add(t, sermon.ID, list.ID)

	_, err := h.reconcile.Reconcile(context.Background())
	require.NoError(t, err)

	report, err := h.reconcile.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ReconcileReport{}, report)
}

func TestReconcileReplaysDroppedRowDelete(t *testing.T) {
	h := newHarness(t)
	list := h.newList(t, "Romans", models.OverflowError, 0)
	sermon := h.newSermon(t, "Grace")
	h.add(t, sermon.ID, list.ID)

	// Outlasts every attempt of the membership delete handler
	for i := 0; i < 5; i++ {
		h.remote.FailNext("DeleteRow", models.ErrRemoteUnavailable)
	}
	require.NoError(t, h.catalog.DeleteSermon(context.Background(), sermon.ID))
	h.settle(t)

	require.Len(t, h.remote.Rows(list.RemoteListID), 1)
	tombstones, err := h.db.GetRowTombstones()
	require.NoError(t, err)
	require.Len(t, tombstones, 1)

	report, err := h.reconcile.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemovedRows)
	assert.Zero(t, report.SkippedRows)

	assert.Empty(t, h.remote.Rows(list.RemoteListID))
	tombstones, err = h.db.GetRowTombstones()
	require.NoError(t, err)
	assert.Empty(t, tombstones)
	h.requireConverged(t)
}

func TestReconcileKeepsReclaimedRow(t *testing.T) {
	h := newHarness(t)
	list := h.newList(t, "Romans", models.OverflowError, 0)
	sermon := h.newSermon(t, "Grace")
	h.add(t, sermon.ID, list.ID)
	rowID := h.record(t, sermon.ID, list.ID).RemoteRowID

	// The record is deleted and recreated around the same row with no
	// handler running
	h.db.SetPublisher(nil)
	require.NoError(t, h.db.DeleteSermonList(sermon.ID, list.ID))
	require.NoError(t, h.db.CreateSermonList(models.NewSermonList(sermon.ID, list.ID)))
	_, err := h.db.UpdateSermonList(sermon.ID, list.ID, func(r *models.SermonList) error {
		r.RemoteRowID = rowID
		r.RemoteListID = list.RemoteListID
		return r.Transition(models.UploadStatusUploaded)
	})
	require.NoError(t, err)
	h.db.SetPublisher(h.bus)

	report, err := h.reconcile.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.RemovedRows)

	require.Len(t, h.remote.Rows(list.RemoteListID), 1)
	tombstones, err := h.db.GetRowTombstones()
	require.NoError(t, err)
	assert.Empty(t, tombstones)
	h.requireConverged(t)
}
