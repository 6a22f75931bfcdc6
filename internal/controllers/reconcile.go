package controllers

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/sermonsync/internal/listlock"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/overflow"
	"github.com/sirupsen/logrus"
)

// Quiescer waits until every published change event has been handled
type Quiescer interface {
	Wait(ctx context.Context) error
}

// ReconcileReport summarizes what a reconciliation pass repaired
type ReconcileReport struct {
	CreatedItems      int `json:"created_items"`
	DeletedItems      int `json:"deleted_items"`
	ListCounts        int `json:"list_counts"`
	SermonCounts      int `json:"sermon_counts"`
	RefreshedReplicas int `json:"refreshed_replicas"`
	RemovedRows       int `json:"removed_rows"`
	SkippedRows       int `json:"skipped_rows"`
}

// ReconcileController repairs drift left by dropped or duplicated events
type ReconcileController struct {
	db       *models.Database
	resolver *overflow.Resolver
	mutator  *listlock.Mutator
	events   Quiescer
	logger   *logrus.Logger
}

// NewReconcileController creates a new reconcile controller. events may be
// nil when no handlers are running.
func NewReconcileController(db *models.Database, resolver *overflow.Resolver, mutator *listlock.Mutator, events Quiescer, logger *logrus.Logger) *ReconcileController {
	return &ReconcileController{
		db:       db,
		resolver: resolver,
		mutator:  mutator,
		events:   events,
		logger:   logger,
	}
}

// Reconcile recreates missing list items, deletes orphaned ones, recomputes
// every derived counter and refreshes stale replicas. Finally it deletes the
// remote rows that removed memberships left behind.
func (c *ReconcileController) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	c.logger.Info("Starting reconciliation")
	report := &ReconcileReport{}

	if err := c.repairItems(report); err != nil {
		return report, err
	}
	if err := c.wait(ctx); err != nil {
		return report, err
	}

	if err := c.recount(report); err != nil {
		return report, err
	}
	if err := c.wait(ctx); err != nil {
		return report, err
	}

	if err := c.refreshReplicas(report); err != nil {
		return report, err
	}
	if err := c.wait(ctx); err != nil {
		return report, err
	}

	if err := c.replayRemovals(ctx, report); err != nil {
		return report, err
	}

	c.logger.WithFields(logrus.Fields{
		"created_items":      report.CreatedItems,
		"deleted_items":      report.DeletedItems,
		"list_counts":        report.ListCounts,
		"sermon_counts":      report.SermonCounts,
		"refreshed_replicas": report.RefreshedReplicas,
		"removed_rows":       report.RemovedRows,
		"skipped_rows":       report.SkippedRows,
	}).Info("Reconciliation completed")

	return report, nil
}

func (c *ReconcileController) wait(ctx context.Context) error {
	if c.events == nil {
		return nil
	}
	if err := c.events.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for event handlers: %w", err)
	}
	return nil
}

// repairItems makes the set of list items match the membership records and
// overflow links they mirror
func (c *ReconcileController) repairItems(report *ReconcileReport) error {
	lists, err := c.db.GetAllLists()
	if err != nil {
		return fmt.Errorf("failed to get lists: %w", err)
	}
	records, err := c.db.GetAllSermonLists()
	if err != nil {
		return fmt.Errorf("failed to get membership records: %w", err)
	}
	items, err := c.db.GetAllListItems()
	if err != nil {
		return fmt.Errorf("failed to get list items: %w", err)
	}

	listsByID := make(map[string]*models.List, len(lists))
	for _, l := range lists {
		listsByID[l.ID] = l
	}

	expected := make(map[string]*models.ListItem)
	for _, r := range records {
		if listsByID[r.ListID] == nil {
			continue
		}
		item := models.NewListItem(r.ListID, r.SermonID, models.PayloadSermon)
		expected[item.ID] = item
	}
	for _, l := range lists {
		if l.OverflowOf == "" || listsByID[l.OverflowOf] == nil {
			continue
		}
		item := models.NewListItem(l.OverflowOf, l.ID, models.PayloadList)
		expected[item.ID] = item
	}

	existing := make(map[string]bool, len(items))
	var orphans []models.BatchOp
	for _, item := range items {
		existing[item.ID] = true
		if want, ok := expected[item.ID]; !ok || want.PayloadType != item.PayloadType {
			orphans = append(orphans, models.BatchOp{Collection: models.CollectionListItem, Key: item.ID, Delete: true})
		}
	}

	for id, item := range expected {
		if existing[id] {
			continue
		}
		if err := c.db.CreateListItem(item); err != nil && !errors.Is(err, models.ErrAlreadyExists) {
			return fmt.Errorf("failed to recreate list item %s: %w", id, err)
		}
		report.CreatedItems++
	}

	n, err := c.db.WriteBatch(orphans)
	report.DeletedItems += n
	if err != nil {
		return fmt.Errorf("failed to delete orphaned list items: %w", err)
	}
	return nil
}

// recount sets every derived counter from the documents it counts
func (c *ReconcileController) recount(report *ReconcileReport) error {
	lists, err := c.db.GetAllLists()
	if err != nil {
		return fmt.Errorf("failed to get lists: %w", err)
	}
	sermons, err := c.db.GetAllSermons()
	if err != nil {
		return fmt.Errorf("failed to get sermons: %w", err)
	}
	records, err := c.db.GetAllSermonLists()
	if err != nil {
		return fmt.Errorf("failed to get membership records: %w", err)
	}
	items, err := c.db.GetAllListItems()
	if err != nil {
		return fmt.Errorf("failed to get list items: %w", err)
	}

	itemCounts := make(map[string]int)
	for _, item := range items {
		itemCounts[item.ListID]++
	}
	memberships := make(map[string]int)
	uploaded := make(map[string]int)
	for _, r := range records {
		memberships[r.SermonID]++
		if r.UploadStatus == models.UploadStatusUploaded {
			uploaded[r.SermonID]++
		}
	}

	var ops []models.BatchOp
	for _, l := range lists {
		want := itemCounts[l.ID]
		if l.Count == want {
			continue
		}
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionList,
			Key:        l.ID,
			Apply: func(d models.Document) error {
				d.(*models.List).Count = want
				return nil
			},
		})
		report.ListCounts++
	}
	for _, s := range sermons {
		total, up := memberships[s.ID], uploaded[s.ID]
		if s.NumberOfLists == total && s.NumberOfListsUploadedTo == up {
			continue
		}
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionSermon,
			Key:        s.ID,
			Apply: func(d models.Document) error {
				sermon := d.(*models.Sermon)
				sermon.NumberOfLists = total
				sermon.NumberOfListsUploadedTo = up
				return nil
			},
		})
		report.SermonCounts++
	}

	if _, err := c.db.WriteBatch(ops); err != nil {
		return fmt.Errorf("failed to write counters: %w", err)
	}
	return nil
}

// refreshReplicas rewrites replica fields that no longer match their source,
// including the counts that list updates do not propagate
func (c *ReconcileController) refreshReplicas(report *ReconcileReport) error {
	lists, err := c.db.GetAllLists()
	if err != nil {
		return fmt.Errorf("failed to get lists: %w", err)
	}
	sermons, err := c.db.GetAllSermons()
	if err != nil {
		return fmt.Errorf("failed to get sermons: %w", err)
	}
	records, err := c.db.GetAllSermonLists()
	if err != nil {
		return fmt.Errorf("failed to get membership records: %w", err)
	}
	items, err := c.db.GetAllListItems()
	if err != nil {
		return fmt.Errorf("failed to get list items: %w", err)
	}

	listsByID := make(map[string]*models.List, len(lists))
	for _, l := range lists {
		listsByID[l.ID] = l
	}
	sermonsByID := make(map[string]*models.Sermon, len(sermons))
	for _, s := range sermons {
		sermonsByID[s.ID] = s
	}

	var ops []models.BatchOp
	for _, r := range records {
		list := listsByID[r.ListID]
		if list == nil || r.ReplicaMatches(list) {
			continue
		}
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionSermonList,
			Key:        r.ID,
			Apply: func(d models.Document) error {
				d.(*models.SermonList).CopyList(list)
				return nil
			},
		})
	}
	for _, item := range items {
		var apply func(models.Document) error
		switch item.PayloadType {
		case models.PayloadSermon:
			if s := sermonsByID[item.ItemID]; s != nil && !item.MatchesSermon(s) {
				apply = func(d models.Document) error {
					d.(*models.ListItem).CopySermon(s)
					return nil
				}
			}
		case models.PayloadList:
			if l := listsByID[item.ItemID]; l != nil && !item.MatchesList(l) {
				apply = func(d models.Document) error {
					d.(*models.ListItem).CopyList(l)
					return nil
				}
			}
		}
		if apply != nil {
			ops = append(ops, models.BatchOp{Collection: models.CollectionListItem, Key: item.ID, Apply: apply})
		}
	}

	n, err := c.db.WriteBatch(ops)
	report.RefreshedReplicas += n
	if err != nil {
		return fmt.Errorf("failed to refresh replicas: %w", err)
	}
	return nil
}

// replayRemovals deletes the remote rows of membership records removed while
// their row still existed, for removals whose delete never completed. A row a
// live record claims again is kept. Rows that cannot be deleted now stay
// tombstoned for the next pass.
func (c *ReconcileController) replayRemovals(ctx context.Context, report *ReconcileReport) error {
	tombstones, err := c.db.GetRowTombstones()
	if err != nil {
		return fmt.Errorf("failed to get row tombstones: %w", err)
	}

	for _, ts := range tombstones {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.mutator.WithListLock(ctx, ts.ListID, func(ctx context.Context) error {
			return c.removeTombstoned(ctx, ts, report)
		})
		if models.IsNotFound(err) {
			// The list is gone, so there is nothing to serialize against
			err = c.removeTombstoned(ctx, ts, report)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.SkippedRows++
			c.logger.WithError(err).WithFields(logrus.Fields{
				"list_id": ts.ListID,
				"row_id":  ts.RowID,
			}).Warn("Failed to remove tombstoned remote row")
		}
	}
	return nil
}

func (c *ReconcileController) removeTombstoned(ctx context.Context, ts *models.RowTombstone, report *ReconcileReport) error {
	record, err := c.db.GetSermonList(ts.SermonID, ts.ListID)
	if err != nil && !models.IsNotFound(err) {
		return fmt.Errorf("failed to get membership record: %w", err)
	}
	if err == nil && record.RemoteRowID == ts.RowID {
		return c.db.ClearRowTombstone(ts.RowID)
	}

	if err := c.resolver.RemoveFromList(ctx, ts.RowID); err != nil && !models.IsNotFound(err) {
		return err
	}
	if err := c.db.ClearRowTombstone(ts.RowID); err != nil {
		return fmt.Errorf("failed to clear tombstone of row %s: %w", ts.RowID, err)
	}
	report.RemovedRows++

	c.logger.WithFields(logrus.Fields{
		"list_id":   ts.ListID,
		"row_id":    ts.RowID,
		"sermon_id": ts.SermonID,
	}).Info("Removed remote row of deleted membership")
	return nil
}
