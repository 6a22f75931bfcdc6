package controllers

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/sermonsync/internal/events"
	"github.com/amaumene/sermonsync/internal/listlock"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/overflow"
	"github.com/sirupsen/logrus"
)

// Subscriber registers change event handlers
type Subscriber interface {
	Subscribe(collection models.Collection, kind models.ChangeKind, h events.Handler) error
}

// ReplicaController keeps derived counters and replicas consistent with the
// documents they mirror. Every handler reacts to one committed write and may
// run more than once for the same event.
type ReplicaController struct {
	db              *models.Database
	resolver        *overflow.Resolver
	mutator         *listlock.Mutator
	defaultCapacity int
	logger          *logrus.Logger
}

// NewReplicaController creates a new replica controller
func NewReplicaController(db *models.Database, resolver *overflow.Resolver, mutator *listlock.Mutator, defaultCapacity int, logger *logrus.Logger) *ReplicaController {
	return &ReplicaController{
		db:              db,
		resolver:        resolver,
		mutator:         mutator,
		defaultCapacity: defaultCapacity,
		logger:          logger,
	}
}

// Register subscribes every replica handler on bus
func (c *ReplicaController) Register(bus Subscriber) error {
	routes := []struct {
		collection models.Collection
		kind       models.ChangeKind
		handler    events.Handler
	}{
		{models.CollectionSermonList, models.ChangeCreate, c.onSermonListCreate},
		{models.CollectionSermonList, models.ChangeUpdate, c.onSermonListUpdate},
		{models.CollectionSermonList, models.ChangeDelete, c.onSermonListDelete},
		{models.CollectionListItem, models.ChangeCreate, c.onListItemCreate},
		{models.CollectionListItem, models.ChangeDelete, c.onListItemDelete},
		{models.CollectionList, models.ChangeCreate, c.onListCreate},
		{models.CollectionList, models.ChangeUpdate, c.onListUpdate},
		{models.CollectionList, models.ChangeDelete, c.onListDelete},
		{models.CollectionSermon, models.ChangeUpdate, c.onSermonUpdate},
		{models.CollectionSermon, models.ChangeDelete, c.onSermonDelete},
	}

	for _, r := range routes {
		if err := bus.Subscribe(r.collection, r.kind, r.handler); err != nil {
			return fmt.Errorf("failed to register %s %s handler: %w", r.collection, r.kind, err)
		}
	}
	return nil
}

// ignoreMissing swallows not-found errors: the other side of a mirror may
// legitimately be gone already
func (c *ReplicaController) ignoreMissing(err error, fields logrus.Fields, what string) error {
	if err == nil {
		return nil
	}
	if models.IsNotFound(err) {
		c.logger.WithFields(fields).Debugf("%s no longer exists, skipping", what)
		return nil
	}
	return err
}

func (c *ReplicaController) onSermonListCreate(ctx context.Context, e models.ChangeEvent) error {
	record := e.After.(*models.SermonList)
	fields := logrus.Fields{"sermon_id": record.SermonID, "list_id": record.ListID}

	list, err := c.db.GetList(record.ListID)
	if err != nil {
		return c.ignoreMissing(err, fields, "List")
	}

	if !record.ReplicaMatches(list) {
		_, err := c.db.UpdateSermonList(record.SermonID, record.ListID, func(r *models.SermonList) error {
			r.CopyList(list)
			return nil
		})
		if err := c.ignoreMissing(err, fields, "Membership record"); err != nil {
			return fmt.Errorf("failed to copy list into membership record: %w", err)
		}
	}

	err = c.db.CreateListItem(models.NewListItem(record.ListID, record.SermonID, models.PayloadSermon))
	if err != nil && !errors.Is(err, models.ErrAlreadyExists) {
		return fmt.Errorf("failed to create list item: %w", err)
	}

	_, err = c.db.UpdateSermon(record.SermonID, func(s *models.Sermon) error {
		s.NumberOfLists++
		return nil
	})
	return c.ignoreMissing(err, fields, "Sermon")
}

func (c *ReplicaController) onSermonListUpdate(ctx context.Context, e models.ChangeEvent) error {
	before := e.Before.(*models.SermonList)
	after := e.After.(*models.SermonList)

	wasUploaded := before.UploadStatus == models.UploadStatusUploaded
	isUploaded := after.UploadStatus == models.UploadStatusUploaded
	if wasUploaded == isUploaded {
		return nil
	}

	delta := 1
	if wasUploaded {
		delta = -1
	}

	_, err := c.db.UpdateSermon(after.SermonID, func(s *models.Sermon) error {
		s.NumberOfListsUploadedTo += delta
		return nil
	})
	return c.ignoreMissing(err, logrus.Fields{"sermon_id": after.SermonID}, "Sermon")
}

func (c *ReplicaController) onSermonListDelete(ctx context.Context, e models.ChangeEvent) error {
	record := e.Before.(*models.SermonList)
	fields := logrus.Fields{"sermon_id": record.SermonID, "list_id": record.ListID}

	if record.RemoteRowID != "" {
		if err := c.removeRemoteRow(ctx, record.ListID, record.RemoteRowID); err != nil {
			return err
		}
		if err := c.db.ClearRowTombstone(record.RemoteRowID); err != nil {
			return fmt.Errorf("failed to clear tombstone of row %s: %w", record.RemoteRowID, err)
		}
	}

	err := c.db.DeleteListItem(record.ListID, record.SermonID)
	if err := c.ignoreMissing(err, fields, "List item"); err != nil {
		return fmt.Errorf("failed to delete list item: %w", err)
	}

	_, err = c.db.UpdateSermon(record.SermonID, func(s *models.Sermon) error {
		s.NumberOfLists--
		if record.UploadStatus == models.UploadStatusUploaded {
			s.NumberOfListsUploadedTo--
		}
		return nil
	})
	return c.ignoreMissing(err, fields, "Sermon")
}

// removeRemoteRow deletes a pushed row under the list's lock, or directly when
// the list itself is gone
func (c *ReplicaController) removeRemoteRow(ctx context.Context, listID, rowID string) error {
	remove := func(ctx context.Context) error {
		err := c.resolver.RemoveFromList(ctx, rowID)
		if models.IsNotFound(err) {
			return nil
		}
		return err
	}

	err := c.mutator.WithListLock(ctx, listID, remove)
	if models.IsNotFound(err) {
		err = remove(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to remove remote row %s: %w", rowID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"list_id": listID,
		"row_id":  rowID,
	}).Info("Removed remote row")
	return nil
}

func (c *ReplicaController) onListItemCreate(ctx context.Context, e models.ChangeEvent) error {
	item := e.After.(*models.ListItem)
	fields := logrus.Fields{"list_id": item.ListID, "item_id": item.ItemID, "payload_type": item.PayloadType}

	switch item.PayloadType {
	case models.PayloadSermon:
		sermon, err := c.db.GetSermon(item.ItemID)
		if err != nil {
			return c.ignoreMissing(err, fields, "Sermon")
		}
		if !item.MatchesSermon(sermon) {
			_, err = c.db.UpdateListItem(item.ListID, item.ItemID, func(i *models.ListItem) error {
				i.CopySermon(sermon)
				return nil
			})
		}
		if err := c.ignoreMissing(err, fields, "List item"); err != nil {
			return err
		}
	case models.PayloadList:
		list, err := c.db.GetList(item.ItemID)
		if err != nil {
			return c.ignoreMissing(err, fields, "List")
		}
		if !item.MatchesList(list) {
			_, err = c.db.UpdateListItem(item.ListID, item.ItemID, func(i *models.ListItem) error {
				i.CopyList(list)
				return nil
			})
		}
		if err := c.ignoreMissing(err, fields, "List item"); err != nil {
			return err
		}
	default:
		c.logger.WithFields(fields).Warn("List item has unknown payload type")
		return nil
	}

	_, err := c.db.AdjustListCount(item.ListID, 1)
	return c.ignoreMissing(err, fields, "List")
}

func (c *ReplicaController) onListItemDelete(ctx context.Context, e models.ChangeEvent) error {
	item := e.Before.(*models.ListItem)
	fields := logrus.Fields{"list_id": item.ListID, "item_id": item.ItemID, "payload_type": item.PayloadType}

	if item.PayloadType == models.PayloadSermon {
		err := c.db.DeleteSermonList(item.ItemID, item.ListID)
		if err := c.ignoreMissing(err, fields, "Membership record"); err != nil {
			return fmt.Errorf("failed to delete membership record: %w", err)
		}
	}

	_, err := c.db.AdjustListCount(item.ListID, -1)
	return c.ignoreMissing(err, fields, "List")
}

func (c *ReplicaController) onListCreate(ctx context.Context, e models.ChangeEvent) error {
	list := e.After.(*models.List)
	fields := logrus.Fields{"list_id": list.ID}

	if list.MaxCapacity <= 0 || !list.OverflowPolicy.Valid() {
		_, err := c.db.UpdateList(list.ID, func(l *models.List) error {
			if l.MaxCapacity <= 0 {
				l.MaxCapacity = c.defaultCapacity
			}
			if !l.OverflowPolicy.Valid() {
				l.OverflowPolicy = models.OverflowError
			}
			return nil
		})
		if err := c.ignoreMissing(err, fields, "List"); err != nil {
			return fmt.Errorf("failed to normalize list: %w", err)
		}
	}

	if list.OverflowOf == "" {
		return nil
	}

	// The parent's pointer row is mirrored as a list item under the parent
	if _, err := c.db.GetList(list.OverflowOf); err != nil {
		return c.ignoreMissing(err, logrus.Fields{"list_id": list.OverflowOf}, "Parent list")
	}
	err := c.db.CreateListItem(models.NewListItem(list.OverflowOf, list.ID, models.PayloadList))
	if err != nil && !errors.Is(err, models.ErrAlreadyExists) {
		return fmt.Errorf("failed to mirror overflow list: %w", err)
	}
	return nil
}

func (c *ReplicaController) onListUpdate(ctx context.Context, e models.ChangeEvent) error {
	before := e.Before.(*models.List)
	after := e.After.(*models.List)
	if after.SameContent(before) {
		return nil
	}

	records, err := c.db.GetSermonListsByList(after.ID)
	if err != nil {
		return fmt.Errorf("failed to find membership records: %w", err)
	}
	mirrors, err := c.db.GetListItemsByItem(after.ID, models.PayloadList)
	if err != nil {
		return fmt.Errorf("failed to find list mirrors: %w", err)
	}

	var ops []models.BatchOp
	for _, r := range records {
		if r.ReplicaMatches(after) {
			continue
		}
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionSermonList,
			Key:        r.ID,
			Apply: func(d models.Document) error {
				d.(*models.SermonList).CopyList(after)
				return nil
			},
		})
	}
	for _, m := range mirrors {
		if m.MatchesList(after) {
			continue
		}
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionListItem,
			Key:        m.ID,
			Apply: func(d models.Document) error {
				d.(*models.ListItem).CopyList(after)
				return nil
			},
		})
	}

	return c.fanOut(ops, logrus.Fields{"list_id": after.ID})
}

func (c *ReplicaController) onListDelete(ctx context.Context, e models.ChangeEvent) error {
	list := e.Before.(*models.List)

	n, err := c.db.DeleteChildren(models.CollectionList, list.ID)
	if err != nil {
		return fmt.Errorf("failed to delete children of list %s: %w", list.ID, err)
	}

	if list.OverflowOf != "" {
		_, err := c.db.UpdateList(list.OverflowOf, func(l *models.List) error {
			if l.OverflowListRef == list.ID {
				l.OverflowListRef = ""
			}
			return nil
		})
		if err := c.ignoreMissing(err, logrus.Fields{"list_id": list.OverflowOf}, "Parent list"); err != nil {
			return fmt.Errorf("failed to unlink overflow list: %w", err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"list_id":  list.ID,
		"children": n,
	}).Info("Deleted list subtree")
	return nil
}

func (c *ReplicaController) onSermonUpdate(ctx context.Context, e models.ChangeEvent) error {
	before := e.Before.(*models.Sermon)
	after := e.After.(*models.Sermon)
	if after.SameContent(before) {
		return nil
	}

	mirrors, err := c.db.GetListItemsByItem(after.ID, models.PayloadSermon)
	if err != nil {
		return fmt.Errorf("failed to find sermon mirrors: %w", err)
	}

	var ops []models.BatchOp
	for _, m := range mirrors {
		if m.MatchesSermon(after) {
			continue
		}
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionListItem,
			Key:        m.ID,
			Apply: func(d models.Document) error {
				d.(*models.ListItem).CopySermon(after)
				return nil
			},
		})
	}

	return c.fanOut(ops, logrus.Fields{"sermon_id": after.ID})
}

func (c *ReplicaController) onSermonDelete(ctx context.Context, e models.ChangeEvent) error {
	sermon := e.Before.(*models.Sermon)

	n, err := c.db.DeleteChildren(models.CollectionSermon, sermon.ID)
	if err != nil {
		return fmt.Errorf("failed to delete children of sermon %s: %w", sermon.ID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"sermon_id": sermon.ID,
		"children":  n,
	}).Info("Deleted sermon subtree")
	return nil
}

func (c *ReplicaController) fanOut(ops []models.BatchOp, fields logrus.Fields) error {
	if len(ops) == 0 {
		return nil
	}

	n, err := c.db.WriteBatch(ops)
	if err != nil {
		return fmt.Errorf("failed to update replicas (%d of %d written): %w", n, len(ops), err)
	}

	c.logger.WithFields(fields).WithField("replicas", n).Debug("Propagated update to replicas")
	return nil
}
