package controllers

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/sermonsync/internal/listlock"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/overflow"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// maxParallelLists bounds how many lists one request pushes to at once
const maxParallelLists = 8

// ListResult is the outcome of pushing a sermon to one list
type ListResult struct {
	ListID string              `json:"list_id"`
	Status models.UploadStatus `json:"status,omitempty"`
	RowID  string              `json:"row_id,omitempty"`
	Error  string              `json:"error,omitempty"`
	Err    error               `json:"-"`
}

// MembershipController pushes sermons into lists and withdraws them again,
// keeping each SermonList record in step with the remote rows
type MembershipController struct {
	db       *models.Database
	resolver *overflow.Resolver
	mutator  *listlock.Mutator
	logger   *logrus.Logger
}

// NewMembershipController creates a new membership controller
func NewMembershipController(db *models.Database, resolver *overflow.Resolver, mutator *listlock.Mutator, logger *logrus.Logger) *MembershipController {
	return &MembershipController{
		db:       db,
		resolver: resolver,
		mutator:  mutator,
		logger:   logger,
	}
}

// AddSermonToLists pushes a sermon to every list independently and reports
// one result per list in the order given. The returned error is only set when
// the sermon itself cannot be loaded.
func (c *MembershipController) AddSermonToLists(ctx context.Context, sermonID string, listIDs []string) ([]ListResult, error) {
	if _, err := c.db.GetSermon(sermonID); err != nil {
		return nil, fmt.Errorf("failed to get sermon %s: %w", sermonID, err)
	}

	results := make([]ListResult, len(listIDs))
	p := pool.New().WithMaxGoroutines(maxParallelLists)
	for i, listID := range listIDs {
		p.Go(func() {
			results[i] = c.addToList(ctx, sermonID, listID)
		})
	}
	p.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"sermon_id": sermonID,
		"lists":     len(listIDs),
		"failed":    failed,
	}).Info("Pushed sermon to lists")

	return results, nil
}

func (c *MembershipController) addToList(ctx context.Context, sermonID, listID string) ListResult {
	result := ListResult{ListID: listID}
	fail := func(err error) ListResult {
		result.Err = err
		result.Error = err.Error()
		return result
	}

	list, err := c.db.GetList(listID)
	if err != nil {
		return fail(fmt.Errorf("failed to get list: %w", err))
	}
	if list.OverflowOf != "" {
		return fail(fmt.Errorf("list %s overflows from %s and cannot be targeted directly", listID, list.OverflowOf))
	}

	record, err := c.ensureRecord(sermonID, listID)
	if err != nil {
		return fail(err)
	}
	if record.UploadStatus == models.UploadStatusUploaded {
		result.Status = record.UploadStatus
		result.RowID = record.RemoteRowID
		return result
	}

	// An earlier attempt may have inserted the row before failing
	updated, err := c.push(ctx, record, record.UploadStatus == models.UploadStatusError)
	if err != nil {
		result.Status = models.UploadStatusError
		return fail(err)
	}
	result.Status = updated.UploadStatus
	result.RowID = updated.RemoteRowID
	return result
}

// ensureRecord returns the pair's record, creating it NOT_UPLOADED when missing
func (c *MembershipController) ensureRecord(sermonID, listID string) (*models.SermonList, error) {
	err := c.db.CreateSermonList(models.NewSermonList(sermonID, listID))
	if err != nil && !errors.Is(err, models.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to create membership record: %w", err)
	}

	record, err := c.db.GetSermonList(sermonID, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to get membership record: %w", err)
	}
	return record, nil
}

// push adds the record's sermon to its list under the list lock and records
// the outcome. With adopt set, a row already holding the sermon anywhere in
// the list's chain is recorded instead of inserting another one.
func (c *MembershipController) push(ctx context.Context, record *models.SermonList, adopt bool) (*models.SermonList, error) {
	item := overflow.Item{PayloadType: models.PayloadSermon, PayloadID: record.SermonID}

	var res *overflow.Result
	err := c.mutator.WithListLock(ctx, record.ListID, func(ctx context.Context) error {
		current, err := c.db.GetSermonList(record.SermonID, record.ListID)
		if err != nil {
			return err
		}
		if current.UploadStatus == models.UploadStatusUploaded {
			res = &overflow.Result{RowID: current.RemoteRowID, RemoteListID: current.RemoteListID}
			return nil
		}

		list, err := c.db.GetList(record.ListID)
		if err != nil {
			return err
		}

		if adopt {
			found, err := c.findRow(ctx, list, item)
			if err != nil {
				return err
			}
			if found != nil {
				res = found
				return nil
			}
		}

		res, err = c.resolver.AddToList(ctx, item, list)
		return err
	})

	if res != nil {
		c.applyOutcome(record.ListID, res)
	}

	if err != nil {
		c.markFailed(record, err)
		return nil, err
	}

	updated, err := c.db.UpdateSermonList(record.SermonID, record.ListID, func(r *models.SermonList) error {
		if err := r.Transition(models.UploadStatusUploaded); err != nil {
			return err
		}
		r.RemoteRowID = res.RowID
		r.RemoteListID = res.RemoteListID
		r.ErrorReason = ""
		return nil
	})
	if err != nil {
		// The row exists remotely; RetryFailed adopts it later
		c.markFailed(record, err)
		return nil, fmt.Errorf("failed to record pushed row %s: %w", res.RowID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"sermon_id": record.SermonID,
		"list_id":   record.ListID,
		"row_id":    res.RowID,
	}).Info("Pushed sermon to list")

	return updated, nil
}

// findRow looks for a row of item along list's overflow chain
func (c *MembershipController) findRow(ctx context.Context, list *models.List, item overflow.Item) (*overflow.Result, error) {
	placements, err := c.resolver.ChainRows(ctx, list)
	if err != nil {
		return nil, err
	}
	for _, p := range placements {
		if p.Row.PayloadType == item.PayloadType && p.Row.PayloadID == item.PayloadID {
			return &overflow.Result{RowID: p.Row.ID, RemoteListID: p.RemoteListID}, nil
		}
	}
	return nil, nil
}

// applyOutcome updates the records of sermons whose rows were evicted or moved
// down the chain while making room
func (c *MembershipController) applyOutcome(listID string, res *overflow.Result) {
	var ops []models.BatchOp

	for _, row := range res.Evicted {
		if row.PayloadType != models.PayloadSermon {
			continue
		}
		rowID := row.ID
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionSermonList,
			Key:        models.SermonListKey(row.PayloadID, listID),
			Apply: func(d models.Document) error {
				r := d.(*models.SermonList)
				if r.RemoteRowID != rowID || r.UploadStatus != models.UploadStatusUploaded {
					return nil
				}
				if err := r.Transition(models.UploadStatusNotUploaded); err != nil {
					return err
				}
				r.RemoteRowID = ""
				r.RemoteListID = ""
				return nil
			},
		})
	}

	for _, m := range res.Moved {
		if m.Row.PayloadType != models.PayloadSermon {
			continue
		}
		rowID, remoteListID := m.Row.ID, m.RemoteListID
		ops = append(ops, models.BatchOp{
			Collection: models.CollectionSermonList,
			Key:        models.SermonListKey(m.Row.PayloadID, listID),
			Apply: func(d models.Document) error {
				r := d.(*models.SermonList)
				if r.RemoteRowID == rowID {
					r.RemoteListID = remoteListID
				}
				return nil
			},
		})
	}

	if len(ops) == 0 {
		return
	}
	if _, err := c.db.WriteBatch(ops); err != nil {
		c.logger.WithError(err).WithField("list_id", listID).Error("Failed to record evicted or moved rows")
	}
}

func (c *MembershipController) markFailed(record *models.SermonList, cause error) {
	_, err := c.db.UpdateSermonList(record.SermonID, record.ListID, func(r *models.SermonList) error {
		if err := r.Transition(models.UploadStatusError); err != nil {
			return err
		}
		r.ErrorReason = cause.Error()
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"sermon_id": record.SermonID,
			"list_id":   record.ListID,
		}).Error("Failed to mark membership record as failed")
	}

	c.logger.WithError(cause).WithFields(logrus.Fields{
		"sermon_id": record.SermonID,
		"list_id":   record.ListID,
	}).Warn("Failed to push sermon to list")
}

// UnpublishSermonFromList deletes the sermon's remote row but keeps the
// membership record, moving it back to NOT_UPLOADED
func (c *MembershipController) UnpublishSermonFromList(ctx context.Context, sermonID, listID string) error {
	record, err := c.db.GetSermonList(sermonID, listID)
	if err != nil {
		return fmt.Errorf("failed to get membership record: %w", err)
	}
	if record.UploadStatus != models.UploadStatusUploaded {
		return nil
	}

	err = c.mutator.WithListLock(ctx, listID, func(ctx context.Context) error {
		err := c.resolver.RemoveFromList(ctx, record.RemoteRowID)
		if models.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove row %s: %w", record.RemoteRowID, err)
	}

	_, err = c.db.UpdateSermonList(sermonID, listID, func(r *models.SermonList) error {
		if err := r.Transition(models.UploadStatusNotUploaded); err != nil {
			return err
		}
		r.RemoteRowID = ""
		r.RemoteListID = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update membership record: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"sermon_id": sermonID,
		"list_id":   listID,
	}).Info("Unpublished sermon from list")
	return nil
}

// RemoveSermonFromList withdraws the membership entirely. The remote row is
// deleted under the list lock before the record, so a failed delete leaves
// the record in place for another attempt. An ERROR record's row is looked
// up in case an earlier push inserted it without recording it. The replica
// engine adjusts the counters.
func (c *MembershipController) RemoveSermonFromList(ctx context.Context, sermonID, listID string) error {
	record, err := c.db.GetSermonList(sermonID, listID)
	if err != nil {
		return fmt.Errorf("failed to get membership record: %w", err)
	}

	err = c.mutator.WithListLock(ctx, listID, func(ctx context.Context) error {
		return c.withdraw(ctx, record)
	})
	if models.IsNotFound(err) {
		// The list is gone; only a recorded row can still be deleted
		err = c.withdrawRow(ctx, record.RemoteRowID)
		if err == nil {
			if err = c.db.DeleteSermonList(sermonID, listID); models.IsNotFound(err) {
				err = nil
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to remove sermon %s from list %s: %w", sermonID, listID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"sermon_id": sermonID,
		"list_id":   listID,
	}).Info("Removed sermon from list")
	return nil
}

// withdraw deletes the record's remote row and then the record; caller holds
// the list lock
func (c *MembershipController) withdraw(ctx context.Context, record *models.SermonList) error {
	current, err := c.db.GetSermonList(record.SermonID, record.ListID)
	if models.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	rowID := current.RemoteRowID
	if rowID == "" && current.UploadStatus == models.UploadStatusError {
		list, err := c.db.GetList(current.ListID)
		if err != nil {
			return err
		}
		found, err := c.findRow(ctx, list, overflow.Item{PayloadType: models.PayloadSermon, PayloadID: current.SermonID})
		if err != nil {
			return err
		}
		if found != nil {
			rowID = found.RowID
		}
	}

	if err := c.withdrawRow(ctx, rowID); err != nil {
		return err
	}
	return c.db.DeleteSermonList(current.SermonID, current.ListID)
}

func (c *MembershipController) withdrawRow(ctx context.Context, rowID string) error {
	err := c.resolver.RemoveFromList(ctx, rowID)
	if models.IsNotFound(err) {
		return nil
	}
	return err
}

// RetryFailed pushes every ERROR record again. A row left behind by an
// earlier attempt whose local write failed is adopted instead of duplicated.
func (c *MembershipController) RetryFailed(ctx context.Context) (retried, failed int, err error) {
	records, err := c.db.GetSermonListsByStatus(models.UploadStatusError)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get failed records: %w", err)
	}

	c.logger.WithField("count", len(records)).Info("Retrying failed pushes")

	for _, record := range records {
		if ctx.Err() != nil {
			return retried, failed, ctx.Err()
		}

		retried++
		if _, err := c.push(ctx, record, true); err != nil {
			failed++
		}
	}

	c.logger.WithFields(logrus.Fields{
		"retried": retried,
		"failed":  failed,
	}).Info("Retry of failed pushes completed")

	return retried, failed, nil
}
