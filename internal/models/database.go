package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// MaxBatchSize is the hard ceiling of writes committed in one batch
const MaxBatchSize = 500

// Database wraps the bolthold store and publishes a ChangeEvent for every
// committed document write
type Database struct {
	store     *bolthold.Store
	publisher Publisher
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store, publisher: noopPublisher{}}, nil
}

// SetPublisher routes change events to p
func (db *Database) SetPublisher(p Publisher) {
	if p == nil {
		p = noopPublisher{}
	}
	db.publisher = p
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

func (db *Database) publish(events []ChangeEvent) {
	for _, e := range events {
		db.publisher.Publish(e)
	}
}

// Generic document operations

func (db *Database) insert(doc Document) error {
	now := time.Now()
	touchTimestamps(doc, now, true)

	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		return db.store.TxInsert(tx, doc.DocKey(), doc)
	})
	if err != nil {
		return translate(err)
	}

	db.publish([]ChangeEvent{newChangeEvent(ChangeCreate, nil, clone(doc))})
	return nil
}

func (db *Database) get(c Collection, key string) (Document, error) {
	doc := newDocument(c)
	if err := db.store.Get(key, doc); err != nil {
		return nil, translate(err)
	}
	return doc, nil
}

// mutate runs fn against the current document inside one write transaction
func (db *Database) mutate(c Collection, key string, fn func(Document) error) (Document, error) {
	var before, after Document
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		current := newDocument(c)
		if err := db.store.TxGet(tx, key, current); err != nil {
			return err
		}
		before = clone(current)
		if err := fn(current); err != nil {
			return err
		}
		touchTimestamps(current, time.Now(), false)
		after = current
		return db.store.TxUpdate(tx, key, current)
	})
	if err != nil {
		return nil, translate(err)
	}

	db.publish([]ChangeEvent{newChangeEvent(ChangeUpdate, before, clone(after))})
	return after, nil
}

func (db *Database) remove(c Collection, key string) (Document, error) {
	var before Document
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		current := newDocument(c)
		if err := db.store.TxGet(tx, key, current); err != nil {
			return err
		}
		before = current
		if err := db.txTombstone(tx, current, time.Now()); err != nil {
			return err
		}
		return db.store.TxDelete(tx, key, newDocument(c))
	})
	if err != nil {
		return nil, translate(err)
	}

	db.publish([]ChangeEvent{newChangeEvent(ChangeDelete, before, nil)})
	return before, nil
}

// txTombstone records the remote row of a membership record being deleted
func (db *Database) txTombstone(tx *bbolt.Tx, doc Document, now time.Time) error {
	record, ok := doc.(*SermonList)
	if !ok || record.RemoteRowID == "" {
		return nil
	}
	return db.store.TxUpsert(tx, record.RemoteRowID, &RowTombstone{
		RowID:     record.RemoteRowID,
		SermonID:  record.SermonID,
		ListID:    record.ListID,
		CreatedAt: now,
	})
}

// BatchOp is one write in a batch. Apply updates an existing document and is
// skipped when the document no longer exists; Delete removes it.
type BatchOp struct {
	Collection Collection
	Key        string
	Delete     bool
	Apply      func(Document) error
}

// WriteBatch commits ops in chunks of at most MaxBatchSize. Each chunk commits
// independently: on error, earlier chunks stay committed. Returns the number
// of ops applied.
func (db *Database) WriteBatch(ops []BatchOp) (int, error) {
	applied := 0
	for start := 0; start < len(ops); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(ops) {
			end = len(ops)
		}

		n, err := db.writeChunk(ops[start:end])
		if err != nil {
			return applied, fmt.Errorf("batch chunk at %d failed: %w", start, err)
		}
		applied += n
	}
	return applied, nil
}

func (db *Database) writeChunk(ops []BatchOp) (int, error) {
	var events []ChangeEvent
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		events = events[:0]
		now := time.Now()
		for _, op := range ops {
			current := newDocument(op.Collection)
			if current == nil {
				return fmt.Errorf("unknown collection %q", op.Collection)
			}
			err := db.store.TxGet(tx, op.Key, current)
			if errors.Is(err, bolthold.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			if op.Delete {
				if err := db.txTombstone(tx, current, now); err != nil {
					return err
				}
				if err := db.store.TxDelete(tx, op.Key, newDocument(op.Collection)); err != nil {
					return err
				}
				events = append(events, newChangeEvent(ChangeDelete, current, nil))
				continue
			}

			before := clone(current)
			if op.Apply != nil {
				if err := op.Apply(current); err != nil {
					return err
				}
			}
			touchTimestamps(current, now, false)
			if err := db.store.TxUpdate(tx, op.Key, current); err != nil {
				return err
			}
			events = append(events, newChangeEvent(ChangeUpdate, before, clone(current)))
		}
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}

	db.publish(events)
	return len(events), nil
}

// List operations

// CreateList creates a new list, assigning an ID when empty
func (db *Database) CreateList(list *List) error {
	if list.ID == "" {
		list.ID = uuid.NewString()
	}
	return db.insert(list)
}

// GetList retrieves a list by ID
func (db *Database) GetList(id string) (*List, error) {
	doc, err := db.get(CollectionList, id)
	if err != nil {
		return nil, err
	}
	return doc.(*List), nil
}

// UpdateList applies fn to the stored list in one transaction
func (db *Database) UpdateList(id string, fn func(*List) error) (*List, error) {
	doc, err := db.mutate(CollectionList, id, func(d Document) error {
		return fn(d.(*List))
	})
	if err != nil {
		return nil, err
	}
	return doc.(*List), nil
}

// AdjustListCount adds delta to a list's derived count
func (db *Database) AdjustListCount(id string, delta int) (*List, error) {
	return db.UpdateList(id, func(l *List) error {
		l.Count += delta
		return nil
	})
}

// DeleteList deletes a list by ID
func (db *Database) DeleteList(id string) error {
	_, err := db.remove(CollectionList, id)
	return err
}

// GetAllLists retrieves all lists
func (db *Database) GetAllLists() ([]*List, error) {
	var lists []*List
	err := db.store.Find(&lists, nil)
	return lists, translate(err)
}

// GetListByRemoteID retrieves the local list bound to a remote list
func (db *Database) GetListByRemoteID(remoteID string) (*List, error) {
	var list List
	if err := db.store.FindOne(&list, bolthold.Where("RemoteListID").Eq(remoteID)); err != nil {
		return nil, translate(err)
	}
	return &list, nil
}

// TryTouchList takes the list's lease for token when it is free, expired or
// already held by token. Lease writes are bookkeeping and publish no event.
func (db *Database) TryTouchList(id, token string, now time.Time, lease time.Duration) (bool, error) {
	acquired := false
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		var list List
		if err := db.store.TxGet(tx, id, &list); err != nil {
			return err
		}
		if list.LockToken != "" && list.LockToken != token && now.Before(list.LockedUntil) {
			return nil
		}

		touched := now.UnixNano()
		if touched <= list.LastTouched {
			touched = list.LastTouched + 1
		}
		list.LastTouched = touched
		list.LockToken = token
		list.LockedUntil = now.Add(lease)
		acquired = true
		return db.store.TxUpdate(tx, id, &list)
	})
	if err != nil {
		return false, translate(err)
	}
	return acquired, nil
}

// ReleaseList drops the lease if token still holds it
func (db *Database) ReleaseList(id, token string) error {
	err := db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		var list List
		if err := db.store.TxGet(tx, id, &list); err != nil {
			return err
		}
		if list.LockToken != token {
			return nil
		}
		list.LockToken = ""
		list.LockedUntil = time.Time{}
		return db.store.TxUpdate(tx, id, &list)
	})
	return translate(err)
}

// Sermon operations

// CreateSermon creates a new sermon, assigning an ID when empty
func (db *Database) CreateSermon(sermon *Sermon) error {
	if sermon.ID == "" {
		sermon.ID = uuid.NewString()
	}
	return db.insert(sermon)
}

// GetSermon retrieves a sermon by ID
func (db *Database) GetSermon(id string) (*Sermon, error) {
	doc, err := db.get(CollectionSermon, id)
	if err != nil {
		return nil, err
	}
	return doc.(*Sermon), nil
}

// UpdateSermon applies fn to the stored sermon in one transaction
func (db *Database) UpdateSermon(id string, fn func(*Sermon) error) (*Sermon, error) {
	doc, err := db.mutate(CollectionSermon, id, func(d Document) error {
		return fn(d.(*Sermon))
	})
	if err != nil {
		return nil, err
	}
	return doc.(*Sermon), nil
}

// DeleteSermon deletes a sermon by ID
func (db *Database) DeleteSermon(id string) error {
	_, err := db.remove(CollectionSermon, id)
	return err
}

// GetAllSermons retrieves all sermons
func (db *Database) GetAllSermons() ([]*Sermon, error) {
	var sermons []*Sermon
	err := db.store.Find(&sermons, nil)
	return sermons, translate(err)
}

// SermonList operations

// CreateSermonList creates a membership record; ErrAlreadyExists if present
func (db *Database) CreateSermonList(record *SermonList) error {
	if record.ID == "" {
		record.ID = SermonListKey(record.SermonID, record.ListID)
	}
	if record.UploadStatus == "" {
		record.UploadStatus = UploadStatusNotUploaded
	}
	return db.insert(record)
}

// GetSermonList retrieves the record joining a sermon and a list
func (db *Database) GetSermonList(sermonID, listID string) (*SermonList, error) {
	doc, err := db.get(CollectionSermonList, SermonListKey(sermonID, listID))
	if err != nil {
		return nil, err
	}
	return doc.(*SermonList), nil
}

// UpdateSermonList applies fn to the stored record in one transaction
func (db *Database) UpdateSermonList(sermonID, listID string, fn func(*SermonList) error) (*SermonList, error) {
	doc, err := db.mutate(CollectionSermonList, SermonListKey(sermonID, listID), func(d Document) error {
		return fn(d.(*SermonList))
	})
	if err != nil {
		return nil, err
	}
	return doc.(*SermonList), nil
}

// DeleteSermonList deletes the record joining a sermon and a list
func (db *Database) DeleteSermonList(sermonID, listID string) error {
	_, err := db.remove(CollectionSermonList, SermonListKey(sermonID, listID))
	return err
}

// GetSermonListsBySermon retrieves every record under a sermon
func (db *Database) GetSermonListsBySermon(sermonID string) ([]*SermonList, error) {
	var records []*SermonList
	err := db.store.Find(&records, bolthold.Where("SermonID").Eq(sermonID))
	return records, translate(err)
}

// GetSermonListsByList retrieves every record pointing at a list, across all sermons
func (db *Database) GetSermonListsByList(listID string) ([]*SermonList, error) {
	var records []*SermonList
	err := db.store.Find(&records, bolthold.Where("ListID").Eq(listID))
	return records, translate(err)
}

// GetSermonListsByStatus retrieves every record with the given upload status
func (db *Database) GetSermonListsByStatus(status UploadStatus) ([]*SermonList, error) {
	var records []*SermonList
	err := db.store.Find(&records, bolthold.Where("UploadStatus").Eq(status))
	return records, translate(err)
}

// GetAllSermonLists retrieves every membership record
func (db *Database) GetAllSermonLists() ([]*SermonList, error) {
	var records []*SermonList
	err := db.store.Find(&records, nil)
	return records, translate(err)
}

// GetRowTombstones retrieves every remote row still awaiting deletion
func (db *Database) GetRowTombstones() ([]*RowTombstone, error) {
	var tombstones []*RowTombstone
	err := db.store.Find(&tombstones, nil)
	return tombstones, translate(err)
}

// ClearRowTombstone forgets a remote row once it is deleted. Clearing an
// unknown row is not an error.
func (db *Database) ClearRowTombstone(rowID string) error {
	err := db.store.Delete(rowID, &RowTombstone{})
	if errors.Is(err, bolthold.ErrNotFound) {
		return nil
	}
	return translate(err)
}

// ListItem operations

// CreateListItem creates a replica under a list; ErrAlreadyExists if present
func (db *Database) CreateListItem(item *ListItem) error {
	if item.ID == "" {
		item.ID = ListItemKey(item.ListID, item.ItemID)
	}
	return db.insert(item)
}

// GetListItem retrieves itemID's replica under listID
func (db *Database) GetListItem(listID, itemID string) (*ListItem, error) {
	doc, err := db.get(CollectionListItem, ListItemKey(listID, itemID))
	if err != nil {
		return nil, err
	}
	return doc.(*ListItem), nil
}

// UpdateListItem applies fn to the stored replica in one transaction
func (db *Database) UpdateListItem(listID, itemID string, fn func(*ListItem) error) (*ListItem, error) {
	doc, err := db.mutate(CollectionListItem, ListItemKey(listID, itemID), func(d Document) error {
		return fn(d.(*ListItem))
	})
	if err != nil {
		return nil, err
	}
	return doc.(*ListItem), nil
}

// DeleteListItem deletes itemID's replica under listID
func (db *Database) DeleteListItem(listID, itemID string) error {
	_, err := db.remove(CollectionListItem, ListItemKey(listID, itemID))
	return err
}

// GetListItemsByList retrieves every replica under a list
func (db *Database) GetListItemsByList(listID string) ([]*ListItem, error) {
	var items []*ListItem
	err := db.store.Find(&items, bolthold.Where("ListID").Eq(listID))
	return items, translate(err)
}

// GetListItemsByItem retrieves every replica of itemID, whatever list holds it
func (db *Database) GetListItemsByItem(itemID string, payloadType PayloadType) ([]*ListItem, error) {
	var items []*ListItem
	err := db.store.Find(&items, bolthold.Where("ItemID").Eq(itemID).And("PayloadType").Eq(payloadType))
	return items, translate(err)
}

// GetAllListItems retrieves every replica
func (db *Database) GetAllListItems() ([]*ListItem, error) {
	var items []*ListItem
	err := db.store.Find(&items, nil)
	return items, translate(err)
}

// Subtree operations

// DeleteChildren deletes every document owned by the given parent. For a
// sermon: its membership records. For a list: its items, every membership
// record pointing at it and its replicas inside other lists.
func (db *Database) DeleteChildren(parent Collection, id string) (int, error) {
	var ops []BatchOp

	switch parent {
	case CollectionSermon:
		records, err := db.GetSermonListsBySermon(id)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			ops = append(ops, BatchOp{Collection: CollectionSermonList, Key: r.ID, Delete: true})
		}
	case CollectionList:
		items, err := db.GetListItemsByList(id)
		if err != nil {
			return 0, err
		}
		for _, item := range items {
			ops = append(ops, BatchOp{Collection: CollectionListItem, Key: item.ID, Delete: true})
		}
		records, err := db.GetSermonListsByList(id)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			ops = append(ops, BatchOp{Collection: CollectionSermonList, Key: r.ID, Delete: true})
		}
		mirrors, err := db.GetListItemsByItem(id, PayloadList)
		if err != nil {
			return 0, err
		}
		for _, m := range mirrors {
			ops = append(ops, BatchOp{Collection: CollectionListItem, Key: m.ID, Delete: true})
		}
	default:
		return 0, fmt.Errorf("collection %q owns no children", parent)
	}

	return db.WriteBatch(ops)
}

// helpers

func clone(doc Document) Document {
	switch d := doc.(type) {
	case *List:
		c := *d
		return &c
	case *Sermon:
		c := *d
		return &c
	case *SermonList:
		c := *d
		return &c
	case *ListItem:
		c := *d
		return &c
	}
	return doc
}

func touchTimestamps(doc Document, now time.Time, created bool) {
	switch d := doc.(type) {
	case *List:
		if created && d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
	case *Sermon:
		if created && d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
	case *SermonList:
		if created && d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
	case *ListItem:
		if created && d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
	}
}
