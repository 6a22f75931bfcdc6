package models

import (
	"time"

	"github.com/google/uuid"
)

// Collection names a document collection in the store
type Collection string

const (
	CollectionList       Collection = "lists"
	CollectionSermon     Collection = "sermons"
	CollectionSermonList Collection = "sermonLists"
	CollectionListItem   Collection = "listItems"
)

// ChangeKind is the kind of write that produced a ChangeEvent
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Document is implemented by every stored type
type Document interface {
	DocCollection() Collection
	DocKey() string
}

// ChangeEvent describes one committed write. Before is nil on create, After
// is nil on delete.
type ChangeEvent struct {
	ID         string
	Collection Collection
	Kind       ChangeKind
	Key        string
	Before     Document
	After      Document
	At         time.Time
}

// Publisher receives change events after their transaction commits
type Publisher interface {
	Publish(event ChangeEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(ChangeEvent) {}

func newChangeEvent(kind ChangeKind, before, after Document) ChangeEvent {
	doc := after
	if doc == nil {
		doc = before
	}
	return ChangeEvent{
		ID:         uuid.NewString(),
		Collection: doc.DocCollection(),
		Kind:       kind,
		Key:        doc.DocKey(),
		Before:     before,
		After:      after,
		At:         time.Now(),
	}
}

// newDocument returns an empty document of the collection's type
func newDocument(c Collection) Document {
	switch c {
	case CollectionList:
		return &List{}
	case CollectionSermon:
		return &Sermon{}
	case CollectionSermonList:
		return &SermonList{}
	case CollectionListItem:
		return &ListItem{}
	}
	return nil
}
