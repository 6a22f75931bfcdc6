package models

import (
	"fmt"
	"time"
)

// SermonList records that a sermon is targeted at a list and whether the
// remote push succeeded. It lives under the sermon and carries a replica of
// the list's display fields.
type SermonList struct {
	ID           string       `boltholdKey:"ID"`
	SermonID     string       `boltholdIndex:"SermonID"`
	ListID       string       `boltholdIndex:"ListID"`
	UploadStatus UploadStatus `boltholdIndex:"UploadStatus"`

	RemoteRowID  string // Needed to delete the row later
	RemoteListID string // Remote list currently holding the row
	ErrorReason  string

	// Replica of the list
	ListName   string
	ListType   ListType
	ListImages Images
	ListCount  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *SermonList) DocCollection() Collection { return CollectionSermonList }
func (r *SermonList) DocKey() string            { return r.ID }

// SermonListKey builds the key of the record joining sermonID and listID
func SermonListKey(sermonID, listID string) string {
	return sermonID + "/" + listID
}

// NewSermonList creates a NOT_UPLOADED record for the pair
func NewSermonList(sermonID, listID string) *SermonList {
	return &SermonList{
		ID:           SermonListKey(sermonID, listID),
		SermonID:     sermonID,
		ListID:       listID,
		UploadStatus: UploadStatusNotUploaded,
	}
}

// Transition moves the record to next, enforcing the upload state machine
func (r *SermonList) Transition(next UploadStatus) error {
	current := r.UploadStatus
	if current == "" {
		current = UploadStatusNotUploaded
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	r.UploadStatus = next
	return nil
}

// CopyList overwrites the replica fields from the canonical list
func (r *SermonList) CopyList(l *List) {
	r.ListName = l.Name
	r.ListType = l.Type
	r.ListImages = l.Images
	r.ListCount = l.Count
}

// ReplicaMatches reports whether the replica fields match l
func (r *SermonList) ReplicaMatches(l *List) bool {
	return r.ListName == l.Name && r.ListType == l.Type && r.ListImages == l.Images && r.ListCount == l.Count
}

// RowTombstone marks a remote row whose membership record was deleted while
// the row still existed. It is written in the record's delete transaction and
// cleared once the row is gone, so a dropped delete can be replayed.
type RowTombstone struct {
	RowID     string `boltholdKey:"RowID"`
	SermonID  string
	ListID    string
	CreatedAt time.Time
}
