package models

import "time"

// DefaultMaxCapacity is the remote list host's hard row limit
const DefaultMaxCapacity = 200

// List is a named, ordered collection hosted remotely and mirrored locally
type List struct {
	ID   string `boltholdKey:"ID"`
	Name string
	Type ListType `boltholdIndex:"Type"`

	Images         Images
	OverflowPolicy OverflowPolicy
	MaxCapacity    int

	// Derived: number of live ListItems under this list
	Count int

	// Remote list host identifiers
	RemoteListID    string `boltholdIndex:"RemoteListID"`
	OverflowListRef string // Local ID of the next list in the overflow chain
	OverflowOf      string // Local ID of the list this one overflows from

	// Lease used to serialize mutations of the remote list
	LastTouched int64
	LockToken   string
	LockedUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l *List) DocCollection() Collection { return CollectionList }
func (l *List) DocKey() string            { return l.ID }

// Capacity returns MaxCapacity or the host default when unset
func (l *List) Capacity() int {
	if l.MaxCapacity <= 0 {
		return DefaultMaxCapacity
	}
	return l.MaxCapacity
}

// Policy returns OverflowPolicy or ERROR when unset
func (l *List) Policy() OverflowPolicy {
	if !l.OverflowPolicy.Valid() {
		return OverflowError
	}
	return l.OverflowPolicy
}

// SameContent reports whether two lists differ only in derived or bookkeeping fields
func (l *List) SameContent(other *List) bool {
	if other == nil {
		return false
	}
	return l.Name == other.Name &&
		l.Type == other.Type &&
		l.Images == other.Images &&
		l.OverflowPolicy == other.OverflowPolicy &&
		l.MaxCapacity == other.MaxCapacity &&
		l.RemoteListID == other.RemoteListID &&
		l.OverflowListRef == other.OverflowListRef &&
		l.OverflowOf == other.OverflowOf
}
