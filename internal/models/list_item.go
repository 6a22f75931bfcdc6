package models

import "time"

// ListItem is a replica of a sermon or of another list stored under a List
type ListItem struct {
	ID          string `boltholdKey:"ID"`
	ListID      string `boltholdIndex:"ListID"`
	ItemID      string `boltholdIndex:"ItemID"`
	PayloadType PayloadType

	// Replicated display fields
	Title    string
	Speaker  string
	Date     time.Time
	ListType ListType
	Images   Images
	Count    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *ListItem) DocCollection() Collection { return CollectionListItem }
func (i *ListItem) DocKey() string            { return i.ID }

// ListItemKey builds the key of itemID's replica under listID
func ListItemKey(listID, itemID string) string {
	return listID + "/" + itemID
}

// NewListItem creates an empty replica; the replica engine fills it in
func NewListItem(listID, itemID string, payloadType PayloadType) *ListItem {
	return &ListItem{
		ID:          ListItemKey(listID, itemID),
		ListID:      listID,
		ItemID:      itemID,
		PayloadType: payloadType,
	}
}

// CopySermon overwrites the replica fields from a sermon
func (i *ListItem) CopySermon(s *Sermon) {
	i.Title = s.Title
	i.Speaker = s.Speaker
	i.Date = s.Date
	i.Images = s.Images
}

// CopyList overwrites the replica fields from a list
func (i *ListItem) CopyList(l *List) {
	i.Title = l.Name
	i.ListType = l.Type
	i.Images = l.Images
	i.Count = l.Count
}

// MatchesSermon reports whether the replica fields match s
func (i *ListItem) MatchesSermon(s *Sermon) bool {
	return i.Title == s.Title && i.Speaker == s.Speaker && i.Date.Equal(s.Date) && i.Images == s.Images
}

// MatchesList reports whether the replica fields match l
func (i *ListItem) MatchesList(l *List) bool {
	return i.Title == l.Name && i.ListType == l.Type && i.Images == l.Images && i.Count == l.Count
}
