package models

import "time"

// Sermon is the media item pushed into lists
type Sermon struct {
	ID          string `boltholdKey:"ID"`
	Title       string
	Speaker     string
	Description string
	Date        time.Time
	AudioURL    string
	Images      Images

	// Derived from SermonList records
	NumberOfLists           int
	NumberOfListsUploadedTo int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Sermon) DocCollection() Collection { return CollectionSermon }
func (s *Sermon) DocKey() string            { return s.ID }

// SameContent reports whether two sermons differ only in derived fields
func (s *Sermon) SameContent(other *Sermon) bool {
	if other == nil {
		return false
	}
	return s.Title == other.Title &&
		s.Speaker == other.Speaker &&
		s.Description == other.Description &&
		s.Date.Equal(other.Date) &&
		s.AudioURL == other.AudioURL &&
		s.Images == other.Images
}
