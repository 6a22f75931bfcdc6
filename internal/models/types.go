package models

// ListType represents the kind of list a List document models
type ListType string

const (
	ListTypeSeries   ListType = "series"
	ListTypeSpeaker  ListType = "speaker"
	ListTypeTopic    ListType = "topic"
	ListTypeCategory ListType = "category"
	ListTypeLatest   ListType = "latest"
)

// Valid reports whether t is a known list type
func (t ListType) Valid() bool {
	switch t {
	case ListTypeSeries, ListTypeSpeaker, ListTypeTopic, ListTypeCategory, ListTypeLatest:
		return true
	}
	return false
}

// OverflowPolicy decides what happens when an insert would exceed capacity
type OverflowPolicy string

const (
	OverflowError         OverflowPolicy = "ERROR"
	OverflowRemoveOldest  OverflowPolicy = "REMOVEOLDEST"
	OverflowCreateNewList OverflowPolicy = "CREATENEWLIST"
)

// Valid reports whether p is a known overflow policy
func (p OverflowPolicy) Valid() bool {
	switch p {
	case OverflowError, OverflowRemoveOldest, OverflowCreateNewList:
		return true
	}
	return false
}

// UploadStatus tracks whether a sermon has been pushed to a remote list
type UploadStatus string

const (
	UploadStatusNotUploaded UploadStatus = "NOT_UPLOADED"
	UploadStatusUploaded    UploadStatus = "UPLOADED"
	UploadStatusError       UploadStatus = "ERROR"
)

// CanTransition reports whether a membership record may move from s to next.
// Re-entering the same status is always allowed.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case UploadStatusNotUploaded:
		return next == UploadStatusUploaded || next == UploadStatusError
	case UploadStatusUploaded:
		return next == UploadStatusNotUploaded
	case UploadStatusError:
		return next == UploadStatusUploaded
	}
	return false
}

// PayloadType discriminates what a list row or list item refers to
type PayloadType string

const (
	PayloadSermon PayloadType = "sermon"
	PayloadList   PayloadType = "list"
)

// Valid reports whether p is a known payload type
func (p PayloadType) Valid() bool {
	return p == PayloadSermon || p == PayloadList
}

// Images holds the artwork URLs shared by lists and sermons
type Images struct {
	Square string `json:"square,omitempty"`
	Wide   string `json:"wide,omitempty"`
	Banner string `json:"banner,omitempty"`
}
