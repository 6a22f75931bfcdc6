package listhost

import (
	"context"
	"fmt"
	"time"

	"github.com/amaumene/sermonsync/internal/models"
)

// SortKey orders rows returned by GetRows
type SortKey string

const (
	SortByPosition  SortKey = "position"   // Newest first, as displayed
	SortByCreatedAt SortKey = "created_at" // Oldest first
)

// RemoteList is a list's metadata on the list host
type RemoteList struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Images models.Images `json:"images"`
	Count  int           `json:"count"`
}

// Row is one entry of a remote list. PayloadType says whether PayloadID names
// a sermon or another list.
type Row struct {
	ID          string             `json:"id,omitempty"`
	ListID      string             `json:"list_id,omitempty"`
	PayloadType models.PayloadType `json:"payload_type"`
	PayloadID   string             `json:"payload_id"`
	Position    int                `json:"position"`
	CreatedAt   time.Time          `json:"created_at"`
}

// RemoteListClient is the contract the engine needs from the list host.
// No call is transactional with any other.
type RemoteListClient interface {
	GetList(ctx context.Context, listID string) (*RemoteList, error)
	GetCount(ctx context.Context, listID string) (int, error)
	GetRows(ctx context.Context, listID string, pageSize int, sort SortKey) ([]Row, error)
	InsertRow(ctx context.Context, listID string, row Row, position int) (string, error)
	PatchRows(ctx context.Context, listID string, rows []Row, newCount int) ([]Row, error)
	DeleteRow(ctx context.Context, rowID string) error
	CreateList(ctx context.Context, title string, images models.Images) (string, error)
}

// validateRows rejects rows whose payload cannot be interpreted
func validateRows(rows []Row) error {
	for _, r := range rows {
		if !r.PayloadType.Valid() || r.PayloadID == "" {
			return fmt.Errorf("%w: row %s has payload type %q", models.ErrCorrupt, r.ID, r.PayloadType)
		}
	}
	return nil
}
