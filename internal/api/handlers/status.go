package handlers

import (
	"context"
	"net/http"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/services/listhost"
	"github.com/sirupsen/logrus"
)

// RemoteSummaries returns recently fetched remote list summaries
type RemoteSummaries interface {
	CachedList(ctx context.Context, listID string) (*listhost.RemoteList, error)
}

// StatusHandler handles status requests
type StatusHandler struct {
	db     *models.Database
	remote RemoteSummaries
	logger *logrus.Logger
}

// NewStatusHandler creates a new status handler. remote may be nil.
func NewStatusHandler(db *models.Database, remote RemoteSummaries, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		db:     db,
		remote: remote,
		logger: logger,
	}
}

// ListStatus describes one list in the status response
type ListStatus struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Count       int                   `json:"count"`
	MaxCapacity int                   `json:"max_capacity"`
	Policy      models.OverflowPolicy `json:"overflow_policy"`
	OverflowOf  string                `json:"overflow_of,omitempty"`
	RemoteCount *int                  `json:"remote_count,omitempty"`
}

// StatusResponse represents the status response
type StatusResponse struct {
	TotalLists   int                         `json:"total_lists"`
	TotalSermons int                         `json:"total_sermons"`
	Memberships  map[models.UploadStatus]int `json:"memberships"`
	Lists        []ListStatus                `json:"lists"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lists, err := h.db.GetAllLists()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sermons, err := h.db.GetAllSermons()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	records, err := h.db.GetAllSermonLists()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response := StatusResponse{
		TotalLists:   len(lists),
		TotalSermons: len(sermons),
		Memberships:  make(map[models.UploadStatus]int),
		Lists:        make([]ListStatus, 0, len(lists)),
	}

	for _, record := range records {
		response.Memberships[record.UploadStatus]++
	}

	for _, l := range lists {
		status := ListStatus{
			ID:          l.ID,
			Name:        l.Name,
			Count:       l.Count,
			MaxCapacity: l.Capacity(),
			Policy:      l.Policy(),
			OverflowOf:  l.OverflowOf,
		}
		// Remote counts are best effort
		if h.remote != nil && l.RemoteListID != "" {
			if summary, err := h.remote.CachedList(r.Context(), l.RemoteListID); err == nil {
				status.RemoteCount = &summary.Count
			} else {
				h.logger.WithError(err).WithField("list_id", l.ID).Debug("Remote summary unavailable")
			}
		}
		response.Lists = append(response.Lists, status)
	}

	writeJSON(w, http.StatusOK, response)
}
