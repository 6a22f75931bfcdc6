package handlers

import (
	"context"
	"net/http"

	"github.com/amaumene/sermonsync/internal/controllers"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/sirupsen/logrus"
)

// SermonCatalog is the part of the catalog the sermon endpoints use
type SermonCatalog interface {
	CreateSermon(ctx context.Context, in controllers.SermonInput) (*models.Sermon, error)
	UpdateSermon(ctx context.Context, id string, patch controllers.SermonPatch) (*models.Sermon, error)
	DeleteSermon(ctx context.Context, id string) error
}

// Membership pushes sermons into lists and withdraws them
type Membership interface {
	AddSermonToLists(ctx context.Context, sermonID string, listIDs []string) ([]controllers.ListResult, error)
	RemoveSermonFromList(ctx context.Context, sermonID, listID string) error
	UnpublishSermonFromList(ctx context.Context, sermonID, listID string) error
}

// SermonHandler handles sermon editing and membership requests
type SermonHandler struct {
	catalog    SermonCatalog
	membership Membership
	logger     *logrus.Logger
}

// NewSermonHandler creates a new sermon handler
func NewSermonHandler(catalog SermonCatalog, membership Membership, logger *logrus.Logger) *SermonHandler {
	return &SermonHandler{
		catalog:    catalog,
		membership: membership,
		logger:     logger,
	}
}

// Create handles POST /api/sermons
func (h *SermonHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in controllers.SermonInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sermon, err := h.catalog.CreateSermon(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sermon)
}

// Update handles PUT /api/sermons/{id}
func (h *SermonHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch controllers.SermonPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sermon, err := h.catalog.UpdateSermon(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sermon)
}

// Delete handles DELETE /api/sermons/{id}
func (h *SermonHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteSermon(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addToListsRequest struct {
	ListIDs []string `json:"list_ids"`
}

type addToListsResponse struct {
	SermonID string                   `json:"sermon_id"`
	Results  []controllers.ListResult `json:"results"`
}

// AddToLists handles POST /api/sermons/{id}/lists. Each list succeeds or
// fails on its own; 207 reports a partial failure.
func (h *SermonHandler) AddToLists(w http.ResponseWriter, r *http.Request) {
	var req addToListsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if len(req.ListIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "list_ids is required"})
		return
	}

	sermonID := r.PathValue("id")
	results, err := h.membership.AddSermonToLists(r.Context(), sermonID, req.ListIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	for _, res := range results {
		if res.Err != nil {
			status = http.StatusMultiStatus
			break
		}
	}
	writeJSON(w, status, addToListsResponse{SermonID: sermonID, Results: results})
}

// RemoveFromList handles DELETE /api/sermons/{id}/lists/{listID}
func (h *SermonHandler) RemoveFromList(w http.ResponseWriter, r *http.Request) {
	if err := h.membership.RemoveSermonFromList(r.Context(), r.PathValue("id"), r.PathValue("listID")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unpublish handles POST /api/sermons/{id}/lists/{listID}/unpublish
func (h *SermonHandler) Unpublish(w http.ResponseWriter, r *http.Request) {
	if err := h.membership.UnpublishSermonFromList(r.Context(), r.PathValue("id"), r.PathValue("listID")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
