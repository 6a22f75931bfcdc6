package handlers

import (
	"context"
	"net/http"

	"github.com/amaumene/sermonsync/internal/controllers"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/sirupsen/logrus"
)

// ListCatalog is the part of the catalog the list endpoints use
type ListCatalog interface {
	CreateList(ctx context.Context, in controllers.ListInput) (*models.List, error)
	UpdateList(ctx context.Context, id string, patch controllers.ListPatch) (*models.List, error)
	DeleteList(ctx context.Context, id string) error
	ImportRemoteList(ctx context.Context, remoteID string, listType models.ListType) (*models.List, bool, error)
}

// ListHandler handles list editing requests
type ListHandler struct {
	catalog ListCatalog
	logger  *logrus.Logger
}

// NewListHandler creates a new list handler
func NewListHandler(catalog ListCatalog, logger *logrus.Logger) *ListHandler {
	return &ListHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// Create handles POST /api/lists
func (h *ListHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in controllers.ListInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	list, err := h.catalog.CreateList(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}

// Update handles PUT /api/lists/{id}
func (h *ListHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch controllers.ListPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	list, err := h.catalog.UpdateList(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Delete handles DELETE /api/lists/{id}
func (h *ListHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteList(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	RemoteListID string          `json:"remote_list_id"`
	Type         models.ListType `json:"type"`
}

type importResponse struct {
	List    *models.List `json:"list"`
	Created bool         `json:"created"`
}

// Import handles POST /api/lists/import
func (h *ListHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	list, created, err := h.catalog.ImportRemoteList(r.Context(), req.RemoteListID, req.Type)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, importResponse{List: list, Created: created})
}
