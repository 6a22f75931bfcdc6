package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/services/listhost"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/sirupsen/logrus"
)

// maxImportDistance is the largest title edit distance at which an imported
// remote list is linked to an existing local list
const maxImportDistance = 2

// ListInput describes a list created by an editor
type ListInput struct {
	Name           string                `json:"name"`
	Type           models.ListType       `json:"type"`
	Images         models.Images         `json:"images"`
	OverflowPolicy models.OverflowPolicy `json:"overflow_policy"`
	MaxCapacity    int                   `json:"max_capacity"`
	RemoteListID   string                `json:"remote_list_id"`
}

// ListPatch holds the list fields an editor may change; nil fields are kept
type ListPatch struct {
	Name           *string                `json:"name"`
	Type           *models.ListType       `json:"type"`
	Images         *models.Images         `json:"images"`
	OverflowPolicy *models.OverflowPolicy `json:"overflow_policy"`
	MaxCapacity    *int                   `json:"max_capacity"`
}

// SermonInput describes a sermon created by an editor
type SermonInput struct {
	Title       string        `json:"title"`
	Speaker     string        `json:"speaker"`
	Description string        `json:"description"`
	Date        time.Time     `json:"date"`
	AudioURL    string        `json:"audio_url"`
	Images      models.Images `json:"images"`
}

// SermonPatch holds the sermon fields an editor may change
type SermonPatch struct {
	Title       *string        `json:"title"`
	Speaker     *string        `json:"speaker"`
	Description *string        `json:"description"`
	Date        *time.Time     `json:"date"`
	AudioURL    *string        `json:"audio_url"`
	Images      *models.Images `json:"images"`
}

// CatalogController handles editor actions on lists and sermons
type CatalogController struct {
	db              *models.Database
	remote          listhost.RemoteListClient
	defaultCapacity int
	logger          *logrus.Logger
}

// NewCatalogController creates a new catalog controller
func NewCatalogController(db *models.Database, remote listhost.RemoteListClient, defaultCapacity int, logger *logrus.Logger) *CatalogController {
	if defaultCapacity <= 0 {
		defaultCapacity = models.DefaultMaxCapacity
	}
	return &CatalogController{
		db:              db,
		remote:          remote,
		defaultCapacity: defaultCapacity,
		logger:          logger,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func validateCapacity(capacity int) error {
	if capacity != 0 && (capacity < 2 || capacity > models.DefaultMaxCapacity) {
		return invalid("max_capacity must be between 2 and %d", models.DefaultMaxCapacity)
	}
	return nil
}

// CreateList creates a list, creating its remote list unless one is given
func (c *CatalogController) CreateList(ctx context.Context, in ListInput) (*models.List, error) {
	name := utils.NormalizeTitle(in.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if !in.Type.Valid() {
		return nil, invalid("unknown list type %q", in.Type)
	}
	if in.OverflowPolicy != "" && !in.OverflowPolicy.Valid() {
		return nil, invalid("unknown overflow policy %q", in.OverflowPolicy)
	}
	if err := validateCapacity(in.MaxCapacity); err != nil {
		return nil, err
	}

	list := &models.List{
		Name:           name,
		Type:           in.Type,
		Images:         in.Images,
		OverflowPolicy: in.OverflowPolicy,
		MaxCapacity:    in.MaxCapacity,
		RemoteListID:   in.RemoteListID,
	}
	if list.OverflowPolicy == "" {
		list.OverflowPolicy = models.OverflowError
	}
	if list.MaxCapacity == 0 {
		list.MaxCapacity = c.defaultCapacity
	}

	if list.RemoteListID == "" {
		remoteID, err := c.remote.CreateList(ctx, name, in.Images)
		if err != nil {
			return nil, err
		}
		list.RemoteListID = remoteID
	}

	if err := c.db.CreateList(list); err != nil {
		return nil, fmt.Errorf("failed to create list: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"list_id":        list.ID,
		"name":           list.Name,
		"remote_list_id": list.RemoteListID,
	}).Info("Created list")

	return list, nil
}

// UpdateList applies an editor's changes to a list
func (c *CatalogController) UpdateList(ctx context.Context, id string, patch ListPatch) (*models.List, error) {
	if patch.Name != nil && utils.NormalizeTitle(*patch.Name) == "" {
		return nil, invalid("name cannot be empty")
	}
	if patch.Type != nil && !patch.Type.Valid() {
		return nil, invalid("unknown list type %q", *patch.Type)
	}
	if patch.OverflowPolicy != nil && !patch.OverflowPolicy.Valid() {
		return nil, invalid("unknown overflow policy %q", *patch.OverflowPolicy)
	}
	if patch.MaxCapacity != nil {
		if err := validateCapacity(*patch.MaxCapacity); err != nil {
			return nil, err
		}
	}

	list, err := c.db.UpdateList(id, func(l *models.List) error {
		if patch.Name != nil {
			l.Name = utils.NormalizeTitle(*patch.Name)
		}
		if patch.Type != nil {
			l.Type = *patch.Type
		}
		if patch.Images != nil {
			l.Images = *patch.Images
		}
		if patch.OverflowPolicy != nil {
			l.OverflowPolicy = *patch.OverflowPolicy
		}
		if patch.MaxCapacity != nil && *patch.MaxCapacity > 0 {
			l.MaxCapacity = *patch.MaxCapacity
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update list %s: %w", id, err)
	}
	return list, nil
}

// DeleteList deletes a list; the replica engine removes its subtree
func (c *CatalogController) DeleteList(ctx context.Context, id string) error {
	if err := c.db.DeleteList(id); err != nil {
		return fmt.Errorf("failed to delete list %s: %w", id, err)
	}
	c.logger.WithField("list_id", id).Info("Deleted list")
	return nil
}

// CreateSermon creates a sermon
func (c *CatalogController) CreateSermon(ctx context.Context, in SermonInput) (*models.Sermon, error) {
	title := utils.NormalizeTitle(in.Title)
	if title == "" {
		return nil, invalid("title is required")
	}

	sermon := &models.Sermon{
		Title:       title,
		Speaker:     in.Speaker,
		Description: in.Description,
		Date:        in.Date,
		AudioURL:    in.AudioURL,
		Images:      in.Images,
	}
	if err := c.db.CreateSermon(sermon); err != nil {
		return nil, fmt.Errorf("failed to create sermon: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"sermon_id": sermon.ID,
		"title":     sermon.Title,
	}).Info("Created sermon")

	return sermon, nil
}

// UpdateSermon applies an editor's changes to a sermon
func (c *CatalogController) UpdateSermon(ctx context.Context, id string, patch SermonPatch) (*models.Sermon, error) {
	if patch.Title != nil && utils.NormalizeTitle(*patch.Title) == "" {
		return nil, invalid("title cannot be empty")
	}

	sermon, err := c.db.UpdateSermon(id, func(s *models.Sermon) error {
		if patch.Title != nil {
			s.Title = utils.NormalizeTitle(*patch.Title)
		}
		if patch.Speaker != nil {
			s.Speaker = *patch.Speaker
		}
		if patch.Description != nil {
			s.Description = *patch.Description
		}
		if patch.Date != nil {
			s.Date = *patch.Date
		}
		if patch.AudioURL != nil {
			s.AudioURL = *patch.AudioURL
		}
		if patch.Images != nil {
			s.Images = *patch.Images
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update sermon %s: %w", id, err)
	}
	return sermon, nil
}

// DeleteSermon deletes a sermon; the replica engine removes its memberships
func (c *CatalogController) DeleteSermon(ctx context.Context, id string) error {
	if err := c.db.DeleteSermon(id); err != nil {
		return fmt.Errorf("failed to delete sermon %s: %w", id, err)
	}
	c.logger.WithField("sermon_id", id).Info("Deleted sermon")
	return nil
}

// ImportRemoteList binds a list harvested from the remote platform to a local
// list: the one already bound to it, else an unbound list of the same type
// with a near-identical name, else a new one. Reports whether a list was created.
func (c *CatalogController) ImportRemoteList(ctx context.Context, remoteID string, listType models.ListType) (*models.List, bool, error) {
	if remoteID == "" {
		return nil, false, invalid("remote_list_id is required")
	}
	if !listType.Valid() {
		return nil, false, invalid("unknown list type %q", listType)
	}

	remoteList, err := c.remote.GetList(ctx, remoteID)
	if err != nil {
		return nil, false, err
	}

	existing, err := c.db.GetListByRemoteID(remoteID)
	if err == nil {
		return existing, false, nil
	}
	if !models.IsNotFound(err) {
		return nil, false, fmt.Errorf("failed to look up list by remote id: %w", err)
	}

	lists, err := c.db.GetAllLists()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get lists: %w", err)
	}
	var candidates []*models.List
	var names []string
	for _, l := range lists {
		if l.Type == listType && l.RemoteListID == "" && l.OverflowOf == "" {
			candidates = append(candidates, l)
			names = append(names, l.Name)
		}
	}

	if i := utils.ClosestTitle(remoteList.Title, names, maxImportDistance); i >= 0 {
		linked, err := c.db.UpdateList(candidates[i].ID, func(l *models.List) error {
			l.RemoteListID = remoteID
			if l.Images == (models.Images{}) {
				l.Images = remoteList.Images
			}
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to link list %s: %w", candidates[i].ID, err)
		}

		c.logger.WithFields(logrus.Fields{
			"list_id":        linked.ID,
			"name":           linked.Name,
			"remote_list_id": remoteID,
			"remote_title":   remoteList.Title,
		}).Info("Linked remote list to existing list")
		return linked, false, nil
	}

	list := &models.List{
		Name:           utils.NormalizeTitle(remoteList.Title),
		Type:           listType,
		Images:         remoteList.Images,
		OverflowPolicy: models.OverflowError,
		MaxCapacity:    c.defaultCapacity,
		RemoteListID:   remoteID,
	}
	if err := c.db.CreateList(list); err != nil {
		return nil, false, fmt.Errorf("failed to create imported list: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"list_id":        list.ID,
		"name":           list.Name,
		"remote_list_id": remoteID,
	}).Info("Imported remote list")

	return list, true, nil
}
