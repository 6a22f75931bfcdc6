package listhost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/sirupsen/logrus"
)

type rowsResponse struct {
	Rows  []Row `json:"rows"`
	Total int   `json:"total"`
}

type insertRowRequest struct {
	Row      Row `json:"row"`
	Position int `json:"position"`
}

type patchRowsRequest struct {
	Rows  []Row `json:"rows"`
	Count int   `json:"count"`
}

type createListRequest struct {
	Title  string        `json:"title"`
	Images models.Images `json:"images"`
}

type idResponse struct {
	ID string `json:"id"`
}

// GetList retrieves a list's metadata, including its row count
func (c *Client) GetList(ctx context.Context, listID string) (*RemoteList, error) {
	var list RemoteList
	err := c.doRequest(ctx, request{
		op:     "get_list",
		method: http.MethodGet,
		path:   "/lists/" + url.PathEscape(listID),
		result: &list,
		retry:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get list %s: %w", listID, err)
	}
	c.summaries.SetDefault(listID, &list)
	return &list, nil
}

// GetCount returns the number of rows currently in a list
func (c *Client) GetCount(ctx context.Context, listID string) (int, error) {
	list, err := c.GetList(ctx, listID)
	if err != nil {
		return 0, err
	}
	return list.Count, nil
}

// CachedList returns a recently fetched summary of the list, fetching it when
// the cache has none. Only for display; capacity decisions use GetCount.
func (c *Client) CachedList(ctx context.Context, listID string) (*RemoteList, error) {
	if v, ok := c.summaries.Get(listID); ok {
		return v.(*RemoteList), nil
	}
	return c.GetList(ctx, listID)
}

// GetRows returns up to pageSize rows of a list in the requested order
func (c *Client) GetRows(ctx context.Context, listID string, pageSize int, sort SortKey) ([]Row, error) {
	query := url.Values{}
	query.Set("page_size", strconv.Itoa(pageSize))
	query.Set("sort", string(sort))

	var resp rowsResponse
	err := c.doRequest(ctx, request{
		op:     "get_rows",
		method: http.MethodGet,
		path:   "/lists/" + url.PathEscape(listID) + "/rows",
		query:  query,
		result: &resp,
		retry:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get rows of list %s: %w", listID, err)
	}
	if err := validateRows(resp.Rows); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"list_id":  listID,
		"returned": len(resp.Rows),
		"total":    resp.Total,
	}).Debug("Fetched list rows")

	return resp.Rows, nil
}

// InsertRow inserts one row at a 1-based position and returns its row ID.
// Not retried: a lost response would otherwise duplicate the row.
func (c *Client) InsertRow(ctx context.Context, listID string, row Row, position int) (string, error) {
	if err := validateRows([]Row{row}); err != nil {
		return "", err
	}

	var resp idResponse
	err := c.doRequest(ctx, request{
		op:     "insert_row",
		method: http.MethodPost,
		path:   "/lists/" + url.PathEscape(listID) + "/rows",
		body:   insertRowRequest{Row: row, Position: position},
		result: &resp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert row into list %s: %w", listID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: insert into list %s returned no row id", models.ErrCorrupt, listID)
	}
	c.summaries.Delete(listID)
	return resp.ID, nil
}

// PatchRows sets the positions of rows in a list in one call. Rows with an
// ID are moved into the list, rows without one are inserted. Returns the
// list's resulting rows.
func (c *Client) PatchRows(ctx context.Context, listID string, rows []Row, newCount int) ([]Row, error) {
	if err := validateRows(rows); err != nil {
		return nil, err
	}

	var resp rowsResponse
	err := c.doRequest(ctx, request{
		op:     "patch_rows",
		method: http.MethodPatch,
		path:   "/lists/" + url.PathEscape(listID) + "/rows",
		body:   patchRowsRequest{Rows: rows, Count: newCount},
		result: &resp,
		retry:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to patch rows of list %s: %w", listID, err)
	}
	if err := validateRows(resp.Rows); err != nil {
		return nil, err
	}
	c.summaries.Delete(listID)
	return resp.Rows, nil
}

// DeleteRow deletes a row by its row ID
func (c *Client) DeleteRow(ctx context.Context, rowID string) error {
	err := c.doRequest(ctx, request{
		op:     "delete_row",
		method: http.MethodDelete,
		path:   "/rows/" + url.PathEscape(rowID),
		retry:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to delete row %s: %w", rowID, err)
	}
	return nil
}

// CreateList creates an empty remote list and returns its ID
func (c *Client) CreateList(ctx context.Context, title string, images models.Images) (string, error) {
	var resp idResponse
	err := c.doRequest(ctx, request{
		op:     "create_list",
		method: http.MethodPost,
		path:   "/lists",
		body:   createListRequest{Title: title, Images: images},
		result: &resp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create list %q: %w", title, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: create list %q returned no id", models.ErrCorrupt, title)
	}

	c.logger.WithFields(logrus.Fields{
		"title":   title,
		"list_id": resp.ID,
	}).Info("Created remote list")

	return resp.ID, nil
}
