package overflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/services/listhost"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/sirupsen/logrus"
)

// minChainCapacity is the smallest capacity that can hold a new row plus the
// pointer to the next list
const minChainCapacity = 2

// ListStore is the part of the local store the resolver needs to follow and
// extend overflow chains
type ListStore interface {
	GetList(id string) (*models.List, error)
	CreateList(list *models.List) error
	UpdateList(id string, fn func(*models.List) error) (*models.List, error)
}

// Item is what gets placed into a list
type Item struct {
	PayloadType models.PayloadType
	PayloadID   string
}

// Move records a row that was pushed down an overflow chain
type Move struct {
	Row          listhost.Row
	ListID       string
	RemoteListID string
}

// Result describes the outcome of AddToList
type Result struct {
	RowID        string
	RemoteListID string         // Remote list holding the new row
	Evicted      []listhost.Row // Rows deleted under REMOVEOLDEST
	Moved        []Move         // Rows moved into overflow lists under CREATENEWLIST
}

// Resolver inserts items into capacity-bounded remote lists and applies the
// list's overflow policy when an insert would exceed capacity. Callers must
// hold the list's lock.
type Resolver struct {
	remote listhost.RemoteListClient
	store  ListStore
	logger *logrus.Logger
}

// NewResolver creates a new resolver
func NewResolver(remote listhost.RemoteListClient, store ListStore, logger *logrus.Logger) *Resolver {
	return &Resolver{
		remote: remote,
		store:  store,
		logger: logger,
	}
}

// AddToList inserts item at the top of list. Errors from the list host are
// returned unmodified.
func (r *Resolver) AddToList(ctx context.Context, item Item, list *models.List) (*Result, error) {
	if list.RemoteListID == "" {
		return nil, fmt.Errorf("%w: list %s has no remote list", models.ErrNotFound, list.ID)
	}

	capacity := list.Capacity()
	count, err := r.remote.GetCount(ctx, list.RemoteListID)
	if err != nil {
		return nil, err
	}

	if count+1 <= capacity {
		rowID, err := r.remote.InsertRow(ctx, list.RemoteListID, newRow(item), 1)
		if err != nil {
			return nil, err
		}
		return &Result{RowID: rowID, RemoteListID: list.RemoteListID}, nil
	}

	policy := list.Policy()
	overflows.WithLabelValues(string(policy)).Inc()

	r.logger.WithFields(logrus.Fields{
		"list_id":  list.ID,
		"count":    count,
		"capacity": capacity,
		"policy":   policy,
	}).Info("List at capacity, applying overflow policy")

	switch policy {
	case models.OverflowRemoveOldest:
		return r.removeOldest(ctx, item, list, count)
	case models.OverflowCreateNewList:
		// A single row would spill into every new list of the chain
		if capacity < minChainCapacity {
			return nil, fmt.Errorf("%w: list %s needs a capacity of at least %d to overflow into new lists", models.ErrInvalidInput, list.ID, minChainCapacity)
		}
		return r.cascade(ctx, item, list)
	default:
		return nil, fmt.Errorf("%w: list %s holds %d of %d rows", models.ErrListFull, list.ID, count, capacity)
	}
}

// RemoveFromList deletes a remote row. Overflow chains are not compacted.
func (r *Resolver) RemoveFromList(ctx context.Context, rowID string) error {
	if rowID == "" {
		return nil
	}
	return r.remote.DeleteRow(ctx, rowID)
}

// Placement is a row together with the chain list holding it
type Placement struct {
	Row          listhost.Row
	ListID       string
	RemoteListID string
}

// ChainRows returns every row along head's overflow chain, head first. The
// walk stops at a list without a remote list, a vanished local list or a
// loop. Callers must hold head's lock.
func (r *Resolver) ChainRows(ctx context.Context, head *models.List) ([]Placement, error) {
	var placements []Placement
	visited := make(map[string]bool)

	for current := head; current != nil && !visited[current.ID]; {
		visited[current.ID] = true
		if current.RemoteListID == "" {
			break
		}

		count, err := r.remote.GetCount(ctx, current.RemoteListID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			rows, err := r.remote.GetRows(ctx, current.RemoteListID, count, listhost.SortByPosition)
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				placements = append(placements, Placement{Row: row, ListID: current.ID, RemoteListID: current.RemoteListID})
			}
		}

		if current.OverflowListRef == "" {
			break
		}
		next, err := r.store.GetList(current.OverflowListRef)
		if models.IsNotFound(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load overflow list %s: %w", current.OverflowListRef, err)
		}
		current = next
	}

	return placements, nil
}

// removeOldest deletes the oldest rows until the item fits, then inserts it.
// On failure the result still lists the rows already evicted.
func (r *Resolver) removeOldest(ctx context.Context, item Item, list *models.List, count int) (*Result, error) {
	n := count + 1 - list.Capacity()
	rows, err := r.remote.GetRows(ctx, list.RemoteListID, n, listhost.SortByCreatedAt)
	if err != nil {
		return nil, err
	}

	result := &Result{RemoteListID: list.RemoteListID}
	for _, row := range Oldest(rows, n) {
		if err := r.remote.DeleteRow(ctx, row.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return result, err
		}
		result.Evicted = append(result.Evicted, row)
	}

	rowID, err := r.remote.InsertRow(ctx, list.RemoteListID, newRow(item), 1)
	if err != nil {
		return result, err
	}
	result.RowID = rowID

	r.logger.WithFields(logrus.Fields{
		"list_id": list.ID,
		"evicted": len(result.Evicted),
	}).Info("Evicted oldest rows")

	return result, nil
}

// step is one entry of the cascade worklist
type step struct {
	list     *models.List
	parent   *models.List
	incoming []listhost.Row
}

// planned is a list's layout together with the next list in its chain
type planned struct {
	list   *models.List
	layout Layout
	next   *models.List
}

// cascade places item at the top of list, pushing the oldest rows down the
// overflow chain. Every list of the chain is planned first; patches are then
// applied from the deepest list up, so rows leave a list before it is
// rewritten and no list ever exceeds its capacity. When a patch fails, the
// result still lists the rows already moved by the deeper patches.
func (r *Resolver) cascade(ctx context.Context, item Item, head *models.List) (*Result, error) {
	stack := []step{{list: head, incoming: []listhost.Row{newRow(item)}}}
	visited := make(map[string]bool)
	var plans []planned

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[s.list.ID] {
			return nil, fmt.Errorf("%w: overflow chain of list %s loops at %s", models.ErrCorrupt, head.ID, s.list.ID)
		}
		visited[s.list.ID] = true

		p, err := r.planList(ctx, s.list, s.incoming)
		if err != nil {
			if s.parent != nil && errors.Is(err, models.ErrNotFound) {
				r.clearOverflowRef(s.parent.ID, s.list.ID)
				r.dropPointers(ctx, s.parent, s.list.RemoteListID)
			}
			return nil, err
		}
		plans = append(plans, p)

		if len(p.layout.Spill) > 0 {
			stack = append(stack, step{list: p.next, parent: s.list, incoming: p.layout.Spill})
		}
	}

	result := &Result{RemoteListID: head.RemoteListID}
	for i := len(plans) - 1; i >= 0; i-- {
		p := plans[i]
		rows, err := r.remote.PatchRows(ctx, p.list.RemoteListID, p.layout.Rows, len(p.layout.Rows))
		if err != nil {
			return result, err
		}

		if i > 0 {
			for _, moved := range plans[i-1].layout.Spill {
				result.Moved = append(result.Moved, Move{Row: moved, ListID: p.list.ID, RemoteListID: p.list.RemoteListID})
			}
			continue
		}

		rowID, err := newRowID(rows, p.layout.Rows, item)
		if err != nil {
			return result, err
		}
		result.RowID = rowID
	}

	r.logger.WithFields(logrus.Fields{
		"list_id":     head.ID,
		"chain_depth": len(plans),
		"moved":       len(result.Moved),
	}).Info("Cascaded rows into overflow chain")

	return result, nil
}

// planList reads a list and decides its layout, creating the next overflow
// list when the list has no chain yet and cannot hold the incoming rows
func (r *Resolver) planList(ctx context.Context, list *models.List, incoming []listhost.Row) (planned, error) {
	capacity := list.Capacity()
	count, err := r.remote.GetCount(ctx, list.RemoteListID)
	if err != nil {
		return planned{}, err
	}

	pageSize := capacity
	if count > pageSize {
		pageSize = count
	}
	existing, err := r.remote.GetRows(ctx, list.RemoteListID, pageSize, listhost.SortByPosition)
	if err != nil {
		return planned{}, err
	}

	next, err := r.overflowOf(list)
	if err != nil {
		return planned{}, err
	}

	overflowRemoteID := ""
	if next != nil {
		overflowRemoteID = next.RemoteListID
	}

	layout := Plan(existing, incoming, capacity, overflowRemoteID)
	if layout.NeedsOverflow {
		next, err = r.createOverflow(ctx, list)
		if err != nil {
			return planned{}, err
		}
		layout = Plan(existing, incoming, capacity, next.RemoteListID)
	}

	return planned{list: list, layout: layout, next: next}, nil
}

// overflowOf resolves the list's OverflowListRef, clearing a dangling one
func (r *Resolver) overflowOf(list *models.List) (*models.List, error) {
	if list.OverflowListRef == "" {
		return nil, nil
	}

	next, err := r.store.GetList(list.OverflowListRef)
	if models.IsNotFound(err) || (err == nil && next.RemoteListID == "") {
		r.clearOverflowRef(list.ID, list.OverflowListRef)
		list.OverflowListRef = ""
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load overflow list %s: %w", list.OverflowListRef, err)
	}
	return next, nil
}

// createOverflow creates the next list of the chain remotely and locally and
// persists the back-reference before any row is moved
func (r *Resolver) createOverflow(ctx context.Context, parent *models.List) (*models.List, error) {
	title := utils.OverflowTitle(parent.Name)
	remoteID, err := r.remote.CreateList(ctx, title, parent.Images)
	if err != nil {
		return nil, err
	}

	child := &models.List{
		Name:           title,
		Type:           parent.Type,
		Images:         parent.Images,
		OverflowPolicy: models.OverflowCreateNewList,
		MaxCapacity:    parent.MaxCapacity,
		RemoteListID:   remoteID,
		OverflowOf:     parent.ID,
	}
	if err := r.store.CreateList(child); err != nil {
		return nil, fmt.Errorf("failed to save overflow list: %w", err)
	}

	if _, err := r.store.UpdateList(parent.ID, func(l *models.List) error {
		l.OverflowListRef = child.ID
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to link overflow list: %w", err)
	}
	parent.OverflowListRef = child.ID

	r.logger.WithFields(logrus.Fields{
		"list_id":          parent.ID,
		"overflow_list_id": child.ID,
		"remote_list_id":   remoteID,
	}).Info("Created overflow list")

	return child, nil
}

func (r *Resolver) clearOverflowRef(parentID, staleID string) {
	_, err := r.store.UpdateList(parentID, func(l *models.List) error {
		if l.OverflowListRef == staleID {
			l.OverflowListRef = ""
		}
		return nil
	})
	if err != nil {
		r.logger.WithError(err).WithField("list_id", parentID).Warn("Failed to clear stale overflow reference")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"list_id":          parentID,
		"overflow_list_id": staleID,
	}).Warn("Cleared stale overflow reference")
}

// dropPointers deletes the parent's rows that point at a vanished overflow
// list so they are not mistaken for content once the chain is rebuilt
func (r *Resolver) dropPointers(ctx context.Context, parent *models.List, staleRemoteID string) {
	rows, err := r.remote.GetRows(ctx, parent.RemoteListID, parent.Capacity(), listhost.SortByPosition)
	if err != nil {
		r.logger.WithError(err).WithField("list_id", parent.ID).Warn("Failed to read rows to drop stale pointer")
		return
	}
	for _, row := range rows {
		if !isPointer(row, staleRemoteID) {
			continue
		}
		if err := r.remote.DeleteRow(ctx, row.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			r.logger.WithError(err).WithField("row_id", row.ID).Warn("Failed to drop stale pointer row")
		}
	}
}

func newRow(item Item) listhost.Row {
	return listhost.Row{PayloadType: item.PayloadType, PayloadID: item.PayloadID}
}

// newRowID finds the row created for item among the rows a patch returned
func newRowID(result, sent []listhost.Row, item Item) (string, error) {
	known := make(map[string]bool, len(sent))
	for _, r := range sent {
		if r.ID != "" {
			known[r.ID] = true
		}
	}
	for _, r := range result {
		if r.ID != "" && !known[r.ID] && r.PayloadType == item.PayloadType && r.PayloadID == item.PayloadID {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("%w: patched list has no new row for %s %s", models.ErrCorrupt, item.PayloadType, item.PayloadID)
}
