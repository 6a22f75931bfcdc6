// Package listhosttest provides an in-memory list host for tests.
package listhosttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/services/listhost"
)

type fakeList struct {
	title  string
	images models.Images
	rows   []listhost.Row // by position, newest first
}

// Fake implements listhost.RemoteListClient in memory. Row IDs sort in
// creation order and every created row gets a strictly later timestamp.
type Fake struct {
	mu       sync.Mutex
	lists    map[string]*fakeList
	rowList  map[string]string
	nextID   int
	clock    time.Time
	calls    map[string]int
	maxCount map[string]int
	failures map[string][]error
	lost     map[string][]error

	// AfterGetCount runs after GetCount has read the count, outside the lock
	AfterGetCount func(listID string)
}

var _ listhost.RemoteListClient = (*Fake)(nil)

// NewFake creates an empty list host
func NewFake() *Fake {
	return &Fake{
		lists:    make(map[string]*fakeList),
		rowList:  make(map[string]string),
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		calls:    make(map[string]int),
		maxCount: make(map[string]int),
		failures: make(map[string][]error),
		lost:     make(map[string][]error),
	}
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

func (f *Fake) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// begin counts the call and pops a queued failure; caller holds f.mu
func (f *Fake) begin(op string) error {
	f.calls[op]++
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// end pops a queued lost response for op; caller holds f.mu
func (f *Fake) end(op string) error {
	if queued := f.lost[op]; len(queued) > 0 {
		f.lost[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) renumber(listID string) {
	l := f.lists[listID]
	for i := range l.rows {
		l.rows[i].Position = i + 1
		l.rows[i].ListID = listID
		f.rowList[l.rows[i].ID] = listID
	}
	if len(l.rows) > f.maxCount[listID] {
		f.maxCount[listID] = len(l.rows)
	}
}

func (f *Fake) removeRow(rowID string) (listhost.Row, bool) {
	listID, ok := f.rowList[rowID]
	if !ok {
		return listhost.Row{}, false
	}
	l := f.lists[listID]
	for i, r := range l.rows {
		if r.ID == rowID {
			l.rows = append(l.rows[:i], l.rows[i+1:]...)
			delete(f.rowList, rowID)
			f.renumber(listID)
			return r, true
		}
	}
	return listhost.Row{}, false
}

// AddList creates a list directly and returns its remote ID
func (f *Fake) AddList(title string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("remote")
	f.lists[id] = &fakeList{title: title}
	return id
}

// RemoveList deletes a list as if removed out-of-band
func (f *Fake) RemoveList(listID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lists[listID]; ok {
		for _, r := range l.rows {
			delete(f.rowList, r.ID)
		}
		delete(f.lists, listID)
	}
}

// Append adds rows at the bottom of a list, each older than the ones above
// it, and returns their IDs. Rows are given oldest first.
func (f *Fake) Append(listID string, payloadType models.PayloadType, payloadIDs ...string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[listID]
	var ids []string
	for _, pid := range payloadIDs {
		row := listhost.Row{ID: f.id("row"), PayloadType: payloadType, PayloadID: pid, CreatedAt: f.tick()}
		l.rows = append([]listhost.Row{row}, l.rows...)
		ids = append(ids, row.ID)
	}
	f.renumber(listID)
	return ids
}

// Rows returns a copy of a list's rows in position order
func (f *Fake) Rows(listID string) []listhost.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return nil
	}
	return append([]listhost.Row(nil), l.rows...)
}

// PayloadIDs returns a list's payload IDs in position order
func (f *Fake) PayloadIDs(listID string) []string {
	var ids []string
	for _, r := range f.Rows(listID) {
		ids = append(ids, r.PayloadID)
	}
	return ids
}

// Title returns a list's title
func (f *Fake) Title(listID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lists[listID]; ok {
		return l.title
	}
	return ""
}

// ListCount returns the number of lists held
func (f *Fake) ListCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists)
}

// MaxCount returns the highest row count a list ever reached
func (f *Fake) MaxCount(listID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxCount[listID]
}

// Calls returns how many times op was called
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailNext makes the next call of op return err without taking effect. A nil
// err lets that call through.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// LoseNextResponse makes the next InsertRow or DeleteRow take effect and then
// return err, as when the response never reaches the caller
func (f *Fake) LoseNextResponse(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[op] = append(f.lost[op], err)
}

// GetList implements listhost.RemoteListClient
func (f *Fake) GetList(ctx context.Context, listID string) (*listhost.RemoteList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetList"); err != nil {
		return nil, err
	}
	l, ok := f.lists[listID]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", models.ErrNotFound, listID)
	}
	return &listhost.RemoteList{ID: listID, Title: l.title, Images: l.images, Count: len(l.rows)}, nil
}

// GetCount implements listhost.RemoteListClient
func (f *Fake) GetCount(ctx context.Context, listID string) (int, error) {
	f.mu.Lock()
	err := f.begin("GetCount")
	l, ok := f.lists[listID]
	count := 0
	if ok {
		count = len(l.rows)
	}
	hook := f.AfterGetCount
	f.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: list %s", models.ErrNotFound, listID)
	}
	if hook != nil {
		hook(listID)
	}
	return count, nil
}

// GetRows implements listhost.RemoteListClient
func (f *Fake) GetRows(ctx context.Context, listID string, pageSize int, sortKey listhost.SortKey) ([]listhost.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetRows"); err != nil {
		return nil, err
	}
	l, ok := f.lists[listID]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", models.ErrNotFound, listID)
	}

	rows := append([]listhost.Row(nil), l.rows...)
	if sortKey == listhost.SortByCreatedAt {
		sort.SliceStable(rows, func(i, j int) bool {
			if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
				return rows[i].CreatedAt.Before(rows[j].CreatedAt)
			}
			return rows[i].ID < rows[j].ID
		})
	}
	if pageSize > 0 && len(rows) > pageSize {
		rows = rows[:pageSize]
	}
	return rows, nil
}

// InsertRow implements listhost.RemoteListClient
func (f *Fake) InsertRow(ctx context.Context, listID string, row listhost.Row, position int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("InsertRow"); err != nil {
		return "", err
	}
	l, ok := f.lists[listID]
	if !ok {
		return "", fmt.Errorf("%w: list %s", models.ErrNotFound, listID)
	}

	row.ID = f.id("row")
	row.CreatedAt = f.tick()
	idx := position - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(l.rows) {
		idx = len(l.rows)
	}
	l.rows = append(l.rows[:idx], append([]listhost.Row{row}, l.rows[idx:]...)...)
	f.renumber(listID)
	if err := f.end("InsertRow"); err != nil {
		return "", err
	}
	return row.ID, nil
}

// PatchRows implements listhost.RemoteListClient. The list's contents become
// exactly rows; rows with an ID are moved here from wherever they are.
func (f *Fake) PatchRows(ctx context.Context, listID string, rows []listhost.Row, newCount int) ([]listhost.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PatchRows"); err != nil {
		return nil, err
	}
	l, ok := f.lists[listID]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", models.ErrNotFound, listID)
	}
	if newCount != len(rows) {
		return nil, fmt.Errorf("count %d does not match %d rows", newCount, len(rows))
	}

	ordered := append([]listhost.Row(nil), rows...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	var next []listhost.Row
	for _, r := range ordered {
		if r.ID != "" {
			existing, found := f.removeRow(r.ID)
			if !found {
				return nil, fmt.Errorf("%w: row %s", models.ErrNotFound, r.ID)
			}
			r.CreatedAt = existing.CreatedAt
		} else {
			r.ID = f.id("row")
			r.CreatedAt = f.tick()
		}
		next = append(next, r)
	}

	for _, old := range l.rows {
		delete(f.rowList, old.ID)
	}
	l.rows = next
	f.renumber(listID)
	return append([]listhost.Row(nil), l.rows...), nil
}

// DeleteRow implements listhost.RemoteListClient
func (f *Fake) DeleteRow(ctx context.Context, rowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteRow"); err != nil {
		return err
	}
	if _, ok := f.removeRow(rowID); !ok {
		return fmt.Errorf("%w: row %s", models.ErrNotFound, rowID)
	}
	return f.end("DeleteRow")
}

// CreateList implements listhost.RemoteListClient
func (f *Fake) CreateList(ctx context.Context, title string, images models.Images) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateList"); err != nil {
		return "", err
	}
	id := f.id("remote")
	f.lists[id] = &fakeList{title: title, images: images}
	return id, nil
}

// CachedList returns the list's current summary; the fake has no cache
func (f *Fake) CachedList(ctx context.Context, listID string) (*listhost.RemoteList, error) {
	return f.GetList(ctx, listID)
}
