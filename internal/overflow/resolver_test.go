package overflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/services/listhost/listhosttest"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	resolver *Resolver
	remote   *listhosttest.Fake
	db       *models.Database
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	remote := listhosttest.NewFake()
	return &fixture{
		resolver: NewResolver(remote, db, utils.NewTestLogger()),
		remote:   remote,
		db:       db,
	}
}

// newList creates a list with the given sermons already in it, oldest first
func (f *fixture) newList(t *testing.T, name string, policy models.OverflowPolicy, capacity int, sermons ...string) *models.List {
	t.Helper()
	remoteID := f.remote.AddList(name)
	if len(sermons) > 0 {
		f.remote.Append(remoteID, models.PayloadSermon, sermons...)
	}
	list := &models.List{
		Name:           name,
		Type:           models.ListTypeSeries,
		OverflowPolicy: policy,
		MaxCapacity:    capacity,
		RemoteListID:   remoteID,
	}
	require.NoError(t, f.db.CreateList(list))
	return list
}

func (f *fixture) add(t *testing.T, listID, sermonID string) (*Result, error) {
	t.Helper()
	list, err := f.db.GetList(listID)
	require.NoError(t, err)
	return f.resolver.AddToList(context.Background(), Item{PayloadType: models.PayloadSermon, PayloadID: sermonID}, list)
}

// chain returns the lists of an overflow chain starting at listID
func (f *fixture) chain(t *testing.T, listID string) []*models.List {
	t.Helper()
	var lists []*models.List
	for id := listID; id != ""; {
		list, err := f.db.GetList(id)
		require.NoError(t, err)
		lists = append(lists, list)
		id = list.OverflowListRef
	}
	return lists
}

// content returns the sermons held along a chain, newest first
func (f *fixture) content(t *testing.T, listID string) []string {
	t.Helper()
	var ids []string
	for _, list := range f.chain(t, listID) {
		for _, r := range f.remote.Rows(list.RemoteListID) {
			if r.PayloadType == models.PayloadSermon {
				ids = append(ids, r.PayloadID)
			}
		}
	}
	return ids
}

func TestAddToListFastPath(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowError, 3, "a", "b")

	result, err := f.add(t, list.ID, "c")
	require.NoError(t, err)

	rows := f.remote.Rows(list.RemoteListID)
	require.Len(t, rows, 3)
	assert.Equal(t, result.RowID, rows[0].ID)
	assert.Equal(t, 1, rows[0].Position)
	assert.Equal(t, list.RemoteListID, result.RemoteListID)
	assert.Equal(t, []string{"c", "b", "a"}, f.remote.PayloadIDs(list.RemoteListID))
}

func TestAddToListErrorPolicy(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowError, 3, "a", "b", "c")

	_, err := f.add(t, list.ID, "d")
	assert.ErrorIs(t, err, models.ErrListFull)
	assert.Equal(t, []string{"c", "b", "a"}, f.remote.PayloadIDs(list.RemoteListID))
	assert.Zero(t, f.remote.Calls("InsertRow"))
}

func TestAddToListWithoutRemoteList(t *testing.T) {
	f := newFixture(t)
	list := &models.List{Name: "Draft"}
	require.NoError(t, f.db.CreateList(list))

	_, err := f.add(t, list.ID, "a")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAddToListRemoveOldest(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Latest", models.OverflowRemoveOldest, 3, "a", "b", "c")

	result, err := f.add(t, list.ID, "d")
	require.NoError(t, err)

	assert.Equal(t, []string{"d", "c", "b"}, f.remote.PayloadIDs(list.RemoteListID))
	require.Len(t, result.Evicted, 1)
	assert.Equal(t, "a", result.Evicted[0].PayloadID)
	assert.LessOrEqual(t, f.remote.MaxCount(list.RemoteListID), 3)
}

func TestAddToListRemoveOldestSeveral(t *testing.T) {
	f := newFixture(t)
	// Capacity lowered after the list was filled
	list := f.newList(t, "Latest", models.OverflowRemoveOldest, 3, "a", "b", "c", "d", "e")

	result, err := f.add(t, list.ID, "f")
	require.NoError(t, err)

	assert.Equal(t, []string{"f", "e", "d"}, f.remote.PayloadIDs(list.RemoteListID))
	assert.Equal(t, []string{"a", "b", "c"}, payloads(result.Evicted))
}

func TestAddToListCreatesOverflowList(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 3, "a", "b", "c")

	result, err := f.add(t, list.ID, "d")
	require.NoError(t, err)

	lists := f.chain(t, list.ID)
	require.Len(t, lists, 2)
	primary, secondary := lists[0], lists[1]

	assert.Equal(t, "More Romans", secondary.Name)
	assert.Equal(t, primary.ID, secondary.OverflowOf)
	assert.Equal(t, models.OverflowCreateNewList, secondary.OverflowPolicy)
	assert.Equal(t, "More Romans", f.remote.Title(secondary.RemoteListID))

	assert.Equal(t, []string{"d", "c", secondary.RemoteListID}, f.remote.PayloadIDs(primary.RemoteListID))
	assert.Equal(t, []string{"b", "a"}, f.remote.PayloadIDs(secondary.RemoteListID))

	assert.Equal(t, f.remote.Rows(primary.RemoteListID)[0].ID, result.RowID)
	assert.Equal(t, primary.RemoteListID, result.RemoteListID)
	require.Len(t, result.Moved, 2)
	for _, m := range result.Moved {
		assert.Equal(t, secondary.ID, m.ListID)
		assert.Equal(t, secondary.RemoteListID, m.RemoteListID)
	}
	assert.LessOrEqual(t, f.remote.MaxCount(primary.RemoteListID), 3)
}

func TestAddToListCreateNewListNeedsRoomForPointer(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 1, "a")

	_, err := f.add(t, list.ID, "b")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Equal(t, 1, f.remote.ListCount())
	assert.Equal(t, []string{"a"}, f.remote.PayloadIDs(list.RemoteListID))
}

func TestAddToListCascadeStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 3, "a", "b", "c")
	loaded, err := f.db.GetList(list.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.resolver.AddToList(ctx, Item{PayloadType: models.PayloadSermon, PayloadID: "d"}, loaded)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.remote.ListCount())
}

func TestAddToListReportsMovesWhenHeadPatchFails(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 3, "a", "b", "c")

	// The overflow list is patched first and succeeds; the head patch fails
	f.remote.FailNext("PatchRows", nil)
	f.remote.FailNext("PatchRows", models.ErrRemoteUnavailable)

	result, err := f.add(t, list.ID, "d")
	assert.ErrorIs(t, err, models.ErrRemoteUnavailable)
	require.NotNil(t, result)
	assert.Empty(t, result.RowID)

	lists := f.chain(t, list.ID)
	require.Len(t, lists, 2)
	assert.Equal(t, []string{"b", "a"}, f.remote.PayloadIDs(lists[1].RemoteListID))
	require.Len(t, result.Moved, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{result.Moved[0].Row.PayloadID, result.Moved[1].Row.PayloadID})
	for _, m := range result.Moved {
		assert.Equal(t, lists[1].RemoteListID, m.RemoteListID)
	}
}

func TestAddToListExtendsChain(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 3)

	var added []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("s%d", i)
		_, err := f.add(t, list.ID, id)
		require.NoError(t, err, "adding %s", id)
		added = append([]string{id}, added...)
	}

	assert.Equal(t, added, f.content(t, list.ID))

	lists := f.chain(t, list.ID)
	require.Len(t, lists, 4)
	assert.Equal(t, "More More Romans", lists[2].Name)
	for _, l := range lists {
		assert.LessOrEqual(t, f.remote.MaxCount(l.RemoteListID), 3, l.Name)
	}
	assert.Equal(t, 4, f.remote.ListCount())
}

func TestAddToListDetectsChainCycle(t *testing.T) {
	f := newFixture(t)
	primary := f.newList(t, "Romans", models.OverflowCreateNewList, 3, "a", "b")
	secondary := f.newList(t, "More Romans", models.OverflowCreateNewList, 3, "c", "d")

	f.remote.Append(primary.RemoteListID, models.PayloadList, secondary.RemoteListID)
	f.remote.Append(secondary.RemoteListID, models.PayloadList, primary.RemoteListID)
	_, err := f.db.UpdateList(primary.ID, func(l *models.List) error {
		l.OverflowListRef = secondary.ID
		return nil
	})
	require.NoError(t, err)
	_, err = f.db.UpdateList(secondary.ID, func(l *models.List) error {
		l.OverflowListRef = primary.ID
		return nil
	})
	require.NoError(t, err)

	_, err = f.add(t, primary.ID, "e")
	assert.ErrorIs(t, err, models.ErrCorrupt)
	assert.Zero(t, f.remote.Calls("PatchRows"))
}

func TestAddToListClearsVanishedOverflowList(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 3, "a", "b", "c")

	_, err := f.add(t, list.ID, "d")
	require.NoError(t, err)
	lists := f.chain(t, list.ID)
	require.Len(t, lists, 2)
	f.remote.RemoveList(lists[1].RemoteListID)

	_, err = f.add(t, list.ID, "e")
	assert.ErrorIs(t, err, models.ErrNotFound)

	primary, err := f.db.GetList(list.ID)
	require.NoError(t, err)
	assert.Empty(t, primary.OverflowListRef)
	assert.Equal(t, []string{"d", "c"}, f.remote.PayloadIDs(list.RemoteListID))

	_, err = f.add(t, list.ID, "e")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, f.remote.PayloadIDs(list.RemoteListID))
}

func TestAddToListPassesRemoteErrorsThrough(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowError, 3)
	f.remote.FailNext("GetCount", models.ErrRemoteUnavailable)

	_, err := f.add(t, list.ID, "a")
	assert.Equal(t, models.ErrRemoteUnavailable, err)
}

func TestChainRowsWalksOverflowChain(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowCreateNewList, 3, "a", "b", "c")
	_, err := f.add(t, list.ID, "d")
	require.NoError(t, err)

	head, err := f.db.GetList(list.ID)
	require.NoError(t, err)
	placements, err := f.resolver.ChainRows(context.Background(), head)
	require.NoError(t, err)

	lists := f.chain(t, list.ID)
	require.Len(t, lists, 2)
	var ids []string
	for _, p := range placements {
		ids = append(ids, p.Row.PayloadID)
		if p.Row.PayloadID == "a" || p.Row.PayloadID == "b" {
			assert.Equal(t, lists[1].ID, p.ListID)
			assert.Equal(t, lists[1].RemoteListID, p.RemoteListID)
		}
	}
	assert.Equal(t, []string{"d", "c", lists[1].RemoteListID, "b", "a"}, ids)
}

func TestRemoveFromList(t *testing.T) {
	f := newFixture(t)
	list := f.newList(t, "Romans", models.OverflowError, 3, "a", "b")
	rows := f.remote.Rows(list.RemoteListID)

	require.NoError(t, f.resolver.RemoveFromList(context.Background(), ""))
	require.NoError(t, f.resolver.RemoveFromList(context.Background(), rows[0].ID))
	assert.Equal(t, []string{"a"}, f.remote.PayloadIDs(list.RemoteListID))

	err := f.resolver.RemoveFromList(context.Background(), rows[0].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
