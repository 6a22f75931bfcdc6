package overflow

import (
	"sort"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/services/listhost"
)

// Layout is the planned content of one remote list
type Layout struct {
	Rows          []listhost.Row // Final rows with 1-based positions
	Spill         []listhost.Row // Oldest rows that must move down the chain, newest first
	NeedsOverflow bool           // Incoming rows do not fit and the list has no chain yet
}

// Plan places incoming rows (newest first) above the existing rows of a list
// (position order) without exceeding capacity. When overflowRemoteID is set
// the list keeps a pointer row to it in its last slot, so only capacity-1
// content rows fit; the rest spill into the chain in their current order.
// Without a chain, a list that cannot hold everything reports NeedsOverflow.
func Plan(existing, incoming []listhost.Row, capacity int, overflowRemoteID string) Layout {
	var pointer *listhost.Row
	content := make([]listhost.Row, 0, len(incoming)+len(existing))
	content = append(content, incoming...)
	for _, r := range existing {
		if overflowRemoteID != "" && isPointer(r, overflowRemoteID) {
			if pointer == nil {
				p := r
				pointer = &p
			}
			continue
		}
		content = append(content, r)
	}

	if overflowRemoteID == "" {
		if len(content) > capacity {
			return Layout{NeedsOverflow: true}
		}
		return Layout{Rows: renumber(content)}
	}

	if pointer == nil {
		pointer = &listhost.Row{PayloadType: models.PayloadList, PayloadID: overflowRemoteID}
	}

	keep := capacity - 1
	var spill []listhost.Row
	if len(content) > keep {
		spill = append(spill, content[keep:]...)
		content = content[:keep]
	}

	rows := append(content, *pointer)
	return Layout{Rows: renumber(rows), Spill: spill}
}

func isPointer(r listhost.Row, overflowRemoteID string) bool {
	return r.PayloadType == models.PayloadList && r.PayloadID == overflowRemoteID
}

func renumber(rows []listhost.Row) []listhost.Row {
	out := make([]listhost.Row, len(rows))
	for i, r := range rows {
		r.Position = i + 1
		out[i] = r
	}
	return out
}

// Oldest returns the n rows with the smallest creation time, ties broken by
// row ID, oldest first
func Oldest(rows []listhost.Row, n int) []listhost.Row {
	sorted := append([]listhost.Row(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
