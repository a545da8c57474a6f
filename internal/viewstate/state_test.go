package viewstate

import (
	"testing"

	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(ids ...string) models.OrderPage {
	orders := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, models.Order{ID: id, OrderID: "ORD-" + id, Status: models.StatusPending})
	}
	return models.OrderPage{Orders: orders, TotalCount: len(ids), Page: 1, PageSize: 10}
}

func status(s models.Status) *models.Status { return &s }

func TestReplacePageResetsFlags(t *testing.T) {
	state := New()
	state.ReplacePage(page("a", "b"))
	require.True(t, state.SetFlag("a", FlagUpdating, true))
	require.True(t, state.SetFlag("b", FlagRecentlyChanged, true))

	state.ReplacePage(page("a", "b", "c"))

	snap := state.Snapshot()
	require.Len(t, snap.Rows, 3)
	for _, row := range snap.Rows {
		assert.Equal(t, Flags{}, row.Flags)
	}
	assert.Equal(t, 3, snap.TotalCount)
}

func TestPatchOrderKeepsRowOrder(t *testing.T) {
	state := New()
	state.ReplacePage(page("a", "b", "c"))

	require.True(t, state.PatchOrder("b", models.OrderPatch{Status: status(models.StatusShipped)}))
	assert.False(t, state.PatchOrder("zzz", models.OrderPatch{Status: status(models.StatusShipped)}))

	snap := state.Snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap.Rows[0].ID, snap.Rows[1].ID, snap.Rows[2].ID})
	assert.Equal(t, models.StatusShipped, snap.Rows[1].Status)
}

func TestPatchOrderTwiceEqualsOnce(t *testing.T) {
	patch := models.OrderPatch{Status: status(models.StatusProcessing)}

	once := New()
	once.ReplacePage(page("a"))
	once.PatchOrder("a", patch)

	twice := New()
	twice.ReplacePage(page("a"))
	twice.PatchOrder("a", patch)
	twice.PatchOrder("a", patch)

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestRemoveOrder(t *testing.T) {
	state := New()
	state.ReplacePage(page("a", "b"))
	state.SetFlag("a", FlagRecentlyChanged, true)

	assert.True(t, state.RemoveOrder("a"))
	assert.False(t, state.RemoveOrder("a"))
	assert.False(t, state.RemoveOrder("missing"))

	snap := state.Snapshot()
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "b", snap.Rows[0].ID)
	assert.Equal(t, 1, snap.TotalCount)
	assert.Equal(t, Flags{}, state.Flags("a"))
}

func TestSetFlagIgnoresUnknownOrders(t *testing.T) {
	state := New()
	state.ReplacePage(page("a"))

	assert.False(t, state.SetFlag("ghost", FlagUpdating, true))
	assert.Equal(t, Flags{}, state.Flags("ghost"))

	state.SetFlag("a", FlagUpdating, true)
	state.SetFlag("a", FlagRecentlyChanged, true)
	assert.Equal(t, Flags{IsUpdating: true, RecentlyChanged: true}, state.Flags("a"))

	state.SetFlag("a", FlagUpdating, false)
	assert.Equal(t, Flags{RecentlyChanged: true}, state.Flags("a"))
}

func TestApplyLoadDiscardsSupersededGeneration(t *testing.T) {
	state := New()

	state.BeginLoad(1)
	state.BeginLoad(2)

	assert.True(t, state.ApplyLoad(2, page("new")))
	assert.False(t, state.ApplyLoad(1, page("stale")))

	snap := state.Snapshot()
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "new", snap.Rows[0].ID)
	assert.Equal(t, uint64(2), snap.Generation)
}

func TestApplyLoadReplaysChangesMadeWhileLoading(t *testing.T) {
	state := New()
	state.BeginLoad(1)
	require.True(t, state.ApplyLoad(1, page("a", "b", "c")))

	state.BeginLoad(2)
	// pushed while the read is outstanding; the read may predate both
	state.PatchOrder("b", models.OrderPatch{Status: status(models.StatusDelivered)})
	state.RemoveOrder("c")

	require.True(t, state.ApplyLoad(2, page("a", "b", "c")))

	snap := state.Snapshot()
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, models.StatusDelivered, snap.Rows[1].Status)

	// journal is cleared once applied
	state.BeginLoad(3)
	require.True(t, state.ApplyLoad(3, page("a", "b", "c")))
	assert.Len(t, state.Snapshot().Rows, 3)
}

func TestAbortLoadStopsJournaling(t *testing.T) {
	state := New()
	state.BeginLoad(1)
	require.True(t, state.ApplyLoad(1, page("a", "b")))

	state.BeginLoad(2)
	state.PatchOrder("a", models.OrderPatch{Status: status(models.StatusShipped)})
	require.Len(t, state.journal, 1)

	state.AbortLoad(2)
	assert.Empty(t, state.journal)
	assert.False(t, state.loading())

	state.PatchOrder("b", models.OrderPatch{Status: status(models.StatusShipped)})
	state.RemoveOrder("a")
	assert.Empty(t, state.journal)
	assert.False(t, state.ApplyLoad(2, page("late")))

	snap := state.Snapshot()
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, models.StatusShipped, snap.Rows[0].Status)
	assert.Equal(t, uint64(1), snap.Generation)

	// a read superseded by a newer one cannot end it
	state.BeginLoad(3)
	state.BeginLoad(4)
	state.AbortLoad(3)
	assert.True(t, state.loading())
	assert.True(t, state.ApplyLoad(4, page("x")))
}

func TestOnChangeFiresAfterMutations(t *testing.T) {
	state := New()
	calls := 0
	state.OnChange(func() {
		calls++
		// listeners run outside the lock
		_ = state.Snapshot()
	})

	state.ReplacePage(page("a"))
	state.PatchOrder("a", models.OrderPatch{Status: status(models.StatusShipped)})
	state.PatchOrder("missing", models.OrderPatch{})
	state.SetFlag("a", FlagUpdating, true)
	state.RemoveOrder("a")

	assert.Equal(t, 4, calls)
}
