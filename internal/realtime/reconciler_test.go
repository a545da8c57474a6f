package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/dropship-orders/internal/gateway/gatewaytest"
	"github.com/jogardn/dropship-orders/internal/notify"
	"github.com/jogardn/dropship-orders/internal/viewstate"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mutex sync.Mutex
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	return nil
}

func (f *fakeRefresher) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type fixture struct {
	reconciler *Reconciler
	gateway    *gatewaytest.Gateway
	state      *viewstate.State
	refresher  *fakeRefresher
	history    *notify.History
}

func newFixture(t *testing.T, config Config, ids ...string) *fixture {
	t.Helper()

	orders := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, models.Order{ID: id, OrderID: "ORD-" + id, UserID: "u1", Status: models.StatusPending})
	}

	gw := gatewaytest.New(orders...)
	state := viewstate.New()
	state.ReplacePage(models.OrderPage{Orders: orders, TotalCount: len(orders), Page: 1, PageSize: 10})

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	refresher := &fakeRefresher{}
	history := notify.NewHistory(50)
	r := NewReconciler(gw, state, refresher, gw, history, config, logger)
	t.Cleanup(r.Stop)

	return &fixture{reconciler: r, gateway: gw, state: state, refresher: refresher, history: history}
}

func statusUpdate(id string, from, to models.Status) models.OrderUpdated {
	return models.OrderUpdated{
		Old:   models.Order{ID: id, Status: from},
		New:   models.Order{ID: id, Status: to},
		Patch: models.StatusPatch(to),
	}
}

func TestStatusChangeEmitsOneNotificationAndRecord(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: time.Hour}, "A")
	require.NoError(t, f.reconciler.Start(context.Background(), "u1"))

	f.reconciler.Handle(context.Background(), statusUpdate("A", models.StatusPending, models.StatusProcessing))

	notices := f.history.Notices()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Message, "pending")
	assert.Contains(t, notices[0].Message, "processing")
	assert.Contains(t, notices[0].Message, "ORD-A")

	records := f.gateway.Notifications()
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].UserID)
	assert.Equal(t, "A", records[0].ReferenceID)
	assert.Equal(t, models.NotificationTypeOrderStatus, records[0].Type)
	assert.False(t, records[0].IsRead)

	order, _ := f.state.Order("A")
	assert.Equal(t, models.StatusProcessing, order.Status)
	assert.True(t, f.state.Flags("A").RecentlyChanged)
}

func TestUpdateWithoutStatusChangeIsQuiet(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: time.Hour}, "A")
	tracking := "TRK-1"

	f.reconciler.Handle(context.Background(), models.OrderUpdated{
		Old:   models.Order{ID: "A", Status: models.StatusPending},
		New:   models.Order{ID: "A", Status: models.StatusPending},
		Patch: models.OrderPatch{TrackingNumber: &tracking},
	})

	assert.Empty(t, f.history.Notices())
	assert.Empty(t, f.gateway.Notifications())
	order, _ := f.state.Order("A")
	assert.Equal(t, "TRK-1", order.TrackingNumber)
}

func TestSameUpdateTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: time.Hour}, "A", "B")
	event := statusUpdate("A", models.StatusPending, models.StatusShipped)

	f.reconciler.Handle(context.Background(), event)
	first := f.state.Snapshot()
	f.reconciler.Handle(context.Background(), event)

	assert.Equal(t, first, f.state.Snapshot())
}

func TestDeleteUnknownOrderIsNoop(t *testing.T) {
	f := newFixture(t, Config{}, "A")

	assert.NotPanics(t, func() {
		f.reconciler.Handle(context.Background(), models.OrderDeleted{ID: "ghost"})
	})
	assert.Len(t, f.state.Snapshot().Rows, 1)
}

func TestDeleteRemovesOrderAndCancelsHighlight(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: 30 * time.Millisecond}, "A", "B")
	ctx := context.Background()

	f.reconciler.Handle(ctx, statusUpdate("A", models.StatusPending, models.StatusShipped))
	f.reconciler.Handle(ctx, models.OrderDeleted{ID: "A"})

	_, ok := f.state.Order("A")
	assert.False(t, ok)
	f.reconciler.mutex.Lock()
	assert.Empty(t, f.reconciler.timers)
	f.reconciler.mutex.Unlock()

	last := f.history.Notices()[len(f.history.Notices())-1]
	assert.Equal(t, "Order removed", last.Title)
	assert.Contains(t, last.Message, "ORD-A")
}

func TestInsertTriggersRefetchNotAppend(t *testing.T) {
	f := newFixture(t, Config{}, "A")

	f.reconciler.Handle(context.Background(), models.OrderInserted{Order: models.Order{ID: "N", OrderID: "ORD-NEW"}})
	f.reconciler.Wait()

	assert.Equal(t, 1, f.refresher.Calls())
	assert.Len(t, f.state.Snapshot().Rows, 1)
	notices := f.history.Notices()
	require.Len(t, notices, 1)
	assert.True(t, strings.Contains(notices[0].Message, "ORD-NEW"))
}

func TestHighlightTimersAreIndependent(t *testing.T) {
	window := 200 * time.Millisecond
	f := newFixture(t, Config{HighlightFor: window}, "A", "B", "C")
	ctx := context.Background()

	f.reconciler.Handle(ctx, statusUpdate("A", models.StatusPending, models.StatusShipped))
	time.Sleep(80 * time.Millisecond)
	f.reconciler.Handle(ctx, statusUpdate("B", models.StatusPending, models.StatusShipped))
	time.Sleep(80 * time.Millisecond)
	f.reconciler.Handle(ctx, statusUpdate("C", models.StatusPending, models.StatusShipped))

	assert.Eventually(t, func() bool {
		return !f.state.Flags("A").RecentlyChanged
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.state.Flags("C").RecentlyChanged, "C must still be highlighted when A expires")

	assert.Eventually(t, func() bool {
		return !f.state.Flags("B").RecentlyChanged && !f.state.Flags("C").RecentlyChanged
	}, time.Second, 5*time.Millisecond)
}

func TestPushAfterOptimisticPatchWins(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: time.Hour}, "A")

	// optimistic patch from a pending local update
	f.state.PatchOrder("A", models.StatusPatch(models.StatusShipped))
	f.reconciler.Handle(context.Background(), statusUpdate("A", models.StatusPending, models.StatusProcessing))

	order, _ := f.state.Order("A")
	assert.Equal(t, models.StatusProcessing, order.Status)
}

func TestNotificationWriteFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: time.Hour}, "A")
	require.NoError(t, f.reconciler.Start(context.Background(), "u1"))
	f.gateway.NotifyErr = errors.New("insert failed")

	f.reconciler.Handle(context.Background(), statusUpdate("A", models.StatusPending, models.StatusCancelled))

	order, _ := f.state.Order("A")
	assert.Equal(t, models.StatusCancelled, order.Status)
	assert.Len(t, f.history.Notices(), 1)
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, "A")
	ctx := context.Background()

	assert.Equal(t, StateUnsubscribed, f.reconciler.State())
	require.NoError(t, f.reconciler.Start(ctx, "u1"))
	require.NoError(t, f.reconciler.Start(ctx, "u1"))
	assert.Equal(t, StateSubscribed, f.reconciler.State())
	assert.Equal(t, 1, f.gateway.SubscribeCalls)
	assert.Equal(t, 1, f.gateway.Subscribers("u1"))

	assert.ErrorIs(t, f.reconciler.Start(ctx, "u2"), ErrAlreadySubscribed)

	f.reconciler.Stop()
	f.reconciler.Stop()
	assert.Equal(t, StateUnsubscribed, f.reconciler.State())
	assert.Equal(t, 0, f.gateway.Subscribers("u1"))
	assert.Equal(t, 1, f.gateway.Closed)

	require.NoError(t, f.reconciler.Start(ctx, "u2"))
	assert.Equal(t, 1, f.gateway.Subscribers("u2"))
	assert.Equal(t, 0, f.gateway.Subscribers("u1"))
}

func TestSubscribeFailure(t *testing.T) {
	f := newFixture(t, Config{}, "A")
	f.gateway.SubscribeErr = errors.New("socket refused")

	err := f.reconciler.Start(context.Background(), "u1")

	assert.ErrorIs(t, err, ErrSubscription)
	assert.Equal(t, StateUnsubscribed, f.reconciler.State())
	assert.Equal(t, 1, f.history.Count(notify.LevelError))
}

func TestPushedEventsReachViewState(t *testing.T) {
	f := newFixture(t, Config{HighlightFor: time.Hour}, "A")
	ctx := context.Background()
	require.NoError(t, f.reconciler.Start(ctx, "u1"))

	_, err := f.gateway.UpdateOrderStatus(ctx, "A", models.StatusDelivered)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		order, _ := f.state.Order("A")
		return order.Status == models.StatusDelivered
	}, time.Second, 5*time.Millisecond)

	// other principals' changes never arrive
	f.gateway.Publish(ctx, "u2", models.OrderDeleted{ID: "A"})
	time.Sleep(20 * time.Millisecond)
	_, ok := f.state.Order("A")
	assert.True(t, ok)
}

func TestDroppedChannelResubscribesAndRefetches(t *testing.T) {
	f := newFixture(t, Config{ResubscribeDelay: 10 * time.Millisecond}, "A")
	require.NoError(t, f.reconciler.Start(context.Background(), "u1"))

	f.gateway.Drop("u1", errors.New("connection reset"))

	assert.Eventually(t, func() bool {
		return f.gateway.Subscribers("u1") == 1 && f.reconciler.State() == StateSubscribed && f.refresher.Calls() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.gateway.SubscribeCalls)
	assert.Equal(t, 1, f.history.Count(notify.LevelError))
}

func TestDroppedChannelWithoutResubscribe(t *testing.T) {
	f := newFixture(t, Config{}, "A")
	require.NoError(t, f.reconciler.Start(context.Background(), "u1"))

	f.gateway.Drop("u1", errors.New("connection reset"))

	assert.Eventually(t, func() bool {
		return f.reconciler.State() == StateUnsubscribed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.gateway.SubscribeCalls)
}

func TestStartWhileReconnectingKeepsOneSubscription(t *testing.T) {
	f := newFixture(t, Config{ResubscribeDelay: 10 * time.Millisecond}, "A")
	ctx := context.Background()
	require.NoError(t, f.reconciler.Start(ctx, "u1"))

	f.gateway.FailSubscribe(errors.New("socket refused"))
	f.gateway.Drop("u1", errors.New("connection reset"))
	assert.Eventually(t, func() bool {
		return f.reconciler.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.reconciler.Start(ctx, "u1"))
	assert.ErrorIs(t, f.reconciler.Start(ctx, "u2"), ErrAlreadySubscribed)
	assert.Equal(t, 0, f.gateway.Subscribers("u1"))

	f.gateway.FailSubscribe(nil)
	assert.Eventually(t, func() bool {
		return f.reconciler.State() == StateSubscribed && f.gateway.Subscribers("u1") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.gateway.Subscribers("u1"))

	f.reconciler.Stop()
	assert.Equal(t, StateUnsubscribed, f.reconciler.State())
	assert.Equal(t, 0, f.gateway.Subscribers("u1"))
}

func TestStopWhileReconnectingEndsRetries(t *testing.T) {
	f := newFixture(t, Config{ResubscribeDelay: 10 * time.Millisecond}, "A")
	require.NoError(t, f.reconciler.Start(context.Background(), "u1"))

	f.gateway.FailSubscribe(errors.New("socket refused"))
	f.gateway.Drop("u1", errors.New("connection reset"))
	assert.Eventually(t, func() bool {
		return f.reconciler.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	f.reconciler.Stop()
	f.gateway.FailSubscribe(nil)
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, StateUnsubscribed, f.reconciler.State())
	assert.Equal(t, 0, f.gateway.Subscribers("u1"))
}

func TestStartAfterDropWithoutResubscribe(t *testing.T) {
	f := newFixture(t, Config{}, "A")
	ctx := context.Background()
	require.NoError(t, f.reconciler.Start(ctx, "u1"))

	f.gateway.Drop("u1", errors.New("connection reset"))
	assert.Eventually(t, func() bool {
		return f.reconciler.State() == StateUnsubscribed
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.reconciler.Start(ctx, "u1"))
	assert.Equal(t, StateSubscribed, f.reconciler.State())
	assert.Equal(t, 1, f.gateway.Subscribers("u1"))

	f.reconciler.Stop()
	assert.Equal(t, 0, f.gateway.Subscribers("u1"))
}
