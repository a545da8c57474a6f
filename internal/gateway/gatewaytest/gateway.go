// Package gatewaytest provides an in-memory gateway with the same query, mutation,
// notification and change-channel semantics as the HTTP gateway.
package gatewaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/jogardn/dropship-orders/internal/changefeed"
	"github.com/jogardn/dropship-orders/pkg/models"
)

var ErrNotFound = errors.New("order not found")

type Gateway struct {
	mutex         sync.Mutex
	orders        []models.Order
	notifications []models.Notification
	feeds         map[string][]*changefeed.Feed

	ListErr      error
	UpdateErr    error
	NotifyErr    error
	SubscribeErr error

	// BeforeList and BeforeUpdate run before the call returns, outside the lock.
	BeforeList   func(params models.QueryParams)
	BeforeUpdate func(orderID string, status models.Status)

	ListCalls      int
	UpdateCalls    int
	SubscribeCalls int
	Closed         int
}

func New(orders ...models.Order) *Gateway {
	return &Gateway{
		orders: append([]models.Order(nil), orders...),
		feeds:  make(map[string][]*changefeed.Feed),
	}
}

func (g *Gateway) ListOrders(ctx context.Context, params models.QueryParams) (models.OrderPage, error) {
	g.mutex.Lock()
	g.ListCalls++
	err := g.ListErr
	page := models.SelectPage(g.orders, params)
	hook := g.BeforeList
	g.mutex.Unlock()

	if hook != nil {
		hook(params)
	}
	if err != nil {
		return models.OrderPage{}, err
	}
	return page, ctx.Err()
}

func (g *Gateway) UpdateOrderStatus(ctx context.Context, orderID string, status models.Status) (models.Order, error) {
	g.mutex.Lock()
	g.UpdateCalls++
	hook := g.BeforeUpdate
	err := g.UpdateErr
	g.mutex.Unlock()

	if hook != nil {
		hook(orderID, status)
	}
	if err != nil {
		return models.Order{}, err
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	for i := range g.orders {
		if g.orders[i].ID == orderID {
			old := g.orders[i]
			g.orders[i].Status = status
			updated := g.orders[i]
			g.publishLocked(ctx, updated.UserID, models.OrderUpdated{Old: old, New: updated, Patch: models.StatusPatch(status)})
			return updated, nil
		}
	}
	return models.Order{}, ErrNotFound
}

func (g *Gateway) InsertNotification(ctx context.Context, notification models.Notification) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.NotifyErr != nil {
		return g.NotifyErr
	}
	g.notifications = append(g.notifications, notification)
	return nil
}

func (g *Gateway) Notifications() []models.Notification {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return append([]models.Notification(nil), g.notifications...)
}

func (g *Gateway) Subscribe(ctx context.Context, principalID string) (changefeed.Subscription, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.SubscribeCalls++
	if g.SubscribeErr != nil {
		return nil, g.SubscribeErr
	}

	var feed *changefeed.Feed
	feed = changefeed.NewFeed(64, func() {
		g.mutex.Lock()
		defer g.mutex.Unlock()
		g.Closed++
		feeds := g.feeds[principalID]
		for i, f := range feeds {
			if f == feed {
				g.feeds[principalID] = append(feeds[:i], feeds[i+1:]...)
				break
			}
		}
	})
	g.feeds[principalID] = append(g.feeds[principalID], feed)
	return feed, nil
}

// FailSubscribe makes every later Subscribe call fail with err, or succeed again when
// err is nil.
func (g *Gateway) FailSubscribe(err error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.SubscribeErr = err
}

// Subscribers returns the number of open subscriptions for principalID.
func (g *Gateway) Subscribers(principalID string) int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.feeds[principalID])
}

// Insert adds an order as an external party would and publishes the change.
func (g *Gateway) Insert(ctx context.Context, order models.Order) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.orders = append(g.orders, order)
	g.publishLocked(ctx, order.UserID, models.OrderInserted{Order: order})
}

// Delete removes an order as an external party would and publishes the change.
func (g *Gateway) Delete(ctx context.Context, id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for i := range g.orders {
		if g.orders[i].ID == id {
			order := g.orders[i]
			g.orders = append(g.orders[:i], g.orders[i+1:]...)
			g.publishLocked(ctx, order.UserID, models.OrderDeleted{ID: order.ID, OrderID: order.OrderID})
			return
		}
	}
}

// Publish pushes an arbitrary event to principalID's subscribers.
func (g *Gateway) Publish(ctx context.Context, principalID string, event models.ChangeEvent) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.publishLocked(ctx, principalID, event)
}

// Drop fails every subscription of principalID with err.
func (g *Gateway) Drop(principalID string, err error) {
	g.mutex.Lock()
	feeds := append([]*changefeed.Feed(nil), g.feeds[principalID]...)
	g.mutex.Unlock()

	for _, feed := range feeds {
		feed.Fail(err)
	}
}

func (g *Gateway) publishLocked(ctx context.Context, principalID string, event models.ChangeEvent) {
	for _, feed := range g.feeds[principalID] {
		feed.Push(ctx, event)
	}
}

func (g *Gateway) Order(id string) (models.Order, bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for _, order := range g.orders {
		if order.ID == id {
			return order, true
		}
	}
	return models.Order{}, false
}
