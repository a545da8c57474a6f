package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/dropship-orders/internal/changefeed"
	"github.com/jogardn/dropship-orders/internal/notify"
	"github.com/jogardn/dropship-orders/internal/viewstate"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	ErrSubscription      = errors.New("realtime subscription failed")
	ErrAlreadySubscribed = errors.New("realtime subscription already active for another principal")
)

const DefaultHighlightFor = 3 * time.Second

type NotificationWriter interface {
	InsertNotification(ctx context.Context, notification models.Notification) error
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	HighlightFor     time.Duration
	ResubscribeDelay time.Duration
	WriteTimeout     time.Duration
}

type highlight struct {
	timer *time.Timer
}

// Reconciler applies pushed order changes to the view state. Events are handled one
// at a time in delivery order.
type Reconciler struct {
	subscriber changefeed.Subscriber
	state      *viewstate.State
	refresher  Refresher
	writer     NotificationWriter
	notifier   notify.Notifier
	logger     *logrus.Logger
	config     Config

	mutex     sync.Mutex
	status    State
	principal string
	sub       changefeed.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	timers    map[string]*highlight

	pending sync.WaitGroup
}

func NewReconciler(subscriber changefeed.Subscriber, state *viewstate.State, refresher Refresher, writer NotificationWriter, notifier notify.Notifier, config Config, logger *logrus.Logger) *Reconciler {
	if config.HighlightFor <= 0 {
		config.HighlightFor = DefaultHighlightFor
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	return &Reconciler{
		subscriber: subscriber,
		state:      state,
		refresher:  refresher,
		writer:     writer,
		notifier:   notifier,
		logger:     logger,
		config:     config,
		timers:     make(map[string]*highlight),
	}
}

func (r *Reconciler) State() State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.status
}

func (r *Reconciler) Principal() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.principal
}

// Start subscribes to changes for principalID. Calling it again for the same principal
// is a no-op, including while a dropped channel is being re-established; a different
// principal requires Stop first.
func (r *Reconciler) Start(ctx context.Context, principalID string) error {
	r.mutex.Lock()
	if r.status != StateUnsubscribed {
		same := r.principal == principalID
		r.mutex.Unlock()
		if same {
			return nil
		}
		return ErrAlreadySubscribed
	}
	r.status = StateSubscribing
	r.principal = principalID
	staleCancel, staleDone := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mutex.Unlock()

	// A loop that gave up after a drop may still be finishing.
	if staleCancel != nil {
		staleCancel()
	}
	if staleDone != nil {
		<-staleDone
	}

	logger := r.logger.WithField("principal", principalID)
	logger.Info("Subscribing to order changes")

	sub, err := r.subscriber.Subscribe(ctx, principalID)
	if err != nil {
		r.mutex.Lock()
		r.status = StateUnsubscribed
		r.principal = ""
		r.mutex.Unlock()

		logger.WithError(err).Error("Failed to subscribe to order changes")
		r.notifier.Notify(notify.Error("Realtime unavailable", "Live order updates could not be started"))
		return fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	r.mutex.Lock()
	if r.status != StateSubscribing || r.principal != principalID {
		// Stop ran while the subscription was being opened.
		r.mutex.Unlock()
		cancel()
		sub.Close()
		return nil
	}
	r.status = StateSubscribed
	r.sub = sub
	r.cancel = cancel
	r.done = done
	r.mutex.Unlock()

	logger.Info("Subscribed to order changes")
	go r.run(runCtx, sub, done)
	return nil
}

// Stop ends the subscription. It closes the underlying channel exactly once and waits
// for the event loop to exit. In-flight reads and writes are not cancelled.
func (r *Reconciler) Stop() {
	r.mutex.Lock()
	sub, cancel, done := r.sub, r.cancel, r.done
	principal := r.principal
	r.sub, r.cancel, r.done = nil, nil, nil
	r.status = StateUnsubscribed
	r.principal = ""
	for id, h := range r.timers {
		h.timer.Stop()
		delete(r.timers, id)
	}
	// Cancelled under the lock so a resubscribe in flight cannot install itself afterwards.
	if cancel != nil {
		cancel()
	}
	r.mutex.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close order change subscription")
		}
	}
	if done != nil {
		<-done
		r.logger.WithField("principal", principal).Info("Unsubscribed from order changes")
	}
}

// Wait blocks until re-fetches triggered by events have returned.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

func (r *Reconciler) run(ctx context.Context, sub changefeed.Subscription, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-sub.Events():
			r.Handle(ctx, event)

		case <-sub.Done():
			r.drain(ctx, sub)

			err := sub.Err()
			if err == nil || ctx.Err() != nil {
				return
			}

			next, ok := r.recover(ctx, err)
			if !ok {
				return
			}
			sub = next
		}
	}
}

func (r *Reconciler) drain(ctx context.Context, sub changefeed.Subscription) {
	for {
		select {
		case event := <-sub.Events():
			r.Handle(ctx, event)
		default:
			return
		}
	}
}

// recover handles a dropped channel. Without a resubscribe delay the reconciler goes
// back to unsubscribed and the loop exits. Otherwise it stays reconnecting and retries
// until it succeeds or is stopped, then re-fetches to pick up changes missed while
// disconnected.
func (r *Reconciler) recover(ctx context.Context, cause error) (changefeed.Subscription, bool) {
	retry := r.config.ResubscribeDelay > 0

	r.mutex.Lock()
	if ctx.Err() != nil {
		r.mutex.Unlock()
		return nil, false
	}
	principal := r.principal
	r.sub = nil
	if retry {
		r.status = StateReconnecting
	} else {
		r.status = StateUnsubscribed
	}
	r.mutex.Unlock()

	logger := r.logger.WithField("principal", principal)
	logger.WithError(cause).Error("Order change subscription dropped")
	r.notifier.Notify(notify.Error("Realtime disconnected", "Live order updates were interrupted"))

	if !retry {
		return nil, false
	}

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(r.config.ResubscribeDelay):
		}

		sub, err := r.subscriber.Subscribe(ctx, principal)
		if err != nil {
			logger.WithError(err).Warn("Resubscribe attempt failed")
			continue
		}

		r.mutex.Lock()
		if ctx.Err() != nil {
			// Stopped while the attempt was in flight.
			r.mutex.Unlock()
			sub.Close()
			return nil, false
		}
		r.sub = sub
		r.status = StateSubscribed
		r.mutex.Unlock()

		logger.Info("Resubscribed to order changes")
		r.refreshAsync(ctx)
		return sub, true
	}
}

// Handle applies one change event to the view state.
func (r *Reconciler) Handle(ctx context.Context, event models.ChangeEvent) {
	switch e := event.(type) {
	case models.OrderInserted:
		r.logger.WithField("order_id", e.Order.ID).Info("Order inserted")
		r.notifier.Notify(notify.Info("New order received", fmt.Sprintf("Order %s has been placed", e.Order.OrderID)).ForOrder(e.Order.ID))
		r.refreshAsync(ctx)

	case models.OrderUpdated:
		id := e.New.ID
		number := r.orderNumber(id, e.New.OrderID)
		r.state.PatchOrder(id, e.Patch)

		if e.StatusChanged() {
			record := models.StatusChangeNotification(r.Principal(), id, number, e.Old.Status, e.New.Status)
			r.logger.WithFields(logrus.Fields{
				"order_id":   id,
				"old_status": e.Old.Status,
				"new_status": e.New.Status,
			}).Info("Order status changed")

			r.notifier.Notify(notify.Info(record.Title, record.Message).ForOrder(id))
			r.writeNotification(ctx, record)
		}
		r.highlight(id)

	case models.OrderDeleted:
		number := r.orderNumber(e.ID, e.OrderID)
		r.cancelHighlight(e.ID)
		r.state.RemoveOrder(e.ID)
		r.logger.WithField("order_id", e.ID).Info("Order removed")
		r.notifier.Notify(notify.Info("Order removed", fmt.Sprintf("Order %s was removed", number)).ForOrder(e.ID))

	default:
		r.logger.WithField("event", fmt.Sprintf("%T", event)).Warn("Ignoring unknown change event")
	}
}

func (r *Reconciler) orderNumber(id, fromEvent string) string {
	if fromEvent != "" {
		return fromEvent
	}
	if order, ok := r.state.Order(id); ok && order.OrderID != "" {
		return order.OrderID
	}
	return id
}

func (r *Reconciler) refreshAsync(ctx context.Context) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := r.refresher.Refresh(context.WithoutCancel(ctx)); err != nil {
			r.logger.WithError(err).Warn("Re-fetch after order change failed")
		}
	}()
}

func (r *Reconciler) writeNotification(ctx context.Context, notification models.Notification) {
	if r.writer == nil || notification.UserID == "" {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.WriteTimeout)
	defer cancel()

	if err := r.writer.InsertNotification(writeCtx, notification); err != nil {
		r.logger.WithError(err).WithField("reference_id", notification.ReferenceID).Warn("Failed to write notification record")
	}
}

// highlight marks an order as recently changed and clears the mark after HighlightFor.
// A new change to the same order restarts its window; other orders are unaffected.
func (r *Reconciler) highlight(id string) {
	if !r.state.SetFlag(id, viewstate.FlagRecentlyChanged, true) {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if previous, ok := r.timers[id]; ok {
		previous.timer.Stop()
	}
	h := &highlight{}
	r.timers[id] = h
	h.timer = time.AfterFunc(r.config.HighlightFor, func() {
		r.expire(id, h)
	})
}

func (r *Reconciler) expire(id string, h *highlight) {
	r.mutex.Lock()
	if r.timers[id] != h {
		r.mutex.Unlock()
		return
	}
	delete(r.timers, id)
	r.mutex.Unlock()

	r.state.SetFlag(id, viewstate.FlagRecentlyChanged, false)
}

func (r *Reconciler) cancelHighlight(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if h, ok := r.timers[id]; ok {
		h.timer.Stop()
		delete(r.timers, id)
	}
}
