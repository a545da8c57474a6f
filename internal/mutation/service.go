package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jogardn/dropship-orders/internal/notify"
	"github.com/jogardn/dropship-orders/internal/viewstate"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrUpdateFailed     = errors.New("failed to update order status")
	ErrUpdateInProgress = errors.New("order status update already in progress")
)

type StatusUpdater interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status models.Status) (models.Order, error)
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

// Service applies status changes optimistically and resyncs from the gateway when the
// remote call fails. At most one update per order runs at a time.
type Service struct {
	updater   StatusUpdater
	state     *viewstate.State
	refresher Refresher
	notifier  notify.Notifier
	logger    *logrus.Logger

	mutex    sync.Mutex
	inflight map[string]struct{}
}

func NewService(updater StatusUpdater, state *viewstate.State, refresher Refresher, notifier notify.Notifier, logger *logrus.Logger) *Service {
	return &Service{
		updater:   updater,
		state:     state,
		refresher: refresher,
		notifier:  notifier,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

func (s *Service) acquire(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mutex.Lock()
	delete(s.inflight, id)
	s.mutex.Unlock()
}

func (s *Service) InFlight(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, busy := s.inflight[id]
	return busy
}

// UpdateStatus moves one order to status. The transition graph is not checked here;
// the gateway decides whether the change is accepted.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.Status) (models.Order, error) {
	if !status.Valid() {
		return models.Order{}, fmt.Errorf("%w: invalid status %q", ErrUpdateFailed, status)
	}
	if !s.acquire(id) {
		return models.Order{}, ErrUpdateInProgress
	}
	defer s.release(id)

	logger := s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"status":   status,
	})

	s.state.PatchOrder(id, models.StatusPatch(status))
	s.state.SetFlag(id, viewstate.FlagUpdating, true)

	order, err := s.updater.UpdateOrderStatus(ctx, id, status)

	s.state.SetFlag(id, viewstate.FlagUpdating, false)

	if err != nil {
		logger.WithError(err).Error("Failed to update order status")
		s.notifier.Notify(notify.Error("Error", "Failed to update order status").ForOrder(id))

		if rerr := s.refresher.Refresh(ctx); rerr != nil {
			logger.WithError(rerr).Error("Failed to resync orders after rejected update")
		}
		return models.Order{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	logger.Info("Order status updated")
	s.notifier.Notify(notify.Success("Status updated", fmt.Sprintf("Order status updated to %s", status)).ForOrder(id))
	return order, nil
}
