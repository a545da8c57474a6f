package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jogardn/dropship-orders/internal/notify"
	"github.com/jogardn/dropship-orders/internal/viewstate"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var ErrFetchFailed = errors.New("failed to fetch orders")

type Fetcher interface {
	ListOrders(ctx context.Context, params models.QueryParams) (models.OrderPage, error)
}

// Service loads pages of orders into the view state. Every read carries a generation
// number and only the newest one is allowed to replace the page.
type Service struct {
	fetcher  Fetcher
	state    *viewstate.State
	notifier notify.Notifier
	logger   *logrus.Logger

	generation *atomic.Uint64

	mutex  sync.Mutex
	params models.QueryParams
}

func NewService(fetcher Fetcher, state *viewstate.State, notifier notify.Notifier, params models.QueryParams, logger *logrus.Logger) *Service {
	return &Service{
		fetcher:    fetcher,
		state:      state,
		notifier:   notifier,
		logger:     logger,
		generation: atomic.NewUint64(0),
		params:     params,
	}
}

func (s *Service) Params() models.QueryParams {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.params
}

// Fetch reads one page from the gateway without touching the view state.
func (s *Service) Fetch(ctx context.Context, params models.QueryParams) (models.OrderPage, error) {
	if err := params.Validate(); err != nil {
		return models.OrderPage{}, err
	}

	page, err := s.fetcher.ListOrders(ctx, params)
	if err != nil {
		return models.OrderPage{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	if len(page.Orders) > params.PageSize {
		page.Orders = page.Orders[:params.PageSize]
	}
	page.Page = params.Page
	page.PageSize = params.PageSize
	return page, nil
}

// SetParams stores new parameters and reloads when any of them changed.
// It reports whether a reload was issued.
func (s *Service) SetParams(ctx context.Context, params models.QueryParams) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	if params == s.params {
		s.mutex.Unlock()
		return false, nil
	}
	s.params = params
	s.mutex.Unlock()

	return true, s.load(ctx, params)
}

// Clear empties the page and discards every read still in flight.
func (s *Service) Clear() {
	gen := s.generation.Inc()
	s.state.BeginLoad(gen)
	s.state.ApplyLoad(gen, models.OrderPage{Page: 1, PageSize: s.Params().PageSize})
}

// Refresh reloads the page with the current parameters.
func (s *Service) Refresh(ctx context.Context) error {
	return s.load(ctx, s.Params())
}

func (s *Service) load(ctx context.Context, params models.QueryParams) error {
	gen := s.generation.Inc()
	s.state.BeginLoad(gen)

	fields := logrus.Fields{
		"generation": gen,
		"principal":  params.PrincipalID,
		"status":     params.FilterStatus,
		"sort":       params.SortField,
		"order":      params.SortOrder,
		"page":       params.Page,
	}

	page, err := s.Fetch(ctx, params)
	if err != nil {
		s.state.AbortLoad(gen)
		s.logger.WithFields(fields).WithError(err).Error("Failed to fetch orders")
		s.notifier.Notify(notify.Error("Error", "Failed to load orders"))
		return err
	}

	if !s.state.ApplyLoad(gen, page) {
		s.logger.WithFields(fields).Debug("Discarding superseded order page")
		return nil
	}

	s.logger.WithFields(fields).WithField("count", len(page.Orders)).Debug("Order page loaded")
	return nil
}
