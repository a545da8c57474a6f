package dashboard

import (
	"context"
	"errors"
	"sync"

	"github.com/jogardn/dropship-orders/internal/auth"
	"github.com/jogardn/dropship-orders/internal/changefeed"
	"github.com/jogardn/dropship-orders/internal/mutation"
	"github.com/jogardn/dropship-orders/internal/notify"
	"github.com/jogardn/dropship-orders/internal/query"
	"github.com/jogardn/dropship-orders/internal/realtime"
	"github.com/jogardn/dropship-orders/internal/viewstate"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrNoPrincipal = errors.New("no principal signed in")

// Gateway is everything the dashboard needs from the remote data gateway.
type Gateway interface {
	query.Fetcher
	mutation.StatusUpdater
	realtime.NotificationWriter
	changefeed.Subscriber
}

// TokenHolder is implemented by gateways that authenticate with a bearer token.
type TokenHolder interface {
	SetToken(token string)
}

type Config struct {
	PageSize      int
	NoticeHistory int
	Realtime      realtime.Config
}

// Session wires the view state, the query and mutation services and the realtime
// reconciler for one signed-in principal at a time.
type Session struct {
	gateway    Gateway
	state      *viewstate.State
	query      *query.Service
	mutation   *mutation.Service
	reconciler *realtime.Reconciler
	history    *notify.History
	logger     *logrus.Logger

	mutex sync.Mutex
}

// NewSession builds a session. extra receives every user-facing notice alongside the
// log and the in-memory history; it may be nil.
func NewSession(gateway Gateway, extra notify.Notifier, config Config, logger *logrus.Logger) *Session {
	if config.PageSize <= 0 {
		config.PageSize = models.DefaultPageSize
	}
	if config.NoticeHistory <= 0 {
		config.NoticeHistory = 100
	}

	history := notify.NewHistory(config.NoticeHistory)
	notifier := notify.Multi{notify.NewLogNotifier(logger), history, extra}

	state := viewstate.New()
	params := models.DefaultQueryParams("")
	params.PageSize = config.PageSize

	q := query.NewService(gateway, state, notifier, params, logger)

	return &Session{
		gateway:    gateway,
		state:      state,
		query:      q,
		mutation:   mutation.NewService(gateway, state, q, notifier, logger),
		reconciler: realtime.NewReconciler(gateway, state, q, gateway, notifier, config.Realtime, logger),
		history:    history,
		logger:     logger,
	}
}

func (s *Session) State() *viewstate.State        { return s.state }
func (s *Session) History() *notify.History       { return s.history }
func (s *Session) Realtime() *realtime.Reconciler { return s.reconciler }

func (s *Session) Principal() string {
	return s.query.Params().PrincipalID
}

func (s *Session) Params() models.QueryParams {
	return s.query.Params()
}

// SwitchPrincipal signs in as the subject of token. The previous principal's
// subscription is closed once, the page is cleared, and the new principal is
// subscribed once and loaded. Switching to the current principal refreshes the
// token and retries a subscription that failed earlier.
func (s *Session) SwitchPrincipal(ctx context.Context, token string) (string, error) {
	principal, err := auth.PrincipalOf(token)
	if err != nil {
		return "", err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if holder, ok := s.gateway.(TokenHolder); ok {
		holder.SetToken(token)
	}

	current := s.query.Params()
	if current.PrincipalID == principal {
		if s.reconciler.State() == realtime.StateUnsubscribed {
			return principal, s.reconciler.Start(ctx, principal)
		}
		return principal, nil
	}

	logger := s.logger.WithFields(logrus.Fields{
		"from": current.PrincipalID,
		"to":   principal,
	})
	logger.Info("Switching principal")

	s.reconciler.Stop()
	s.query.Clear()

	params := models.DefaultQueryParams(principal)
	params.PageSize = current.PageSize
	params.SortField = current.SortField
	params.SortOrder = current.SortOrder

	// Live updates are best effort; the page still loads when the channel is down.
	subErr := s.reconciler.Start(ctx, principal)
	if subErr != nil {
		logger.WithError(subErr).Warn("Signed in without live updates")
	}

	if _, err := s.query.SetParams(ctx, params); err != nil {
		return principal, err
	}
	return principal, subErr
}

// SetParams changes the filter, sort or page of the current principal's view.
func (s *Session) SetParams(ctx context.Context, params models.QueryParams) (bool, error) {
	principal := s.Principal()
	if principal == "" {
		return false, ErrNoPrincipal
	}
	params.PrincipalID = principal
	return s.query.SetParams(ctx, params)
}

func (s *Session) Refresh(ctx context.Context) error {
	if s.Principal() == "" {
		return ErrNoPrincipal
	}
	return s.query.Refresh(ctx)
}

func (s *Session) UpdateStatus(ctx context.Context, orderID string, status models.Status) (models.Order, error) {
	if s.Principal() == "" {
		return models.Order{}, ErrNoPrincipal
	}
	return s.mutation.UpdateStatus(ctx, orderID, status)
}

// Close tears down the subscription and waits for pending re-fetches.
func (s *Session) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.reconciler.Stop()
	s.reconciler.Wait()
}
