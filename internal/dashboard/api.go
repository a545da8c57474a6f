package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/dropship-orders/internal/circuitbreaker"
	"github.com/jogardn/dropship-orders/internal/mutation"
	"github.com/jogardn/dropship-orders/internal/query"
	"github.com/jogardn/dropship-orders/internal/viewstate"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const MessageTypeViewChanged = "view_changed"

// Hub pushes view changes and notices to the browser.
type Hub interface {
	Broadcast(messageType string, data interface{}, source string)
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

type ViewResponse struct {
	Principal string             `json:"principal"`
	Params    models.QueryParams `json:"params"`
	Realtime  string             `json:"realtime"`
	View      viewstate.Snapshot `json:"view"`
}

// API serves the dashboard's local HTTP surface over one Session.
type API struct {
	session  *Session
	hub      Hub
	breakers *circuitbreaker.Manager
	timeout  time.Duration
	logger   *logrus.Logger
}

func NewAPI(session *Session, hub Hub, breakers *circuitbreaker.Manager, timeout time.Duration, logger *logrus.Logger) *API {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	api := &API{
		session:  session,
		hub:      hub,
		breakers: breakers,
		timeout:  timeout,
		logger:   logger,
	}

	session.State().OnChange(func() {
		hub.Broadcast(MessageTypeViewChanged, session.State().Snapshot(), "dashboard")
	})
	return api
}

func (a *API) Register(router *mux.Router) {
	router.HandleFunc("/health", a.Health).Methods("GET")
	router.HandleFunc("/api/session", a.SignIn).Methods("POST")
	router.HandleFunc("/api/orders", a.View).Methods("GET")
	router.HandleFunc("/api/orders/params", a.SetParams).Methods("PUT")
	router.HandleFunc("/api/orders/refresh", a.Refresh).Methods("POST")
	router.HandleFunc("/api/orders/{id}/status", a.UpdateStatus).Methods("POST")
	router.HandleFunc("/api/notices", a.Notices).Methods("GET")
	router.HandleFunc("/api/events", a.hub.HandleWebSocket).Methods("GET")
}

func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		a.respondWithError(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	principal, err := a.session.SwitchPrincipal(ctx, req.Token)
	if principal == "" {
		a.respondWithError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if err != nil && !errors.Is(err, query.ErrFetchFailed) {
		// The page loaded; only the change channel is down.
		a.logger.WithError(err).WithField("principal", principal).Warn("Signed in without live updates")
	} else if err != nil {
		a.respondWithError(w, http.StatusBadGateway, "signed in but failed to load orders")
		return
	}

	a.respondWithJSON(w, http.StatusOK, a.view())
}

func (a *API) View(w http.ResponseWriter, r *http.Request) {
	a.respondWithJSON(w, http.StatusOK, a.view())
}

func (a *API) SetParams(w http.ResponseWriter, r *http.Request) {
	params := a.session.Params()
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		a.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	reloaded, err := a.session.SetParams(ctx, params)
	if err != nil {
		a.respondWithError(w, statusFor(err), err.Error())
		return
	}

	a.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": reloaded,
		"view":     a.view(),
	})
}

func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	if err := a.session.Refresh(ctx); err != nil {
		a.respondWithError(w, statusFor(err), err.Error())
		return
	}
	a.respondWithJSON(w, http.StatusOK, a.view())
}

func (a *API) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := models.ParseStatus(req.Status)
	if err != nil {
		a.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	order, err := a.session.UpdateStatus(ctx, mux.Vars(r)["id"], status)
	if err != nil {
		a.respondWithError(w, statusFor(err), err.Error())
		return
	}

	a.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order status updated to " + string(order.Status),
		Order:   &order,
	})
}

func (a *API) Notices(w http.ResponseWriter, r *http.Request) {
	a.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"notices": a.session.History().Notices(),
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	a.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"principal": a.session.Principal(),
		"realtime":  a.session.Realtime().State().String(),
		"breakers":  a.breakers.AllMetrics(),
	})
}

func (a *API) view() ViewResponse {
	return ViewResponse{
		Principal: a.session.Principal(),
		Params:    a.session.Params(),
		Realtime:  a.session.Realtime().State().String(),
		View:      a.session.State().Snapshot(),
	}
}

// requestContext detaches the work from the browser connection so a closed tab
// does not cancel a mutation half way, but still bounds it.
func (a *API) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), a.timeout)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoPrincipal):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, mutation.ErrUpdateInProgress):
		return http.StatusConflict
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, mutation.ErrUpdateFailed), errors.Is(err, query.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		a.logger.WithError(err).Error("Failed to marshal response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (a *API) respondWithError(w http.ResponseWriter, code int, message string) {
	a.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
