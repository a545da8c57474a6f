package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/dropship-orders/internal/auth"
	"github.com/jogardn/dropship-orders/internal/metrics"
	"github.com/jogardn/dropship-orders/internal/store"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the gateway endpoints run against.
type Store interface {
	Ping(ctx context.Context) error
	ListOrders(ctx context.Context, params models.QueryParams) (models.OrderPage, error)
	GetOrder(ctx context.Context, principalID, id string) (models.Order, error)
	UpdateStatus(ctx context.Context, principalID, id string, status models.Status) (models.Order, models.Order, error)
	InsertOrder(ctx context.Context, order store.NewOrder) error
	GetProduct(ctx context.Context, id string) (store.Product, error)
	GetRetailer(ctx context.Context, id string) (store.Retailer, error)
	InsertNotification(ctx context.Context, notification models.Notification) error
	ListNotifications(ctx context.Context, principalID string, limit int) ([]models.Notification, error)
}

// ChangePublisher hands order changes to the change channel.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change models.RawChange) error
}

type PublisherFunc func(ctx context.Context, change models.RawChange) error

func (f PublisherFunc) PublishChange(ctx context.Context, change models.RawChange) error {
	return f(ctx, change)
}

// NopPublisher is used when the database trigger emits changes itself.
var NopPublisher = PublisherFunc(func(context.Context, models.RawChange) error { return nil })

type RealtimeHub interface {
	Serve(w http.ResponseWriter, r *http.Request, key string)
}

type Config struct {
	CostRatio       decimal.Decimal
	TrackingBaseURL string
}

type Handler struct {
	store     Store
	publisher ChangePublisher
	hub       RealtimeHub
	config    Config
	logger    *logrus.Logger
	now       func() time.Time
}

func NewHandler(store Store, publisher ChangePublisher, hub RealtimeHub, config Config, logger *logrus.Logger) *Handler {
	if publisher == nil {
		publisher = NopPublisher
	}
	return &Handler{
		store:     store,
		publisher: publisher,
		hub:       hub,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Register mounts the public and the authenticated routes on router.
func (h *Handler) Register(router *mux.Router, authenticate mux.MiddlewareFunc) {
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	protected := router.NewRoute().Subrouter()
	protected.Use(authenticate)
	protected.HandleFunc("/rest/orders", h.ListOrders).Methods(http.MethodGet)
	protected.HandleFunc("/rest/notifications", h.ListNotifications).Methods(http.MethodGet)
	protected.HandleFunc("/rest/notifications", h.InsertNotification).Methods(http.MethodPost)
	protected.HandleFunc("/functions/update-order-status", h.UpdateOrderStatus).Methods(http.MethodPost)
	protected.HandleFunc("/functions/place-order", h.PlaceOrder).Methods(http.MethodPost)
	protected.HandleFunc("/realtime", h.Realtime).Methods(http.MethodGet)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "gateway",
			"error":   "database connection failed",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gateway",
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)

	params, err := models.ParseQueryParams(principal, r.URL.Query())
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.store.ListOrders(r.Context(), params)
	if err != nil {
		h.logger.WithError(err).WithField("principal", principal).Error("Failed to get orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to get orders")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.OrdersResponse{Success: true, OrderPage: page})
}

// UpdateOrderStatus validates the requested status, updates the row, records a
// notification when the status actually changed and publishes the change.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)

	var request models.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.OrderID == "" {
		h.respondWithError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	status, err := models.ParseStatus(string(request.Status))
	if err != nil {
		metrics.RecordOrderOperation("update_status", false)
		h.respondWithError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	logger := h.logger.WithFields(logrus.Fields{
		"principal": principal,
		"order_id":  request.OrderID,
		"status":    status,
	})

	old, updated, err := h.store.UpdateStatus(r.Context(), principal, request.OrderID, status)
	if errors.Is(err, store.ErrOrderNotFound) {
		metrics.RecordOrderOperation("update_status", false)
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		metrics.RecordOrderOperation("update_status", false)
		logger.WithError(err).Error("Failed to update order status")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to update order status")
		return
	}

	if old.Status != updated.Status {
		record := models.StatusChangeNotification(principal, updated.ID, updated.OrderID, old.Status, updated.Status)
		if err := h.insertNotification(r.Context(), record); err != nil {
			logger.WithError(err).Warn("Failed to write notification record")
		}
	}

	h.publish(r.Context(), models.ChangeUpdate, principal, &updated, &old)
	metrics.RecordOrderOperation("update_status", true)
	logger.WithField("old_status", old.Status).Info("Order status updated")

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: fmt.Sprintf("Order status updated to %s", updated.Status),
		Order:   &updated,
	})
}

// PlaceOrder creates a pending order for a product sold through a retailer. Cost is the
// product price times the configured cost ratio; the rest is profit.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)

	var request models.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.ProductID == "" || request.RetailerID == "" {
		h.respondWithError(w, http.StatusBadRequest, "product_id and retailer_id are required")
		return
	}

	product, err := h.store.GetProduct(r.Context(), request.ProductID)
	if errors.Is(err, store.ErrProductNotFound) {
		h.respondWithError(w, http.StatusNotFound, "Product not found")
		return
	}
	if err != nil {
		h.failPlaceOrder(w, err, "Failed to load product")
		return
	}

	retailer, err := h.store.GetRetailer(r.Context(), request.RetailerID)
	if errors.Is(err, store.ErrRetailerNotFound) {
		h.respondWithError(w, http.StatusNotFound, "Retailer not found")
		return
	}
	if err != nil {
		h.failPlaceOrder(w, err, "Failed to load retailer")
		return
	}

	order := h.newOrder(principal, product, retailer, request.Customer)
	if err := h.store.InsertOrder(r.Context(), store.NewOrder{
		Order:      order,
		ProductID:  product.ID,
		RetailerID: retailer.ID,
	}); err != nil {
		h.failPlaceOrder(w, err, "Failed to save order")
		return
	}

	h.publish(r.Context(), models.ChangeInsert, principal, &order, nil)
	metrics.RecordOrderOperation("place_order", true)

	h.logger.WithFields(logrus.Fields{
		"principal": principal,
		"order_id":  order.OrderID,
		"amount":    order.Amount.String(),
		"retailer":  retailer.Name,
	}).Info("Order placed")

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order placed successfully",
		Order:   &order,
	})
}

func (h *Handler) failPlaceOrder(w http.ResponseWriter, err error, message string) {
	metrics.RecordOrderOperation("place_order", false)
	h.logger.WithError(err).Error(message)
	h.respondWithError(w, http.StatusInternalServerError, message)
}

func (h *Handler) newOrder(principal string, product store.Product, retailer store.Retailer, customer models.CustomerDetails) models.Order {
	id := uuid.New()
	now := h.now().UTC()
	cost := product.Price.Mul(h.config.CostRatio).Round(2)
	tracking := "TRK" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])

	return models.Order{
		ID:             id.String(),
		OrderID:        fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), strings.ToUpper(id.String()[:8])),
		UserID:         principal,
		CustomerName:   strings.TrimSpace(customer.Name),
		CustomerEmail:  strings.TrimSpace(customer.Email),
		Amount:         product.Price,
		Cost:           cost,
		Profit:         product.Price.Sub(cost),
		Status:         models.StatusPending,
		OrderDate:      now,
		TrackingNumber: tracking,
		TrackingURL:    h.config.TrackingBaseURL + tracking,
		Product:        &models.Ref{Name: product.Name},
		Retailer:       &models.Ref{Name: retailer.Name},
	}
}

func (h *Handler) InsertNotification(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)

	var notification models.Notification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if notification.UserID != "" && notification.UserID != principal {
		h.respondWithError(w, http.StatusForbidden, "Cannot write notifications for another user")
		return
	}
	if notification.Type == "" || notification.Title == "" || notification.Message == "" {
		h.respondWithError(w, http.StatusBadRequest, "type, title and message are required")
		return
	}
	notification.UserID = principal

	if err := h.insertNotification(r.Context(), notification); err != nil {
		h.logger.WithError(err).WithField("principal", principal).Error("Failed to insert notification")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to insert notification")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]interface{}{"success": true})
}

func (h *Handler) insertNotification(ctx context.Context, notification models.Notification) error {
	notification.ID = uuid.NewString()
	notification.CreatedAt = h.now().UTC()
	return h.store.InsertNotification(ctx, notification)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 200 {
			h.respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}

	notifications, err := h.store.ListNotifications(r.Context(), principal, limit)
	if err != nil {
		h.logger.WithError(err).WithField("principal", principal).Error("Failed to list notifications")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"notifications": notifications,
	})
}

// Realtime opens the caller's change channel. The row filter always comes from the
// token; a filter naming another user is refused.
func (h *Handler) Realtime(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	query := r.URL.Query()

	if table := query.Get("table"); table != "" && table != models.OrdersTable {
		h.respondWithError(w, http.StatusBadRequest, "Unknown table")
		return
	}
	if filter := query.Get("filter"); filter != "" && filter != "user_id=eq."+principal {
		h.respondWithError(w, http.StatusForbidden, "Filter does not match the authenticated user")
		return
	}

	h.hub.Serve(w, r, principal)
}

func (h *Handler) publish(ctx context.Context, kind models.ChangeKind, principal string, newRow, oldRow *models.Order) {
	change, err := models.NewRawChange(kind, principal, newRow, oldRow)
	if err != nil {
		h.logger.WithError(err).Error("Failed to build change event")
		return
	}
	// The write already happened; subscribers that miss this change catch up on re-fetch.
	if err := h.publisher.PublishChange(context.WithoutCancel(ctx), change); err != nil {
		h.logger.WithError(err).WithField("event_type", kind).Error("Failed to publish order change")
		return
	}
	metrics.RecordChange(string(kind))
}

func principalOf(r *http.Request) string {
	principal, _ := auth.PrincipalFrom(r.Context())
	return principal
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
