package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/dropship-orders/internal/changefeed"
	"github.com/jogardn/dropship-orders/internal/circuitbreaker"
	"github.com/jogardn/dropship-orders/internal/websocket"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned error status: %d", e.Code)
	}
	return fmt.Sprintf("gateway returned error status: %d: %s", e.Code, e.Message)
}

// IsServerFailure reports whether err says something about the gateway's health,
// as opposed to a request the gateway rejected.
func IsServerFailure(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError || statusErr.Code == http.StatusTooManyRequests
	}
	return err != nil
}

type Config struct {
	BaseURL     string
	RealtimeURL string
	Token       string
	Timeout     time.Duration
}

// Client talks to the remote data gateway: the row query endpoint, the server-side
// functions and the realtime change channel. Every HTTP call goes through one breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	subscriber *websocket.Subscriber
	logger     *logrus.Logger

	mutex sync.RWMutex
	token string
}

func NewClient(config Config, breakers *circuitbreaker.Manager, logger *logrus.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		breaker: breakers.GetOrCreate("gateway", circuitbreaker.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			MaxRequests: 1,
			IsFailure:   IsServerFailure,
		}),
		logger: logger,
		token:  config.Token,
	}
	if config.RealtimeURL != "" {
		c.subscriber = websocket.NewSubscriber(config.RealtimeURL, c.Token, logger)
	}
	return c
}

func (c *Client) SetToken(token string) {
	c.mutex.Lock()
	c.token = token
	c.mutex.Unlock()
}

func (c *Client) Token() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.token
}

func (c *Client) ListOrders(ctx context.Context, params models.QueryParams) (models.OrderPage, error) {
	var response models.OrdersResponse
	if err := c.do(ctx, http.MethodGet, "/rest/orders?"+params.Values().Encode(), nil, &response); err != nil {
		return models.OrderPage{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"count":       len(response.Orders),
		"total_count": response.TotalCount,
		"page":        response.Page,
	}).Debug("Retrieved orders from gateway")

	return response.OrderPage, nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status models.Status) (models.Order, error) {
	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   status,
	}).Info("Requesting order status update")

	var response models.OrderResponse
	request := models.UpdateStatusRequest{OrderID: orderID, Status: status}
	if err := c.do(ctx, http.MethodPost, "/functions/update-order-status", request, &response); err != nil {
		return models.Order{}, err
	}
	if !response.Success || response.Order == nil {
		return models.Order{}, fmt.Errorf("update-order-status failed: %s", response.Message)
	}
	return *response.Order, nil
}

func (c *Client) PlaceOrder(ctx context.Context, request models.PlaceOrderRequest) (models.Order, error) {
	var response models.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/functions/place-order", request, &response); err != nil {
		return models.Order{}, err
	}
	if !response.Success || response.Order == nil {
		return models.Order{}, fmt.Errorf("place-order failed: %s", response.Message)
	}

	c.logger.WithField("order_id", response.Order.OrderID).Info("Order placed")
	return *response.Order, nil
}

func (c *Client) InsertNotification(ctx context.Context, notification models.Notification) error {
	return c.do(ctx, http.MethodPost, "/rest/notifications", notification, nil)
}

func (c *Client) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	var response struct {
		Success       bool                  `json:"success"`
		Notifications []models.Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/notifications?limit="+strconv.Itoa(limit), nil, &response); err != nil {
		return nil, err
	}
	return response.Notifications, nil
}

// Subscribe opens the realtime change channel for principalID.
func (c *Client) Subscribe(ctx context.Context, principalID string) (changefeed.Subscription, error) {
	if c.subscriber == nil {
		return nil, errors.New("realtime endpoint not configured")
	}

	var sub changefeed.Subscription
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		sub, err = c.subscriber.Subscribe(ctx, principalID)
		return err
	})
	return sub, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request to gateway: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var failure struct {
				Message string `json:"message"`
			}
			json.NewDecoder(resp.Body).Decode(&failure)
			return &StatusError{Code: resp.StatusCode, Message: failure.Message}
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	})
}
