package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusRefunded,
}

func (s Status) Valid() bool {
	for _, status := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func ParseStatus(value string) (Status, error) {
	status := Status(value)
	if !status.Valid() {
		return "", fmt.Errorf("invalid order status %q", value)
	}
	return status, nil
}

// MissingValue is shown in place of absent customer fields.
const MissingValue = "N/A"

type Ref struct {
	Name string `json:"name"`
}

type Order struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	UserID         string          `json:"user_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Cost           decimal.Decimal `json:"cost"`
	Profit         decimal.Decimal `json:"profit"`
	Status         Status          `json:"status"`
	OrderDate      time.Time       `json:"order_date"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	TrackingURL    string          `json:"tracking_url,omitempty"`
	Product        *Ref            `json:"product"`
	Retailer       *Ref            `json:"retailer"`
}

func (o Order) DisplayCustomerName() string {
	if o.CustomerName == "" {
		return MissingValue
	}
	return o.CustomerName
}

func (o Order) DisplayCustomerEmail() string {
	if o.CustomerEmail == "" {
		return MissingValue
	}
	return o.CustomerEmail
}

// OrderPatch carries only the fields present in a partial update.
type OrderPatch struct {
	Status         *Status          `json:"status,omitempty"`
	CustomerName   *string          `json:"customer_name,omitempty"`
	CustomerEmail  *string          `json:"customer_email,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Cost           *decimal.Decimal `json:"cost,omitempty"`
	Profit         *decimal.Decimal `json:"profit,omitempty"`
	TrackingNumber *string          `json:"tracking_number,omitempty"`
	TrackingURL    *string          `json:"tracking_url,omitempty"`
	Product        *Ref             `json:"product,omitempty"`
	Retailer       *Ref             `json:"retailer,omitempty"`

	// Set when the update carried the reference as null.
	ClearProduct  bool `json:"-"`
	ClearRetailer bool `json:"-"`
}

func StatusPatch(status Status) OrderPatch {
	return OrderPatch{Status: &status}
}

// Apply overwrites the fields set in p. Identity and creation fields are never touched.
func (p OrderPatch) Apply(order *Order) {
	if p.Status != nil {
		order.Status = *p.Status
	}
	if p.CustomerName != nil {
		order.CustomerName = *p.CustomerName
	}
	if p.CustomerEmail != nil {
		order.CustomerEmail = *p.CustomerEmail
	}
	if p.Amount != nil {
		order.Amount = *p.Amount
	}
	if p.Cost != nil {
		order.Cost = *p.Cost
	}
	if p.Profit != nil {
		order.Profit = *p.Profit
	}
	if p.TrackingNumber != nil {
		order.TrackingNumber = *p.TrackingNumber
	}
	if p.TrackingURL != nil {
		order.TrackingURL = *p.TrackingURL
	}
	if p.Product != nil {
		product := *p.Product
		order.Product = &product
	} else if p.ClearProduct {
		order.Product = nil
	}
	if p.Retailer != nil {
		retailer := *p.Retailer
		order.Retailer = &retailer
	} else if p.ClearRetailer {
		order.Retailer = nil
	}
}

type OrderPage struct {
	Orders     []Order `json:"orders"`
	TotalCount int     `json:"total_count"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
}

type CustomerDetails struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type PlaceOrderRequest struct {
	ProductID  string          `json:"product_id"`
	RetailerID string          `json:"retailer_id"`
	Customer   CustomerDetails `json:"customer"`
}

type UpdateStatusRequest struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Order   *Order `json:"order,omitempty"`
}

type OrdersResponse struct {
	Success bool `json:"success"`
	OrderPage
}

type Notification struct {
	ID          string    `json:"id,omitempty"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	ReferenceID string    `json:"reference_id,omitempty"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

const NotificationTypeOrderStatus = "order_status"

// NotificationDedupeWindow is how long an identical notification record is suppressed.
// The status function and every subscribed client record the same change.
const NotificationDedupeWindow = time.Minute

func StatusChangeNotification(userID, orderID, orderNumber string, from, to Status) Notification {
	return Notification{
		UserID:      userID,
		Type:        NotificationTypeOrderStatus,
		Title:       "Order status changed",
		Message:     fmt.Sprintf("Order %s changed from %s to %s", orderNumber, from, to),
		ReferenceID: orderID,
	}
}

// Duplicates reports whether n records the same event as other.
func (n Notification) Duplicates(other Notification) bool {
	return n.UserID == other.UserID &&
		n.Type == other.Type &&
		n.ReferenceID == other.ReferenceID &&
		n.Message == other.Message
}
