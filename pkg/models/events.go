package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const OrdersTable = "orders"

type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// RawChange is a change notification as it travels over the wire.
type RawChange struct {
	EventType  ChangeKind      `json:"event_type"`
	Table      string          `json:"table"`
	UserID     string          `json:"user_id"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// ChangeEvent is one of OrderInserted, OrderUpdated or OrderDeleted.
type ChangeEvent interface {
	Kind() ChangeKind
	OrderKey() string
}

type OrderInserted struct {
	Order Order
}

type OrderUpdated struct {
	Old   Order
	New   Order
	Patch OrderPatch
}

type OrderDeleted struct {
	ID      string
	OrderID string
}

func (OrderInserted) Kind() ChangeKind { return ChangeInsert }
func (OrderUpdated) Kind() ChangeKind  { return ChangeUpdate }
func (OrderDeleted) Kind() ChangeKind  { return ChangeDelete }

func (e OrderInserted) OrderKey() string { return e.Order.ID }
func (e OrderUpdated) OrderKey() string  { return e.New.ID }
func (e OrderDeleted) OrderKey() string  { return e.ID }

// StatusChanged reports whether both rows carry a status and they differ.
func (e OrderUpdated) StatusChanged() bool {
	return e.Old.Status != "" && e.New.Status != "" && e.Old.Status != e.New.Status
}

var ErrInvalidChange = errors.New("invalid change event")

func NewRawChange(kind ChangeKind, userID string, newRow, oldRow *Order) (RawChange, error) {
	raw := RawChange{
		EventType:  kind,
		Table:      OrdersTable,
		UserID:     userID,
		CommitTime: time.Now().UTC(),
	}
	if newRow != nil {
		data, err := json.Marshal(newRow)
		if err != nil {
			return raw, fmt.Errorf("failed to marshal new row: %w", err)
		}
		raw.New = data
	}
	if oldRow != nil {
		data, err := json.Marshal(oldRow)
		if err != nil {
			return raw, fmt.Errorf("failed to marshal old row: %w", err)
		}
		raw.Old = data
	}
	return raw, nil
}

// DecodeChange validates a raw notification and converts it into a ChangeEvent.
func DecodeChange(raw RawChange) (ChangeEvent, error) {
	if raw.Table != "" && raw.Table != OrdersTable {
		return nil, fmt.Errorf("%w: unexpected table %q", ErrInvalidChange, raw.Table)
	}

	switch ChangeKind(strings.ToUpper(string(raw.EventType))) {
	case ChangeInsert:
		order, _, err := decodeRow(raw.New)
		if err != nil {
			return nil, fmt.Errorf("%w: insert: %v", ErrInvalidChange, err)
		}
		return OrderInserted{Order: order}, nil

	case ChangeUpdate:
		order, patch, err := decodeRow(raw.New)
		if err != nil {
			return nil, fmt.Errorf("%w: update: %v", ErrInvalidChange, err)
		}
		var old Order
		if len(raw.Old) > 0 && string(raw.Old) != "null" {
			if old, _, err = decodeRow(raw.Old); err != nil {
				old = Order{}
			}
		}
		return OrderUpdated{Old: old, New: order, Patch: patch}, nil

	case ChangeDelete:
		old, _, err := decodeRow(raw.Old)
		if err != nil {
			return nil, fmt.Errorf("%w: delete: %v", ErrInvalidChange, err)
		}
		return OrderDeleted{ID: old.ID, OrderID: old.OrderID}, nil

	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidChange, raw.EventType)
	}
}

// decodeRow reads a row that may carry only a subset of columns. The patch holds
// exactly the mutable columns present in the payload.
func decodeRow(data json.RawMessage) (Order, OrderPatch, error) {
	var order Order
	var patch OrderPatch

	if len(data) == 0 || string(data) == "null" {
		return order, patch, errors.New("missing row")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return order, patch, err
	}

	var err error
	str := func(key string, dst *string, set **string) {
		value, ok := fields[key]
		if !ok || err != nil {
			return
		}
		var s *string
		if err = json.Unmarshal(value, &s); err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
			return
		}
		if s != nil {
			*dst = *s
		}
		if set != nil {
			v := *dst
			*set = &v
		}
	}
	dec := func(key string, dst *decimal.Decimal, set **decimal.Decimal) {
		value, ok := fields[key]
		if !ok || err != nil || string(value) == "null" {
			return
		}
		if err = json.Unmarshal(value, dst); err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
			return
		}
		v := *dst
		*set = &v
	}
	ref := func(key string, dst **Ref, set **Ref, clear *bool) {
		value, ok := fields[key]
		if !ok || err != nil {
			return
		}
		if string(value) == "null" {
			*clear = true
			return
		}
		var r Ref
		if err = json.Unmarshal(value, &r); err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
			return
		}
		*dst = &r
		v := r
		*set = &v
	}

	str("id", &order.ID, nil)
	str("order_id", &order.OrderID, nil)
	str("user_id", &order.UserID, nil)
	str("customer_name", &order.CustomerName, &patch.CustomerName)
	str("customer_email", &order.CustomerEmail, &patch.CustomerEmail)
	str("tracking_number", &order.TrackingNumber, &patch.TrackingNumber)
	str("tracking_url", &order.TrackingURL, &patch.TrackingURL)
	dec("amount", &order.Amount, &patch.Amount)
	dec("cost", &order.Cost, &patch.Cost)
	dec("profit", &order.Profit, &patch.Profit)
	ref("product", &order.Product, &patch.Product, &patch.ClearProduct)
	ref("retailer", &order.Retailer, &patch.Retailer, &patch.ClearRetailer)
	if err != nil {
		return order, patch, err
	}

	if value, ok := fields["status"]; ok && string(value) != "null" {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return order, patch, fmt.Errorf("field status: %w", err)
		}
		status, err := ParseStatus(s)
		if err != nil {
			return order, patch, err
		}
		order.Status = status
		patch.Status = &status
	}

	if value, ok := fields["order_date"]; ok && string(value) != "null" {
		if err := json.Unmarshal(value, &order.OrderDate); err != nil {
			return order, patch, fmt.Errorf("field order_date: %w", err)
		}
	}

	if order.ID == "" {
		return order, patch, errors.New("row has no id")
	}

	return order, patch, nil
}
