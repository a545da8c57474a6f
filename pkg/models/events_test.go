package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeUpdateCarriesOnlyPresentFields(t *testing.T) {
	raw := RawChange{
		EventType: ChangeUpdate,
		Table:     OrdersTable,
		New:       json.RawMessage(`{"id":"a1","order_id":"ORD-1","status":"processing","tracking_number":null}`),
		Old:       json.RawMessage(`{"id":"a1","status":"pending"}`),
	}

	event, err := DecodeChange(raw)
	require.NoError(t, err)

	update, ok := event.(OrderUpdated)
	require.True(t, ok)
	assert.Equal(t, "a1", update.OrderKey())
	assert.True(t, update.StatusChanged())
	require.NotNil(t, update.Patch.Status)
	assert.Equal(t, StatusProcessing, *update.Patch.Status)
	require.NotNil(t, update.Patch.TrackingNumber)
	assert.Equal(t, "", *update.Patch.TrackingNumber)
	assert.Nil(t, update.Patch.Amount)
	assert.Nil(t, update.Patch.CustomerName)
}

func TestDecodeChangeUpdateWithoutOldStatus(t *testing.T) {
	event, err := DecodeChange(RawChange{
		EventType: "update",
		New:       json.RawMessage(`{"id":"a1","status":"shipped"}`),
		Old:       json.RawMessage(`{"id":"a1"}`),
	})
	require.NoError(t, err)
	assert.False(t, event.(OrderUpdated).StatusChanged())
}

func TestDecodeChangeInsertAndDelete(t *testing.T) {
	order := Order{ID: "b2", OrderID: "ORD-2", Status: StatusPending, Amount: decimal.RequireFromString("12.50")}
	raw, err := NewRawChange(ChangeInsert, "user-1", &order, nil)
	require.NoError(t, err)

	event, err := DecodeChange(raw)
	require.NoError(t, err)
	inserted, ok := event.(OrderInserted)
	require.True(t, ok)
	assert.Equal(t, "ORD-2", inserted.Order.OrderID)
	assert.True(t, order.Amount.Equal(inserted.Order.Amount))

	raw, err = NewRawChange(ChangeDelete, "user-1", nil, &order)
	require.NoError(t, err)
	event, err = DecodeChange(raw)
	require.NoError(t, err)
	assert.Equal(t, OrderDeleted{ID: "b2", OrderID: "ORD-2"}, event)
}

func TestDecodeChangeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  RawChange
	}{
		{"unknown type", RawChange{EventType: "TRUNCATE", New: json.RawMessage(`{"id":"x"}`)}},
		{"other table", RawChange{EventType: ChangeInsert, Table: "products", New: json.RawMessage(`{"id":"x"}`)}},
		{"missing row", RawChange{EventType: ChangeInsert}},
		{"missing id", RawChange{EventType: ChangeUpdate, New: json.RawMessage(`{"status":"pending"}`)}},
		{"bad status", RawChange{EventType: ChangeUpdate, New: json.RawMessage(`{"id":"x","status":"lost"}`)}},
		{"delete without old", RawChange{EventType: ChangeDelete, New: json.RawMessage(`{"id":"x"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChange(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidChange)
		})
	}
}

func TestOrderPatchApplyIsIdempotent(t *testing.T) {
	order := Order{ID: "c3", Status: StatusPending, CustomerName: "Ana", Product: &Ref{Name: "Lamp"}}
	patch := OrderPatch{Status: statusPtr(StatusShipped), TrackingNumber: strPtr("TRK1")}

	once := order
	patch.Apply(&once)
	twice := once
	patch.Apply(&twice)

	assert.Equal(t, once, twice)
	assert.Equal(t, StatusShipped, twice.Status)
	assert.Equal(t, "Ana", twice.CustomerName)
	assert.Equal(t, "Lamp", twice.Product.Name)
}

func TestDecodeChangeNullReferenceClearsIt(t *testing.T) {
	event, err := DecodeChange(RawChange{
		EventType: ChangeUpdate,
		New:       json.RawMessage(`{"id":"A","product":null}`),
		Old:       json.RawMessage(`{"id":"A"}`),
	})
	require.NoError(t, err)
	patch := event.(OrderUpdated).Patch
	assert.True(t, patch.ClearProduct)
	assert.False(t, patch.ClearRetailer)

	order := Order{ID: "A", Product: &Ref{Name: "Widget"}, Retailer: &Ref{Name: "Lumen Supply"}}
	patch.Apply(&order)
	assert.Nil(t, order.Product)
	require.NotNil(t, order.Retailer)
	assert.Equal(t, "Lumen Supply", order.Retailer.Name)

	// absent keys leave references alone
	event, err = DecodeChange(RawChange{
		EventType: ChangeUpdate,
		New:       json.RawMessage(`{"id":"A","status":"shipped"}`),
		Old:       json.RawMessage(`{"id":"A"}`),
	})
	require.NoError(t, err)
	order = Order{ID: "A", Product: &Ref{Name: "Widget"}}
	event.(OrderUpdated).Patch.Apply(&order)
	require.NotNil(t, order.Product)
	assert.Equal(t, "Widget", order.Product.Name)
}

func TestDisplayCustomerFallsBack(t *testing.T) {
	assert.Equal(t, MissingValue, Order{}.DisplayCustomerName())
	assert.Equal(t, MissingValue, Order{}.DisplayCustomerEmail())
	assert.Equal(t, "a@b.c", Order{CustomerEmail: "a@b.c"}.DisplayCustomerEmail())
}

func statusPtr(s Status) *Status { return &s }
func strPtr(s string) *string    { return &s }
