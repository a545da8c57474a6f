package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOrders(userID string, n int) []Order {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := make([]Order, 0, n)
	for i := 1; i <= n; i++ {
		orders = append(orders, Order{
			ID:        fmt.Sprintf("id-%03d", i),
			OrderID:   fmt.Sprintf("ORD-%03d", i),
			UserID:    userID,
			Amount:    decimal.NewFromInt(int64(i * 10)),
			Status:    StatusPending,
			OrderDate: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return orders
}

func TestQueryParamsRows(t *testing.T) {
	tests := []struct {
		page, size, total, want int
	}{
		{1, 10, 25, 10},
		{2, 10, 25, 10},
		{3, 10, 25, 5},
		{4, 10, 25, 0},
		{1, 10, 0, 0},
		{1, 5, 3, 3},
		{7, 1, 7, 1},
	}

	for _, tt := range tests {
		params := QueryParams{Page: tt.page, PageSize: tt.size}
		assert.Equal(t, tt.want, params.Rows(tt.total), "page=%d size=%d total=%d", tt.page, tt.size, tt.total)
	}
}

func TestSelectPageRowCountMatchesRows(t *testing.T) {
	orders := seedOrders("user-1", 25)

	for size := 1; size <= 12; size++ {
		for page := 1; page <= 30; page++ {
			params := DefaultQueryParams("user-1")
			params.Page = page
			params.PageSize = size

			got := SelectPage(orders, params)
			require.Len(t, got.Orders, params.Rows(25), "page=%d size=%d", page, size)
			assert.Equal(t, 25, got.TotalCount)
		}
	}
}

func TestSelectPageSecondPageByDateDesc(t *testing.T) {
	orders := seedOrders("user-1", 25)
	params := QueryParams{
		PrincipalID: "user-1",
		SortField:   SortByOrderDate,
		SortOrder:   Descending,
		Page:        2,
		PageSize:    10,
	}

	page := SelectPage(orders, params)

	require.Len(t, page.Orders, 10)
	// newest is id-025, so ranks 11..20 are id-015 down to id-006
	for i, order := range page.Orders {
		assert.Equal(t, fmt.Sprintf("id-%03d", 15-i), order.ID)
	}
}

func TestSelectPageScopesAndFilters(t *testing.T) {
	orders := append(seedOrders("user-1", 4), seedOrders("user-2", 3)...)
	orders[0].Status = StatusShipped
	orders[5].Status = StatusShipped

	params := DefaultQueryParams("user-1")
	params.FilterStatus = StatusShipped

	page := SelectPage(orders, params)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, "user-1", page.Orders[0].UserID)
	assert.Equal(t, 1, page.TotalCount)
}

func TestSelectPageTieBreakIsStableAcrossPages(t *testing.T) {
	orders := seedOrders("user-1", 9)
	for i := range orders {
		orders[i].Amount = decimal.NewFromInt(100)
	}

	seen := map[string]bool{}
	for page := 1; page <= 3; page++ {
		params := DefaultQueryParams("user-1")
		params.SortField = SortByAmount
		params.Page = page
		params.PageSize = 3
		for _, order := range SelectPage(orders, params).Orders {
			assert.False(t, seen[order.ID], "order %s returned twice", order.ID)
			seen[order.ID] = true
		}
	}
	assert.Len(t, seen, 9)
}

func TestParseQueryParams(t *testing.T) {
	params, err := ParseQueryParams("user-1", map[string][]string{
		"status":    {"shipped"},
		"sort":      {"amount"},
		"order":     {"asc"},
		"page":      {"3"},
		"page_size": {"20"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, params.FilterStatus)
	assert.Equal(t, SortByAmount, params.SortField)
	assert.Equal(t, Ascending, params.SortOrder)
	assert.Equal(t, 3, params.Page)
	assert.Equal(t, 20, params.PageSize)

	roundTrip, err := ParseQueryParams("user-1", params.Values())
	require.NoError(t, err)
	assert.Equal(t, params, roundTrip)

	_, err = ParseQueryParams("user-1", map[string][]string{"sort": {"user_id; drop table"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = ParseQueryParams("user-1", map[string][]string{"page": {"0"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestValidateBoundsPaging(t *testing.T) {
	params := DefaultQueryParams("user-1")
	params.PageSize = MaxPageSize
	require.NoError(t, params.Validate())

	params.PageSize = MaxPageSize + 1
	assert.ErrorIs(t, params.Validate(), ErrInvalidQuery)

	_, err := ParseQueryParams("user-1", map[string][]string{
		"page":      {"4611686018427387904"},
		"page_size": {"4"},
	})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSelectPageClampsUnvalidatedOffset(t *testing.T) {
	params := DefaultQueryParams("user-1")
	params.Page = 4611686018427387904
	params.PageSize = 4

	assert.NotPanics(t, func() {
		page := SelectPage(seedOrders("user-1", 5), params)
		assert.Empty(t, page.Orders)
		assert.Equal(t, 5, page.TotalCount)
	})
}
