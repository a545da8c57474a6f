package models

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
)

type SortField string

const (
	SortByOrderDate    SortField = "order_date"
	SortByAmount       SortField = "amount"
	SortByStatus       SortField = "status"
	SortByCustomerName SortField = "customer_name"
	SortByOrderID      SortField = "order_id"
)

func (f SortField) Valid() bool {
	switch f {
	case SortByOrderDate, SortByAmount, SortByStatus, SortByCustomerName, SortByOrderID:
		return true
	}
	return false
}

type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 200
)

var ErrInvalidQuery = errors.New("invalid order query")

// QueryParams selects one page of a principal's orders.
type QueryParams struct {
	PrincipalID  string    `json:"-"`
	FilterStatus Status    `json:"status,omitempty"`
	SortField    SortField `json:"sort"`
	SortOrder    SortOrder `json:"order"`
	Page         int       `json:"page"`
	PageSize     int       `json:"page_size"`
}

func DefaultQueryParams(principalID string) QueryParams {
	return QueryParams{
		PrincipalID: principalID,
		SortField:   SortByOrderDate,
		SortOrder:   Descending,
		Page:        1,
		PageSize:    DefaultPageSize,
	}
}

func (p QueryParams) Validate() error {
	if p.FilterStatus != "" && !p.FilterStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, p.FilterStatus)
	}
	if !p.SortField.Valid() {
		return fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, p.SortField)
	}
	if p.SortOrder != Ascending && p.SortOrder != Descending {
		return fmt.Errorf("%w: unknown sort order %q", ErrInvalidQuery, p.SortOrder)
	}
	if p.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidQuery, p.Page)
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return fmt.Errorf("%w: page size must be within [1, %d], got %d", ErrInvalidQuery, MaxPageSize, p.PageSize)
	}
	// the offset must stay representable
	if p.Page-1 > math.MaxInt/p.PageSize {
		return fmt.Errorf("%w: page %d is out of range", ErrInvalidQuery, p.Page)
	}
	return nil
}

func (p QueryParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Rows is the number of rows a page holds when the full result has total rows.
func (p QueryParams) Rows(total int) int {
	remaining := total - p.Offset()
	if remaining < 0 {
		remaining = 0
	}
	if remaining > p.PageSize {
		return p.PageSize
	}
	return remaining
}

func (p QueryParams) Values() url.Values {
	values := url.Values{}
	if p.FilterStatus != "" {
		values.Set("status", string(p.FilterStatus))
	}
	values.Set("sort", string(p.SortField))
	values.Set("order", string(p.SortOrder))
	values.Set("page", strconv.Itoa(p.Page))
	values.Set("page_size", strconv.Itoa(p.PageSize))
	return values
}

// ParseQueryParams reads params from a query string, falling back to defaults for absent keys.
func ParseQueryParams(principalID string, values url.Values) (QueryParams, error) {
	params := DefaultQueryParams(principalID)

	if v := values.Get("status"); v != "" {
		params.FilterStatus = Status(v)
	}
	if v := values.Get("sort"); v != "" {
		params.SortField = SortField(v)
	}
	if v := values.Get("order"); v != "" {
		params.SortOrder = SortOrder(v)
	}
	if v := values.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("%w: page %q", ErrInvalidQuery, v)
		}
		params.Page = page
	}
	if v := values.Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("%w: page_size %q", ErrInvalidQuery, v)
		}
		params.PageSize = size
	}

	return params, params.Validate()
}

// Less orders a before b by field, breaking ties on ID so that pages never overlap.
func Less(a, b Order, field SortField, order SortOrder) bool {
	cmp := compareField(a, b, field)
	if cmp == 0 {
		return a.ID < b.ID
	}
	if order == Descending {
		return cmp > 0
	}
	return cmp < 0
}

func compareField(a, b Order, field SortField) int {
	switch field {
	case SortByAmount:
		return a.Amount.Cmp(b.Amount)
	case SortByStatus:
		return compareStrings(string(a.Status), string(b.Status))
	case SortByCustomerName:
		return compareStrings(a.CustomerName, b.CustomerName)
	case SortByOrderID:
		return compareStrings(a.OrderID, b.OrderID)
	default:
		return a.OrderDate.Compare(b.OrderDate)
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SelectPage filters, sorts and slices orders the way the gateway does.
func SelectPage(orders []Order, params QueryParams) OrderPage {
	matched := make([]Order, 0, len(orders))
	for _, order := range orders {
		if params.PrincipalID != "" && order.UserID != params.PrincipalID {
			continue
		}
		if params.FilterStatus != "" && order.Status != params.FilterStatus {
			continue
		}
		matched = append(matched, order)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return Less(matched[i], matched[j], params.SortField, params.SortOrder)
	})

	// params are validated upstream; the clamps keep unvalidated input from slicing out of range
	start := params.Offset()
	if start < 0 || start > len(matched) {
		start = len(matched)
	}
	end := start + params.Rows(len(matched))
	if end > len(matched) {
		end = len(matched)
	}

	return OrderPage{
		Orders:     append([]Order(nil), matched[start:end]...),
		TotalCount: len(matched),
		Page:       params.Page,
		PageSize:   params.PageSize,
	}
}
