package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jogardn/dropship-orders/pkg/models"
)

// Memory keeps the gateway tables in process. It backs local runs and handler tests.
type Memory struct {
	mutex         sync.RWMutex
	products      map[string]Product
	retailers     map[string]Retailer
	orders        []models.Order
	notifications []models.Notification
}

func NewMemory() *Memory {
	return &Memory{
		products:  make(map[string]Product),
		retailers: make(map[string]Retailer),
	}
}

func (m *Memory) AddProduct(product Product) {
	m.mutex.Lock()
	m.products[product.ID] = product
	m.mutex.Unlock()
}

func (m *Memory) AddRetailer(retailer Retailer) {
	m.mutex.Lock()
	m.retailers[retailer.ID] = retailer
	m.mutex.Unlock()
}

func (m *Memory) InsertProduct(ctx context.Context, product Product) error {
	m.AddProduct(product)
	return nil
}

func (m *Memory) InsertRetailer(ctx context.Context, retailer Retailer) error {
	m.AddRetailer(retailer)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) ListOrders(ctx context.Context, params models.QueryParams) (models.OrderPage, error) {
	if err := params.Validate(); err != nil {
		return models.OrderPage{}, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return models.SelectPage(m.orders, params), nil
}

func (m *Memory) GetOrder(ctx context.Context, principalID, id string) (models.Order, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, order := range m.orders {
		if order.ID == id && order.UserID == principalID {
			return order, nil
		}
	}
	return models.Order{}, ErrOrderNotFound
}

func (m *Memory) UpdateStatus(ctx context.Context, principalID, id string, status models.Status) (models.Order, models.Order, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := range m.orders {
		if m.orders[i].ID == id && m.orders[i].UserID == principalID {
			old := m.orders[i]
			m.orders[i].Status = status
			return old, m.orders[i], nil
		}
	}
	return models.Order{}, models.Order{}, ErrOrderNotFound
}

func (m *Memory) InsertOrder(ctx context.Context, order NewOrder) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	row := order.Order
	if product, ok := m.products[order.ProductID]; ok {
		row.Product = &models.Ref{Name: product.Name}
	}
	if retailer, ok := m.retailers[order.RetailerID]; ok {
		row.Retailer = &models.Ref{Name: retailer.Name}
	}
	m.orders = append(m.orders, row)
	return nil
}

func (m *Memory) GetProduct(ctx context.Context, id string) (Product, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	product, ok := m.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

func (m *Memory) GetRetailer(ctx context.Context, id string) (Retailer, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	retailer, ok := m.retailers[id]
	if !ok {
		return Retailer{}, ErrRetailerNotFound
	}
	return retailer, nil
}

func (m *Memory) InsertNotification(ctx context.Context, notification models.Notification) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, existing := range m.notifications {
		if existing.Duplicates(notification) &&
			notification.CreatedAt.Sub(existing.CreatedAt) < models.NotificationDedupeWindow {
			return nil
		}
	}
	m.notifications = append(m.notifications, notification)
	return nil
}

func (m *Memory) ListNotifications(ctx context.Context, principalID string, limit int) ([]models.Notification, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []models.Notification
	for _, notification := range m.notifications {
		if notification.UserID == principalID {
			result = append(result, notification)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
