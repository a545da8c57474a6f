package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jogardn/dropship-orders/internal/store"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `{
  "products": [{"id": "prod-1", "name": "Desk Lamp", "price": "49.99"}],
  "retailers": [{"id": "ret-1", "name": "Lumen Supply"}],
  "orders": [
    {"id": "o-1", "order_id": "ORD-1", "user_id": "u1", "status": "pending", "amount": "49.99",
     "order_date": "2025-01-01T10:00:00Z", "product_id": "prod-1", "retailer_id": "ret-1"},
    {"id": "o-2", "order_id": "ORD-2", "user_id": "u1", "status": "shipped", "amount": "10",
     "order_date": "2025-01-02T10:00:00Z"},
    {"id": "o-3", "order_id": "ORD-3", "user_id": "u2", "status": "delivered", "amount": "12.5",
     "order_date": "2025-01-03T10:00:00Z"}
  ]
}`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func loadFixture(t *testing.T) Dataset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	dataset, err := LoadFile(path)
	require.NoError(t, err)
	return dataset
}

func TestLoadFile(t *testing.T) {
	dataset := loadFixture(t)

	require.Len(t, dataset.Orders, 3)
	assert.Equal(t, "prod-1", dataset.Orders[0].ProductID)
	assert.Equal(t, models.StatusShipped, dataset.Orders[1].Status)
	assert.Equal(t, time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC), dataset.Orders[2].OrderDate)
	assert.Equal(t, "49.99", dataset.Products[0].Price.String())

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestImportSkipsExistingOrders(t *testing.T) {
	dataset := loadFixture(t)
	memory := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, memory.InsertOrder(ctx, dataset.Orders[1]))

	importer := NewImporter(memory, Config{BatchSize: 2, Concurrency: 2, SkipExisting: true}, testLogger())
	result, err := importer.Import(ctx, dataset)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalOrders)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1, result.Products)

	page, err := memory.ListOrders(ctx, models.DefaultQueryParams("u1"))
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	require.NotNil(t, page.Orders[1].Product)
	assert.Equal(t, "Desk Lamp", page.Orders[1].Product.Name)
}

func TestImportDryRunWritesNothing(t *testing.T) {
	dataset := loadFixture(t)
	memory := store.NewMemory()
	ctx := context.Background()

	result, err := NewImporter(memory, Config{DryRun: true}, testLogger()).Import(ctx, dataset)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 3, result.Imported)

	page, err := memory.ListOrders(ctx, models.DefaultQueryParams("u1"))
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount)
	_, err = memory.GetProduct(ctx, "prod-1")
	assert.ErrorIs(t, err, store.ErrProductNotFound)
}
