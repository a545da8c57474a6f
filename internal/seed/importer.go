// Package seed imports historical catalog and order data straight into the gateway
// store. Imported rows are not published as changes.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jogardn/dropship-orders/internal/store"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Writer interface {
	InsertProduct(ctx context.Context, product store.Product) error
	InsertRetailer(ctx context.Context, retailer store.Retailer) error
	InsertOrder(ctx context.Context, order store.NewOrder) error
	GetOrder(ctx context.Context, principalID, id string) (models.Order, error)
}

type Dataset struct {
	Products  []store.Product  `json:"products"`
	Retailers []store.Retailer `json:"retailers"`
	Orders    []store.NewOrder `json:"orders"`
}

type Config struct {
	BatchSize    int  `json:"batch_size"`
	Concurrency  int  `json:"concurrency"`
	DryRun       bool `json:"dry_run"`
	SkipExisting bool `json:"skip_existing"`
}

type ImportError struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type Result struct {
	Products       int           `json:"products"`
	Retailers      int           `json:"retailers"`
	TotalOrders    int           `json:"total_orders"`
	Imported       int           `json:"imported"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Errors         []ImportError `json:"errors"`
	ProcessingTime time.Duration `json:"processing_time"`
	DryRun         bool          `json:"dry_run"`
}

func (r *Result) merge(other *Result) {
	r.Imported += other.Imported
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

type Importer struct {
	writer Writer
	config Config
	logger *logrus.Logger
}

func NewImporter(writer Writer, config Config, logger *logrus.Logger) *Importer {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Importer{writer: writer, config: config, logger: logger}
}

func LoadFile(path string) (Dataset, error) {
	var dataset Dataset
	data, err := os.ReadFile(path)
	if err != nil {
		return dataset, errors.Wrap(err, "failed to read seed file")
	}
	if err := json.Unmarshal(data, &dataset); err != nil {
		return dataset, errors.Wrapf(err, "failed to parse seed file %s", path)
	}
	return dataset, nil
}

// Import writes the catalog first, then the orders in concurrent batches. A failed
// order is recorded in the result and does not stop the import; a failed catalog row does.
func (im *Importer) Import(ctx context.Context, dataset Dataset) (*Result, error) {
	start := time.Now()
	result := &Result{
		TotalOrders: len(dataset.Orders),
		Errors:      []ImportError{},
		DryRun:      im.config.DryRun,
	}

	im.logger.WithFields(logrus.Fields{
		"products":  len(dataset.Products),
		"retailers": len(dataset.Retailers),
		"orders":    len(dataset.Orders),
		"dry_run":   im.config.DryRun,
	}).Info("Starting seed import")

	if im.config.DryRun {
		result.Products = len(dataset.Products)
		result.Retailers = len(dataset.Retailers)
		result.Imported = len(dataset.Orders)
		result.ProcessingTime = time.Since(start)
		return result, nil
	}

	for _, product := range dataset.Products {
		if err := im.writer.InsertProduct(ctx, product); err != nil {
			return result, fmt.Errorf("product %s: %w", product.ID, err)
		}
		result.Products++
	}
	for _, retailer := range dataset.Retailers {
		if err := im.writer.InsertRetailer(ctx, retailer); err != nil {
			return result, fmt.Errorf("retailer %s: %w", retailer.ID, err)
		}
		result.Retailers++
	}

	var mutex sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(im.config.Concurrency)

	for _, batch := range im.batches(dataset.Orders) {
		batch := batch
		group.Go(func() error {
			batchResult := im.importBatch(groupCtx, batch)
			mutex.Lock()
			result.merge(batchResult)
			mutex.Unlock()
			return nil
		})
	}
	group.Wait()

	result.ProcessingTime = time.Since(start)
	im.logger.WithFields(logrus.Fields{
		"imported": result.Imported,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"duration": result.ProcessingTime.Milliseconds(),
	}).Info("Seed import completed")

	return result, ctx.Err()
}

func (im *Importer) batches(orders []store.NewOrder) [][]store.NewOrder {
	var batches [][]store.NewOrder
	for i := 0; i < len(orders); i += im.config.BatchSize {
		end := i + im.config.BatchSize
		if end > len(orders) {
			end = len(orders)
		}
		batches = append(batches, orders[i:end])
	}
	return batches
}

func (im *Importer) importBatch(ctx context.Context, orders []store.NewOrder) *Result {
	result := &Result{}

	for _, order := range orders {
		if ctx.Err() != nil {
			return result
		}

		if im.config.SkipExisting {
			_, err := im.writer.GetOrder(ctx, order.UserID, order.ID)
			if err == nil {
				result.Skipped++
				continue
			}
			if !errors.Is(err, store.ErrOrderNotFound) {
				result.fail(order.ID, err)
				im.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to check existing order")
				continue
			}
		}

		if err := im.writer.InsertOrder(ctx, order); err != nil {
			result.fail(order.ID, err)
			im.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to import order")
			continue
		}
		result.Imported++
	}

	return result
}

func (r *Result) fail(orderID string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, ImportError{OrderID: orderID, Error: err.Error()})
}
