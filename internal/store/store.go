package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/jogardn/dropship-orders/pkg/models"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrRetailerNotFound = errors.New("retailer not found")
)

type Product struct {
	ID    string          `db:"id" json:"id"`
	Name  string          `db:"name" json:"name"`
	Price decimal.Decimal `db:"price" json:"price"`
}

type Retailer struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// NewOrder is a row to insert. ProductID and RetailerID reference existing rows.
type NewOrder struct {
	models.Order
	ProductID  string `json:"product_id,omitempty"`
	RetailerID string `json:"retailer_id,omitempty"`
}

type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// Open connects to postgres. dsn is a postgres:// URL so the same value drives migrations.
func Open(dsn string, logger *logrus.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return New(db, logger), nil
}

func New(db *sqlx.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// WaitReady pings the database until it answers or attempts run out.
func (s *Store) WaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.db.PingContext(ctx); err == nil {
			s.logger.Info("Database connection established")
			return nil
		}
		s.logger.Info("Waiting for database...")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return errors.Wrap(err, "database not ready")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string, logger *logrus.Logger) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			logger.WithFields(logrus.Fields{
				"source_error":   sourceErr,
				"database_error": dbErr,
			}).Warn("Failed to close migrator")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read schema version")
	}
	logger.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Database schema up to date")
	return nil
}

type orderRow struct {
	ID             string          `db:"id"`
	OrderID        string          `db:"order_id"`
	UserID         string          `db:"user_id"`
	CustomerName   sql.NullString  `db:"customer_name"`
	CustomerEmail  sql.NullString  `db:"customer_email"`
	Amount         decimal.Decimal `db:"amount"`
	Cost           decimal.Decimal `db:"cost"`
	Profit         decimal.Decimal `db:"profit"`
	Status         string          `db:"status"`
	OrderDate      time.Time       `db:"order_date"`
	TrackingNumber sql.NullString  `db:"tracking_number"`
	TrackingURL    sql.NullString  `db:"tracking_url"`
	ProductName    sql.NullString  `db:"product_name"`
	RetailerName   sql.NullString  `db:"retailer_name"`
}

func (r orderRow) order() models.Order {
	order := models.Order{
		ID:             r.ID,
		OrderID:        r.OrderID,
		UserID:         r.UserID,
		CustomerName:   r.CustomerName.String,
		CustomerEmail:  r.CustomerEmail.String,
		Amount:         r.Amount,
		Cost:           r.Cost,
		Profit:         r.Profit,
		Status:         models.Status(r.Status),
		OrderDate:      r.OrderDate.UTC(),
		TrackingNumber: r.TrackingNumber.String,
		TrackingURL:    r.TrackingURL.String,
	}
	if r.ProductName.Valid {
		order.Product = &models.Ref{Name: r.ProductName.String}
	}
	if r.RetailerName.Valid {
		order.Retailer = &models.Ref{Name: r.RetailerName.String}
	}
	return order
}

const selectOrders = `
	SELECT o.id, o.order_id, o.user_id, o.customer_name, o.customer_email,
		o.amount, o.cost, o.profit, o.status, o.order_date,
		o.tracking_number, o.tracking_url,
		p.name AS product_name, r.name AS retailer_name
	FROM orders o
	LEFT JOIN products p ON p.id = o.product_id
	LEFT JOIN retailers r ON r.id = o.retailer_id`

var sortColumns = map[models.SortField]string{
	models.SortByOrderDate:    "o.order_date",
	models.SortByAmount:       "o.amount",
	models.SortByStatus:       "o.status",
	models.SortByCustomerName: "o.customer_name",
	models.SortByOrderID:      "o.order_id",
}

// buildListQuery renders the page and count queries for params. Sort columns come from a
// whitelist; every value travels as a bind parameter.
func buildListQuery(params models.QueryParams) (string, string, []interface{}) {
	where := []string{"o.user_id = $1"}
	args := []interface{}{params.PrincipalID}
	if params.FilterStatus != "" {
		args = append(args, string(params.FilterStatus))
		where = append(where, fmt.Sprintf("o.status = $%d", len(args)))
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	column, ok := sortColumns[params.SortField]
	if !ok {
		column = sortColumns[models.SortByOrderDate]
	}
	direction := "DESC"
	if params.SortOrder == models.Ascending {
		direction = "ASC"
	}

	count := "SELECT COUNT(*) FROM orders o" + clause
	page := fmt.Sprintf("%s%s ORDER BY %s %s NULLS LAST, o.id ASC LIMIT $%d OFFSET $%d",
		selectOrders, clause, column, direction, len(args)+1, len(args)+2)

	return page, count, args
}

func (s *Store) ListOrders(ctx context.Context, params models.QueryParams) (models.OrderPage, error) {
	if err := params.Validate(); err != nil {
		return models.OrderPage{}, err
	}

	pageQuery, countQuery, args := buildListQuery(params)

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return models.OrderPage{}, errors.Wrap(err, "failed to count orders")
	}

	var rows []orderRow
	pageArgs := append(append([]interface{}{}, args...), params.PageSize, params.Offset())
	if err := s.db.SelectContext(ctx, &rows, pageQuery, pageArgs...); err != nil {
		return models.OrderPage{}, errors.Wrap(err, "failed to list orders")
	}

	orders := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.order())
	}

	s.logger.WithFields(logrus.Fields{
		"principal":   params.PrincipalID,
		"count":       len(orders),
		"total_count": total,
		"page":        params.Page,
	}).Debug("Retrieved orders from database")

	return models.OrderPage{
		Orders:     orders,
		TotalCount: total,
		Page:       params.Page,
		PageSize:   params.PageSize,
	}, nil
}

func (s *Store) GetOrder(ctx context.Context, principalID, id string) (models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, selectOrders+" WHERE o.id = $1 AND o.user_id = $2", id, principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, errors.Wrap(err, "failed to get order")
	}
	return row.order(), nil
}

// UpdateStatus sets the status of one of the principal's orders and returns the row
// before and after the change.
func (s *Store) UpdateStatus(ctx context.Context, principalID, id string, status models.Status) (models.Order, models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Order{}, models.Order{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var row orderRow
	err = tx.GetContext(ctx, &row, selectOrders+" WHERE o.id = $1 AND o.user_id = $2 FOR UPDATE OF o", id, principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, models.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, models.Order{}, errors.Wrap(err, "failed to lock order")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, string(status), id); err != nil {
		return models.Order{}, models.Order{}, errors.Wrap(err, "failed to update order status")
	}
	if err := tx.Commit(); err != nil {
		return models.Order{}, models.Order{}, errors.Wrap(err, "failed to commit status update")
	}

	old := row.order()
	updated := old
	updated.Status = status
	return old, updated, nil
}

func (s *Store) InsertOrder(ctx context.Context, order NewOrder) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orders (id, order_id, user_id, product_id, retailer_id, customer_name,
			customer_email, amount, cost, profit, status, order_date, tracking_number, tracking_url)
		VALUES (:id, :order_id, :user_id, :product_id, :retailer_id, :customer_name,
			:customer_email, :amount, :cost, :profit, :status, :order_date, :tracking_number, :tracking_url)`,
		map[string]interface{}{
			"id":              order.ID,
			"order_id":        order.OrderID,
			"user_id":         order.UserID,
			"product_id":      nullString(order.ProductID),
			"retailer_id":     nullString(order.RetailerID),
			"customer_name":   nullString(order.CustomerName),
			"customer_email":  nullString(order.CustomerEmail),
			"amount":          order.Amount,
			"cost":            order.Cost,
			"profit":          order.Profit,
			"status":          string(order.Status),
			"order_date":      order.OrderDate,
			"tracking_number": nullString(order.TrackingNumber),
			"tracking_url":    nullString(order.TrackingURL),
		})
	if err != nil {
		return errors.Wrap(err, "failed to insert order")
	}
	return nil
}

func (s *Store) InsertProduct(ctx context.Context, product Product) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (id, name, price) VALUES (:id, :name, :price)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price`, product)
	if err != nil {
		return errors.Wrap(err, "failed to insert product")
	}
	return nil
}

func (s *Store) InsertRetailer(ctx context.Context, retailer Retailer) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO retailers (id, name) VALUES (:id, :name)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, retailer)
	if err != nil {
		return errors.Wrap(err, "failed to insert retailer")
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (Product, error) {
	var product Product
	err := s.db.GetContext(ctx, &product, `SELECT id, name, price FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, errors.Wrap(err, "failed to get product")
	}
	return product, nil
}

func (s *Store) GetRetailer(ctx context.Context, id string) (Retailer, error) {
	var retailer Retailer
	err := s.db.GetContext(ctx, &retailer, `SELECT id, name FROM retailers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Retailer{}, ErrRetailerNotFound
	}
	if err != nil {
		return Retailer{}, errors.Wrap(err, "failed to get retailer")
	}
	return retailer, nil
}

// InsertNotification writes a notification record unless an identical one was written
// within models.NotificationDedupeWindow.
func (s *Store) InsertNotification(ctx context.Context, notification models.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, reference_id, is_read, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications
			WHERE user_id = $2 AND type = $3 AND message = $5
				AND reference_id IS NOT DISTINCT FROM $6
				AND created_at > $8::timestamptz - $9::interval
		)`,
		notification.ID, notification.UserID, notification.Type, notification.Title,
		notification.Message, nullString(notification.ReferenceID), notification.IsRead, notification.CreatedAt,
		fmt.Sprintf("%d seconds", int(models.NotificationDedupeWindow.Seconds())))
	if err != nil {
		return errors.Wrap(err, "failed to insert notification")
	}
	return nil
}

type notificationRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	Type        string         `db:"type"`
	Title       string         `db:"title"`
	Message     string         `db:"message"`
	ReferenceID sql.NullString `db:"reference_id"`
	IsRead      bool           `db:"is_read"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (s *Store) ListNotifications(ctx context.Context, principalID string, limit int) ([]models.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, type, title, message, reference_id, is_read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, principalID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}

	notifications := make([]models.Notification, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, models.Notification{
			ID:          row.ID,
			UserID:      row.UserID,
			Type:        row.Type,
			Title:       row.Title,
			Message:     row.Message,
			ReferenceID: row.ReferenceID.String,
			IsRead:      row.IsRead,
			CreatedAt:   row.CreatedAt.UTC(),
		})
	}
	return notifications, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
