package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/dropship-orders/internal/auth"
	"github.com/jogardn/dropship-orders/internal/config"
	"github.com/jogardn/dropship-orders/internal/events"
	"github.com/jogardn/dropship-orders/internal/functions"
	"github.com/jogardn/dropship-orders/internal/metrics"
	"github.com/jogardn/dropship-orders/internal/seed"
	"github.com/jogardn/dropship-orders/internal/store"
	"github.com/jogardn/dropship-orders/internal/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadGateway()
	if err != nil {
		logger.WithError(err).Fatal("Invalid gateway configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Gateway stopped with error")
	}
	logger.Info("Gateway gracefully stopped")
}

func run(ctx context.Context, cfg config.Gateway, logger *logrus.Logger) error {
	data, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.SeedFile != "" {
		if err := importSeed(ctx, data, cfg.SeedFile, logger); err != nil {
			return err
		}
	}

	hub := websocket.NewHub(logger)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	publisher, err := changeSource(ctx, group, cfg, hub, logger)
	if err != nil {
		return err
	}

	authenticator := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, logger)
	handler := functions.NewHandler(data, publisher, hub, functions.Config{
		CostRatio:       cfg.CostRatio,
		TrackingBaseURL: cfg.TrackingBaseURL,
	}, logger)

	router := mux.NewRouter()
	router.Use(metrics.Middleware())
	router.Use(functions.LoggingMiddleware(logger))
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	handler.Register(router, authenticator.Middleware())

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: realtime connections are long lived.
		IdleTimeout: 60 * time.Second,
	}

	group.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":          cfg.Port,
			"storage":       cfg.Storage,
			"change_source": cfg.ChangeSource,
		}).Info("Starting data gateway")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
		return nil
	})

	return group.Wait()
}

type closer func()

type gatewayStore interface {
	functions.Store
	seed.Writer
}

func openStore(ctx context.Context, cfg config.Gateway, logger *logrus.Logger) (gatewayStore, closer, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage; data is lost on restart")
		return seededMemory(), func() {}, nil
	}

	dsn := cfg.DSN()
	db, err := store.Open(dsn, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.WaitReady(ctx, 30, 2*time.Second); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := store.Migrate(dsn, logger); err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}, nil
}

func importSeed(ctx context.Context, data seed.Writer, path string, logger *logrus.Logger) error {
	dataset, err := seed.LoadFile(path)
	if err != nil {
		return err
	}

	result, err := seed.NewImporter(data, seed.Config{SkipExisting: true}, logger).Import(ctx, dataset)
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		logger.WithField("errors", result.Errors).Warn("Some seed orders were not imported")
	}
	return nil
}

// changeSource starts whatever delivers committed changes to the hub and returns the
// publisher the functions use after each write.
func changeSource(ctx context.Context, group *errgroup.Group, cfg config.Gateway, hub *websocket.Hub, logger *logrus.Logger) (functions.ChangePublisher, error) {
	switch cfg.ChangeSource {
	case config.ChangeSourceLocal:
		return functions.PublisherFunc(hub.HandleChange), nil

	case config.ChangeSourcePostgres:
		listener := store.NewChangeListener(cfg.DSN(), hub.HandleChange, logger)
		group.Go(func() error {
			return listener.Start(ctx)
		})
		return functions.NopPublisher, nil

	default:
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, err
		}

		// Every instance needs every change for its own clients, so groups are not shared.
		groupID := cfg.KafkaGroupID + "-" + uuid.NewString()[:8]
		consumer, err := events.NewKafkaConsumer(cfg.KafkaBrokers, groupID, hub, logger)
		if err != nil {
			producer.Close()
			return nil, err
		}
		logger.WithField("group_id", groupID).Info("Consuming order changes from Kafka")

		group.Go(func() error {
			return consumer.Start(ctx)
		})
		group.Go(func() error {
			<-ctx.Done()
			consumer.Close()
			return producer.Close()
		})
		return producer, nil
	}
}

func seededMemory() *store.Memory {
	memory := store.NewMemory()
	for _, product := range []store.Product{
		{ID: "5f0c7a2e-0001-4c1b-9a3e-000000000001", Name: "Desk Lamp", Price: decimal.RequireFromString("49.99")},
		{ID: "5f0c7a2e-0001-4c1b-9a3e-000000000002", Name: "Ceramic Mug Set", Price: decimal.RequireFromString("24.50")},
		{ID: "5f0c7a2e-0001-4c1b-9a3e-000000000003", Name: "Standing Desk Mat", Price: decimal.RequireFromString("89.00")},
	} {
		memory.AddProduct(product)
	}
	for _, retailer := range []store.Retailer{
		{ID: "7a9d3b10-0002-4e2f-8c4d-000000000001", Name: "Lumen Supply"},
		{ID: "7a9d3b10-0002-4e2f-8c4d-000000000002", Name: "Northwind Goods"},
	} {
		memory.AddRetailer(retailer)
	}
	return memory
}
