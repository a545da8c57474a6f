package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/dropship-orders/internal/auth"
	"github.com/jogardn/dropship-orders/internal/circuitbreaker"
	"github.com/jogardn/dropship-orders/internal/config"
	"github.com/jogardn/dropship-orders/internal/dashboard"
	"github.com/jogardn/dropship-orders/internal/functions"
	"github.com/jogardn/dropship-orders/internal/gateway"
	"github.com/jogardn/dropship-orders/internal/notify"
	"github.com/jogardn/dropship-orders/internal/realtime"
	"github.com/jogardn/dropship-orders/internal/websocket"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	app := &cli.App{
		Name:  "dashboard",
		Usage: "live order dashboard for dropship retailers",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the dashboard API and live event stream",
				Action: func(c *cli.Context) error {
					return serve(c.Context, logger)
				},
			},
			{
				Name:  "issue-token",
				Usage: "mint a bearer token for a principal",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
					&cli.StringFlag{Name: "issuer", EnvVars: []string{"JWT_ISSUER"}, Value: "dropship-orders"},
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Required: true, Usage: "principal id"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					token, err := auth.NewAuthenticator(c.String("secret"), c.String("issuer"), logger).
						IssueToken(c.String("subject"), c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, token)
					return nil
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.WithError(err).Fatal("Dashboard stopped with error")
	}
}

func serve(ctx context.Context, logger *logrus.Logger) error {
	cfg, err := config.LoadDashboard()
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	breakers := circuitbreaker.NewManager(logger)
	client := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.GatewayURL,
		RealtimeURL: cfg.RealtimeURL,
		Token:       cfg.Token,
		Timeout:     cfg.RequestTimeout,
	}, breakers, logger)

	hub := websocket.NewHub(logger)
	session := dashboard.NewSession(client, notify.NewBroadcastNotifier(hub, "dashboard"), dashboard.Config{
		PageSize:      cfg.PageSize,
		NoticeHistory: cfg.NoticeHistory,
		Realtime: realtime.Config{
			HighlightFor:     cfg.HighlightFor,
			ResubscribeDelay: cfg.ResubscribeDelay,
			WriteTimeout:     cfg.RequestTimeout,
		},
	}, logger)
	defer session.Close()

	router := mux.NewRouter()
	router.Use(functions.LoggingMiddleware(logger))
	dashboard.NewAPI(session, hub, breakers, cfg.RequestTimeout, logger).Register(router)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	if cfg.Token != "" {
		principal, err := session.SwitchPrincipal(ctx, cfg.Token)
		if err != nil {
			logger.WithError(err).WithField("principal", principal).Warn("Initial sign-in incomplete")
		}
	}

	group.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Port,
			"gateway": cfg.GatewayURL,
		}).Info("Starting dashboard")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
		return nil
	})

	return group.Wait()
}
