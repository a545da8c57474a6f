package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ChangeChannel is the LISTEN channel the orders trigger notifies on.
const ChangeChannel = "order_changes"

// ChangeHandler receives every decoded trigger notification.
type ChangeHandler func(ctx context.Context, change models.RawChange) error

// ChangeListener turns postgres notifications from the orders trigger into raw changes.
type ChangeListener struct {
	dsn     string
	handler ChangeHandler
	logger  *logrus.Logger
}

func NewChangeListener(dsn string, handler ChangeHandler, logger *logrus.Logger) *ChangeListener {
	return &ChangeListener{dsn: dsn, handler: handler, logger: logger}
}

// Start listens until ctx is cancelled. Reconnects are handled by pq.Listener.
func (l *ChangeListener) Start(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 2*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnected:
			l.logger.Info("Change listener connected")
		case pq.ListenerEventDisconnected:
			l.logger.WithError(err).Warn("Change listener disconnected")
		case pq.ListenerEventReconnected:
			l.logger.Info("Change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.WithError(err).Warn("Change listener connection attempt failed")
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChangeChannel); err != nil {
		return errors.Wrapf(err, "failed to listen on %s", ChangeChannel)
	}
	l.logger.WithField("channel", ChangeChannel).Info("Listening for order changes")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Change listener context cancelled")
			return nil

		case notification := <-listener.Notify:
			// nil after a reconnect; changes made while disconnected are not replayed.
			if notification == nil {
				continue
			}
			if err := l.handle(ctx, notification.Extra); err != nil {
				l.logger.WithError(err).Error("Failed to handle order change notification")
			}

		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.WithError(err).Warn("Change listener ping failed")
				}
			}()
		}
	}
}

func (l *ChangeListener) handle(ctx context.Context, payload string) error {
	var change models.RawChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return errors.Wrap(err, "failed to decode notification payload")
	}

	l.logger.WithFields(logrus.Fields{
		"event_type": change.EventType,
		"user_id":    change.UserID,
	}).Debug("Received order change notification")

	return l.handler(ctx, change)
}
