package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/dropship-orders/internal/changefeed"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrChannelClosed = errors.New("change channel closed by server")

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscriber opens change channels against the gateway's realtime endpoint.
type Subscriber struct {
	endpoint string
	token    func() string
	dialer   *websocket.Dialer
	buffer   int
	logger   *logrus.Logger
}

// NewSubscriber dials endpoint (a ws:// or wss:// URL) with the bearer token returned by
// token at subscribe time.
func NewSubscriber(endpoint string, token func() string, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		endpoint: endpoint,
		token:    token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		buffer: 64,
		logger: logger,
	}
}

func (s *Subscriber) channelURL(principalID string) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	query := u.Query()
	query.Set("table", models.OrdersTable)
	query.Set("filter", "user_id=eq."+principalID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (s *Subscriber) Subscribe(ctx context.Context, principalID string) (changefeed.Subscription, error) {
	target, err := s.channelURL(principalID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token := s.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open change channel: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open change channel: %w", err)
	}

	feed := changefeed.NewFeed(s.buffer, func() {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	})

	go s.read(conn, feed, principalID)
	return feed, nil
}

func (s *Subscriber) read(conn *websocket.Conn, feed *changefeed.Feed, principalID string) {
	logger := s.logger.WithField("principal", principalID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var message inboundMessage
		if err := conn.ReadJSON(&message); err != nil {
			select {
			case <-feed.Done():
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					err = ErrChannelClosed
				}
				feed.Fail(err)
			}
			return
		}

		if message.Type != MessageTypeChange {
			continue
		}

		var raw models.RawChange
		if err := json.Unmarshal(message.Data, &raw); err != nil {
			logger.WithError(err).Warn("Dropping undecodable change")
			continue
		}
		if raw.UserID != "" && raw.UserID != principalID {
			logger.WithField("owner", raw.UserID).Warn("Dropping change for another principal")
			continue
		}

		event, err := models.DecodeChange(raw)
		if err != nil {
			logger.WithError(err).Warn("Dropping invalid change")
			continue
		}

		if !feed.Push(context.Background(), event) {
			return
		}
	}
}
