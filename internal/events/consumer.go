package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type ChangeHandler interface {
	HandleChange(ctx context.Context, change models.RawChange) error
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       ChangeHandler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler ChangeHandler
	logger  *logrus.Logger
}

func NewKafkaConsumer(brokers, groupID string, handler ChangeHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	// Subscribers only care about changes made after they connected.
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{OrderChangesTopic},
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			h.logger.WithFields(logrus.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
				"key":       string(message.Key),
			}).Debug("Received Kafka message")

			// A change that cannot be delivered is dropped; subscribers re-fetch on reconnect.
			if err := h.handleMessage(session.Context(), message); err != nil {
				h.logger.WithError(err).Error("Failed to handle message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	if message.Topic != OrderChangesTopic {
		h.logger.WithField("topic", message.Topic).Warn("Unknown topic received")
		return nil
	}

	var change models.RawChange
	if err := json.Unmarshal(message.Value, &change); err != nil {
		return fmt.Errorf("failed to unmarshal change: %w", err)
	}
	if change.UserID == "" {
		change.UserID = string(message.Key)
	}

	return h.handler.HandleChange(ctx, change)
}
