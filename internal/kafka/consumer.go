package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// EventHandler обрабатывает полезную нагрузку события (поле data конверта)
type EventHandler func(ctx context.Context, eventType models.EventType, payload []byte) error

// envelope повторяет models.Event, но оставляет data сырым JSON
type envelope struct {
	ID        uuid.UUID        `json:"id"`
	Type      models.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// Consumer представляет Kafka consumer
type Consumer struct {
	consumer sarama.ConsumerGroup
	log      *logger.Logger
	handlers map[models.EventType]EventHandler
	topics   []string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer создает consumer группы groupID для указанных топиков.
// Экземпляры с общей группой делят сообщения, с уникальной группой получают все.
func NewConsumer(cfg *config.KafkaConfig, groupID string, topics []string, log *logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	log.WithField("group_id", groupID).WithField("topics", topics).Info("Kafka consumer created successfully")
	return newConsumer(group, topics, log), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, log *logger.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer: group,
		log:      log,
		handlers: make(map[models.EventType]EventHandler),
		topics:   topics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler регистрирует обработчик для определенного типа события.
// Регистрировать нужно до Start.
func (c *Consumer) RegisterHandler(eventType models.EventType, handler EventHandler) {
	c.handlers[eventType] = handler
	c.log.WithField("event_type", eventType).Info("Event handler registered")
}

// Start запускает consumer
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
					c.log.WithError(err).Error("Error consuming messages")
					select {
					case <-c.ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
			}
		}
	}()

	c.log.Info("Kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.consumer.Close()
}

// Setup реализует интерфейс sarama.ConsumerGroupHandler
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup реализует интерфейс sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim реализует интерфейс sarama.ConsumerGroupHandler
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			if err := c.processMessage(session.Context(), message); err != nil {
				c.log.WithError(err).
					WithField("topic", message.Topic).
					WithField("partition", message.Partition).
					WithField("offset", message.Offset).
					Error("Failed to process message")
			} else {
				session.MarkMessage(message, "")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// processMessage обрабатывает полученное сообщение
func (c *Consumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event envelope
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	c.log.WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		WithField("topic", message.Topic).
		Debug("Processing event")

	handler, exists := c.handlers[event.Type]
	if !exists {
		// чужие типы событий в общем топике просто пропускаются
		return nil
	}

	if err := handler(ctx, event.Type, event.Data); err != nil {
		return fmt.Errorf("handler failed for event type %s: %w", event.Type, err)
	}

	c.log.WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		Debug("Event processed successfully")

	return nil
}
