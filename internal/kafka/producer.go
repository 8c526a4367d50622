package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Producer представляет Kafka producer
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	topics   config.Topics
}

// NewProducer создает новый Kafka producer
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.Info("Kafka producer created successfully")
	return NewProducerWith(producer, cfg.Topics, log), nil
}

// NewProducerConfig возвращает настройки sarama для синхронной отправки
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll       // Ждем подтверждения от всех реплик
	config.Producer.Retry.Max = 3                          // Максимум 3 попытки
	config.Producer.Return.Successes = true                // Возвращаем успешные результаты
	config.Producer.Compression = sarama.CompressionSnappy // Сжатие данных
	return config
}

// NewProducerWith оборачивает готовый sarama.SyncProducer
func NewProducerWith(producer sarama.SyncProducer, topics config.Topics, log *logger.Logger) *Producer {
	return &Producer{
		producer: producer,
		log:      log,
		topics:   topics,
	}
}

// Close закрывает producer
func (p *Producer) Close() error {
	return p.producer.Close()
}

// TopicFor выбирает топик по префиксу типа события
func (p *Producer) TopicFor(eventType models.EventType) string {
	prefix, _, _ := strings.Cut(string(eventType), ".")
	switch prefix {
	case "order":
		return p.topics.Orders
	case "courier":
		return p.topics.Couriers
	case "location":
		return p.topics.Locations
	case "offer", "dispatch":
		return p.topics.Dispatch
	case "settings":
		return p.topics.Settings
	}
	return p.topics.Orders
}

// Publish публикует событие. key определяет партицию: события одного заказа идут по порядку.
func (p *Producer) Publish(ctx context.Context, eventType models.EventType, key string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event := models.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	return p.publishEvent(p.TopicFor(eventType), key, event)
}

// publishEvent публикует событие в указанный топик
func (p *Producer) publishEvent(topic, key string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if key == "" {
		key = event.ID.String()
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.Type),
			},
			{
				Key:   []byte("timestamp"),
				Value: []byte(event.Timestamp.Format(time.RFC3339)),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	p.log.WithField("topic", topic).
		WithField("partition", partition).
		WithField("offset", offset).
		WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		Debug("Event published successfully")

	return nil
}
