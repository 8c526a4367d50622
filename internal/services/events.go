package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
)

// EventPublisher публикует события изменения состояния. Реализуется kafka.Producer
// и LocalPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, eventType models.EventType, key string, data interface{}) error
}

// EventHandler обрабатывает полезную нагрузку события
type EventHandler func(ctx context.Context, eventType models.EventType, payload []byte) error

// LocalPublisher доставляет события обработчикам внутри процесса.
// Используется, когда Kafka выключена.
type LocalPublisher struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]EventHandler
	log      *logger.Logger
	wg       sync.WaitGroup
}

// NewLocalPublisher создает публикатор без подписчиков
func NewLocalPublisher(log *logger.Logger) *LocalPublisher {
	return &LocalPublisher{
		handlers: make(map[models.EventType][]EventHandler),
		log:      log,
	}
}

// RegisterHandler подписывает обработчик на тип события
func (p *LocalPublisher) RegisterHandler(eventType models.EventType, handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = append(p.handlers[eventType], handler)
}

// Publish сериализует данные и вызывает обработчики асинхронно, как это сделал бы консьюмер
func (p *LocalPublisher) Publish(ctx context.Context, eventType models.EventType, key string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.RLock()
	handlers := append([]EventHandler(nil), p.handlers[eventType]...)
	p.mu.RUnlock()

	for _, h := range handlers {
		p.wg.Add(1)
		go func(h EventHandler) {
			defer p.wg.Done()
			if err := h(context.Background(), eventType, payload); err != nil {
				p.log.WithError(err).
					WithField("event_type", eventType).
					WithField("key", key).
					Error("Local event handler failed")
			}
		}(h)
	}
	return nil
}

// Wait дожидается завершения запущенных обработчиков
func (p *LocalPublisher) Wait() {
	p.wg.Wait()
}

// publishSafe публикует событие и только логирует ошибку: состояние уже зафиксировано в БД
func publishSafe(ctx context.Context, pub EventPublisher, log *logger.Logger, eventType models.EventType, key string, data interface{}) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, eventType, key, data); err != nil {
		log.WithError(err).
			WithField("event_type", eventType).
			WithField("key", key).
			Warn("Failed to publish event")
	}
}
