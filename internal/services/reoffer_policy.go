package services

import (
	"context"
	"encoding/json"
	"fmt"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

// ReofferPolicy возвращает заказ в подбор после отказа или истечения оффера.
// Курьер, от которого заказ только что ушел, пропускается в следующем раунде.
type ReofferPolicy struct {
	engine *DispatchEngine
	log    *logger.Logger
}

// NewReofferPolicy создает политику повторного предложения
func NewReofferPolicy(engine *DispatchEngine, log *logger.Logger) *ReofferPolicy {
	return &ReofferPolicy{engine: engine, log: log}
}

// EventTypes перечисляет события, на которые подписывается политика
func (p *ReofferPolicy) EventTypes() []models.EventType {
	return []models.EventType{
		models.EventTypeOfferDeclined,
		models.EventTypeOfferExpired,
	}
}

// Handle запускает раунд подбора по заказу из события
func (p *ReofferPolicy) Handle(ctx context.Context, eventType models.EventType, payload []byte) error {
	var event struct {
		OrderID uuid.UUID `json:"order_id"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", eventType, err)
	}
	if event.OrderID == uuid.Nil {
		return fmt.Errorf("%s payload has no order_id", eventType)
	}

	offer, err := p.engine.Dispatch(ctx, event.OrderID)
	switch {
	case err == nil:
	case apperr.IsStateError(err), apperr.KindOf(err) == apperr.KindNotFound:
		// заказ уже ушел дальше по жизненному циклу
		p.log.WithField("order_id", event.OrderID).WithField("event_type", eventType).Debug("Re-offer skipped")
		return nil
	default:
		return err
	}

	if offer != nil {
		p.log.WithField("order_id", event.OrderID).
			WithField("courier_id", offer.CourierID).
			WithField("trigger", eventType).
			Info("Order re-offered")
	}
	return nil
}
