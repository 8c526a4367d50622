package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType представляет тип события
type EventType string

const (
	EventTypeOrderCreated         EventType = "order.created"
	EventTypeOrderConfirmed       EventType = "order.confirmed"
	EventTypeOrderRejected        EventType = "order.rejected"
	EventTypeOrderPickedUp        EventType = "order.picked_up"
	EventTypeOrderDelivered       EventType = "order.delivered"
	EventTypeOfferCreated         EventType = "offer.created"
	EventTypeOfferDeclined        EventType = "offer.declined"
	EventTypeOfferExpired         EventType = "offer.expired"
	EventTypeCourierAssigned      EventType = "courier.assigned"
	EventTypeCourierRegistered    EventType = "courier.registered"
	EventTypeCourierStatusChanged EventType = "courier.status_changed"
	EventTypeCourierFlagChanged   EventType = "courier.movement_flag_changed"
	EventTypeCourierInactive      EventType = "courier.inactive"
	EventTypeLocationUpdated      EventType = "location.updated"
	EventTypeDispatchUnmatched    EventType = "dispatch.unmatched"
	EventTypeSettingsUpdated      EventType = "settings.updated"
)

// Event представляет базовое событие
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// OrderEvent представляет событие жизненного цикла заказа
type OrderEvent struct {
	OrderID         uuid.UUID       `json:"order_id"`
	RestaurantID    uuid.UUID       `json:"restaurant_id"`
	UserID          string          `json:"user_id"`
	CourierID       *uuid.UUID      `json:"courier_id,omitempty"`
	DeliveryStatus  DeliveryStatus  `json:"delivery_status"`
	RejectionReason RejectionReason `json:"rejection_reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// NewOrderEvent собирает событие по заказу
func NewOrderEvent(o *Order) OrderEvent {
	return OrderEvent{
		OrderID:         o.ID,
		RestaurantID:    o.RestaurantID,
		UserID:          o.UserID,
		CourierID:       o.CourierID,
		DeliveryStatus:  o.DeliveryStatus,
		RejectionReason: o.RejectionReason,
		Timestamp:       o.UpdatedAt,
	}
}

// OfferEvent представляет событие по офферу
type OfferEvent struct {
	OfferID   uuid.UUID   `json:"offer_id"`
	OrderID   uuid.UUID   `json:"order_id"`
	CourierID uuid.UUID   `json:"courier_id"`
	Status    OfferStatus `json:"status"`
	ExpiresAt time.Time   `json:"expires_at"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewOfferEvent собирает событие по офферу
func NewOfferEvent(o *Offer, at time.Time) OfferEvent {
	return OfferEvent{
		OfferID:   o.ID,
		OrderID:   o.OrderID,
		CourierID: o.CourierID,
		Status:    o.Status,
		ExpiresAt: o.ExpiresAt,
		Timestamp: at,
	}
}

// CourierAssignedEvent представляет событие назначения курьера
type CourierAssignedEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	CourierID uuid.UUID `json:"courier_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CourierStatusChangedEvent представляет событие изменения статуса или флага курьера
type CourierStatusChangedEvent struct {
	CourierID       uuid.UUID     `json:"courier_id"`
	OldStatus       CourierStatus `json:"old_status,omitempty"`
	NewStatus       CourierStatus `json:"new_status,omitempty"`
	OldFlag         MovementFlag  `json:"old_flag,omitempty"`
	NewFlag         MovementFlag  `json:"new_flag,omitempty"`
	InactivityTimer int64         `json:"inactivity_timer"`
	Timestamp       time.Time     `json:"timestamp"`
}

// LocationUpdatedEvent представляет событие обновления местоположения
type LocationUpdatedEvent struct {
	CourierID uuid.UUID `json:"courier_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// DispatchUnmatchedEvent сообщает, что раунд подбора не нашел курьера
type DispatchUnmatchedEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}
