package models

import (
	"time"

	"food-dispatch/internal/geo"

	"github.com/google/uuid"
)

// DeliveryStatus представляет статус доставки заказа
type DeliveryStatus string

const (
	// DeliveryStatusAtRestaurant: заказ ждет решения ресторана
	DeliveryStatusAtRestaurant DeliveryStatus = "at restaurant"
	// DeliveryStatusConfirmed: ресторан подтвердил, заказ в пуле диспетчеризации
	DeliveryStatusConfirmed DeliveryStatus = "confirmed, preparing"
	DeliveryStatusRejected  DeliveryStatus = "rejected"
	// DeliveryStatusCourierEnRoute: курьер принял оффер и едет в ресторан
	DeliveryStatusCourierEnRoute DeliveryStatus = "courier en route"
	DeliveryStatusInTransit      DeliveryStatus = "in transit"
	DeliveryStatusCompleted      DeliveryStatus = "completed"
)

// Valid проверяет, что статус известен
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusAtRestaurant, DeliveryStatusConfirmed, DeliveryStatusRejected,
		DeliveryStatusCourierEnRoute, DeliveryStatusInTransit, DeliveryStatusCompleted:
		return true
	}
	return false
}

// HasCourier сообщает, должен ли в этом статусе быть назначен курьер
func (s DeliveryStatus) HasCourier() bool {
	switch s {
	case DeliveryStatusCourierEnRoute, DeliveryStatusInTransit, DeliveryStatusCompleted:
		return true
	}
	return false
}

// RejectionReason объясняет, почему заказ отклонен
type RejectionReason string

const (
	RejectionReasonNone     RejectionReason = ""
	RejectionReasonExplicit RejectionReason = "explicit"
	RejectionReasonTimeout  RejectionReason = "timeout"
)

// Order представляет заказ в системе
type Order struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	RestaurantID         uuid.UUID       `json:"restaurant_id" db:"restaurant_id"`
	UserID               string          `json:"user_id" db:"user_id"`
	CourierID            *uuid.UUID      `json:"courier_id" db:"courier_id"`
	Items                []OrderItem     `json:"items" db:"items"`
	TotalPrepTime        int             `json:"total_prep_time" db:"total_prep_time"`
	EstimatedReadyTime   time.Time       `json:"estimated_ready_time" db:"estimated_ready_time"`
	RestaurantAddress    string          `json:"restaurant_address" db:"restaurant_address"`
	RestaurantLocation   geo.Point       `json:"restaurant_location" db:"restaurant_location"`
	UserAddress          string          `json:"user_address" db:"user_address"`
	UserLocation         geo.Point       `json:"user_location" db:"user_location"`
	OrderConfirmed       *bool           `json:"order_confirmed" db:"order_confirmed"`
	DeliveryStatus       DeliveryStatus  `json:"delivery_status" db:"delivery_status"`
	RejectionReason      RejectionReason `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ConfirmationDeadline time.Time       `json:"confirmation_deadline" db:"confirmation_deadline"`
	DeliveryFee          float64         `json:"delivery_fee" db:"delivery_fee"`
	OfferedTo            *uuid.UUID      `json:"offered_to,omitempty" db:"offered_to"`
	OfferExpiresAt       *time.Time      `json:"offer_expires_at,omitempty" db:"offer_expires_at"`
	LastDeclinedBy       *uuid.UUID      `json:"last_declined_by,omitempty" db:"last_declined_by"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	PickedUpAt           *time.Time      `json:"picked_up_at,omitempty" db:"picked_up_at"`
	DeliveredAt          *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
}

// OrderItem представляет позицию заказа. PrepTime в минутах на единицу.
type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	PrepTime int    `json:"prep_time"`
}

// TotalPrepTime суммирует время приготовления позиций с учетом количества
func TotalPrepTime(items []OrderItem) int {
	total := 0
	for _, item := range items {
		total += item.PrepTime * item.Quantity
	}
	return total
}

// HasOutstandingOffer сообщает, что заказ сейчас предложен курьеру
func (o *Order) HasOutstandingOffer() bool {
	return o.OfferedTo != nil
}

// IsOfferedTo сообщает, что оффер по заказу адресован этому курьеру
func (o *Order) IsOfferedTo(courierID uuid.UUID) bool {
	return o.OfferedTo != nil && *o.OfferedTo == courierID
}

// IsAssignedTo сообщает, что заказ назначен этому курьеру
func (o *Order) IsAssignedTo(courierID uuid.UUID) bool {
	return o.CourierID != nil && *o.CourierID == courierID
}

// CreateOrderRequest представляет запрос на создание заказа.
// UserLocation приходит от внешнего геокодера и может отсутствовать.
type CreateOrderRequest struct {
	RestaurantID uuid.UUID                `json:"restaurant_id"`
	UserID       string                   `json:"user_id"`
	UserAddress  string                   `json:"user_address"`
	UserLocation *geo.Point               `json:"user_location"`
	Items        []CreateOrderItemRequest `json:"items"`
}

// CreateOrderItemRequest представляет запрос на позицию заказа
type CreateOrderItemRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// CourierActionRequest представляет действие курьера над заказом
type CourierActionRequest struct {
	CourierID uuid.UUID `json:"courier_id"`
}

// CompletedOrderFilter задает поиск по архиву выполненных заказов
type CompletedOrderFilter struct {
	CourierID    *uuid.UUID
	RestaurantID *uuid.UUID
	UserID       string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}
