package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus представляет исход оффера
type OfferStatus string

const (
	OfferStatusWaiting  OfferStatus = "waiting"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusDeclined OfferStatus = "declined"
	OfferStatusExpired  OfferStatus = "expired"
)

// Offer описывает ограниченное по времени предложение одного заказа одному курьеру
type Offer struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	OrderID    uuid.UUID   `json:"order_id" db:"order_id"`
	CourierID  uuid.UUID   `json:"courier_id" db:"courier_id"`
	Status     OfferStatus `json:"status" db:"status"`
	DistanceKm float64     `json:"distance_km" db:"distance_km"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at" db:"expires_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}

// EligibleCourier представляет кандидата на оффер
type EligibleCourier struct {
	Courier    *Courier `json:"courier"`
	DistanceKm float64  `json:"distance_km"`
}
