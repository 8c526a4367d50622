package models

import (
	"time"

	"food-dispatch/internal/geo"

	"github.com/google/uuid"
)

// CourierStatus отражает наличие GPS-связи с курьером
type CourierStatus string

const (
	CourierStatusActive   CourierStatus = "active"
	CourierStatusInactive CourierStatus = "inactive"
)

// Valid проверяет, что статус известен
func (s CourierStatus) Valid() bool {
	return s == CourierStatusActive || s == CourierStatusInactive
}

// MovementFlag представляет состояние движения курьера
type MovementFlag string

const (
	MovementFlagActive               MovementFlag = "active"
	MovementFlagInactive             MovementFlag = "inactive"
	MovementFlagWaitingForRestaurant MovementFlag = "waiting-for-restaurant"
	MovementFlagWaitingForCustomer   MovementFlag = "waiting-for-customer"
	MovementFlagNeedAssistance       MovementFlag = "need-assistance"
)

// Valid проверяет, что флаг известен
func (f MovementFlag) Valid() bool {
	switch f {
	case MovementFlagActive, MovementFlagInactive, MovementFlagWaitingForRestaurant,
		MovementFlagWaitingForCustomer, MovementFlagNeedAssistance:
		return true
	}
	return false
}

// ResetsInactivity сообщает, сбрасывает ли явная установка флага таймер неактивности
func (f MovementFlag) ResetsInactivity() bool {
	switch f {
	case MovementFlagActive, MovementFlagWaitingForRestaurant, MovementFlagWaitingForCustomer:
		return true
	}
	return false
}

// Matchable сообщает, может ли курьер с этим флагом получать офферы
func (f MovementFlag) Matchable() bool {
	return f.ResetsInactivity()
}

// MatchableMovementFlags перечисляет флаги, допустимые для подбора
var MatchableMovementFlags = []MovementFlag{
	MovementFlagActive,
	MovementFlagWaitingForRestaurant,
	MovementFlagWaitingForCustomer,
}

// Courier представляет курьера в системе
type Courier struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	Name               string        `json:"name" db:"name"`
	Email              string        `json:"email" db:"email"`
	PhoneNumber        string        `json:"phone_number" db:"phone_number"`
	Location           *geo.Point    `json:"location,omitempty" db:"location"`
	LastLocationUpdate *time.Time    `json:"last_location_update,omitempty" db:"last_location_update"`
	Status             CourierStatus `json:"status" db:"status"`
	MovementFlag       MovementFlag  `json:"movement_flag" db:"movement_flag"`
	AnchorLocation     *geo.Point    `json:"-" db:"anchor_location"`
	AnchorAt           time.Time     `json:"-" db:"anchor_at"`
	InactivityTimer    int64         `json:"inactivity_timer" db:"inactivity_seconds"`
	LocationRevision   int64         `json:"-" db:"location_revision"`
	CurrentTaskID      *uuid.UUID    `json:"current_task_id" db:"current_task_id"`
	OfferedOrderID     *uuid.UUID    `json:"offered_order_id,omitempty" db:"offered_order_id"`
	Earnings           float64       `json:"earnings" db:"earnings"`
	RegisteredAt       time.Time     `json:"registered_at" db:"registered_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// CanReceiveOffer проверяет инварианты подбора, кроме расстояния
func (c *Courier) CanReceiveOffer() bool {
	return c.Status == CourierStatusActive &&
		c.MovementFlag.Matchable() &&
		c.CurrentTaskID == nil &&
		c.OfferedOrderID == nil &&
		c.Location != nil
}

// Identity представляет утверждение внешнего провайдера аутентификации
type Identity struct {
	Subject     string `json:"sub"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Role        Role   `json:"role"`
}

// Role представляет роль вызывающей стороны
type Role string

const (
	RoleUser       Role = "user"
	RoleRestaurant Role = "restaurant"
	RoleCourier    Role = "courier"
	RoleAdmin      Role = "admin"
)

// RegisterCourierRequest представляет запрос на регистрацию курьера
type RegisterCourierRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
}

// UpdateCourierStatusRequest представляет запрос на обновление статуса курьера
type UpdateCourierStatusRequest struct {
	Status CourierStatus `json:"status"`
}

// UpdateMovementFlagRequest представляет запрос на смену флага движения
type UpdateMovementFlagRequest struct {
	MovementFlag MovementFlag `json:"movement_flag"`
}

// LocationSample представляет одно измерение позиции курьера
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Point возвращает координаты измерения
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// PositioningFailure сообщает об ошибке источника позиционирования
type PositioningFailure struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// CourierFilter задает выборку курьеров
type CourierFilter struct {
	Status *CourierStatus
	Limit  int
	Offset int
}
