package models

import (
	"strings"
	"time"

	"food-dispatch/internal/geo"

	"github.com/google/uuid"
)

// Restaurant представляет ресторан. Меню и часы работы редактирует внешний UI,
// ядро только читает координаты, время приготовления и признак открытости.
type Restaurant struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Address   string     `json:"address" db:"address"`
	Location  geo.Point  `json:"location" db:"location"`
	Hours     []DayHours `json:"hours" db:"hours"`
	Menu      []MenuItem `json:"menu" db:"menu"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	// OwnerSubject это subject токена ресторана, впервые записавшего документ.
	// Пустое значение: документ еще никем не закреплен.
	OwnerSubject string `json:"owner_subject,omitempty" db:"owner_subject"`
}

// DayHours представляет часы работы в один день недели, время в формате "15:04"
type DayHours struct {
	Day     string `json:"day"`
	Opening string `json:"opening"`
	Closing string `json:"closing"`
}

// MenuItem представляет позицию меню. PrepTime в минутах.
type MenuItem struct {
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	PrepTime  int     `json:"prep_time"`
	Available bool    `json:"available"`
}

// FindMenuItem ищет позицию меню по названию без учета регистра
func (r *Restaurant) FindMenuItem(name string) (MenuItem, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, item := range r.Menu {
		if strings.ToLower(strings.TrimSpace(item.Name)) == needle {
			return item, true
		}
	}
	return MenuItem{}, false
}

// IsOpen проверяет часы работы на момент t (в локальном времени t).
// Ресторан без расписания считается открытым. Интервал через полночь поддерживается.
func (r *Restaurant) IsOpen(t time.Time) bool {
	if len(r.Hours) == 0 {
		return true
	}
	day := strings.ToLower(t.Weekday().String())
	minute := t.Hour()*60 + t.Minute()

	for _, h := range r.Hours {
		if strings.ToLower(h.Day) != day {
			continue
		}
		open, ok1 := parseClock(h.Opening)
		closing, ok2 := parseClock(h.Closing)
		if !ok1 || !ok2 {
			continue
		}
		if open == closing {
			continue
		}
		if open < closing {
			if minute >= open && minute < closing {
				return true
			}
			continue
		}
		// закрытие после полуночи
		if minute >= open || minute < closing {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// UpsertRestaurantRequest представляет синхронизацию документа ресторана
type UpsertRestaurantRequest struct {
	ID       *uuid.UUID `json:"id,omitempty"`
	Name     string     `json:"name"`
	Address  string     `json:"address"`
	Location *geo.Point `json:"location"`
	Hours    []DayHours `json:"hours"`
	Menu     []MenuItem `json:"menu"`
}

// NearbyRestaurant представляет ресторан в выдаче поиска поблизости
type NearbyRestaurant struct {
	Restaurant
	DistanceKm float64 `json:"distance_km"`
}
