package models

import "time"

// Settings представляет системные переменные, которые администратор меняет на лету
type Settings struct {
	MaxRestaurantSearchDistanceKm float64       `json:"max_restaurant_search_distance_km"`
	MaxCourierSearchDistanceKm    float64       `json:"max_courier_search_distance_km"`
	CourierTaskAvailabilityTime   time.Duration `json:"courier_task_availability_time"`
	LocationUpdateInterval        time.Duration `json:"location_update_interval"`
	TimeoutValue                  time.Duration `json:"timeout_value"`
	Version                       int64         `json:"version"`
	UpdatedAt                     time.Time     `json:"updated_at"`
}

// UpdateSettingsRequest представляет частичное обновление настроек.
// Длительности задаются в секундах, как в форме администратора.
type UpdateSettingsRequest struct {
	MaxRestaurantSearchDistanceKm *float64 `json:"max_restaurant_search_distance_km,omitempty"`
	MaxCourierSearchDistanceKm    *float64 `json:"max_courier_search_distance_km,omitempty"`
	CourierTaskAvailabilitySec    *int64   `json:"courier_task_availability_seconds,omitempty"`
	LocationUpdateIntervalSec     *int64   `json:"location_update_interval_seconds,omitempty"`
	TimeoutValueSec               *int64   `json:"timeout_value_seconds,omitempty"`
}

// Apply возвращает копию настроек с примененными изменениями
func (r *UpdateSettingsRequest) Apply(s Settings) Settings {
	if r.MaxRestaurantSearchDistanceKm != nil {
		s.MaxRestaurantSearchDistanceKm = *r.MaxRestaurantSearchDistanceKm
	}
	if r.MaxCourierSearchDistanceKm != nil {
		s.MaxCourierSearchDistanceKm = *r.MaxCourierSearchDistanceKm
	}
	if r.CourierTaskAvailabilitySec != nil {
		s.CourierTaskAvailabilityTime = time.Duration(*r.CourierTaskAvailabilitySec) * time.Second
	}
	if r.LocationUpdateIntervalSec != nil {
		s.LocationUpdateInterval = time.Duration(*r.LocationUpdateIntervalSec) * time.Second
	}
	if r.TimeoutValueSec != nil {
		s.TimeoutValue = time.Duration(*r.TimeoutValueSec) * time.Second
	}
	return s
}
