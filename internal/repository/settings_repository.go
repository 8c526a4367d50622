package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"food-dispatch/internal/models"
)

// SettingsRepository хранит единственную строку системных настроек
type SettingsRepository struct {
	q Querier
}

// NewSettingsRepository создает репозиторий настроек
func NewSettingsRepository(q Querier) *SettingsRepository {
	return &SettingsRepository{q: q}
}

// EnsureDefaults записывает начальные значения, если строки еще нет
func (r *SettingsRepository) EnsureDefaults(ctx context.Context, s models.Settings) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `INSERT INTO system_settings
		(id, max_restaurant_search_distance_km, max_courier_search_distance_km,
		 courier_task_availability_seconds, location_update_interval_seconds, timeout_value_seconds,
		 version, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (id) DO NOTHING`,
		s.MaxRestaurantSearchDistanceKm, s.MaxCourierSearchDistanceKm,
		seconds(s.CourierTaskAvailabilityTime), seconds(s.LocationUpdateInterval), seconds(s.TimeoutValue),
		s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}
	return nil
}

// Get читает текущие настройки
func (r *SettingsRepository) Get(ctx context.Context) (models.Settings, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		s                                   models.Settings
		availability, interval, timeoutSecs int64
	)
	err := r.q.QueryRowContext(ctx, `SELECT max_restaurant_search_distance_km, max_courier_search_distance_km,
		courier_task_availability_seconds, location_update_interval_seconds, timeout_value_seconds,
		version, updated_at
		FROM system_settings WHERE id = 1`).
		Scan(&s.MaxRestaurantSearchDistanceKm, &s.MaxCourierSearchDistanceKm, &availability, &interval, &timeoutSecs,
			&s.Version, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Settings{}, notFound("repository.GetSettings", "settings", 1)
		}
		return models.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	s.CourierTaskAvailabilityTime = time.Duration(availability) * time.Second
	s.LocationUpdateInterval = time.Duration(interval) * time.Second
	s.TimeoutValue = time.Duration(timeoutSecs) * time.Second
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// Update записывает настройки, если версия не изменилась с момента чтения
func (r *SettingsRepository) Update(ctx context.Context, s models.Settings, expectedVersion int64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `UPDATE system_settings
		SET max_restaurant_search_distance_km = $1, max_courier_search_distance_km = $2,
		    courier_task_availability_seconds = $3, location_update_interval_seconds = $4,
		    timeout_value_seconds = $5, version = version + 1, updated_at = $6
		WHERE id = 1 AND version = $7`,
		s.MaxRestaurantSearchDistanceKm, s.MaxCourierSearchDistanceKm,
		seconds(s.CourierTaskAvailabilityTime), seconds(s.LocationUpdateInterval), seconds(s.TimeoutValue),
		s.UpdatedAt.UTC(), expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update settings: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
