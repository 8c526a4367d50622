package services

import (
	"context"
	"sync/atomic"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/repository"
)

// SettingsService держит системные переменные в памяти и обновляет их на лету.
// Источником истины служит строка system_settings, копия в памяти заменяется атомарно.
type SettingsService struct {
	repo      *repository.SettingsRepository
	current   atomic.Pointer[models.Settings]
	publisher EventPublisher
	log       *logger.Logger
	now       func() time.Time
}

// NewSettingsService создает сервис. До Load возвращаются значения defaults.
func NewSettingsService(repo *repository.SettingsRepository, defaults models.Settings, publisher EventPublisher, log *logger.Logger) *SettingsService {
	s := &SettingsService{
		repo:      repo,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
	s.current.Store(&defaults)
	return s
}

// DefaultSettings собирает начальные значения из конфигурации окружения
func DefaultSettings(cfg *config.DispatchConfig) models.Settings {
	return models.Settings{
		MaxRestaurantSearchDistanceKm: cfg.MaxRestaurantSearchDistanceKm,
		MaxCourierSearchDistanceKm:    cfg.MaxCourierSearchDistanceKm,
		CourierTaskAvailabilityTime:   cfg.CourierTaskAvailabilityTime,
		LocationUpdateInterval:        cfg.LocationUpdateInterval,
		TimeoutValue:                  cfg.TimeoutValue,
	}
}

// Load записывает значения по умолчанию при первом запуске и читает актуальные
func (s *SettingsService) Load(ctx context.Context) error {
	seed := s.Current()
	seed.UpdatedAt = s.now().UTC()
	if err := s.repo.EnsureDefaults(ctx, seed); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Reload перечитывает настройки из БД
func (s *SettingsService) Reload(ctx context.Context) error {
	settings, err := s.repo.Get(ctx)
	if err != nil {
		return err
	}
	prev := s.current.Swap(&settings)
	if prev == nil || prev.Version != settings.Version {
		s.log.WithField("version", settings.Version).Info("Settings loaded")
	}
	return nil
}

// Current возвращает копию текущих настроек
func (s *SettingsService) Current() models.Settings {
	return *s.current.Load()
}

// Update применяет частичное обновление. Параллельное обновление другим
// администратором приводит к ConflictError.
func (s *SettingsService) Update(ctx context.Context, req *models.UpdateSettingsRequest) (models.Settings, error) {
	const op = "settings.Update"

	if err := s.Reload(ctx); err != nil {
		return models.Settings{}, err
	}
	current := s.Current()
	next := req.Apply(current)
	if err := validateSettings(op, next); err != nil {
		return models.Settings{}, err
	}
	next.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

	ok, err := s.repo.Update(ctx, next, current.Version)
	if err != nil {
		return models.Settings{}, err
	}
	if !ok {
		return models.Settings{}, apperr.Conflict(op, "settings were changed concurrently, re-read and retry")
	}
	if err := s.Reload(ctx); err != nil {
		return models.Settings{}, err
	}

	updated := s.Current()
	s.log.WithFields(map[string]interface{}{
		"version":                   updated.Version,
		"max_courier_distance_km":   updated.MaxCourierSearchDistanceKm,
		"courier_task_availability": updated.CourierTaskAvailabilityTime.String(),
		"timeout_value":             updated.TimeoutValue.String(),
	}).Info("Settings updated")

	publishSafe(ctx, s.publisher, s.log, models.EventTypeSettingsUpdated, "settings", updated)
	return updated, nil
}

// HandleSettingsUpdated перечитывает настройки по событию с другого экземпляра
func (s *SettingsService) HandleSettingsUpdated(ctx context.Context, _ models.EventType, _ []byte) error {
	return s.Reload(ctx)
}

func validateSettings(op string, s models.Settings) error {
	if s.MaxRestaurantSearchDistanceKm <= 0 || s.MaxCourierSearchDistanceKm <= 0 {
		return apperr.Validation(op, "search distances must be positive")
	}
	if s.CourierTaskAvailabilityTime < time.Second {
		return apperr.Validation(op, "courier task availability must be at least 1 second")
	}
	if s.LocationUpdateInterval < time.Second {
		return apperr.Validation(op, "location update interval must be at least 1 second")
	}
	if s.TimeoutValue < time.Second {
		return apperr.Validation(op, "timeout value must be at least 1 second")
	}
	return nil
}
