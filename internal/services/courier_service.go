package services

import (
	"context"
	"strings"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"
	"food-dispatch/internal/models"
	"food-dispatch/internal/redis"
	"food-dispatch/internal/repository"

	"github.com/google/uuid"
)

// commitAttempts ограничивает число повторов оптимистичной записи позиции
const commitAttempts = 3

// InactivityPolicy задает порог значимого перемещения и окно неактивности
type InactivityPolicy struct {
	Window     time.Duration
	ThresholdM float64
}

// LocationOutcome описывает, что стало с измерением позиции
type LocationOutcome string

const (
	LocationCommitted LocationOutcome = "committed"
	LocationStale     LocationOutcome = "stale"
)

// CourierService представляет реестр курьеров
type CourierService struct {
	couriers  *repository.CourierRepository
	cache     *CacheService
	publisher EventPublisher
	log       *logger.Logger
	now       func() time.Time
}

// NewCourierService создает новый экземпляр сервиса курьеров
func NewCourierService(couriers *repository.CourierRepository, cache *CacheService, publisher EventPublisher, log *logger.Logger) *CourierService {
	return &CourierService{
		couriers:  couriers,
		cache:     cache,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

func (s *CourierService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func courierCacheKey(id uuid.UUID) string {
	return BuildKey(redis.KeyPrefixCourier, id.String())
}

// RegisterOrFind возвращает курьера по email из утверждения идентичности и создает его при первом входе.
// Второе значение true, если запись создана этим вызовом.
func (s *CourierService) RegisterOrFind(ctx context.Context, identity *models.Identity) (*models.Courier, bool, error) {
	const op = "couriers.RegisterOrFind"

	email := repository.NormalizeEmail(identity.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, false, apperr.Validation(op, "identity must carry a valid email")
	}
	name := strings.TrimSpace(identity.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}

	now := s.clock()
	courier := &models.Courier{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PhoneNumber:  identity.PhoneNumber,
		Status:       models.CourierStatusInactive,
		MovementFlag: models.MovementFlagInactive,
		AnchorAt:     now,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	created, err := s.couriers.InsertIfAbsent(ctx, courier)
	if err != nil {
		return nil, false, err
	}
	stored, err := s.couriers.GetByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.log.WithFields(map[string]interface{}{
			"courier_id": stored.ID,
			"email":      stored.Email,
		}).Info("Courier registered")
		publishSafe(ctx, s.publisher, s.log, models.EventTypeCourierRegistered, stored.ID.String(), stored)
	}
	return stored, created, nil
}

// GetCourier возвращает курьера по ID. Результат кешируется на короткое время.
func (s *CourierService) GetCourier(ctx context.Context, id uuid.UUID) (*models.Courier, error) {
	key := courierCacheKey(id)

	var cached models.Courier
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, nil
	}

	courier, err := s.couriers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, courier, s.cache.GetHotDataTTL())
	}
	return courier, nil
}

// GetByEmail ищет курьера по индексу email
func (s *CourierService) GetByEmail(ctx context.Context, email string) (*models.Courier, error) {
	return s.couriers.GetByEmail(ctx, email)
}

// ListCouriers возвращает курьеров с фильтром по статусу
func (s *CourierService) ListCouriers(ctx context.Context, filter models.CourierFilter) ([]*models.Courier, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, apperr.Validation("couriers.ListCouriers", "unknown status %q", *filter.Status)
	}
	return s.couriers.List(ctx, filter)
}

// SetStatus меняет GPS-статус курьера
func (s *CourierService) SetStatus(ctx context.Context, id uuid.UUID, status models.CourierStatus) (*models.Courier, error) {
	const op = "couriers.SetStatus"
	if !status.Valid() {
		return nil, apperr.Validation(op, "unknown status %q", status)
	}

	before, err := s.couriers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.couriers.UpdateStatus(ctx, id, status, s.clock())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound(op, "courier %s not found", id)
	}
	s.cache.Invalidate(ctx, courierCacheKey(id))

	after, err := s.couriers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if before.Status != after.Status {
		s.log.WithFields(map[string]interface{}{
			"courier_id": id,
			"old_status": before.Status,
			"new_status": after.Status,
		}).Info("Courier status updated")

		publishSafe(ctx, s.publisher, s.log, models.EventTypeCourierStatusChanged, id.String(), models.CourierStatusChangedEvent{
			CourierID:       id,
			OldStatus:       before.Status,
			NewStatus:       after.Status,
			InactivityTimer: after.InactivityTimer,
			Timestamp:       after.UpdatedAt,
		})
	}
	return after, nil
}

// SetMovementFlag меняет флаг движения. Флаги active и waiting-* переносят якорь
// в текущую позицию и обнуляют таймер неактивности.
func (s *CourierService) SetMovementFlag(ctx context.Context, id uuid.UUID, flag models.MovementFlag) (*models.Courier, error) {
	const op = "couriers.SetMovementFlag"
	if !flag.Valid() {
		return nil, apperr.Validation(op, "unknown movement flag %q", flag)
	}

	before, err := s.couriers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.couriers.UpdateMovementFlag(ctx, id, flag, flag.ResetsInactivity(), s.clock())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound(op, "courier %s not found", id)
	}
	s.cache.Invalidate(ctx, courierCacheKey(id))

	after, err := s.couriers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"courier_id": id,
		"old_flag":   before.MovementFlag,
		"new_flag":   after.MovementFlag,
	}).Info("Courier movement flag updated")

	publishSafe(ctx, s.publisher, s.log, models.EventTypeCourierFlagChanged, id.String(), models.CourierStatusChangedEvent{
		CourierID:       id,
		OldFlag:         before.MovementFlag,
		NewFlag:         after.MovementFlag,
		InactivityTimer: after.InactivityTimer,
		Timestamp:       after.UpdatedAt,
	})
	return after, nil
}

// CommitLocation записывает измерение позиции и пересчитывает неактивность.
// Измерения не новее уже записанного отбрасываются. Запись оптимистичная:
// при параллельном изменении курьера расчет повторяется на свежих данных.
func (s *CourierService) CommitLocation(ctx context.Context, id uuid.UUID, sample models.LocationSample, policy InactivityPolicy) (*models.Courier, LocationOutcome, error) {
	const op = "couriers.CommitLocation"

	point := sample.Point()
	if !point.Valid() {
		return nil, "", apperr.Validation(op, "coordinates out of range")
	}
	if sample.Timestamp.IsZero() {
		return nil, "", apperr.Validation(op, "sample timestamp is required")
	}
	ts := sample.Timestamp.UTC().Truncate(time.Microsecond)

	for attempt := 0; attempt < commitAttempts; attempt++ {
		courier, err := s.couriers.GetByID(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if courier.LastLocationUpdate != nil && !ts.After(*courier.LastLocationUpdate) {
			metrics.LocationSamplesTotal.WithLabelValues(string(LocationStale)).Inc()
			return courier, LocationStale, nil
		}

		commit := planLocationCommit(courier, point, ts, policy)
		ok, err := s.couriers.CommitLocation(ctx, id, courier.LocationRevision, commit, s.clock())
		if err != nil {
			return nil, "", err
		}
		if !ok {
			metrics.LocationSamplesTotal.WithLabelValues("superseded").Inc()
			continue
		}

		s.cache.Invalidate(ctx, courierCacheKey(id))
		metrics.LocationSamplesTotal.WithLabelValues(string(LocationCommitted)).Inc()

		updated, err := s.couriers.GetByID(ctx, id)
		if err != nil {
			return nil, "", err
		}

		publishSafe(ctx, s.publisher, s.log, models.EventTypeLocationUpdated, id.String(), models.LocationUpdatedEvent{
			CourierID: id,
			Lat:       point.Lat,
			Lng:       point.Lng,
			Timestamp: ts,
		})
		if courier.MovementFlag != models.MovementFlagInactive && commit.MovementFlag == models.MovementFlagInactive {
			s.log.WithField("courier_id", id).
				WithField("inactivity_timer", commit.InactivityTimer).
				Warn("Courier marked inactive after no significant movement")
			publishSafe(ctx, s.publisher, s.log, models.EventTypeCourierInactive, id.String(), models.CourierStatusChangedEvent{
				CourierID:       id,
				OldFlag:         courier.MovementFlag,
				NewFlag:         commit.MovementFlag,
				InactivityTimer: commit.InactivityTimer,
				Timestamp:       ts,
			})
		}
		return updated, LocationCommitted, nil
	}

	return nil, "", apperr.Conflict(op, "courier %s kept changing during location commit", id)
}

// planLocationCommit считает новый якорь, таймер и флаг по измерению.
// need-assistance никогда не перекрывается автоматическим inactive.
func planLocationCommit(c *models.Courier, point geo.Point, ts time.Time, policy InactivityPolicy) repository.LocationCommit {
	commit := repository.LocationCommit{
		Location:     point,
		Timestamp:    ts,
		MovementFlag: c.MovementFlag,
	}

	if c.AnchorLocation == nil || geo.DistanceMeters(*c.AnchorLocation, point) > policy.ThresholdM {
		commit.Anchor = point
		commit.AnchorAt = ts
		commit.InactivityTimer = 0
		return commit
	}

	commit.Anchor = *c.AnchorLocation
	commit.AnchorAt = c.AnchorAt
	still := ts.Sub(c.AnchorAt)
	if still < 0 {
		still = 0
	}
	commit.InactivityTimer = int64(still / time.Second)

	if still > policy.Window &&
		c.MovementFlag != models.MovementFlagNeedAssistance &&
		c.MovementFlag != models.MovementFlagInactive {
		commit.MovementFlag = models.MovementFlagInactive
	}
	return commit
}
