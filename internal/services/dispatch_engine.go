package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/database"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"
	"food-dispatch/internal/models"
	"food-dispatch/internal/repository"

	"github.com/google/uuid"
)

// expiryTimeout ограничивает обработку истечения оффера, запущенную таймером
const expiryTimeout = 10 * time.Second

// DispatchEngine подбирает курьеров для подтвержденных заказов и ведет офферы.
// Каждый переход выполняется условным UPDATE внутри транзакции: оффер, принятие,
// отказ и истечение взаимоисключающи, выигрывает первый записавший.
type DispatchEngine struct {
	db        *database.DB
	orders    *repository.OrderRepository
	couriers  *repository.CourierRepository
	offers    *repository.OfferRepository
	settings  *SettingsService
	scheduler *Scheduler
	cache     *CacheService
	publisher EventPublisher
	log       *logger.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// NewDispatchEngine создает движок подбора
func NewDispatchEngine(db *database.DB, settings *SettingsService, scheduler *Scheduler, cache *CacheService,
	publisher EventPublisher, log *logger.Logger) *DispatchEngine {
	return &DispatchEngine{
		db:        db,
		orders:    repository.NewOrderRepository(db),
		couriers:  repository.NewCourierRepository(db),
		offers:    repository.NewOfferRepository(db),
		settings:  settings,
		scheduler: scheduler,
		cache:     cache,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

func (e *DispatchEngine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func offerTimerKey(orderID uuid.UUID) string {
	return "offer:" + orderID.String()
}

func (e *DispatchEngine) invalidate(ctx context.Context, orderID, courierID uuid.UUID) {
	e.cache.Invalidate(ctx, orderCacheKey(orderID), courierCacheKey(courierID))
}

// FindEligibleCouriers возвращает кандидатов по возрастанию расстояния до ресторана.
// При равном расстоянии раньше идет курьер с более ранней регистрацией, затем по id.
// Курьер, только что отказавшийся от заказа, пропускается в этом раунде.
func (e *DispatchEngine) FindEligibleCouriers(ctx context.Context, order *models.Order) ([]models.EligibleCourier, error) {
	couriers, err := e.couriers.ListMatchable(ctx)
	if err != nil {
		return nil, err
	}

	radius := e.settings.Current().MaxCourierSearchDistanceKm
	eligible := make([]models.EligibleCourier, 0, len(couriers))
	for _, c := range couriers {
		if !c.CanReceiveOffer() {
			continue
		}
		if order.LastDeclinedBy != nil && *order.LastDeclinedBy == c.ID {
			continue
		}
		distance := geo.DistanceKm(*c.Location, order.RestaurantLocation)
		if distance > radius {
			continue
		}
		eligible = append(eligible, models.EligibleCourier{Courier: c, DistanceKm: distance})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.Courier.RegisteredAt.Equal(b.Courier.RegisteredAt) {
			return a.Courier.RegisteredAt.Before(b.Courier.RegisteredAt)
		}
		return a.Courier.ID.String() < b.Courier.ID.String()
	})
	return eligible, nil
}

// Offer предлагает заказ курьеру. Заказ и курьер резервируются в одной транзакции,
// оффер истекает через courierTaskAvailabilityTime.
func (e *DispatchEngine) Offer(ctx context.Context, orderID, courierID uuid.UUID) (*models.Offer, error) {
	const op = "dispatch.Offer"

	now := e.clock()
	settings := e.settings.Current()
	var offer *models.Offer

	err := e.db.InTx(ctx, func(tx *sql.Tx) error {
		orders := e.orders.WithTx(tx)
		couriers := e.couriers.WithTx(tx)

		order, err := orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.DeliveryStatus != models.DeliveryStatusConfirmed || order.CourierID != nil {
			return apperr.InvalidState(op, "order %s is %q and cannot be offered", orderID, order.DeliveryStatus)
		}
		if order.HasOutstandingOffer() {
			return apperr.InvalidState(op, "order %s already has an outstanding offer", orderID)
		}

		courier, err := couriers.GetByID(ctx, courierID)
		if err != nil {
			return err
		}
		if !courier.CanReceiveOffer() {
			return apperr.Conflict(op, "courier %s is not available for offers", courierID)
		}
		distance := geo.DistanceKm(*courier.Location, order.RestaurantLocation)
		if distance > settings.MaxCourierSearchDistanceKm {
			return apperr.Conflict(op, "courier %s is %.2f km away, beyond the search radius", courierID, distance)
		}

		expiresAt := now.Add(settings.CourierTaskAvailabilityTime)
		ok, err := orders.SetOffer(ctx, orderID, courierID, expiresAt, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "order %s was offered concurrently", orderID)
		}
		ok, err = couriers.SetOffered(ctx, courierID, orderID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "courier %s was reserved concurrently", courierID)
		}

		offer = &models.Offer{
			ID:         uuid.New(),
			OrderID:    orderID,
			CourierID:  courierID,
			Status:     models.OfferStatusWaiting,
			DistanceKm: distance,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		}
		return e.offers.WithTx(tx).Create(ctx, offer)
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, orderID, courierID)
	e.scheduleExpiry(orderID, courierID, offer.ExpiresAt)

	e.log.WithFields(map[string]interface{}{
		"order_id":    orderID,
		"courier_id":  courierID,
		"offer_id":    offer.ID,
		"distance_km": geo.RoundKm(offer.DistanceKm),
		"expires_at":  offer.ExpiresAt,
	}).Info("Order offered to courier")

	metrics.OffersTotal.WithLabelValues("created").Inc()
	publishSafe(ctx, e.publisher, e.log, models.EventTypeOfferCreated, orderID.String(), models.NewOfferEvent(offer, now))
	return offer, nil
}

func (e *DispatchEngine) scheduleExpiry(orderID, courierID uuid.UUID, expiresAt time.Time) {
	e.scheduler.Schedule(offerTimerKey(orderID), expiresAt.Sub(e.clock()), func() {
		ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
		defer cancel()
		if err := e.Expire(ctx, orderID, courierID); err != nil {
			if apperr.IsStateError(err) {
				e.log.WithField("order_id", orderID).Debug("Offer already resolved before expiry")
				return
			}
			e.log.WithError(err).WithField("order_id", orderID).Error("Failed to expire offer")
		}
	})
}

// Accept назначает заказ курьеру. Просроченный оффер истекает в той же транзакции,
// и вызов завершается ExpiredError.
func (e *DispatchEngine) Accept(ctx context.Context, orderID, courierID uuid.UUID) (*models.Order, error) {
	const op = "dispatch.Accept"

	now := e.clock()
	var (
		expired  *models.Offer
		accepted *models.Offer
	)

	err := e.db.InTx(ctx, func(tx *sql.Tx) error {
		orders := e.orders.WithTx(tx)
		couriers := e.couriers.WithTx(tx)
		offers := e.offers.WithTx(tx)

		order, err := orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.CourierID != nil {
			if *order.CourierID == courierID {
				return apperr.InvalidState(op, "order %s is already accepted by this courier", orderID)
			}
			return apperr.InvalidState(op, "order %s is already assigned to another courier", orderID)
		}
		if !order.IsOfferedTo(courierID) {
			// таймер мог снять оффер раньше, чем пришло принятие
			last, err := offers.GetLatest(ctx, orderID, courierID)
			if err == nil && last.Status == models.OfferStatusExpired {
				return apperr.Expired(op, "offer for order %s expired at %s", orderID, last.ExpiresAt.Format(time.RFC3339))
			}
			if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
				return err
			}
			return apperr.InvalidState(op, "order %s has no outstanding offer for courier %s", orderID, courierID)
		}

		if order.OfferExpiresAt != nil && !now.Before(*order.OfferExpiresAt) {
			expired, err = e.releaseTx(ctx, tx, op, order, courierID, models.OfferStatusExpired, now)
			return err
		}

		ok, err := orders.Assign(ctx, orderID, courierID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "order %s was modified concurrently", orderID)
		}
		ok, err = couriers.AssignTask(ctx, courierID, orderID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "courier %s was modified concurrently", courierID)
		}

		accepted, err = offers.GetWaiting(ctx, orderID, courierID)
		if err != nil {
			return err
		}
		ok, err = offers.Resolve(ctx, accepted.ID, models.OfferStatusAccepted, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "offer %s was resolved concurrently", accepted.ID)
		}
		accepted.Status = models.OfferStatusAccepted
		accepted.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduler.Cancel(offerTimerKey(orderID))
	e.invalidate(ctx, orderID, courierID)

	if expired != nil {
		e.afterRelease(ctx, expired, now)
		return nil, apperr.Expired(op, "offer for order %s expired at %s", orderID, expired.ExpiresAt.Format(time.RFC3339))
	}

	e.log.WithField("order_id", orderID).WithField("courier_id", courierID).Info("Offer accepted, courier en route")
	metrics.OffersTotal.WithLabelValues(string(models.OfferStatusAccepted)).Inc()
	publishSafe(ctx, e.publisher, e.log, models.EventTypeCourierAssigned, orderID.String(), models.CourierAssignedEvent{
		OrderID:   orderID,
		CourierID: courierID,
		Timestamp: now,
	})

	return e.orders.GetByID(ctx, orderID)
}

// Reject фиксирует отказ курьера от оффера
func (e *DispatchEngine) Reject(ctx context.Context, orderID, courierID uuid.UUID) error {
	return e.release(ctx, "dispatch.Reject", orderID, courierID, models.OfferStatusDeclined)
}

// Expire снимает оффер по таймауту
func (e *DispatchEngine) Expire(ctx context.Context, orderID, courierID uuid.UUID) error {
	return e.release(ctx, "dispatch.Expire", orderID, courierID, models.OfferStatusExpired)
}

func (e *DispatchEngine) release(ctx context.Context, op string, orderID, courierID uuid.UUID, status models.OfferStatus) error {
	now := e.clock()
	var offer *models.Offer

	err := e.db.InTx(ctx, func(tx *sql.Tx) error {
		order, err := e.orders.WithTx(tx).GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.IsAssignedTo(courierID) {
			return apperr.InvalidState(op, "offer for order %s is already accepted", orderID)
		}
		if !order.IsOfferedTo(courierID) {
			return apperr.InvalidState(op, "order %s has no outstanding offer for courier %s", orderID, courierID)
		}
		offer, err = e.releaseTx(ctx, tx, op, order, courierID, status, now)
		return err
	})
	if err != nil {
		return err
	}

	e.scheduler.Cancel(offerTimerKey(orderID))
	e.invalidate(ctx, orderID, courierID)
	e.afterRelease(ctx, offer, now)
	return nil
}

// releaseTx возвращает заказ в пул и освобождает курьера внутри транзакции
func (e *DispatchEngine) releaseTx(ctx context.Context, tx *sql.Tx, op string, order *models.Order, courierID uuid.UUID,
	status models.OfferStatus, now time.Time) (*models.Offer, error) {
	ok, err := e.orders.WithTx(tx).ReleaseOffer(ctx, order.ID, courierID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(op, "order %s was modified concurrently", order.ID)
	}
	ok, err = e.couriers.WithTx(tx).ClearOffered(ctx, courierID, order.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(op, "courier %s was modified concurrently", courierID)
	}

	offers := e.offers.WithTx(tx)
	offer, err := offers.GetWaiting(ctx, order.ID, courierID)
	if err != nil {
		return nil, err
	}
	ok, err = offers.Resolve(ctx, offer.ID, status, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(op, "offer %s was resolved concurrently", offer.ID)
	}
	offer.Status = status
	offer.ResolvedAt = &now
	return offer, nil
}

func (e *DispatchEngine) afterRelease(ctx context.Context, offer *models.Offer, now time.Time) {
	eventType := models.EventTypeOfferDeclined
	if offer.Status == models.OfferStatusExpired {
		eventType = models.EventTypeOfferExpired
	}

	e.log.WithFields(map[string]interface{}{
		"order_id":   offer.OrderID,
		"courier_id": offer.CourierID,
		"offer_id":   offer.ID,
		"outcome":    offer.Status,
	}).Info("Offer released, order returned to pool")

	metrics.OffersTotal.WithLabelValues(string(offer.Status)).Inc()
	publishSafe(ctx, e.publisher, e.log, eventType, offer.OrderID.String(), models.NewOfferEvent(offer, now))
}

// Dispatch проводит один раунд подбора: лучший кандидат получает оффер,
// при проигранной гонке за курьера пробуется следующий. Исключение курьера,
// отказавшегося в прошлом раунде, снимается после этого раунда.
// Возвращает nil без ошибки, если подходящих курьеров нет.
func (e *DispatchEngine) Dispatch(ctx context.Context, orderID uuid.UUID) (*models.Offer, error) {
	const op = "dispatch.Dispatch"

	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DeliveryStatus != models.DeliveryStatusConfirmed || order.CourierID != nil || order.HasOutstandingOffer() {
		metrics.DispatchRoundsTotal.WithLabelValues("skipped").Inc()
		return nil, apperr.InvalidState(op, "order %s is not waiting for a courier", orderID)
	}

	candidates, err := e.FindEligibleCouriers(ctx, order)
	if err != nil {
		return nil, err
	}
	if order.LastDeclinedBy != nil {
		if err := e.orders.ClearLastDeclined(ctx, orderID, e.clock()); err != nil {
			return nil, err
		}
	}

	for _, candidate := range candidates {
		offer, err := e.Offer(ctx, orderID, candidate.Courier.ID)
		if err == nil {
			metrics.DispatchRoundsTotal.WithLabelValues("offered").Inc()
			return offer, nil
		}
		if apperr.KindOf(err) == apperr.KindConflict {
			e.log.WithField("order_id", orderID).
				WithField("courier_id", candidate.Courier.ID).
				Debug("Candidate taken concurrently, trying next")
			continue
		}
		return nil, err
	}

	e.log.WithField("order_id", orderID).WithField("candidates", len(candidates)).Info("No courier available for order")
	metrics.DispatchRoundsTotal.WithLabelValues("unmatched").Inc()
	publishSafe(ctx, e.publisher, e.log, models.EventTypeDispatchUnmatched, orderID.String(), models.DispatchUnmatchedEvent{
		OrderID:   orderID,
		Timestamp: e.clock(),
	})
	return nil, nil
}

// DispatchAsync запускает раунд подбора в фоне. Wait дожидается всех запущенных раундов.
func (e *DispatchEngine) DispatchAsync(orderID uuid.UUID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
		defer cancel()
		if _, err := e.Dispatch(ctx, orderID); err != nil && !apperr.IsStateError(err) {
			e.log.WithError(err).WithField("order_id", orderID).Error("Dispatch round failed")
		}
	}()
}

// Wait дожидается фоновых раундов подбора
func (e *DispatchEngine) Wait() {
	e.wg.Wait()
}

// CurrentOffer возвращает заказ, предложенный курьеру, и сам оффер
func (e *DispatchEngine) CurrentOffer(ctx context.Context, courierID uuid.UUID) (*models.Order, *models.Offer, error) {
	order, err := e.orders.GetOfferedTo(ctx, courierID)
	if err != nil {
		return nil, nil, err
	}
	offer, err := e.offers.GetWaiting(ctx, order.ID, courierID)
	if err != nil {
		return nil, nil, err
	}
	return order, offer, nil
}

// OfferHistory возвращает все офферы по заказу
func (e *DispatchEngine) OfferHistory(ctx context.Context, orderID uuid.UUID) ([]*models.Offer, error) {
	return e.offers.ListByOrder(ctx, orderID)
}

// Resume восстанавливает таймеры офферов после перезапуска, просроченные истекают сразу
func (e *DispatchEngine) Resume(ctx context.Context) error {
	orders, err := e.orders.ListWithOutstandingOffer(ctx)
	if err != nil {
		return err
	}
	now := e.clock()
	for _, o := range orders {
		if o.OfferExpiresAt == nil {
			continue
		}
		if !now.Before(*o.OfferExpiresAt) {
			if err := e.Expire(ctx, o.ID, *o.OfferedTo); err != nil && !apperr.IsStateError(err) {
				return err
			}
			continue
		}
		e.scheduleExpiry(o.ID, *o.OfferedTo, *o.OfferExpiresAt)
	}
	e.log.WithField("offers", len(orders)).Info("Outstanding offers resumed")
	return nil
}

// Sweep истекает просроченные офферы и запускает раунд для заказов без оффера
func (e *DispatchEngine) Sweep(ctx context.Context) error {
	offered, err := e.orders.ListWithOutstandingOffer(ctx)
	if err != nil {
		return err
	}
	now := e.clock()
	for _, o := range offered {
		if o.OfferExpiresAt == nil || now.Before(*o.OfferExpiresAt) {
			continue
		}
		if err := e.Expire(ctx, o.ID, *o.OfferedTo); err != nil && !apperr.IsStateError(err) {
			e.log.WithError(err).WithField("order_id", o.ID).Error("Failed to expire overdue offer")
		}
	}

	pending, err := e.orders.ListDispatchable(ctx)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if _, err := e.Dispatch(ctx, o.ID); err != nil && !apperr.IsStateError(err) {
			e.log.WithError(err).WithField("order_id", o.ID).Error("Dispatch round failed")
		}
	}
	return nil
}

// Run периодически вызывает Sweep до отмены контекста
func (e *DispatchEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Error("Dispatch sweep failed")
			}
		}
	}
}
