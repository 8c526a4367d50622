package services

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/database"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"
	"food-dispatch/internal/models"
	"food-dispatch/internal/redis"
	"food-dispatch/internal/repository"

	"github.com/google/uuid"
)

// OrderService владеет жизненным циклом заказа: создание, решение ресторана,
// забор и доставка. Назначение курьера делает DispatchEngine.
type OrderService struct {
	db          *database.DB
	orders      *repository.OrderRepository
	couriers    *repository.CourierRepository
	restaurants *repository.RestaurantRepository
	settings    *SettingsService
	pricing     *DeliveryPricingService
	cache       *CacheService
	publisher   EventPublisher
	log         *logger.Logger
	now         func() time.Time
}

// NewOrderService создает новый экземпляр сервиса заказов
func NewOrderService(db *database.DB, settings *SettingsService, pricing *DeliveryPricingService,
	cache *CacheService, publisher EventPublisher, log *logger.Logger) *OrderService {
	return &OrderService{
		db:          db,
		orders:      repository.NewOrderRepository(db),
		couriers:    repository.NewCourierRepository(db),
		restaurants: repository.NewRestaurantRepository(db),
		settings:    settings,
		pricing:     pricing,
		cache:       cache,
		publisher:   publisher,
		log:         log,
		now:         time.Now,
	}
}

func (s *OrderService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func orderCacheKey(id uuid.UUID) string {
	return BuildKey(redis.KeyPrefixOrder, id.String())
}

// CreateOrder создает заказ в статусе "at restaurant" с неопределенным подтверждением
func (s *OrderService) CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, error) {
	const op = "orders.CreateOrder"

	if req.RestaurantID == uuid.Nil {
		return nil, apperr.Validation(op, "restaurant_id is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.Validation(op, "user_id is required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation(op, "order must contain at least one item")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Name) == "" {
			return nil, apperr.Validation(op, "item %d has no name", i)
		}
		if item.Quantity < 1 {
			return nil, apperr.Validation(op, "item %q must have quantity of at least 1", item.Name)
		}
	}
	if req.UserLocation == nil || !req.UserLocation.Valid() {
		return nil, apperr.GeocodeUnavailable(op)
	}

	restaurant, err := loadRestaurant(ctx, s.cache, s.restaurants, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if !restaurant.IsOpen(now) {
		return nil, apperr.InvalidState(op, "restaurant %s is closed", restaurant.ID)
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, reqItem := range req.Items {
		menuItem, ok := restaurant.FindMenuItem(reqItem.Name)
		if !ok {
			return nil, apperr.Validation(op, "menu item %q does not exist", reqItem.Name)
		}
		if !menuItem.Available {
			return nil, apperr.Validation(op, "menu item %q is unavailable", reqItem.Name)
		}
		items = append(items, models.OrderItem{
			Name:     menuItem.Name,
			Quantity: reqItem.Quantity,
			PrepTime: menuItem.PrepTime,
		})
	}

	fee, err := s.pricing.CalculateDeliveryCost(restaurant.Location, *req.UserLocation)
	if err != nil {
		return nil, err
	}

	totalPrep := models.TotalPrepTime(items)
	order := &models.Order{
		ID:                   uuid.New(),
		RestaurantID:         restaurant.ID,
		UserID:               req.UserID,
		Items:                items,
		TotalPrepTime:        totalPrep,
		EstimatedReadyTime:   now.Add(time.Duration(totalPrep) * time.Minute),
		RestaurantAddress:    restaurant.Address,
		RestaurantLocation:   restaurant.Location,
		UserAddress:          req.UserAddress,
		UserLocation:         *req.UserLocation,
		DeliveryStatus:       models.DeliveryStatusAtRestaurant,
		ConfirmationDeadline: now.Add(s.settings.Current().TimeoutValue),
		DeliveryFee:          fee,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"order_id":        order.ID,
		"restaurant_id":   order.RestaurantID,
		"user_id":         order.UserID,
		"total_prep_time": order.TotalPrepTime,
		"delivery_fee":    order.DeliveryFee,
	}).Info("Order created successfully")

	metrics.OrdersPlacedTotal.Inc()
	publishSafe(ctx, s.publisher, s.log, models.EventTypeOrderCreated, order.ID.String(), models.NewOrderEvent(order))
	return order, nil
}

// Confirm фиксирует подтверждение ресторана
func (s *OrderService) Confirm(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.resolveConfirmation(ctx, "orders.Confirm", orderID, true, models.RejectionReasonNone)
}

// Reject фиксирует отказ ресторана с указанной причиной
func (s *OrderService) Reject(ctx context.Context, orderID uuid.UUID, reason models.RejectionReason) (*models.Order, error) {
	if reason == models.RejectionReasonNone {
		reason = models.RejectionReasonExplicit
	}
	return s.resolveConfirmation(ctx, "orders.Reject", orderID, false, reason)
}

func (s *OrderService) resolveConfirmation(ctx context.Context, op string, orderID uuid.UUID, confirmed bool, reason models.RejectionReason) (*models.Order, error) {
	status := models.DeliveryStatusRejected
	eventType := models.EventTypeOrderRejected
	if confirmed {
		status = models.DeliveryStatusConfirmed
		eventType = models.EventTypeOrderConfirmed
	}

	ok, err := s.orders.ResolveConfirmation(ctx, orderID, confirmed, status, reason, s.clock())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.explainConfirmationFailure(ctx, op, orderID)
	}
	s.cache.Invalidate(ctx, orderCacheKey(orderID))

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"order_id":         order.ID,
		"delivery_status":  order.DeliveryStatus,
		"rejection_reason": order.RejectionReason,
	}).Info("Order confirmation resolved")

	publishSafe(ctx, s.publisher, s.log, eventType, order.ID.String(), models.NewOrderEvent(order))
	return order, nil
}

func (s *OrderService) explainConfirmationFailure(ctx context.Context, op string, orderID uuid.UUID) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.OrderConfirmed != nil {
		return apperr.InvalidState(op, "order %s confirmation is already resolved (%s)", orderID, order.DeliveryStatus)
	}
	return apperr.Conflict(op, "order %s was modified concurrently", orderID)
}

// MarkPickedUp переводит заказ в "in transit". Только назначенный курьер может забрать заказ.
func (s *OrderService) MarkPickedUp(ctx context.Context, orderID, courierID uuid.UUID) (*models.Order, error) {
	const op = "orders.MarkPickedUp"

	ok, err := s.orders.MarkPickedUp(ctx, orderID, courierID, s.clock())
	if err != nil {
		return nil, err
	}
	if !ok {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return nil, courierTransitionError(op, order, courierID, models.DeliveryStatusCourierEnRoute)
	}
	s.cache.Invalidate(ctx, orderCacheKey(orderID))

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.log.WithField("order_id", orderID).WithField("courier_id", courierID).Info("Order picked up")
	publishSafe(ctx, s.publisher, s.log, models.EventTypeOrderPickedUp, orderID.String(), models.NewOrderEvent(order))
	return order, nil
}

// MarkDelivered завершает заказ: в одной транзакции переносит его в архив,
// удаляет из активных и начисляет курьеру стоимость доставки.
func (s *OrderService) MarkDelivered(ctx context.Context, orderID, courierID uuid.UUID) (*models.Order, error) {
	const op = "orders.MarkDelivered"

	var delivered *models.Order
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		orders := s.orders.WithTx(tx)
		couriers := s.couriers.WithTx(tx)

		order, err := orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsAssignedTo(courierID) || order.DeliveryStatus != models.DeliveryStatusInTransit {
			return courierTransitionError(op, order, courierID, models.DeliveryStatusInTransit)
		}

		now := s.clock()
		order.DeliveryStatus = models.DeliveryStatusCompleted
		order.DeliveredAt = &now
		order.UpdatedAt = now

		if err := orders.Archive(ctx, order); err != nil {
			return err
		}
		ok, err := orders.DeleteDelivered(ctx, orderID, courierID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "order %s was modified concurrently", orderID)
		}
		ok, err = couriers.CompleteTask(ctx, courierID, orderID, order.DeliveryFee, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "courier %s no longer holds order %s", courierID, orderID)
		}

		delivered = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, orderCacheKey(orderID), courierCacheKey(courierID))

	s.log.WithFields(map[string]interface{}{
		"order_id":     orderID,
		"courier_id":   courierID,
		"delivery_fee": delivered.DeliveryFee,
	}).Info("Order delivered")

	metrics.DeliveriesTotal.Inc()
	publishSafe(ctx, s.publisher, s.log, models.EventTypeOrderDelivered, orderID.String(), models.NewOrderEvent(delivered))
	return delivered, nil
}

func courierTransitionError(op string, order *models.Order, courierID uuid.UUID, want models.DeliveryStatus) error {
	if !order.IsAssignedTo(courierID) {
		return apperr.InvalidState(op, "order %s is not assigned to courier %s", order.ID, courierID)
	}
	if order.DeliveryStatus != want {
		return apperr.InvalidState(op, "order %s is %q, expected %q", order.ID, order.DeliveryStatus, want)
	}
	return apperr.Conflict(op, "order %s was modified concurrently", order.ID)
}

// GetOrder ищет заказ среди активных, затем в архиве. Результат кешируется.
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	key := orderCacheKey(orderID)

	var cached models.Order
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, nil
	}

	order, err := s.orders.GetByID(ctx, orderID)
	ttl := s.cacheTTL(true)
	if apperr.KindOf(err) == apperr.KindNotFound {
		order, err = s.orders.GetCompleted(ctx, orderID)
		ttl = s.cacheTTL(false)
	}
	if err != nil {
		return nil, err
	}

	_ = s.cache.Set(ctx, key, order, ttl)
	return order, nil
}

// активные заказы меняются часто, для них короткий TTL
func (s *OrderService) cacheTTL(active bool) time.Duration {
	if s.cache == nil {
		return 0
	}
	if active {
		return s.cache.GetHotDataTTL()
	}
	return s.cache.GetDefaultTTL()
}

// ListActiveByRestaurant возвращает активные заказы ресторана
func (s *OrderService) ListActiveByRestaurant(ctx context.Context, restaurantID uuid.UUID) ([]*models.Order, error) {
	return s.orders.ListActiveByRestaurant(ctx, restaurantID)
}

// ListActiveByUser возвращает активные заказы пользователя
func (s *OrderService) ListActiveByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.orders.ListActiveByUser(ctx, userID)
}

// ActiveTaskForCourier возвращает текущую задачу курьера
func (s *OrderService) ActiveTaskForCourier(ctx context.Context, courierID uuid.UUID) (*models.Order, error) {
	return s.orders.GetByCourier(ctx, courierID)
}

// ListCompleted ищет по архиву выполненных заказов
func (s *OrderService) ListCompleted(ctx context.Context, filter models.CompletedOrderFilter) ([]*models.Order, error) {
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, apperr.Validation("orders.ListCompleted", "from must be before to")
	}
	return s.orders.SearchCompleted(ctx, filter)
}
