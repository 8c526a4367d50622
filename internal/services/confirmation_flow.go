package services

import (
	"context"
	"sync"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"
	"food-dispatch/internal/models"
	"food-dispatch/internal/repository"

	"github.com/google/uuid"
)

// confirmationTimeout ограничивает автоотклонение, запущенное таймером
const confirmationTimeout = 10 * time.Second

// ConfirmedHook вызывается после подтверждения заказа рестораном
type ConfirmedHook func(ctx context.Context, order *models.Order)

// ConfirmationFlow дает ресторану ограниченное окно (timeoutValue) на решение по заказу.
// Без решения заказ отклоняется с причиной timeout.
type ConfirmationFlow struct {
	orders    *OrderService
	orderRepo *repository.OrderRepository
	scheduler *Scheduler
	log       *logger.Logger
	now       func() time.Time

	mu    sync.RWMutex
	hooks []ConfirmedHook
}

// NewConfirmationFlow создает шлюз подтверждения
func NewConfirmationFlow(orders *OrderService, scheduler *Scheduler, log *logger.Logger) *ConfirmationFlow {
	return &ConfirmationFlow{
		orders:    orders,
		orderRepo: orders.orders,
		scheduler: scheduler,
		log:       log,
		now:       time.Now,
	}
}

func confirmationTimerKey(orderID uuid.UUID) string {
	return "confirmation:" + orderID.String()
}

// OnConfirmed регистрирует обработчик подтвержденных заказов
func (f *ConfirmationFlow) OnConfirmed(hook ConfirmedHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Place создает заказ и взводит таймер окна подтверждения
func (f *ConfirmationFlow) Place(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, error) {
	order, err := f.orders.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	f.arm(order.ID, order.ConfirmationDeadline)
	return order, nil
}

func (f *ConfirmationFlow) arm(orderID uuid.UUID, deadline time.Time) {
	f.scheduler.Schedule(confirmationTimerKey(orderID), deadline.Sub(f.now()), func() {
		ctx, cancel := context.WithTimeout(context.Background(), confirmationTimeout)
		defer cancel()
		if _, err := f.Timeout(ctx, orderID); err != nil {
			if apperr.IsStateError(err) {
				f.log.WithField("order_id", orderID).Debug("Order resolved before confirmation timeout")
				return
			}
			f.log.WithError(err).WithField("order_id", orderID).Error("Failed to apply confirmation timeout")
		}
	})
}

// Confirm подтверждает заказ от имени ресторана
func (f *ConfirmationFlow) Confirm(ctx context.Context, restaurantID, orderID uuid.UUID) (*models.Order, error) {
	const op = "confirmation.Confirm"

	if err := f.checkWindow(ctx, op, restaurantID, orderID); err != nil {
		return nil, err
	}
	order, err := f.orders.Confirm(ctx, orderID)
	if err != nil {
		return nil, err
	}
	f.scheduler.Cancel(confirmationTimerKey(orderID))
	metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()

	f.mu.RLock()
	hooks := append([]ConfirmedHook(nil), f.hooks...)
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, order)
	}
	return order, nil
}

// Reject явно отклоняет заказ от имени ресторана
func (f *ConfirmationFlow) Reject(ctx context.Context, restaurantID, orderID uuid.UUID) (*models.Order, error) {
	const op = "confirmation.Reject"

	if err := f.checkWindow(ctx, op, restaurantID, orderID); err != nil {
		return nil, err
	}
	order, err := f.orders.Reject(ctx, orderID, models.RejectionReasonExplicit)
	if err != nil {
		return nil, err
	}
	f.scheduler.Cancel(confirmationTimerKey(orderID))
	metrics.ConfirmationsTotal.WithLabelValues("rejected").Inc()
	return order, nil
}

// checkWindow проверяет принадлежность заказа и окно подтверждения.
// Опоздавшее решение применяет таймаут и возвращает ExpiredError.
func (f *ConfirmationFlow) checkWindow(ctx context.Context, op string, restaurantID, orderID uuid.UUID) error {
	order, err := f.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.RestaurantID != restaurantID {
		return apperr.NotFound(op, "order %s not found for restaurant %s", orderID, restaurantID)
	}
	if order.OrderConfirmed != nil {
		return apperr.InvalidState(op, "order %s confirmation is already resolved (%s)", orderID, order.DeliveryStatus)
	}
	if !f.now().Before(order.ConfirmationDeadline) {
		if _, err := f.Timeout(ctx, orderID); err != nil && !apperr.IsStateError(err) {
			return err
		}
		return apperr.Expired(op, "confirmation window for order %s closed at %s",
			orderID, order.ConfirmationDeadline.Format(time.RFC3339))
	}
	return nil
}

// Timeout отклоняет заказ с причиной timeout
func (f *ConfirmationFlow) Timeout(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := f.orders.Reject(ctx, orderID, models.RejectionReasonTimeout)
	if err != nil {
		return nil, err
	}
	f.scheduler.Cancel(confirmationTimerKey(orderID))
	metrics.ConfirmationsTotal.WithLabelValues("timeout").Inc()

	f.log.WithField("order_id", orderID).Warn("Restaurant did not confirm order in time")
	return order, nil
}

// Resume восстанавливает таймеры заказов, ждущих решения, после перезапуска
func (f *ConfirmationFlow) Resume(ctx context.Context) error {
	pending, err := f.orderRepo.ListByStatus(ctx, models.DeliveryStatusAtRestaurant)
	if err != nil {
		return err
	}
	now := f.now()
	for _, o := range pending {
		if !now.Before(o.ConfirmationDeadline) {
			if _, err := f.Timeout(ctx, o.ID); err != nil && !apperr.IsStateError(err) {
				return err
			}
			continue
		}
		f.arm(o.ID, o.ConfirmationDeadline)
	}
	f.log.WithField("orders", len(pending)).Info("Pending confirmations resumed")
	return nil
}

// Sweep отклоняет просроченные заказы, чьи таймеры могли потеряться
func (f *ConfirmationFlow) Sweep(ctx context.Context) error {
	pending, err := f.orderRepo.ListByStatus(ctx, models.DeliveryStatusAtRestaurant)
	if err != nil {
		return err
	}
	now := f.now()
	for _, o := range pending {
		if now.Before(o.ConfirmationDeadline) {
			continue
		}
		if _, err := f.Timeout(ctx, o.ID); err != nil && !apperr.IsStateError(err) {
			f.log.WithError(err).WithField("order_id", o.ID).Error("Failed to time out order")
		}
	}
	return nil
}

// Run периодически вызывает Sweep до отмены контекста
func (f *ConfirmationFlow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Sweep(ctx); err != nil && ctx.Err() == nil {
				f.log.WithError(err).Error("Confirmation sweep failed")
			}
		}
	}
}
