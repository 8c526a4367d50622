package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

const (
	tableOrders          = "orders"
	tableCompletedOrders = "completed_orders"
)

const orderColumns = `id, restaurant_id, user_id, courier_id, items, total_prep_time, estimated_ready_time,
	restaurant_address, restaurant_lat, restaurant_lng, user_address, user_lat, user_lng,
	order_confirmed, delivery_status, rejection_reason, confirmation_deadline, delivery_fee,
	offered_to, offer_expires_at, last_declined_by, created_at, updated_at, picked_up_at, delivered_at`

// OrderRepository хранит активные заказы и архив выполненных
type OrderRepository struct {
	q Querier
}

// NewOrderRepository создает репозиторий заказов
func NewOrderRepository(q Querier) *OrderRepository {
	return &OrderRepository{q: q}
}

// WithTx возвращает копию репозитория, работающую в транзакции
func (r *OrderRepository) WithTx(tx *sql.Tx) *OrderRepository {
	return &OrderRepository{q: tx}
}

// Create сохраняет новый активный заказ
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	return r.insert(ctx, tableOrders, o)
}

// Archive переносит выполненный заказ в append-only архив
func (r *OrderRepository) Archive(ctx context.Context, o *models.Order) error {
	return r.insert(ctx, tableCompletedOrders, o)
}

func (r *OrderRepository) insert(ctx context.Context, table string, o *models.Order) error {
	items, err := marshalJSON(o.Items)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		table, orderColumns)

	_, err = r.q.ExecContext(ctx, query,
		o.ID.String(), o.RestaurantID.String(), o.UserID, nullUUID(o.CourierID), items,
		o.TotalPrepTime, o.EstimatedReadyTime.UTC(),
		o.RestaurantAddress, o.RestaurantLocation.Lat, o.RestaurantLocation.Lng,
		o.UserAddress, o.UserLocation.Lat, o.UserLocation.Lng,
		nullBool(o.OrderConfirmed), string(o.DeliveryStatus), string(o.RejectionReason),
		o.ConfirmationDeadline.UTC(), o.DeliveryFee,
		nullUUID(o.OfferedTo), nullTime(o.OfferExpiresAt), nullUUID(o.LastDeclinedBy),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.PickedUpAt), nullTime(o.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                                   models.Order
		id, restaurantID, items             string
		courierID, offeredTo, lastDeclined  sql.NullString
		confirmed                           sql.NullBool
		status, reason                      string
		offerExpires, pickedUp, deliveredAt sql.NullTime
	)
	err := row.Scan(
		&id, &restaurantID, &o.UserID, &courierID, &items, &o.TotalPrepTime, &o.EstimatedReadyTime,
		&o.RestaurantAddress, &o.RestaurantLocation.Lat, &o.RestaurantLocation.Lng,
		&o.UserAddress, &o.UserLocation.Lat, &o.UserLocation.Lng,
		&confirmed, &status, &reason, &o.ConfirmationDeadline, &o.DeliveryFee,
		&offeredTo, &offerExpires, &lastDeclined, &o.CreatedAt, &o.UpdatedAt, &pickedUp, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", id, err)
	}
	if o.RestaurantID, err = uuid.Parse(restaurantID); err != nil {
		return nil, fmt.Errorf("invalid restaurant id %q: %w", restaurantID, err)
	}
	if o.CourierID, err = uuidFromNull(courierID); err != nil {
		return nil, err
	}
	if o.OfferedTo, err = uuidFromNull(offeredTo); err != nil {
		return nil, err
	}
	if o.LastDeclinedBy, err = uuidFromNull(lastDeclined); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
	}

	o.OrderConfirmed = boolFromNull(confirmed)
	o.DeliveryStatus = models.DeliveryStatus(status)
	o.RejectionReason = models.RejectionReason(reason)
	o.OfferExpiresAt = timeFromNull(offerExpires)
	o.PickedUpAt = timeFromNull(pickedUp)
	o.DeliveredAt = timeFromNull(deliveredAt)
	o.EstimatedReadyTime = o.EstimatedReadyTime.UTC()
	o.ConfirmationDeadline = o.ConfirmationDeadline.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

// GetByID возвращает активный заказ
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.getFrom(ctx, tableOrders, id)
}

// GetCompleted возвращает заказ из архива
func (r *OrderRepository) GetCompleted(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.getFrom(ctx, tableCompletedOrders, id)
}

func (r *OrderRepository) getFrom(ctx context.Context, table string, id uuid.UUID) (*models.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, orderColumns, table)
	o, err := scanOrder(r.q.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetOrder", "order", id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) list(ctx context.Context, table, where string, args ...interface{}) ([]*models.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at ASC, id ASC`, orderColumns, table, where)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListActiveByRestaurant возвращает незавершенные и не отклоненные заказы ресторана
func (r *OrderRepository) ListActiveByRestaurant(ctx context.Context, restaurantID uuid.UUID) ([]*models.Order, error) {
	return r.list(ctx, tableOrders, `restaurant_id = $1 AND delivery_status <> $2`,
		restaurantID.String(), string(models.DeliveryStatusRejected))
}

// ListActiveByUser возвращает активные заказы пользователя, включая отклоненные
func (r *OrderRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	return r.list(ctx, tableOrders, `user_id = $1`, userID)
}

// ListByStatus возвращает активные заказы в заданном статусе
func (r *OrderRepository) ListByStatus(ctx context.Context, status models.DeliveryStatus) ([]*models.Order, error) {
	return r.list(ctx, tableOrders, `delivery_status = $1`, string(status))
}

// ListDispatchable возвращает подтвержденные заказы без курьера и без висящего оффера
func (r *OrderRepository) ListDispatchable(ctx context.Context) ([]*models.Order, error) {
	return r.list(ctx, tableOrders, `delivery_status = $1 AND offered_to IS NULL AND courier_id IS NULL`,
		string(models.DeliveryStatusConfirmed))
}

// ListWithOutstandingOffer возвращает заказы, которые сейчас кому-то предложены
func (r *OrderRepository) ListWithOutstandingOffer(ctx context.Context) ([]*models.Order, error) {
	return r.list(ctx, tableOrders, `offered_to IS NOT NULL`)
}

// GetByCourier возвращает текущую задачу курьера
func (r *OrderRepository) GetByCourier(ctx context.Context, courierID uuid.UUID) (*models.Order, error) {
	orders, err := r.list(ctx, tableOrders, `courier_id = $1`, courierID.String())
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, notFound("repository.GetByCourier", "active task for courier", courierID)
	}
	return orders[0], nil
}

// GetOfferedTo возвращает заказ, предложенный курьеру
func (r *OrderRepository) GetOfferedTo(ctx context.Context, courierID uuid.UUID) (*models.Order, error) {
	orders, err := r.list(ctx, tableOrders, `offered_to = $1`, courierID.String())
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, notFound("repository.GetOfferedTo", "offer for courier", courierID)
	}
	return orders[0], nil
}

// SearchCompleted ищет по архиву выполненных заказов
func (r *OrderRepository) SearchCompleted(ctx context.Context, f models.CompletedOrderFilter) ([]*models.Order, error) {
	conds := []string{"1 = 1"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.CourierID != nil {
		add("courier_id = $%d", f.CourierID.String())
	}
	if f.RestaurantID != nil {
		add("restaurant_id = $%d", f.RestaurantID.String())
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.From != nil {
		add("created_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("created_at < $%d", f.To.UTC())
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	where := strings.Join(conds, " AND ") + fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT %d OFFSET %d", limit, offset)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, orderColumns, tableCompletedOrders, where)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search completed orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ResolveConfirmation фиксирует решение ресторана. Срабатывает только пока решения нет.
func (r *OrderRepository) ResolveConfirmation(ctx context.Context, id uuid.UUID, confirmed bool, status models.DeliveryStatus, reason models.RejectionReason, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE orders
		SET order_confirmed = $1, delivery_status = $2, rejection_reason = $3, updated_at = $4
		WHERE id = $5 AND order_confirmed IS NULL AND delivery_status = $6`,
		confirmed, string(status), string(reason), now.UTC(), id.String(), string(models.DeliveryStatusAtRestaurant))
}

// SetOffer помечает заказ как предложенный курьеру
func (r *OrderRepository) SetOffer(ctx context.Context, id, courierID uuid.UUID, expiresAt, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE orders
		SET offered_to = $1, offer_expires_at = $2, updated_at = $3
		WHERE id = $4 AND delivery_status = $5 AND offered_to IS NULL AND courier_id IS NULL`,
		courierID.String(), expiresAt.UTC(), now.UTC(), id.String(), string(models.DeliveryStatusConfirmed))
}

// ReleaseOffer снимает оффер и исключает курьера из следующего раунда
func (r *OrderRepository) ReleaseOffer(ctx context.Context, id, courierID uuid.UUID, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE orders
		SET offered_to = NULL, offer_expires_at = NULL, last_declined_by = $1, updated_at = $2
		WHERE id = $3 AND offered_to = $1`,
		courierID.String(), now.UTC(), id.String())
}

// ClearLastDeclined снимает одноразовое исключение курьера
func (r *OrderRepository) ClearLastDeclined(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `UPDATE orders SET last_declined_by = NULL, updated_at = $1
		WHERE id = $2 AND last_declined_by IS NOT NULL`, now.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to clear declined courier: %w", err)
	}
	return nil
}

// Assign назначает курьера, принявшего оффер
func (r *OrderRepository) Assign(ctx context.Context, id, courierID uuid.UUID, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE orders
		SET courier_id = $1, delivery_status = $2, offered_to = NULL, offer_expires_at = NULL,
		    last_declined_by = NULL, updated_at = $3
		WHERE id = $4 AND offered_to = $1 AND courier_id IS NULL AND delivery_status = $5`,
		courierID.String(), string(models.DeliveryStatusCourierEnRoute), now.UTC(), id.String(),
		string(models.DeliveryStatusConfirmed))
}

// MarkPickedUp переводит заказ в доставку
func (r *OrderRepository) MarkPickedUp(ctx context.Context, id, courierID uuid.UUID, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE orders
		SET delivery_status = $1, picked_up_at = $2, updated_at = $2
		WHERE id = $3 AND courier_id = $4 AND delivery_status = $5`,
		string(models.DeliveryStatusInTransit), now.UTC(), id.String(), courierID.String(),
		string(models.DeliveryStatusCourierEnRoute))
}

// DeleteDelivered удаляет заказ из активного набора, если он все еще в доставке у этого курьера
func (r *OrderRepository) DeleteDelivered(ctx context.Context, id, courierID uuid.UUID) (bool, error) {
	return r.cas(ctx, `DELETE FROM orders WHERE id = $1 AND courier_id = $2 AND delivery_status = $3`,
		id.String(), courierID.String(), string(models.DeliveryStatusInTransit))
}

func (r *OrderRepository) cas(ctx context.Context, query string, args ...interface{}) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
