package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

const offerColumns = `id, order_id, courier_id, status, distance_km, created_at, expires_at, resolved_at`

// OfferRepository хранит журнал офферов
type OfferRepository struct {
	q Querier
}

// NewOfferRepository создает репозиторий офферов
func NewOfferRepository(q Querier) *OfferRepository {
	return &OfferRepository{q: q}
}

// WithTx возвращает копию репозитория, работающую в транзакции
func (r *OfferRepository) WithTx(tx *sql.Tx) *OfferRepository {
	return &OfferRepository{q: tx}
}

// Create сохраняет новый оффер в статусе waiting
func (r *OfferRepository) Create(ctx context.Context, o *models.Offer) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID.String(), o.OrderID.String(), o.CourierID.String(), string(o.Status), o.DistanceKm,
		o.CreatedAt.UTC(), o.ExpiresAt.UTC(), nullTime(o.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func scanOffer(row rowScanner) (*models.Offer, error) {
	var (
		o                      models.Offer
		id, orderID, courierID string
		status                 string
		resolved               sql.NullTime
	)
	if err := row.Scan(&id, &orderID, &courierID, &status, &o.DistanceKm, &o.CreatedAt, &o.ExpiresAt, &resolved); err != nil {
		return nil, err
	}
	var err error
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid offer id %q: %w", id, err)
	}
	if o.OrderID, err = uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	if o.CourierID, err = uuid.Parse(courierID); err != nil {
		return nil, fmt.Errorf("invalid courier id %q: %w", courierID, err)
	}
	o.Status = models.OfferStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.ExpiresAt = o.ExpiresAt.UTC()
	o.ResolvedAt = timeFromNull(resolved)
	return &o, nil
}

// GetWaiting возвращает неразрешенный оффер по паре заказ-курьер
func (r *OfferRepository) GetWaiting(ctx context.Context, orderID, courierID uuid.UUID) (*models.Offer, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	o, err := scanOffer(r.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE order_id = $1 AND courier_id = $2 AND status = $3`,
		orderID.String(), courierID.String(), string(models.OfferStatusWaiting)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetWaitingOffer", "waiting offer for order", orderID)
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, nil
}

// GetLatest возвращает последний оффер заказа этому курьеру в любом статусе
func (r *OfferRepository) GetLatest(ctx context.Context, orderID, courierID uuid.UUID) (*models.Offer, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	o, err := scanOffer(r.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE order_id = $1 AND courier_id = $2 ORDER BY created_at DESC, id DESC LIMIT 1`,
		orderID.String(), courierID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetLatestOffer", "offer for order", orderID)
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, nil
}

// ListByOrder возвращает историю офферов по заказу
func (r *OfferRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*models.Offer, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE order_id = $1 ORDER BY created_at ASC, id ASC`, orderID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// Resolve закрывает waiting-оффер. Повторное разрешение не проходит.
func (r *OfferRepository) Resolve(ctx context.Context, id uuid.UUID, status models.OfferStatus, now time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `UPDATE offers SET status = $1, resolved_at = $2
		WHERE id = $3 AND status = $4`,
		string(status), now.UTC(), id.String(), string(models.OfferStatusWaiting))
	if err != nil {
		return false, fmt.Errorf("failed to resolve offer: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
