package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"food-dispatch/internal/geo"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

const courierColumns = `id, name, email, phone_number, lat, lng, last_location_update, status, movement_flag,
	anchor_lat, anchor_lng, anchor_at, inactivity_seconds, location_revision,
	current_task_id, offered_order_id, earnings, registered_at, updated_at`

// CourierRepository хранит курьеров
type CourierRepository struct {
	q Querier
}

// NewCourierRepository создает репозиторий курьеров
func NewCourierRepository(q Querier) *CourierRepository {
	return &CourierRepository{q: q}
}

// WithTx возвращает копию репозитория, работающую в транзакции
func (r *CourierRepository) WithTx(tx *sql.Tx) *CourierRepository {
	return &CourierRepository{q: tx}
}

// NormalizeEmail приводит email к виду, по которому строится уникальный индекс
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InsertIfAbsent создает курьера, если email еще не занят.
// Возвращает true, если запись создана этим вызовом.
func (r *CourierRepository) InsertIfAbsent(ctx context.Context, c *models.Courier) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `INSERT INTO couriers
		(id, name, email, phone_number, status, movement_flag, anchor_at, inactivity_seconds,
		 earnings, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9)
		ON CONFLICT (email) DO NOTHING`,
		c.ID.String(), c.Name, NormalizeEmail(c.Email), c.PhoneNumber, string(c.Status), string(c.MovementFlag),
		c.AnchorAt.UTC(), c.RegisteredAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert courier: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanCourier(row rowScanner) (*models.Courier, error) {
	var (
		c                         models.Courier
		id, status, flag          string
		lat, lng, aLat, aLng      sql.NullFloat64
		lastUpdate                sql.NullTime
		currentTask, offeredOrder sql.NullString
	)
	err := row.Scan(&id, &c.Name, &c.Email, &c.PhoneNumber, &lat, &lng, &lastUpdate, &status, &flag,
		&aLat, &aLng, &c.AnchorAt, &c.InactivityTimer, &c.LocationRevision,
		&currentTask, &offeredOrder, &c.Earnings, &c.RegisteredAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid courier id %q: %w", id, err)
	}
	if c.CurrentTaskID, err = uuidFromNull(currentTask); err != nil {
		return nil, err
	}
	if c.OfferedOrderID, err = uuidFromNull(offeredOrder); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		c.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if aLat.Valid && aLng.Valid {
		c.AnchorLocation = &geo.Point{Lat: aLat.Float64, Lng: aLng.Float64}
	}
	c.LastLocationUpdate = timeFromNull(lastUpdate)
	c.Status = models.CourierStatus(status)
	c.MovementFlag = models.MovementFlag(flag)
	c.AnchorAt = c.AnchorAt.UTC()
	c.RegisteredAt = c.RegisteredAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r *CourierRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Courier, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM couriers WHERE %s`, courierColumns, where)
	c, err := scanCourier(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetCourier", "courier", arg)
		}
		return nil, fmt.Errorf("failed to get courier: %w", err)
	}
	return c, nil
}

// GetByID возвращает курьера по ID
func (r *CourierRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Courier, error) {
	return r.getOne(ctx, `id = $1`, id.String())
}

// GetByEmail ищет курьера по индексу email
func (r *CourierRepository) GetByEmail(ctx context.Context, email string) (*models.Courier, error) {
	return r.getOne(ctx, `email = $1`, NormalizeEmail(email))
}

func (r *CourierRepository) list(ctx context.Context, where string, args ...interface{}) ([]*models.Courier, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM couriers WHERE %s`, courierColumns, where)
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list couriers: %w", err)
	}
	defer rows.Close()

	var couriers []*models.Courier
	for rows.Next() {
		c, err := scanCourier(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan courier: %w", err)
		}
		couriers = append(couriers, c)
	}
	return couriers, rows.Err()
}

// List возвращает курьеров с фильтром по статусу
func (r *CourierRepository) List(ctx context.Context, f models.CourierFilter) ([]*models.Courier, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	page := fmt.Sprintf(" ORDER BY registered_at ASC, id ASC LIMIT %d OFFSET %d", limit, offset)

	if f.Status != nil {
		return r.list(ctx, `status = $1`+page, string(*f.Status))
	}
	return r.list(ctx, `1 = 1`+page)
}

// ListMatchable возвращает курьеров, которые могут получить оффер.
// Расстояние до ресторана проверяет вызывающая сторона.
func (r *CourierRepository) ListMatchable(ctx context.Context) ([]*models.Courier, error) {
	return r.list(ctx, `status = $1 AND movement_flag IN ($2, $3, $4)
		AND current_task_id IS NULL AND offered_order_id IS NULL
		AND lat IS NOT NULL AND lng IS NOT NULL
		ORDER BY registered_at ASC, id ASC`,
		string(models.CourierStatusActive),
		string(models.MatchableMovementFlags[0]),
		string(models.MatchableMovementFlags[1]),
		string(models.MatchableMovementFlags[2]))
}

// UpdateStatus меняет GPS-статус курьера
func (r *CourierRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.CourierStatus, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE couriers SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now.UTC(), id.String())
}

// UpdateMovementFlag меняет флаг движения. При resetAnchor якорь переносится в текущую
// позицию, таймер неактивности обнуляется.
func (r *CourierRepository) UpdateMovementFlag(ctx context.Context, id uuid.UUID, flag models.MovementFlag, resetAnchor bool, now time.Time) (bool, error) {
	if !resetAnchor {
		return r.cas(ctx, `UPDATE couriers SET movement_flag = $1, updated_at = $2 WHERE id = $3`,
			string(flag), now.UTC(), id.String())
	}
	return r.cas(ctx, `UPDATE couriers
		SET movement_flag = $1, anchor_lat = lat, anchor_lng = lng, anchor_at = $2, inactivity_seconds = 0,
		    location_revision = location_revision + 1, updated_at = $2
		WHERE id = $3`,
		string(flag), now.UTC(), id.String())
}

// LocationCommit описывает результат обработки одного измерения позиции
type LocationCommit struct {
	Location        geo.Point
	Timestamp       time.Time
	Anchor          geo.Point
	AnchorAt        time.Time
	InactivityTimer int64
	MovementFlag    models.MovementFlag
}

// CommitLocation записывает позицию, если запись курьера не менялась с ревизии expectedRevision
func (r *CourierRepository) CommitLocation(ctx context.Context, id uuid.UUID, expectedRevision int64, lc LocationCommit, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE couriers
		SET lat = $1, lng = $2, last_location_update = $3, anchor_lat = $4, anchor_lng = $5, anchor_at = $6,
		    inactivity_seconds = $7, movement_flag = $8, location_revision = location_revision + 1, updated_at = $9
		WHERE id = $10 AND location_revision = $11`,
		lc.Location.Lat, lc.Location.Lng, lc.Timestamp.UTC(), lc.Anchor.Lat, lc.Anchor.Lng, lc.AnchorAt.UTC(),
		lc.InactivityTimer, string(lc.MovementFlag), now.UTC(), id.String(), expectedRevision)
}

// SetOffered резервирует курьера под оффер
func (r *CourierRepository) SetOffered(ctx context.Context, id, orderID uuid.UUID, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE couriers SET offered_order_id = $1, updated_at = $2
		WHERE id = $3 AND offered_order_id IS NULL AND current_task_id IS NULL
		AND status = $4 AND movement_flag IN ($5, $6, $7)`,
		orderID.String(), now.UTC(), id.String(),
		string(models.CourierStatusActive),
		string(models.MatchableMovementFlags[0]),
		string(models.MatchableMovementFlags[1]),
		string(models.MatchableMovementFlags[2]))
}

// ClearOffered снимает резерв курьера под конкретный оффер
func (r *CourierRepository) ClearOffered(ctx context.Context, id, orderID uuid.UUID, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE couriers SET offered_order_id = NULL, updated_at = $1
		WHERE id = $2 AND offered_order_id = $3`,
		now.UTC(), id.String(), orderID.String())
}

// AssignTask превращает оффер курьера в текущую задачу
func (r *CourierRepository) AssignTask(ctx context.Context, id, orderID uuid.UUID, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE couriers SET current_task_id = $1, offered_order_id = NULL, updated_at = $2
		WHERE id = $3 AND offered_order_id = $1 AND current_task_id IS NULL`,
		orderID.String(), now.UTC(), id.String())
}

// CompleteTask закрывает задачу и начисляет заработок
func (r *CourierRepository) CompleteTask(ctx context.Context, id, orderID uuid.UUID, fee float64, now time.Time) (bool, error) {
	return r.cas(ctx, `UPDATE couriers SET earnings = earnings + $1, current_task_id = NULL, updated_at = $2
		WHERE id = $3 AND current_task_id = $4`,
		fee, now.UTC(), id.String(), orderID.String())
}

func (r *CourierRepository) cas(ctx context.Context, query string, args ...interface{}) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update courier: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
