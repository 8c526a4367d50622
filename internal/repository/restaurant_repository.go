package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

const restaurantColumns = `id, name, address, lat, lng, hours, menu, created_at, updated_at, owner_subject`

// RestaurantRepository читает документы ресторанов, которые синхронизирует внешний редактор
type RestaurantRepository struct {
	q Querier
}

// NewRestaurantRepository создает репозиторий ресторанов
func NewRestaurantRepository(q Querier) *RestaurantRepository {
	return &RestaurantRepository{q: q}
}

// Upsert создает или заменяет документ ресторана. Владелец закрепляется при первой
// записи с непустым OwnerSubject, после этого документ меняет только он. Пустой
// OwnerSubject (администратор или выключенная аутентификация) обновляет без проверки.
// false означает, что документ принадлежит другому владельцу.
func (r *RestaurantRepository) Upsert(ctx context.Context, rest *models.Restaurant) (bool, error) {
	hours, err := marshalJSON(rest.Hours)
	if err != nil {
		return false, err
	}
	menu, err := marshalJSON(rest.Menu)
	if err != nil {
		return false, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `INSERT INTO restaurants (`+restaurantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, address = excluded.address, lat = excluded.lat, lng = excluded.lng,
			hours = excluded.hours, menu = excluded.menu, updated_at = excluded.updated_at,
			owner_subject = CASE WHEN restaurants.owner_subject = '' THEN excluded.owner_subject
				ELSE restaurants.owner_subject END
		WHERE excluded.owner_subject = '' OR restaurants.owner_subject = ''
			OR restaurants.owner_subject = excluded.owner_subject`,
		rest.ID.String(), rest.Name, rest.Address, rest.Location.Lat, rest.Location.Lng,
		hours, menu, rest.CreatedAt.UTC(), rest.UpdatedAt.UTC(), rest.OwnerSubject)
	if err != nil {
		return false, fmt.Errorf("failed to upsert restaurant: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanRestaurant(row rowScanner) (*models.Restaurant, error) {
	var (
		rest            models.Restaurant
		id, hours, menu string
	)
	err := row.Scan(&id, &rest.Name, &rest.Address, &rest.Location.Lat, &rest.Location.Lng,
		&hours, &menu, &rest.CreatedAt, &rest.UpdatedAt, &rest.OwnerSubject)
	if err != nil {
		return nil, err
	}
	if rest.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid restaurant id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(hours), &rest.Hours); err != nil {
		return nil, fmt.Errorf("failed to unmarshal restaurant hours: %w", err)
	}
	if err := json.Unmarshal([]byte(menu), &rest.Menu); err != nil {
		return nil, fmt.Errorf("failed to unmarshal restaurant menu: %w", err)
	}
	rest.CreatedAt = rest.CreatedAt.UTC()
	rest.UpdatedAt = rest.UpdatedAt.UTC()
	return &rest, nil
}

// GetByID возвращает ресторан
func (r *RestaurantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rest, err := scanRestaurant(r.q.QueryRowContext(ctx,
		`SELECT `+restaurantColumns+` FROM restaurants WHERE id = $1`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetRestaurant", "restaurant", id)
		}
		return nil, fmt.Errorf("failed to get restaurant: %w", err)
	}
	return rest, nil
}

// List возвращает все рестораны. Фильтр по расстоянию делает сервис.
func (r *RestaurantRepository) List(ctx context.Context) ([]*models.Restaurant, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `SELECT `+restaurantColumns+` FROM restaurants ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list restaurants: %w", err)
	}
	defer rows.Close()

	var restaurants []*models.Restaurant
	for rows.Next() {
		rest, err := scanRestaurant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan restaurant: %w", err)
		}
		restaurants = append(restaurants, rest)
	}
	return restaurants, rows.Err()
}
