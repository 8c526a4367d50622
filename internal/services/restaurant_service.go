package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/redis"
	"food-dispatch/internal/repository"

	"github.com/google/uuid"
)

// RestaurantService хранит документы ресторанов и отвечает на поиск поблизости
type RestaurantService struct {
	restaurants *repository.RestaurantRepository
	settings    *SettingsService
	cache       *CacheService
	log         *logger.Logger
	now         func() time.Time
}

// NewRestaurantService создает сервис ресторанов. cache может быть nil.
func NewRestaurantService(restaurants *repository.RestaurantRepository, settings *SettingsService,
	cache *CacheService, log *logger.Logger) *RestaurantService {
	return &RestaurantService{
		restaurants: restaurants,
		settings:    settings,
		cache:       cache,
		log:         log,
		now:         time.Now,
	}
}

func restaurantCacheKey(id uuid.UUID) string {
	return BuildKey(redis.KeyPrefixRestaurant, id.String())
}

// loadRestaurant читает документ ресторана через кеш. Документы меняются редко,
// поэтому TTL обычный, а не hot.
func loadRestaurant(ctx context.Context, cache *CacheService, repo *repository.RestaurantRepository, id uuid.UUID) (*models.Restaurant, error) {
	key := restaurantCacheKey(id)

	var cached models.Restaurant
	if hit, _ := cache.Get(ctx, key, &cached); hit {
		return &cached, nil
	}

	rest, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		_ = cache.Set(ctx, key, rest, cache.GetDefaultTTL())
	}
	return rest, nil
}

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// Upsert создает или заменяет документ ресторана. owner это subject токена ресторана,
// пустая строка пропускает проверку владельца.
func (s *RestaurantService) Upsert(ctx context.Context, req *models.UpsertRestaurantRequest, owner string) (*models.Restaurant, error) {
	const op = "restaurants.Upsert"

	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.Validation(op, "name is required")
	}
	if req.Location == nil || !req.Location.Valid() {
		return nil, apperr.GeocodeUnavailable(op)
	}
	for _, h := range req.Hours {
		if !weekdays[strings.ToLower(h.Day)] {
			return nil, apperr.Validation(op, "unknown weekday %q", h.Day)
		}
		if _, err := time.Parse("15:04", h.Opening); err != nil {
			return nil, apperr.Validation(op, "invalid opening time %q", h.Opening)
		}
		if _, err := time.Parse("15:04", h.Closing); err != nil {
			return nil, apperr.Validation(op, "invalid closing time %q", h.Closing)
		}
	}
	for _, item := range req.Menu {
		if strings.TrimSpace(item.Name) == "" {
			return nil, apperr.Validation(op, "menu item without a name")
		}
		if item.PrepTime < 0 || item.Price < 0 {
			return nil, apperr.Validation(op, "menu item %q has negative price or prep time", item.Name)
		}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	rest := &models.Restaurant{
		Name:         req.Name,
		Address:      req.Address,
		Location:     *req.Location,
		Hours:        req.Hours,
		Menu:         req.Menu,
		CreatedAt:    now,
		UpdatedAt:    now,
		OwnerSubject: owner,
	}
	if req.ID != nil {
		rest.ID = *req.ID
	} else {
		rest.ID = uuid.New()
	}

	ok, err := s.restaurants.Upsert(ctx, rest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.External(op, "", apperr.ReasonDenied,
			fmt.Errorf("restaurant %s belongs to another account", rest.ID))
	}
	s.cache.Invalidate(ctx, restaurantCacheKey(rest.ID))
	s.log.WithField("restaurant_id", rest.ID).Info("Restaurant document stored")
	return s.restaurants.GetByID(ctx, rest.ID)
}

// Get возвращает ресторан по ID
func (s *RestaurantService) Get(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	return loadRestaurant(ctx, s.cache, s.restaurants, id)
}

// WarmupEntries готовит загрузчики документов всех ресторанов для CacheService.WarmupCache
func (s *RestaurantService) WarmupEntries(ctx context.Context) (map[string]func() (interface{}, error), error) {
	all, err := s.restaurants.List(ctx)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]func() (interface{}, error), len(all))
	for _, r := range all {
		rest := r
		entries[restaurantCacheKey(rest.ID)] = func() (interface{}, error) { return rest, nil }
	}
	return entries, nil
}

// EnsureOwner проверяет, что ресторан закреплен за subject
func (s *RestaurantService) EnsureOwner(ctx context.Context, id uuid.UUID, subject string) error {
	const op = "restaurants.EnsureOwner"

	rest, err := s.restaurants.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rest.OwnerSubject == "" || rest.OwnerSubject != subject {
		return apperr.External(op, "", apperr.ReasonDenied,
			fmt.Errorf("restaurant %s is not managed by this account", id))
	}
	return nil
}

// Nearby возвращает открытые рестораны в радиусе maxRestaurantSearchDistanceKm,
// ближайшие первыми. Расстояние в ответе округлено до 2 знаков.
func (s *RestaurantService) Nearby(ctx context.Context, from geo.Point) ([]models.NearbyRestaurant, error) {
	if !from.Valid() {
		return nil, apperr.GeocodeUnavailable("restaurants.Nearby")
	}

	all, err := s.restaurants.List(ctx)
	if err != nil {
		return nil, err
	}

	radius := s.settings.Current().MaxRestaurantSearchDistanceKm
	now := s.now().UTC()

	type candidate struct {
		rest     *models.Restaurant
		distance float64
	}
	var found []candidate
	for _, r := range all {
		if !r.IsOpen(now) {
			continue
		}
		d := geo.DistanceKm(from, r.Location)
		if d > radius {
			continue
		}
		found = append(found, candidate{rest: r, distance: d})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].distance < found[j].distance })

	result := make([]models.NearbyRestaurant, 0, len(found))
	for _, c := range found {
		result = append(result, models.NearbyRestaurant{
			Restaurant: *c.rest,
			DistanceKm: geo.RoundKm(c.distance),
		})
	}
	return result, nil
}
