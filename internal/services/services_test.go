package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/database"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/repository"
	"food-dispatch/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// понедельник, полдень UTC
var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

var (
	restaurantLocation = geo.Point{Lat: 52.5200, Lng: 13.4050}
	userLocation       = geo.Point{Lat: 52.5300, Lng: 13.4100}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	Type models.EventType
	Key  string
	Data interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, eventType models.EventType, key string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Key: key, Data: data})
	return nil
}

func (p *recordingPublisher) count(eventType models.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(eventType models.EventType) (publishedEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == eventType {
			return p.events[i], true
		}
	}
	return publishedEvent{}, false
}

func testSettings() models.Settings {
	return models.Settings{
		MaxRestaurantSearchDistanceKm: 50,
		MaxCourierSearchDistanceKm:    10,
		CourierTaskAvailabilityTime:   2 * time.Minute,
		LocationUpdateInterval:        10 * time.Second,
		TimeoutValue:                  5 * time.Minute,
	}
}

type harness struct {
	db          *database.DB
	clock       *fakeClock
	pub         *recordingPublisher
	scheduler   *Scheduler
	settings    *SettingsService
	orders      *OrderService
	couriers    *CourierService
	engine      *DispatchEngine
	flow        *ConfirmationFlow
	restaurants *RestaurantService
	tracker     *LocationTracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenInMemoryDB(t)
	log := logger.NewNop()
	clock := &fakeClock{now: t0}
	pub := &recordingPublisher{}

	settings := NewSettingsService(repository.NewSettingsRepository(db), testSettings(), pub, log)
	settings.now = clock.Now
	require.NoError(t, settings.Load(ctx))

	scheduler := NewScheduler()
	pricing := NewDeliveryPricingService(&config.DeliveryPricingConfig{
		BasePrice: 2.5, PricePerKm: 0.8, MinPrice: 3, MaxPrice: 25,
	}, log)

	h := &harness{
		db:          db,
		clock:       clock,
		pub:         pub,
		scheduler:   scheduler,
		settings:    settings,
		orders:      NewOrderService(db, settings, pricing, nil, pub, log),
		couriers:    NewCourierService(repository.NewCourierRepository(db), nil, pub, log),
		engine:      NewDispatchEngine(db, settings, scheduler, nil, pub, log),
		restaurants: NewRestaurantService(repository.NewRestaurantRepository(db), settings, nil, log),
	}
	h.flow = NewConfirmationFlow(h.orders, scheduler, log)
	h.tracker = NewLocationTracker(h.couriers, settings, InactivityPolicy{Window: 10 * time.Minute, ThresholdM: 50}, log)

	h.orders.now = clock.Now
	h.couriers.now = clock.Now
	h.engine.now = clock.Now
	h.flow.now = clock.Now
	h.restaurants.now = clock.Now
	h.tracker.now = clock.Now

	t.Cleanup(func() {
		h.tracker.Stop(context.Background())
		scheduler.Stop()
		h.engine.Wait()
	})
	return h
}

func (h *harness) restaurant(t *testing.T, hours ...models.DayHours) *models.Restaurant {
	t.Helper()
	loc := restaurantLocation
	rest, err := h.restaurants.Upsert(context.Background(), &models.UpsertRestaurantRequest{
		Name:     "Kiez Kitchen",
		Address:  "Alexanderplatz 1",
		Location: &loc,
		Hours:    hours,
		Menu: []models.MenuItem{
			{Name: "Soup", Price: 6.5, PrepTime: 10, Available: true},
			{Name: "Pasta", Price: 9, PrepTime: 5, Available: true},
			{Name: "Cake", Price: 4, PrepTime: 15, Available: false},
		},
	}, "")
	require.NoError(t, err)
	return rest
}

func orderRequest(restaurantID uuid.UUID) *models.CreateOrderRequest {
	loc := userLocation
	return &models.CreateOrderRequest{
		RestaurantID: restaurantID,
		UserID:       "user-42",
		UserAddress:  "Torstrasse 10",
		UserLocation: &loc,
		Items: []models.CreateOrderItemRequest{
			{Name: "Soup", Quantity: 1},
			{Name: "pasta", Quantity: 2},
		},
	}
}

func (h *harness) placeOrder(t *testing.T, restaurantID uuid.UUID) *models.Order {
	t.Helper()
	order, err := h.flow.Place(context.Background(), orderRequest(restaurantID))
	require.NoError(t, err)
	return order
}

func (h *harness) confirmedOrder(t *testing.T, restaurantID uuid.UUID) *models.Order {
	t.Helper()
	order := h.placeOrder(t, restaurantID)
	confirmed, err := h.flow.Confirm(context.Background(), restaurantID, order.ID)
	require.NoError(t, err)
	return confirmed
}

// near возвращает точку примерно в km километрах к северу от ресторана
func near(km float64) geo.Point {
	return geo.Point{Lat: restaurantLocation.Lat + km/111.2, Lng: restaurantLocation.Lng}
}

func (h *harness) activeCourier(t *testing.T, email string, at geo.Point) *models.Courier {
	t.Helper()
	ctx := context.Background()
	c, _, err := h.couriers.RegisterOrFind(ctx, &models.Identity{Subject: email, Email: email, Role: models.RoleCourier})
	require.NoError(t, err)
	_, err = h.couriers.SetStatus(ctx, c.ID, models.CourierStatusActive)
	require.NoError(t, err)
	_, err = h.couriers.SetMovementFlag(ctx, c.ID, models.MovementFlagActive)
	require.NoError(t, err)
	c, outcome, err := h.couriers.CommitLocation(ctx, c.ID,
		models.LocationSample{Lat: at.Lat, Lng: at.Lng, Timestamp: h.clock.Now()},
		InactivityPolicy{Window: 10 * time.Minute, ThresholdM: 50})
	require.NoError(t, err)
	require.Equal(t, LocationCommitted, outcome)
	return c
}

func assertCourierInvariant(t *testing.T, o *models.Order) {
	t.Helper()
	assert.Equal(t, o.DeliveryStatus.HasCourier(), o.CourierID != nil,
		"courier_id presence must match status %q", o.DeliveryStatus)
	if o.OfferedTo != nil {
		assert.Equal(t, models.DeliveryStatusConfirmed, o.DeliveryStatus)
		assert.Nil(t, o.CourierID)
	}
}
