package handlers

import (
	"net/http"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/middleware"
	"food-dispatch/internal/models"
	"food-dispatch/internal/services"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router собирает обработчики и общие зависимости HTTP слоя
type Router struct {
	Health      *HealthHandler
	Orders      *OrderHandler
	Couriers    *CourierHandler
	Restaurants *RestaurantHandler
	Settings    *SettingsHandler
	Cache       *CacheHandler
	RateLimit   *RateLimitHandler

	Auth        *config.AuthConfig
	RateLimiter *services.RateLimiterService
	Log         *logger.Logger
}

// Handler строит дерево маршрутов. Служебные эндпоинты не требуют токена,
// все /api маршруты проходят аутентификацию и rate limiting.
func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logging(rt.Log))

	r.HandleFunc("/health", rt.Health.Health).Methods(http.MethodGet)
	r.HandleFunc("/health/readiness", rt.Health.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/liveness", rt.Health.Liveness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Authenticate(rt.Auth, rt.Log), middleware.RateLimit(rt.RateLimiter, rt.Log))

	route := func(path string, h http.HandlerFunc, method string, roles ...models.Role) {
		var handler http.Handler = h
		if len(roles) > 0 {
			handler = middleware.RequireRole(roles...)(handler)
		}
		api.Handle(path, handler).Methods(method)
	}

	// Restaurants
	route("/restaurants", rt.Restaurants.Upsert, http.MethodPost, models.RoleRestaurant)
	route("/restaurants/nearby", rt.Restaurants.Nearby, http.MethodGet)
	route("/restaurants/{id}", rt.Restaurants.Get, http.MethodGet)
	route("/restaurants/{id}/orders", rt.Restaurants.ActiveOrders, http.MethodGet, models.RoleRestaurant)

	// Orders
	route("/orders", rt.Orders.CreateOrder, http.MethodPost, models.RoleUser)
	route("/orders/completed", rt.Orders.GetCompletedOrders, http.MethodGet)
	route("/orders/{id}", rt.Orders.GetOrder, http.MethodGet)
	route("/orders/{id}/offers", rt.Orders.GetOfferHistory, http.MethodGet, models.RoleAdmin)
	route("/orders/{id}/confirm", rt.Orders.Confirm, http.MethodPost, models.RoleRestaurant)
	route("/orders/{id}/reject", rt.Orders.Reject, http.MethodPost, models.RoleRestaurant)
	route("/orders/{id}/pickup", rt.Orders.MarkPickedUp, http.MethodPost, models.RoleCourier)
	route("/orders/{id}/deliver", rt.Orders.MarkDelivered, http.MethodPost, models.RoleCourier)
	route("/orders/{id}/dispatch", rt.Orders.Dispatch, http.MethodPost, models.RoleAdmin)
	route("/users/{userId}/orders", rt.Orders.GetUserOrders, http.MethodGet, models.RoleUser)

	// Couriers
	route("/couriers", rt.Couriers.Register, http.MethodPost, models.RoleCourier)
	route("/couriers", rt.Couriers.GetCouriers, http.MethodGet, models.RoleAdmin)
	route("/couriers/{id}", rt.Couriers.GetCourier, http.MethodGet)
	route("/couriers/{id}/status", rt.Couriers.UpdateStatus, http.MethodPut, models.RoleCourier)
	route("/couriers/{id}/movement", rt.Couriers.UpdateMovementFlag, http.MethodPut, models.RoleCourier)
	route("/couriers/{id}/location", rt.Couriers.SubmitLocation, http.MethodPost, models.RoleCourier)
	route("/couriers/{id}/location/failure", rt.Couriers.ReportPositioningFailure, http.MethodPost, models.RoleCourier)
	route("/couriers/{id}/tracking", rt.Couriers.StopTracking, http.MethodDelete, models.RoleCourier)
	route("/couriers/{id}/task", rt.Couriers.GetTask, http.MethodGet, models.RoleCourier)
	route("/couriers/{id}/offer", rt.Couriers.GetOffer, http.MethodGet, models.RoleCourier)
	route("/couriers/{id}/offers/{orderId}/accept", rt.Couriers.AcceptOffer, http.MethodPost, models.RoleCourier)
	route("/couriers/{id}/offers/{orderId}/reject", rt.Couriers.RejectOffer, http.MethodPost, models.RoleCourier)

	// Settings
	route("/settings", rt.Settings.Get, http.MethodGet)
	route("/settings", rt.Settings.Update, http.MethodPut, models.RoleAdmin)

	// Service
	route("/cache/metrics", rt.Cache.GetMetrics, http.MethodGet, models.RoleAdmin)
	route("/rate-limit/status", rt.RateLimit.GetStatus, http.MethodGet)

	// preflight не совпадает ни с одним маршрутом, поэтому CORS снаружи роутера
	return middleware.CORS(r)
}
