package handlers

import (
	"net/http"

	"food-dispatch/internal/auth"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/services"

	"github.com/google/uuid"
)

// RestaurantHandler обслуживает документы ресторанов и их очередь заказов
type RestaurantHandler struct {
	restaurants *services.RestaurantService
	orders      *services.OrderService
	log         *logger.Logger
}

// NewRestaurantHandler создает обработчик ресторанов
func NewRestaurantHandler(restaurants *services.RestaurantService, orders *services.OrderService, log *logger.Logger) *RestaurantHandler {
	return &RestaurantHandler{
		restaurants: restaurants,
		orders:      orders,
		log:         log,
	}
}

// restaurantOwner возвращает subject токена ресторана. Для администратора и без
// аутентификации возвращается пустая строка, владелец тогда не проверяется.
func restaurantOwner(r *http.Request) string {
	identity, ok := auth.FromContext(r.Context())
	if !ok || identity.Role != models.RoleRestaurant {
		return ""
	}
	return identity.Subject
}

// ensureRestaurantOwner запрещает токену ресторана действовать за чужой ресторан
func ensureRestaurantOwner(r *http.Request, restaurants *services.RestaurantService, restaurantID uuid.UUID) error {
	owner := restaurantOwner(r)
	if owner == "" {
		return nil
	}
	return restaurants.EnsureOwner(r.Context(), restaurantID, owner)
}

// Upsert создает или заменяет документ ресторана
func (h *RestaurantHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertRestaurantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	restaurant, err := h.restaurants.Upsert(r.Context(), &req, restaurantOwner(r))
	if err != nil {
		writeServiceError(w, h.log, "restaurants.upsert", err)
		return
	}

	status := http.StatusOK
	if req.ID == nil {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, restaurant)
}

// Get возвращает ресторан по ID
func (h *RestaurantHandler) Get(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	restaurant, err := h.restaurants.Get(r.Context(), restaurantID)
	if err != nil {
		writeServiceError(w, h.log, "restaurants.get", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, restaurant)
}

// Nearby ищет открытые рестораны в радиусе поиска от точки lat/lng
func (h *RestaurantHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	lng, err := queryFloat(r, "lng")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	found, err := h.restaurants.Nearby(r.Context(), geo.Point{Lat: lat, Lng: lng})
	if err != nil {
		writeServiceError(w, h.log, "restaurants.nearby", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, found)
}

// ActiveOrders возвращает текущие заказы ресторана
func (h *RestaurantHandler) ActiveOrders(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := ensureRestaurantOwner(r, h.restaurants, restaurantID); err != nil {
		writeServiceError(w, h.log, "restaurants.orders", err)
		return
	}

	orders, err := h.orders.ListActiveByRestaurant(r.Context(), restaurantID)
	if err != nil {
		writeServiceError(w, h.log, "restaurants.orders", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orders)
}
