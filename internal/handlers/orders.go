package handlers

import (
	"context"
	"errors"
	"net/http"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/auth"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// OrderHandler представляет обработчик заказов
type OrderHandler struct {
	flow        *services.ConfirmationFlow
	orders      *services.OrderService
	engine      *services.DispatchEngine
	couriers    *services.CourierService
	restaurants *services.RestaurantService
	log         *logger.Logger
}

// NewOrderHandler создает новый обработчик заказов
func NewOrderHandler(flow *services.ConfirmationFlow, orders *services.OrderService, engine *services.DispatchEngine,
	couriers *services.CourierService, restaurants *services.RestaurantService, log *logger.Logger) *OrderHandler {
	return &OrderHandler{
		flow:        flow,
		orders:      orders,
		engine:      engine,
		couriers:    couriers,
		restaurants: restaurants,
		log:         log,
	}
}

// RestaurantDecisionRequest представляет решение ресторана по заказу
type RestaurantDecisionRequest struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

// CreateOrder принимает заказ и запускает окно подтверждения рестораном
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// пользователь заказывает только от своего имени
	if identity, ok := auth.FromContext(r.Context()); ok && identity.Role == models.RoleUser {
		req.UserID = identity.Subject
	}

	order, err := h.flow.Place(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.log, "orders.create", err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, order)
}

// GetOrder получает заказ по ID
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.log, "orders.get", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, order)
}

// GetOfferHistory возвращает офферы по заказу
func (h *OrderHandler) GetOfferHistory(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	offers, err := h.engine.OfferHistory(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.log, "orders.offers", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, offers)
}

// Confirm подтверждает заказ от имени ресторана
func (h *OrderHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "orders.confirm", h.flow.Confirm)
}

// Reject отклоняет заказ от имени ресторана
func (h *OrderHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "orders.reject", h.flow.Reject)
}

type restaurantDecision func(ctx context.Context, restaurantID, orderID uuid.UUID) (*models.Order, error)

func (h *OrderHandler) decide(w http.ResponseWriter, r *http.Request, operation string, decision restaurantDecision) {
	orderID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req RestaurantDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RestaurantID == uuid.Nil {
		writeErrorResponse(w, http.StatusBadRequest, "restaurant_id is required")
		return
	}

	if err := ensureRestaurantOwner(r, h.restaurants, req.RestaurantID); err != nil {
		writeServiceError(w, h.log, operation, err)
		return
	}

	order, err := decision(r.Context(), req.RestaurantID, orderID)
	if err != nil {
		writeServiceError(w, h.log, operation, err)
		return
	}

	h.log.WithField("order_id", orderID).
		WithField("delivery_status", order.DeliveryStatus).
		Info("Restaurant decision recorded")
	writeJSONResponse(w, http.StatusOK, order)
}

// MarkPickedUp фиксирует, что курьер забрал заказ в ресторане
func (h *OrderHandler) MarkPickedUp(w http.ResponseWriter, r *http.Request) {
	h.courierAction(w, r, "orders.pickup", h.orders.MarkPickedUp)
}

// MarkDelivered фиксирует доставку и переносит заказ в архив
func (h *OrderHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.courierAction(w, r, "orders.deliver", h.orders.MarkDelivered)
}

type courierTransition func(ctx context.Context, orderID, courierID uuid.UUID) (*models.Order, error)

func (h *OrderHandler) courierAction(w http.ResponseWriter, r *http.Request, operation string, transition courierTransition) {
	orderID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req models.CourierActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CourierID == uuid.Nil {
		writeErrorResponse(w, http.StatusBadRequest, "courier_id is required")
		return
	}
	if err := ensureCourierSelf(r, h.couriers, req.CourierID); err != nil {
		writeServiceError(w, h.log, operation, err)
		return
	}

	order, err := transition(r.Context(), orderID, req.CourierID)
	if err != nil {
		writeServiceError(w, h.log, operation, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, order)
}

// Dispatch запускает внеочередной раунд подбора курьера
func (h *OrderHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	offer, err := h.engine.Dispatch(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.log, "orders.dispatch", err)
		return
	}
	if offer == nil {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"order_id": orderID,
			"matched":  false,
		})
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"order_id": orderID,
		"matched":  true,
		"offer":    offer,
	})
}

// GetCompletedOrders ищет в архиве выполненных заказов
func (h *OrderHandler) GetCompletedOrders(w http.ResponseWriter, r *http.Request) {
	var filter models.CompletedOrderFilter
	var err error

	if filter.CourierID, err = queryUUID(r, "courier_id"); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.RestaurantID, err = queryUUID(r, "restaurant_id"); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.From, err = queryTime(r, "from"); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.UserID = r.URL.Query().Get("user_id")
	filter.Limit, filter.Offset = pagination(r)

	// пользователь видит только свою историю
	if identity, ok := auth.FromContext(r.Context()); ok && identity.Role == models.RoleUser {
		filter.UserID = identity.Subject
	}

	orders, err := h.orders.ListCompleted(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, "orders.completed", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orders)
}

// GetUserOrders возвращает активные заказы пользователя, включая отклоненные
func (h *OrderHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if identity, ok := auth.FromContext(r.Context()); ok && identity.Role == models.RoleUser && identity.Subject != userID {
		writeServiceError(w, h.log, "orders.by_user",
			apperr.External("orders.by_user", "", apperr.ReasonDenied, errors.New("users may only read their own orders")))
		return
	}

	orders, err := h.orders.ListActiveByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.log, "orders.by_user", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orders)
}
